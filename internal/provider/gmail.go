package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"golang.org/x/time/rate"

	"github.com/krsnalabs/booking-automation/pkg/models"
)

// GmailConfig configures the Gmail adapter
type GmailConfig struct {
	BaseURL string // e.g., https://gmail.googleapis.com/gmail/v1
	Timeout time.Duration
	RPS     float64
}

func (c GmailConfig) withDefaults() GmailConfig {
	if c.BaseURL == "" {
		c.BaseURL = "https://gmail.googleapis.com/gmail/v1"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RPS <= 0 {
		c.RPS = 5
	}
	return c
}

// Gmail talks to the Gmail REST API: the History API for incremental sync,
// users.watch for push subscriptions, messages.send for outbound mail.
type Gmail struct {
	rest   *restClient
	logger *slog.Logger
}

// NewGmail creates the Gmail adapter
func NewGmail(cfg GmailConfig, tokens TokenSource, logger *slog.Logger) *Gmail {
	cfg = cfg.withDefaults()
	return &Gmail{
		rest: &restClient{
			baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
			httpClient: &http.Client{Timeout: cfg.Timeout},
			tokens:     tokens,
			limiter:    rate.NewLimiter(rate.Limit(cfg.RPS), 1),
		},
		logger: logger.With("component", "gmail"),
	}
}

type gmailHistoryResponse struct {
	History []struct {
		ID            uint64 `json:"id,string"`
		MessagesAdded []struct {
			Message gmailMessageRef `json:"message"`
		} `json:"messagesAdded"`
	} `json:"history"`
	NextPageToken string `json:"nextPageToken"`
	HistoryID     uint64 `json:"historyId,string"`
}

type gmailMessageRef struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"threadId"`
	LabelIDs []string `json:"labelIds"`
}

type gmailMessage struct {
	ID           string   `json:"id"`
	ThreadID     string   `json:"threadId"`
	LabelIDs     []string `json:"labelIds"`
	InternalDate int64    `json:"internalDate,string"`
	Raw          string   `json:"raw"`
}

type gmailProfile struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId,string"`
}

type gmailWatchResponse struct {
	HistoryID  uint64 `json:"historyId,string"`
	Expiration int64  `json:"expiration,string"` // epoch millis
}

// FetchIncrementalChanges lists history records since the stored
// lastHistoryId and fetches each newly added message. The stored state is
// not touched; the caller persists cs.NewState after its own writes.
func (g *Gmail) FetchIncrementalChanges(ctx context.Context, account *models.EmailAccount) (ChangeSet, error) {
	st := account.State.Gmail
	if st == nil || st.LastHistoryID == 0 {
		return ChangeSet{}, ErrNeedsResync
	}

	seen := make(map[string]bool)
	var refs []gmailMessageRef
	newHistoryID := st.LastHistoryID

	pageToken := ""
	for {
		url := fmt.Sprintf("%s/users/me/history?startHistoryId=%d&historyTypes=messageAdded", g.rest.baseURL, st.LastHistoryID)
		if pageToken != "" {
			url += "&pageToken=" + pageToken
		}

		var page gmailHistoryResponse
		if err := g.rest.doJSON(ctx, account, "gmail history", http.MethodGet, url, nil, &page); err != nil {
			// Gmail answers 404 when the start history id has aged out
			if statusOf(err) == http.StatusNotFound {
				return ChangeSet{}, ErrNeedsResync
			}
			return ChangeSet{}, err
		}

		if page.HistoryID > newHistoryID {
			newHistoryID = page.HistoryID
		}
		for _, h := range page.History {
			if h.ID > newHistoryID {
				newHistoryID = h.ID
			}
			for _, added := range h.MessagesAdded {
				// Overlapping history records may reference the same
				// message; fetch each one once
				if seen[added.Message.ID] {
					continue
				}
				seen[added.Message.ID] = true
				refs = append(refs, added.Message)
			}
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}

	events := make([]RawEvent, 0, len(refs))
	for _, ref := range refs {
		ev, err := g.fetchMessage(ctx, account, ref.ID)
		if err != nil {
			// A message can vanish between the history listing and the
			// fetch (user deletion); skip it rather than fail the sync
			if statusOf(err) == http.StatusNotFound {
				g.logger.Warn("message disappeared before fetch", "message_id", ref.ID)
				continue
			}
			return ChangeSet{}, err
		}
		events = append(events, ev)
	}

	next := *st
	next.LastHistoryID = newHistoryID
	return ChangeSet{Events: events, NewState: models.ProviderState{Gmail: &next}}, nil
}

func (g *Gmail) fetchMessage(ctx context.Context, account *models.EmailAccount, id string) (RawEvent, error) {
	var msg gmailMessage
	url := fmt.Sprintf("%s/users/me/messages/%s?format=raw", g.rest.baseURL, id)
	if err := g.rest.doJSON(ctx, account, "gmail message fetch", http.MethodGet, url, nil, &msg); err != nil {
		return RawEvent{}, err
	}

	ev := RawEvent{
		ProviderMessageID: msg.ID,
		ThreadID:          msg.ThreadID,
		Direction:         DirectionInbound,
		Timestamp:         time.UnixMilli(msg.InternalDate),
	}
	for _, label := range msg.LabelIDs {
		if label == "SENT" {
			ev.Direction = DirectionOutbound
		}
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(msg.Raw, "="))
	if err != nil {
		return RawEvent{}, fmt.Errorf("failed to decode raw message %s: %w", msg.ID, err)
	}
	g.parseRaw(raw, &ev)
	return ev, nil
}

// parseRaw extracts headers and body parts from the RFC 822 payload.
// Parsing problems degrade to an empty body rather than failing the sync.
func (g *Gmail) parseRaw(raw []byte, ev *RawEvent) {
	mr, err := mail.CreateReader(strings.NewReader(string(raw)))
	if err != nil {
		g.logger.Warn("failed to parse raw message", "message_id", ev.ProviderMessageID, "error", err)
		return
	}

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		ev.From = from[0].Address
	}
	if subject, err := mr.Header.Subject(); err == nil {
		ev.Subject = subject
	}
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		ev.Timestamp = date
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			g.logger.Warn("failed to read message part", "message_id", ev.ProviderMessageID, "error", err)
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			if strings.HasPrefix(ct, "text/html") {
				ev.BodyHTML = string(body)
			} else if strings.HasPrefix(ct, "text/plain") {
				ev.BodyText = string(body)
			}
		case *mail.AttachmentHeader:
			if ev.ContentRef == "" {
				ev.ContentRef = fmt.Sprintf("gmail://messages/%s/attachments", ev.ProviderMessageID)
			}
		}
	}
}

// Resync establishes a fresh baseline from the mailbox's current history
// id. Messages between the expired cursor and the new baseline are not
// backfilled, matching Gmail's history-expiry behavior.
func (g *Gmail) Resync(ctx context.Context, account *models.EmailAccount) (models.ProviderState, error) {
	var profile gmailProfile
	url := g.rest.baseURL + "/users/me/profile"
	if err := g.rest.doJSON(ctx, account, "gmail profile", http.MethodGet, url, nil, &profile); err != nil {
		return models.ProviderState{}, err
	}

	next := GmailStateOf(account)
	next.LastHistoryID = profile.HistoryID
	return models.ProviderState{Gmail: &next}, nil
}

// RenewWatch re-registers the Pub/Sub watch. Safe to call on a fresh
// subscription; Gmail simply extends the expiration.
func (g *Gmail) RenewWatch(ctx context.Context, account *models.EmailAccount) (models.ProviderState, error) {
	st := GmailStateOf(account)
	labels := st.LabelIDs
	if len(labels) == 0 {
		labels = []string{"INBOX"}
	}

	body := map[string]any{
		"topicName": st.TopicName,
		"labelIds":  labels,
	}
	var resp gmailWatchResponse
	url := g.rest.baseURL + "/users/me/watch"
	if err := g.rest.doJSON(ctx, account, "gmail watch", http.MethodPost, url, body, &resp); err != nil {
		return models.ProviderState{}, err
	}

	next := st
	next.WatchExpiration = time.UnixMilli(resp.Expiration)
	next.LabelIDs = labels
	if next.LastHistoryID == 0 {
		next.LastHistoryID = resp.HistoryID
	}
	return models.ProviderState{Gmail: &next}, nil
}

// SendMessage sends an outbound email and returns Gmail's message id
func (g *Gmail) SendMessage(ctx context.Context, account *models.EmailAccount, msg OutboundMessage) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", account.EmailAddress)
	fmt.Fprintf(&sb, "To: %s\r\n", msg.To)
	fmt.Fprintf(&sb, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&sb, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(msg.Body)

	body := map[string]any{
		"raw": base64.URLEncoding.EncodeToString([]byte(sb.String())),
	}
	if msg.ThreadID != "" {
		body["threadId"] = msg.ThreadID
	}

	var resp gmailMessageRef
	url := g.rest.baseURL + "/users/me/messages/send"
	if err := g.rest.doJSON(ctx, account, "gmail send", http.MethodPost, url, body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// GmailStateOf returns a copy of the account's Gmail state arm, zero if unset
func GmailStateOf(account *models.EmailAccount) models.GmailState {
	if account.State.Gmail != nil {
		return *account.State.Gmail
	}
	return models.GmailState{}
}
