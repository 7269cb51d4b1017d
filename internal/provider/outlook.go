package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/krsnalabs/booking-automation/pkg/models"
)

const defaultOutlookResource = "/me/mailFolders('Inbox')/messages"

// OutlookConfig configures the Outlook adapter
type OutlookConfig struct {
	BaseURL         string // e.g., https://graph.microsoft.com/v1.0
	NotificationURL string // webhook URL Graph delivers change notifications to
	Timeout         time.Duration
	RPS             float64
}

func (c OutlookConfig) withDefaults() OutlookConfig {
	if c.BaseURL == "" {
		c.BaseURL = "https://graph.microsoft.com/v1.0"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RPS <= 0 {
		c.RPS = 5
	}
	return c
}

// Outlook talks to Microsoft Graph: delta queries for incremental sync and
// the subscriptions API for change notifications.
type Outlook struct {
	rest            *restClient
	notificationURL string
	logger          *slog.Logger
}

// NewOutlook creates the Outlook adapter
func NewOutlook(cfg OutlookConfig, tokens TokenSource, logger *slog.Logger) *Outlook {
	cfg = cfg.withDefaults()
	return &Outlook{
		rest: &restClient{
			baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
			httpClient: &http.Client{Timeout: cfg.Timeout},
			tokens:     tokens,
			limiter:    rate.NewLimiter(rate.Limit(cfg.RPS), 1),
		},
		notificationURL: cfg.NotificationURL,
		logger:          logger.With("component", "outlook"),
	}
}

type graphMessage struct {
	ID               string `json:"id"`
	ConversationID   string `json:"conversationId"`
	Subject          string `json:"subject"`
	ReceivedDateTime string `json:"receivedDateTime"`
	IsDraft          bool   `json:"isDraft"`
	HasAttachments   bool   `json:"hasAttachments"`
	From             struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

type graphDeltaResponse struct {
	Value     []graphMessage `json:"value"`
	NextLink  string         `json:"@odata.nextLink"`
	DeltaLink string         `json:"@odata.deltaLink"`
}

type graphSubscription struct {
	ID                 string `json:"id,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime,omitempty"`
}

// FetchIncrementalChanges walks the delta rounds from the stored delta
// token until Graph hands back a new deltaLink. The stored state is not
// touched; the caller persists cs.NewState after its own writes.
func (o *Outlook) FetchIncrementalChanges(ctx context.Context, account *models.EmailAccount) (ChangeSet, error) {
	st := account.State.Outlook
	if st == nil || st.DeltaToken == "" {
		return ChangeSet{}, ErrNeedsResync
	}

	resource := st.Resource
	if resource == "" {
		resource = defaultOutlookResource
	}
	next := fmt.Sprintf("%s%s/delta?$deltatoken=%s", o.rest.baseURL, resource, url.QueryEscape(st.DeltaToken))

	var events []RawEvent
	seen := make(map[string]bool)
	deltaLink := ""

	for next != "" {
		var page graphDeltaResponse
		if err := o.rest.doJSON(ctx, account, "graph delta", http.MethodGet, next, nil, &page); err != nil {
			// Graph answers 410 Gone when the delta token has expired
			if statusOf(err) == http.StatusGone {
				return ChangeSet{}, ErrNeedsResync
			}
			return ChangeSet{}, err
		}

		for _, m := range page.Value {
			if m.ID == "" || m.IsDraft || seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			events = append(events, o.toRawEvent(account, m))
		}

		next = page.NextLink
		if page.DeltaLink != "" {
			deltaLink = page.DeltaLink
		}
	}

	token, err := deltaTokenOf(deltaLink)
	if err != nil {
		return ChangeSet{}, fmt.Errorf("graph delta: %w", err)
	}

	nextState := *st
	nextState.DeltaToken = token
	return ChangeSet{Events: events, NewState: models.ProviderState{Outlook: &nextState}}, nil
}

func (o *Outlook) toRawEvent(account *models.EmailAccount, m graphMessage) RawEvent {
	ev := RawEvent{
		ProviderMessageID: m.ID,
		ThreadID:          m.ConversationID,
		Direction:         DirectionInbound,
		From:              m.From.EmailAddress.Address,
		Subject:           m.Subject,
	}
	if strings.EqualFold(ev.From, account.EmailAddress) {
		ev.Direction = DirectionOutbound
	}
	if ts, err := time.Parse(time.RFC3339, m.ReceivedDateTime); err == nil {
		ev.Timestamp = ts
	}
	if strings.EqualFold(m.Body.ContentType, "html") {
		ev.BodyHTML = m.Body.Content
	} else {
		ev.BodyText = m.Body.Content
	}
	if m.HasAttachments {
		ev.ContentRef = fmt.Sprintf("graph://messages/%s/attachments", m.ID)
	}
	return ev
}

// Resync asks Graph for a baseline delta token without replaying history
func (o *Outlook) Resync(ctx context.Context, account *models.EmailAccount) (models.ProviderState, error) {
	st := OutlookStateOf(account)
	resource := st.Resource
	if resource == "" {
		resource = defaultOutlookResource
	}

	// $deltatoken=latest yields an empty page whose deltaLink is the
	// current baseline
	next := fmt.Sprintf("%s%s/delta?$deltatoken=latest", o.rest.baseURL, resource)
	deltaLink := ""
	for next != "" {
		var page graphDeltaResponse
		if err := o.rest.doJSON(ctx, account, "graph delta baseline", http.MethodGet, next, nil, &page); err != nil {
			return models.ProviderState{}, err
		}
		next = page.NextLink
		if page.DeltaLink != "" {
			deltaLink = page.DeltaLink
		}
	}

	token, err := deltaTokenOf(deltaLink)
	if err != nil {
		return models.ProviderState{}, fmt.Errorf("graph delta baseline: %w", err)
	}

	st.DeltaToken = token
	st.Resource = resource
	return models.ProviderState{Outlook: &st}, nil
}

// RenewWatch extends the Graph subscription, creating one when none exists
// or the old one is already gone
func (o *Outlook) RenewWatch(ctx context.Context, account *models.EmailAccount) (models.ProviderState, error) {
	st := OutlookStateOf(account)
	resource := st.Resource
	if resource == "" {
		resource = defaultOutlookResource
	}
	expiration := time.Now().Add(71 * time.Hour).UTC() // Graph caps mail subscriptions at ~3 days

	if st.SubscriptionID != "" {
		var resp graphSubscription
		url := o.rest.baseURL + "/subscriptions/" + st.SubscriptionID
		body := graphSubscription{ExpirationDateTime: expiration.Format(time.RFC3339)}
		err := o.rest.doJSON(ctx, account, "graph subscription renew", http.MethodPatch, url, body, &resp)
		if err == nil {
			st.SubscriptionID = resp.ID
			st.SubscriptionExpiration = subscriptionExpiration(resp, expiration)
			st.Resource = resource
			return models.ProviderState{Outlook: &st}, nil
		}
		if statusOf(err) != http.StatusNotFound {
			return models.ProviderState{}, err
		}
		o.logger.Warn("subscription vanished, creating a new one", "subscription_id", st.SubscriptionID)
	}

	body := graphSubscription{
		ChangeType:         "created",
		NotificationURL:    o.notificationURL,
		Resource:           strings.TrimPrefix(resource, "/"),
		ExpirationDateTime: expiration.Format(time.RFC3339),
	}
	var resp graphSubscription
	if err := o.rest.doJSON(ctx, account, "graph subscription create", http.MethodPost, o.rest.baseURL+"/subscriptions", body, &resp); err != nil {
		return models.ProviderState{}, err
	}

	st.SubscriptionID = resp.ID
	st.SubscriptionExpiration = subscriptionExpiration(resp, expiration)
	st.Resource = resource
	return models.ProviderState{Outlook: &st}, nil
}

// subscriptionExpiration prefers the expiration Graph actually granted,
// which may be earlier than the one requested
func subscriptionExpiration(resp graphSubscription, requested time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339, resp.ExpirationDateTime); err == nil {
		return t.UTC()
	}
	return requested
}

// SendMessage creates a draft and sends it. Graph's direct sendMail call
// returns no message id, so the draft id doubles as the provider id.
func (o *Outlook) SendMessage(ctx context.Context, account *models.EmailAccount, msg OutboundMessage) (string, error) {
	draft := map[string]any{
		"subject": msg.Subject,
		"body": map[string]any{
			"contentType": "Text",
			"content":     msg.Body,
		},
		"toRecipients": []map[string]any{
			{"emailAddress": map[string]any{"address": msg.To}},
		},
	}

	var created graphMessage
	if err := o.rest.doJSON(ctx, account, "graph draft create", http.MethodPost, o.rest.baseURL+"/me/messages", draft, &created); err != nil {
		return "", err
	}

	sendURL := fmt.Sprintf("%s/me/messages/%s/send", o.rest.baseURL, created.ID)
	if err := o.rest.doJSON(ctx, account, "graph send", http.MethodPost, sendURL, nil, nil); err != nil {
		return "", err
	}
	return created.ID, nil
}

// OutlookStateOf returns a copy of the account's Outlook state arm, zero if unset
func OutlookStateOf(account *models.EmailAccount) models.OutlookState {
	if account.State.Outlook != nil {
		return *account.State.Outlook
	}
	return models.OutlookState{}
}

func deltaTokenOf(deltaLink string) (string, error) {
	if deltaLink == "" {
		return "", fmt.Errorf("no deltaLink in final delta page")
	}
	u, err := url.Parse(deltaLink)
	if err != nil {
		return "", fmt.Errorf("bad deltaLink: %w", err)
	}
	for key, vals := range u.Query() {
		if strings.EqualFold(key, "$deltatoken") && len(vals) > 0 && vals[0] != "" {
			return vals[0], nil
		}
	}
	return "", fmt.Errorf("deltaLink carries no $deltatoken")
}
