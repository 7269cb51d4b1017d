package provider

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/krsnalabs/booking-automation/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGmail(serverURL string) *Gmail {
	return NewGmail(GmailConfig{BaseURL: serverURL, RPS: 1000}, StaticTokenSource("test-token"), testLogger())
}

func gmailAccount(historyID uint64) *models.EmailAccount {
	return &models.EmailAccount{
		ID:           1,
		Provider:     models.ProviderGmail,
		EmailAddress: "host@example.com",
		Status:       models.AccountActive,
		State: models.ProviderState{Gmail: &models.GmailState{
			LastHistoryID: historyID,
			TopicName:     "projects/demo/topics/gmail-events",
		}},
	}
}

func rawRFC822(from, subject, body string) string {
	msg := fmt.Sprintf("From: %s\r\nTo: host@example.com\r\nSubject: %s\r\nDate: Tue, 10 Mar 2026 09:00:00 +0000\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s", from, subject, body)
	return base64.URLEncoding.EncodeToString([]byte(msg))
}

func TestGmailFetchIncrementalChanges(t *testing.T) {
	var historyCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("authorization = %q", got)
		}
		switch {
		case strings.HasPrefix(r.URL.Path, "/users/me/history"):
			historyCalls++
			if r.URL.Query().Get("startHistoryId") != "100" {
				t.Errorf("startHistoryId = %q", r.URL.Query().Get("startHistoryId"))
			}
			if r.URL.Query().Get("pageToken") == "" {
				// page one: two records, one message redelivered in both
				fmt.Fprint(w, `{
					"history": [
						{"id": "101", "messagesAdded": [{"message": {"id": "m-1", "threadId": "t-1"}}]},
						{"id": "103", "messagesAdded": [{"message": {"id": "m-1", "threadId": "t-1"}}, {"message": {"id": "m-2", "threadId": "t-1", "labelIds": ["SENT"]}}]}
					],
					"nextPageToken": "page-2",
					"historyId": "105"
				}`)
				return
			}
			fmt.Fprint(w, `{"history": [{"id": "105", "messagesAdded": [{"message": {"id": "m-3", "threadId": "t-2"}}]}], "historyId": "105"}`)
		case r.URL.Path == "/users/me/messages/m-1":
			fmt.Fprintf(w, `{"id": "m-1", "threadId": "t-1", "internalDate": "1770000000000", "raw": %q}`,
				rawRFC822("ada@example.com", "Question about checkout", "Is checkout at 11?"))
		case r.URL.Path == "/users/me/messages/m-2":
			fmt.Fprintf(w, `{"id": "m-2", "threadId": "t-1", "labelIds": ["SENT"], "internalDate": "1770000100000", "raw": %q}`,
				rawRFC822("host@example.com", "Re: checkout", "Yes, 11am."))
		case r.URL.Path == "/users/me/messages/m-3":
			// vanished between listing and fetch
			w.WriteHeader(http.StatusNotFound)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer srv.Close()

	g := newTestGmail(srv.URL)
	cs, err := g.FetchIncrementalChanges(t.Context(), gmailAccount(100))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if historyCalls != 2 {
		t.Errorf("history calls = %d, want 2", historyCalls)
	}
	if len(cs.Events) != 2 {
		t.Fatalf("got %d events, want 2 (m-1 once, m-2, m-3 skipped): %+v", len(cs.Events), cs.Events)
	}

	first := cs.Events[0]
	if first.ProviderMessageID != "m-1" || first.ThreadID != "t-1" {
		t.Errorf("first event = %+v", first)
	}
	if first.Direction != DirectionInbound || first.From != "ada@example.com" {
		t.Errorf("first event direction/from = %q/%q", first.Direction, first.From)
	}
	if first.Subject != "Question about checkout" || first.BodyText != "Is checkout at 11?" {
		t.Errorf("first event parsed = %q / %q", first.Subject, first.BodyText)
	}
	if cs.Events[1].Direction != DirectionOutbound {
		t.Errorf("SENT label must mark the event outbound: %+v", cs.Events[1])
	}

	if cs.NewState.Gmail == nil || cs.NewState.Gmail.LastHistoryID != 105 {
		t.Fatalf("new state = %+v, want lastHistoryId 105", cs.NewState)
	}
	if cs.NewState.Gmail.TopicName != "projects/demo/topics/gmail-events" {
		t.Errorf("watch fields must survive a fetch: %+v", cs.NewState.Gmail)
	}
}

func TestGmailFetchExpiredCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	g := newTestGmail(srv.URL)
	_, err := g.FetchIncrementalChanges(t.Context(), gmailAccount(5))
	if !errors.Is(err, ErrNeedsResync) {
		t.Fatalf("err = %v, want ErrNeedsResync", err)
	}
}

func TestGmailFetchWithoutBaseline(t *testing.T) {
	g := newTestGmail("http://unreachable.invalid")
	_, err := g.FetchIncrementalChanges(t.Context(), &models.EmailAccount{Provider: models.ProviderGmail})
	if !errors.Is(err, ErrNeedsResync) {
		t.Fatalf("err = %v, want ErrNeedsResync", err)
	}
}

func TestGmailFetchErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"unauthorized", http.StatusUnauthorized, IsAuth},
		{"forbidden", http.StatusForbidden, IsAuth},
		{"rate limited", http.StatusTooManyRequests, IsTransient},
		{"server error", http.StatusBadGateway, IsTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			g := newTestGmail(srv.URL)
			_, err := g.FetchIncrementalChanges(t.Context(), gmailAccount(100))
			if err == nil || !tc.check(err) {
				t.Fatalf("status %d classified as %v", tc.status, err)
			}
		})
	}
}

func TestGmailResync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/profile" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"emailAddress": "host@example.com", "historyId": "9000"}`)
	}))
	defer srv.Close()

	g := newTestGmail(srv.URL)
	state, err := g.Resync(t.Context(), gmailAccount(100))
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if state.Gmail == nil || state.Gmail.LastHistoryID != 9000 {
		t.Fatalf("state = %+v, want baseline 9000", state)
	}
	if state.Gmail.TopicName != "projects/demo/topics/gmail-events" {
		t.Errorf("watch fields must survive a resync: %+v", state.Gmail)
	}
}

func TestGmailRenewWatch(t *testing.T) {
	expiration := time.Now().Add(7 * 24 * time.Hour).UnixMilli()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/users/me/watch" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			TopicName string   `json:"topicName"`
			LabelIDs  []string `json:"labelIds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode watch request: %v", err)
		}
		if req.TopicName != "projects/demo/topics/gmail-events" {
			t.Errorf("topicName = %q", req.TopicName)
		}
		if len(req.LabelIDs) != 1 || req.LabelIDs[0] != "INBOX" {
			t.Errorf("labelIds = %v", req.LabelIDs)
		}
		fmt.Fprintf(w, `{"historyId": "100", "expiration": "%d"}`, expiration)
	}))
	defer srv.Close()

	g := newTestGmail(srv.URL)
	account := gmailAccount(150)
	state, err := g.RenewWatch(t.Context(), account)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if got := state.Gmail.WatchExpiration.UnixMilli(); got != expiration {
		t.Errorf("expiration = %d, want %d", got, expiration)
	}
	// Renewal never moves the sync cursor backwards
	if state.Gmail.LastHistoryID != 150 {
		t.Errorf("lastHistoryId = %d, want 150", state.Gmail.LastHistoryID)
	}
}

func TestGmailSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/users/me/messages/send" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			Raw      string `json:"raw"`
			ThreadID string `json:"threadId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode send request: %v", err)
		}
		if req.ThreadID != "t-1" {
			t.Errorf("threadId = %q", req.ThreadID)
		}
		raw, err := base64.URLEncoding.DecodeString(req.Raw)
		if err != nil {
			t.Errorf("raw not base64url: %v", err)
		}
		for _, want := range []string{"From: host@example.com", "To: ada@example.com", "Subject: Re: checkout", "Yes, 11am."} {
			if !strings.Contains(string(raw), want) {
				t.Errorf("raw message missing %q:\n%s", want, raw)
			}
		}
		fmt.Fprint(w, `{"id": "m-99", "threadId": "t-1"}`)
	}))
	defer srv.Close()

	g := newTestGmail(srv.URL)
	id, err := g.SendMessage(t.Context(), gmailAccount(100), OutboundMessage{
		To:       "ada@example.com",
		Subject:  "Re: checkout",
		Body:     "Yes, 11am.",
		ThreadID: "t-1",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "m-99" {
		t.Fatalf("id = %q, want m-99", id)
	}
}
