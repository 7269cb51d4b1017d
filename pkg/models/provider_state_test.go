package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestProviderStateRoundTrip(t *testing.T) {
	exp := time.Date(2025, 9, 16, 10, 0, 0, 0, time.UTC)
	original := ProviderState{Gmail: &GmailState{
		LastHistoryID:   1234567890,
		WatchExpiration: exp,
		TopicName:       "projects/demo/topics/gmail-events",
		LabelIDs:        []string{"INBOX"},
	}}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"provider":"gmail"`) {
		t.Fatalf("document missing provider tag: %s", data)
	}
	if !strings.Contains(string(data), `"lastHistoryId":"1234567890"`) {
		t.Fatalf("history id should serialize as a string: %s", data)
	}

	var decoded ProviderState
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Gmail == nil || decoded.Outlook != nil {
		t.Fatal("decoded state has the wrong arm populated")
	}
	if decoded.Gmail.LastHistoryID != 1234567890 {
		t.Fatalf("lastHistoryId = %d, want 1234567890", decoded.Gmail.LastHistoryID)
	}
	if !decoded.Gmail.WatchExpiration.Equal(exp) {
		t.Fatalf("watchExpiration = %v, want %v", decoded.Gmail.WatchExpiration, exp)
	}
}

func TestProviderStateOutlookRoundTrip(t *testing.T) {
	original := ProviderState{Outlook: &OutlookState{
		SubscriptionID:         "sub-123",
		SubscriptionExpiration: time.Date(2025, 9, 16, 10, 0, 0, 0, time.UTC),
		DeltaToken:             "delta-abc",
		Resource:               "/me/mailFolders('Inbox')/messages",
	}}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded ProviderState
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Outlook == nil || decoded.Gmail != nil {
		t.Fatal("decoded state has the wrong arm populated")
	}
	if decoded.Outlook.DeltaToken != "delta-abc" {
		t.Fatalf("deltaToken = %q", decoded.Outlook.DeltaToken)
	}
}

func TestProviderStateValidateMismatch(t *testing.T) {
	gmail := ProviderState{Gmail: &GmailState{LastHistoryID: 1}}
	if err := gmail.Validate(ProviderOutlook); err == nil {
		t.Fatal("gmail state must not validate against an outlook account")
	}
	if err := gmail.Validate(ProviderGmail); err != nil {
		t.Fatalf("gmail state should validate against a gmail account: %v", err)
	}
	if err := (ProviderState{}).Validate(ProviderGmail); err == nil {
		t.Fatal("empty state must not validate")
	}
}

func TestProviderStateUnknownTagRejected(t *testing.T) {
	var s ProviderState
	if err := json.Unmarshal([]byte(`{"provider":"imap"}`), &s); err == nil {
		t.Fatal("unknown provider tag must be rejected")
	}
}

func TestCursorAdvances(t *testing.T) {
	at := func(id uint64) ProviderState {
		return ProviderState{Gmail: &GmailState{LastHistoryID: id}}
	}

	tests := []struct {
		name string
		prev ProviderState
		next ProviderState
		want bool
	}{
		{"gmail forward", at(100), at(105), true},
		{"gmail equal", at(105), at(105), true},
		{"gmail regression", at(105), at(100), false},
		{"from empty", ProviderState{}, at(100), true},
		{"provider switch", at(100), ProviderState{Outlook: &OutlookState{DeltaToken: "x"}}, false},
		{
			"outlook new token",
			ProviderState{Outlook: &OutlookState{DeltaToken: "a"}},
			ProviderState{Outlook: &OutlookState{DeltaToken: "b"}},
			true,
		},
		{
			"outlook empty token",
			ProviderState{Outlook: &OutlookState{DeltaToken: "a"}},
			ProviderState{Outlook: &OutlookState{}},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CursorAdvances(tt.prev, tt.next); got != tt.want {
				t.Fatalf("CursorAdvances = %v, want %v", got, tt.want)
			}
		})
	}
}
