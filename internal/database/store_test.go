package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/krsnalabs/booking-automation/pkg/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewMemory()
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newGmailAccount(t *testing.T, db *DB, address string, historyID uint64) *models.EmailAccount {
	t.Helper()
	account := &models.EmailAccount{
		OwnerID:      "owner-1",
		Provider:     models.ProviderGmail,
		EmailAddress: address,
		RefreshToken: "enc:refresh",
		State: models.ProviderState{Gmail: &models.GmailState{
			LastHistoryID:   historyID,
			WatchExpiration: time.Now().Add(24 * time.Hour),
			TopicName:       "projects/demo/topics/gmail-events",
		}},
	}
	if err := db.CreateEmailAccount(context.Background(), account); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return account
}

// bindGuestChain creates property -> guest -> property_email_accounts rows
// so chat resolution can find a guest for the account
func bindGuestChain(t *testing.T, db *DB, account *models.EmailAccount) *models.Guest {
	t.Helper()
	ctx := context.Background()
	property := &models.Property{
		OwnerID:         account.OwnerID,
		Name:            "Seaside Cottage",
		Platform:        models.PlatformAirbnb,
		PropertyDataURL: "https://example.com/p/1",
	}
	if err := db.CreateProperty(ctx, property); err != nil {
		t.Fatalf("create property: %v", err)
	}
	guest := &models.Guest{
		OwnerID:    account.OwnerID,
		Name:       "Ada",
		PropertyID: sql.NullInt64{Int64: property.ID, Valid: true},
		Status:     models.GuestBookingConfirmed,
	}
	if err := db.CreateGuest(ctx, guest); err != nil {
		t.Fatalf("create guest: %v", err)
	}
	if err := db.BindPropertyEmailAccount(ctx, property.ID, account.ID); err != nil {
		t.Fatalf("bind property: %v", err)
	}
	return guest
}

func TestInsertEmailMessageIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	account := newGmailAccount(t, db, "host@example.com", 100)

	first := &models.EmailMessage{
		EmailAccountID: sql.NullInt64{Int64: account.ID, Valid: true},
		MessageID:      "m-1",
		ThreadID:       "t-1",
		Status:         models.StatusReceived,
	}
	if err := db.InsertEmailMessage(ctx, first); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	dup := &models.EmailMessage{
		EmailAccountID: sql.NullInt64{Int64: account.ID, Valid: true},
		MessageID:      "m-1",
		Status:         models.StatusReceived,
	}
	if err := db.InsertEmailMessage(ctx, dup); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate insert = %v, want ErrAlreadyExists", err)
	}

	// Same message id under another account is a different key
	other := newGmailAccount(t, db, "other@example.com", 1)
	cross := &models.EmailMessage{
		EmailAccountID: sql.NullInt64{Int64: other.ID, Valid: true},
		MessageID:      "m-1",
		Status:         models.StatusReceived,
	}
	if err := db.InsertEmailMessage(ctx, cross); err != nil {
		t.Fatalf("insert under other account: %v", err)
	}
}

func TestUpdateProviderStateCompareAndSet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	account := newGmailAccount(t, db, "host@example.com", 100)

	next := models.ProviderState{Gmail: &models.GmailState{
		LastHistoryID:   105,
		WatchExpiration: account.State.Gmail.WatchExpiration,
		TopicName:       account.State.Gmail.TopicName,
	}}
	if err := db.UpdateProviderState(ctx, account.ID, account.State, next); err != nil {
		t.Fatalf("first CAS: %v", err)
	}

	// The same prior value no longer matches
	if err := db.UpdateProviderState(ctx, account.ID, account.State, next); !errors.Is(err, ErrStaleCursor) {
		t.Fatalf("stale CAS = %v, want ErrStaleCursor", err)
	}

	fresh, err := db.GetEmailAccount(ctx, account.ID)
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if fresh.State.Gmail.LastHistoryID != 105 {
		t.Fatalf("lastHistoryId = %d, want 105", fresh.State.Gmail.LastHistoryID)
	}
}

func TestUpdateProviderStateFromEmpty(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	account := &models.EmailAccount{
		OwnerID:      "owner-1",
		Provider:     models.ProviderOutlook,
		EmailAddress: "host@outlook.com",
		RefreshToken: "enc:refresh",
	}
	if err := db.CreateEmailAccount(ctx, account); err != nil {
		t.Fatalf("create account: %v", err)
	}

	baseline := models.ProviderState{Outlook: &models.OutlookState{DeltaToken: "d-1"}}
	if err := db.UpdateProviderState(ctx, account.ID, models.ProviderState{}, baseline); err != nil {
		t.Fatalf("baseline CAS: %v", err)
	}
	if err := db.UpdateProviderState(ctx, account.ID, models.ProviderState{}, baseline); !errors.Is(err, ErrStaleCursor) {
		t.Fatalf("second baseline CAS = %v, want ErrStaleCursor", err)
	}
}

func TestDeleteAccountOrphansAuditRows(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	account := newGmailAccount(t, db, "host@example.com", 100)

	msg := &models.EmailMessage{
		EmailAccountID: sql.NullInt64{Int64: account.ID, Valid: true},
		MessageID:      "m-1",
		Status:         models.StatusReceived,
	}
	if err := db.InsertEmailMessage(ctx, msg); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	if err := db.DeleteEmailAccount(ctx, account.ID); err != nil {
		t.Fatalf("delete account: %v", err)
	}

	orphan, err := db.GetEmailMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("audit row must survive account deletion: %v", err)
	}
	if orphan.EmailAccountID.Valid {
		t.Fatal("orphaned audit row must have a NULL account reference")
	}
}

func TestAppendChatMessageAdvancesChat(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	chat := &models.Chat{OwnerID: "owner-1", Status: models.ChatNormal}
	if err := db.CreateChat(ctx, chat); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	before := chat.UpdatedAt

	time.Sleep(5 * time.Millisecond)
	if _, err := db.AppendChatMessage(ctx, chat.ID, true, "hello", ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	fresh, err := db.GetChat(ctx, chat.ID)
	if err != nil {
		t.Fatalf("reload chat: %v", err)
	}
	if !fresh.UpdatedAt.After(before) {
		t.Fatalf("chat.updated_at did not advance: %v -> %v", before, fresh.UpdatedAt)
	}

	msgs, err := db.ListChatMessages(ctx, chat.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Message != "hello" || !msgs[0].FromGuest {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestAppendEmailChatMessageLinksAtomically(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	account := newGmailAccount(t, db, "host@example.com", 100)

	chat := &models.Chat{OwnerID: "owner-1", Status: models.ChatNormal}
	if err := db.CreateChat(ctx, chat); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	rec := &models.EmailMessage{
		EmailAccountID: sql.NullInt64{Int64: account.ID, Valid: true},
		MessageID:      "m-1",
		Status:         models.StatusReceived,
	}
	if err := db.InsertEmailMessage(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := db.AppendEmailChatMessage(ctx, rec.ID, chat.ID, true, "hello", ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	linked, err := db.GetEmailMessage(ctx, rec.ID)
	if err != nil {
		t.Fatalf("reload record: %v", err)
	}
	if !linked.ChatID.Valid || linked.ChatID.Int64 != chat.ID {
		t.Fatalf("record not linked to chat: %+v", linked)
	}

	// A failed link rolls the chat message back with it
	if _, err := db.AppendEmailChatMessage(ctx, rec.ID+999, chat.ID, true, "again", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("append for missing record = %v, want ErrNotFound", err)
	}
	msgs, err := db.ListChatMessages(ctx, chat.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("chat has %d messages, want the rolled-back append gone", len(msgs))
	}
}

func TestResolveChatForThread(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	account := newGmailAccount(t, db, "host@example.com", 100)
	guest := bindGuestChain(t, db, account)

	chatID, err := db.ResolveChatForThread(ctx, account, "t-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	chat, err := db.GetChat(ctx, chatID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if !chat.GuestID.Valid || chat.GuestID.Int64 != guest.ID {
		t.Fatalf("chat not linked to guest: %+v", chat)
	}
	if chat.Status != models.ChatNormal {
		t.Fatalf("chat status = %q, want normal", chat.Status)
	}

	// The guest's chat is reused for further threads
	again, err := db.ResolveChatForThread(ctx, account, "t-2")
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if again != chatID {
		t.Fatalf("expected reuse of chat %d, got %d", chatID, again)
	}

	// A thread already linked via an email message short-circuits
	msg := &models.EmailMessage{
		EmailAccountID: sql.NullInt64{Int64: account.ID, Valid: true},
		ChatID:         sql.NullInt64{Int64: chatID, Valid: true},
		MessageID:      "m-1",
		ThreadID:       "t-3",
		Status:         models.StatusReceived,
	}
	if err := db.InsertEmailMessage(ctx, msg); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	viaThread, err := db.ResolveChatForThread(ctx, account, "t-3")
	if err != nil {
		t.Fatalf("resolve via thread: %v", err)
	}
	if viaThread != chatID {
		t.Fatalf("thread resolution = %d, want %d", viaThread, chatID)
	}
}

func TestResolveChatWithoutGuestRequiresReview(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	account := newGmailAccount(t, db, "host@example.com", 100)

	chatID, err := db.ResolveChatForThread(ctx, account, "t-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	chat, err := db.GetChat(ctx, chatID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if chat.Status != models.ChatRequiresReview {
		t.Fatalf("unmappable mail must flag the chat: status = %q", chat.Status)
	}
	if chat.GuestID.Valid {
		t.Fatal("review chat must not claim a guest")
	}
}

func TestDueRetries(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	account := newGmailAccount(t, db, "host@example.com", 100)
	acctRef := sql.NullInt64{Int64: account.ID, Valid: true}

	due := &models.EmailMessage{EmailAccountID: acctRef, MessageID: "p-1", Status: models.StatusNeedsRetry}
	notYet := &models.EmailMessage{EmailAccountID: acctRef, MessageID: "p-2", Status: models.StatusNeedsRetry}
	unscheduled := &models.EmailMessage{EmailAccountID: acctRef, MessageID: "p-3", Status: models.StatusNeedsRetry}
	for _, m := range []*models.EmailMessage{due, notYet, unscheduled} {
		if err := db.InsertEmailMessage(ctx, m); err != nil {
			t.Fatalf("insert %s: %v", m.MessageID, err)
		}
	}

	now := time.Now()
	if err := db.MarkEmailMessageNeedsRetry(ctx, due.ID, "timeout", 1, now.Add(-time.Minute)); err != nil {
		t.Fatalf("mark due: %v", err)
	}
	if err := db.MarkEmailMessageNeedsRetry(ctx, notYet.ID, "timeout", 1, now.Add(time.Hour)); err != nil {
		t.Fatalf("mark notYet: %v", err)
	}

	rows, err := db.DueRetries(ctx, now, 10)
	if err != nil {
		t.Fatalf("due retries: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != due.ID {
		t.Fatalf("due retries = %+v, want only %d", rows, due.ID)
	}
}

func TestMarkEmailMessageSentReplacesKey(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	account := newGmailAccount(t, db, "host@example.com", 100)

	rec := &models.EmailMessage{
		EmailAccountID: sql.NullInt64{Int64: account.ID, Valid: true},
		MessageID:      "pending:abc",
		Status:         models.StatusNeedsRetry,
	}
	if err := db.InsertEmailMessage(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.MarkEmailMessageSent(ctx, rec.ID, "provider-9"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	fresh, err := db.GetEmailMessageByKey(ctx, account.ID, "provider-9")
	if err != nil {
		t.Fatalf("lookup by provider id: %v", err)
	}
	if fresh.ID != rec.ID || fresh.Status != models.StatusSent || fresh.SentMessageID != "provider-9" {
		t.Fatalf("unexpected row after send: %+v", fresh)
	}
}
