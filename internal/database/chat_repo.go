package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/krsnalabs/booking-automation/pkg/models"
)

// CreateProperty creates a property
func (db *DB) CreateProperty(ctx context.Context, p *models.Property) error {
	query := `INSERT INTO properties (owner_id, name, platform, property_data_url, created_at) VALUES (?, ?, ?, ?, ?)`
	now := time.Now()
	result, err := db.ExecContext(ctx, query, p.OwnerID, p.Name, p.Platform, p.PropertyDataURL, now)
	if err != nil {
		return fmt.Errorf("failed to create property: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	p.ID = id
	p.CreatedAt = now
	return nil
}

// CreateGuest creates a guest
func (db *DB) CreateGuest(ctx context.Context, g *models.Guest) error {
	query := `INSERT INTO guests (owner_id, name, property_id, check_in_date, check_out_date, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	now := time.Now()
	result, err := db.ExecContext(ctx, query, g.OwnerID, g.Name, g.PropertyID, g.CheckInDate, g.CheckOutDate, g.Status, now)
	if err != nil {
		return fmt.Errorf("failed to create guest: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	g.ID = id
	g.CreatedAt = now
	return nil
}

// BindPropertyEmailAccount binds a property to the email account used for
// its guest correspondence. A property has at most one binding.
func (db *DB) BindPropertyEmailAccount(ctx context.Context, propertyID, emailAccountID int64) error {
	query := `INSERT INTO property_email_accounts (property_id, email_account_id) VALUES (?, ?)`
	_, err := db.ExecContext(ctx, query, propertyID, emailAccountID)
	if err != nil {
		return fmt.Errorf("failed to bind property email account: %w", err)
	}
	return nil
}

// GetChat returns a chat by ID
func (db *DB) GetChat(ctx context.Context, id int64) (*models.Chat, error) {
	var chat models.Chat
	query := `SELECT * FROM chats WHERE id = ?`
	err := db.GetContext(ctx, &chat, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return &chat, nil
}

// CreateChat creates a chat
func (db *DB) CreateChat(ctx context.Context, chat *models.Chat) error {
	query := `INSERT INTO chats (owner_id, guest_id, status, updated_at) VALUES (?, ?, ?, ?)`
	now := time.Now()
	result, err := db.ExecContext(ctx, query, chat.OwnerID, chat.GuestID, chat.Status, now)
	if err != nil {
		return fmt.Errorf("failed to create chat: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	chat.ID = id
	chat.UpdatedAt = now
	return nil
}

// AppendChatMessage appends a message to a chat and advances the chat's
// updated_at in the same transaction
func (db *DB) AppendChatMessage(ctx context.Context, chatID int64, fromGuest bool, text, mediaURL string) (*models.ChatMessage, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var media sql.NullString
	if mediaURL != "" {
		media = sql.NullString{String: mediaURL, Valid: true}
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO messages (chat_id, from_guest, message, media_url, created_at) VALUES (?, ?, ?, ?, ?)`,
		chatID, fromGuest, text, media, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append chat message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE chats SET updated_at = ? WHERE id = ?`, now, chatID); err != nil {
		return nil, fmt.Errorf("failed to touch chat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit chat message: %w", err)
	}

	return &models.ChatMessage{
		ID:        id,
		ChatID:    sql.NullInt64{Int64: chatID, Valid: true},
		FromGuest: fromGuest,
		Message:   text,
		MediaURL:  media,
		CreatedAt: now,
	}, nil
}

// AppendEmailChatMessage appends a chat message and links the email
// message record that produced it to the chat, in one transaction. The
// link is what suppresses redelivery of the provider event, so it must
// never be committed apart from the chat message.
func (db *DB) AppendEmailChatMessage(ctx context.Context, emailMessageID, chatID int64, fromGuest bool, text, mediaURL string) (*models.ChatMessage, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var media sql.NullString
	if mediaURL != "" {
		media = sql.NullString{String: mediaURL, Valid: true}
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO messages (chat_id, from_guest, message, media_url, created_at) VALUES (?, ?, ?, ?, ?)`,
		chatID, fromGuest, text, media, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append chat message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE chats SET updated_at = ? WHERE id = ?`, now, chatID); err != nil {
		return nil, fmt.Errorf("failed to touch chat: %w", err)
	}

	linked, err := tx.ExecContext(ctx,
		`UPDATE email_messages SET chat_id = ?, updated_at = ? WHERE id = ?`,
		chatID, now, emailMessageID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to link email message: %w", err)
	}
	affected, err := linked.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit chat message: %w", err)
	}

	return &models.ChatMessage{
		ID:        id,
		ChatID:    sql.NullInt64{Int64: chatID, Valid: true},
		FromGuest: fromGuest,
		Message:   text,
		MediaURL:  media,
		CreatedAt: now,
	}, nil
}

// ListChatMessages returns a chat's messages in arrival order
func (db *DB) ListChatMessages(ctx context.Context, chatID int64) ([]*models.ChatMessage, error) {
	var msgs []*models.ChatMessage
	query := `SELECT * FROM messages WHERE chat_id = ? ORDER BY id`
	err := db.SelectContext(ctx, &msgs, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}
	return msgs, nil
}

// ResolveChatForThread finds the chat an inbound thread belongs to,
// creating one if needed. Resolution order:
//  1. another email message of the same thread already linked to a chat
//  2. the guest bound to the account's property: the guest's existing chat,
//     or a fresh one
//  3. no resolvable guest: a fresh ownerless chat flagged 'requires review'
//     so the mail is never dropped
func (db *DB) ResolveChatForThread(ctx context.Context, account *models.EmailAccount, threadID string) (int64, error) {
	if threadID != "" {
		var chatID sql.NullInt64
		query := `
			SELECT chat_id FROM email_messages
			WHERE email_account_id = ? AND thread_id = ? AND chat_id IS NOT NULL
			ORDER BY id LIMIT 1
		`
		err := db.GetContext(ctx, &chatID, query, account.ID, threadID)
		if err == nil && chatID.Valid {
			return chatID.Int64, nil
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("failed to resolve thread chat: %w", err)
		}
	}

	var guest models.Guest
	query := `
		SELECT g.* FROM guests g
		JOIN property_email_accounts pea ON pea.property_id = g.property_id
		WHERE pea.email_account_id = ?
		ORDER BY g.created_at DESC LIMIT 1
	`
	err := db.GetContext(ctx, &guest, query, account.ID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No guest mapping: keep the conversation, flag it for review
		chat := &models.Chat{OwnerID: account.OwnerID, Status: models.ChatRequiresReview}
		if err := db.CreateChat(ctx, chat); err != nil {
			return 0, err
		}
		return chat.ID, nil
	case err != nil:
		return 0, fmt.Errorf("failed to resolve guest: %w", err)
	}

	var chat models.Chat
	err = db.GetContext(ctx, &chat, `SELECT * FROM chats WHERE guest_id = ? ORDER BY updated_at DESC LIMIT 1`, guest.ID)
	if err == nil {
		return chat.ID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to resolve guest chat: %w", err)
	}

	newChat := &models.Chat{
		OwnerID: guest.OwnerID,
		GuestID: sql.NullInt64{Int64: guest.ID, Valid: true},
		Status:  models.ChatNormal,
	}
	if err := db.CreateChat(ctx, newChat); err != nil {
		return 0, err
	}
	return newChat.ID, nil
}

// EmailAccountForChat resolves the account used to correspond with a chat's
// guest, via the guest's property binding
func (db *DB) EmailAccountForChat(ctx context.Context, chatID int64) (*models.EmailAccount, error) {
	var account models.EmailAccount
	query := `
		SELECT ea.* FROM email_accounts ea
		JOIN property_email_accounts pea ON pea.email_account_id = ea.id
		JOIN guests g ON g.property_id = pea.property_id
		JOIN chats c ON c.guest_id = g.id
		WHERE c.id = ?
		LIMIT 1
	`
	err := db.GetContext(ctx, &account, query, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account for chat: %w", err)
	}
	return &account, nil
}
