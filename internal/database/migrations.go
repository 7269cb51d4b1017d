package database

const schema = `
CREATE TABLE IF NOT EXISTS properties (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id TEXT NOT NULL,
    name TEXT NOT NULL,
    platform TEXT NOT NULL CHECK (platform IN ('vrbo', 'booking.com', 'agoda', 'airbnb')),
    property_data_url TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS guests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id TEXT NOT NULL,
    name TEXT NOT NULL,
    property_id INTEGER REFERENCES properties(id),
    check_in_date DATETIME,
    check_out_date DATETIME,
    status TEXT NOT NULL CHECK (status IN ('checked in', 'checked out', 'cancelled', 'booking confirmed')),
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS chats (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id TEXT NOT NULL,
    guest_id INTEGER REFERENCES guests(id),
    status TEXT NOT NULL CHECK (status IN ('normal', 'requires review')),
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    chat_id INTEGER REFERENCES chats(id),
    from_guest BOOLEAN NOT NULL,
    message TEXT NOT NULL,
    media_url TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS email_accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id TEXT NOT NULL,
    provider TEXT NOT NULL CHECK (provider IN ('gmail', 'outlook')),
    email_address TEXT NOT NULL UNIQUE,
    refresh_token TEXT NOT NULL,
    scope TEXT NOT NULL DEFAULT '',
    provider_state TEXT,
    status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'pending_renewal', 'failed', 'suspended')),
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS property_email_accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    property_id INTEGER UNIQUE REFERENCES properties(id),
    email_account_id INTEGER REFERENCES email_accounts(id)
);

CREATE TABLE IF NOT EXISTS email_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    email_account_id INTEGER REFERENCES email_accounts(id) ON DELETE SET NULL,
    chat_id INTEGER REFERENCES chats(id),
    message_id TEXT NOT NULL,
    thread_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL CHECK (status IN ('received', 'sent', 'needs_retry', 'skipped', 'error')),
    error TEXT NOT NULL DEFAULT '',
    sent_message_id TEXT NOT NULL DEFAULT '',
    sender TEXT NOT NULL DEFAULT '',
    recipient TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL DEFAULT 0,
    next_retry_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(email_account_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_guests_property ON guests(property_id);
CREATE INDEX IF NOT EXISTS idx_chats_guest ON chats(guest_id);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id);
CREATE INDEX IF NOT EXISTS idx_email_accounts_status ON email_accounts(status);
CREATE INDEX IF NOT EXISTS idx_email_messages_account ON email_messages(email_account_id);
CREATE INDEX IF NOT EXISTS idx_email_messages_thread ON email_messages(email_account_id, thread_id);
CREATE INDEX IF NOT EXISTS idx_email_messages_retry ON email_messages(status, next_retry_at);
`
