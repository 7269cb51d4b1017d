package models

import (
	"database/sql"
	"time"
)

// Platform is the booking platform a property is listed on
type Platform string

const (
	PlatformVrbo       Platform = "vrbo"
	PlatformBookingCom Platform = "booking.com"
	PlatformAgoda      Platform = "agoda"
	PlatformAirbnb     Platform = "airbnb"
)

// GuestStatus is the booking state of a guest
type GuestStatus string

const (
	GuestCheckedIn        GuestStatus = "checked in"
	GuestCheckedOut       GuestStatus = "checked out"
	GuestCancelled        GuestStatus = "cancelled"
	GuestBookingConfirmed GuestStatus = "booking confirmed"
)

// ChatStatus flags chats that need operator attention
type ChatStatus string

const (
	ChatNormal         ChatStatus = "normal"
	ChatRequiresReview ChatStatus = "requires review"
)

// Property is a rental listed on a booking platform
type Property struct {
	ID              int64     `db:"id"`
	OwnerID         string    `db:"owner_id"`
	Name            string    `db:"name"`
	Platform        Platform  `db:"platform"`
	PropertyDataURL string    `db:"property_data_url"`
	CreatedAt       time.Time `db:"created_at"`
}

// Guest is a booking guest associated with a property
type Guest struct {
	ID           int64         `db:"id"`
	OwnerID      string        `db:"owner_id"`
	Name         string        `db:"name"`
	PropertyID   sql.NullInt64 `db:"property_id"`
	CheckInDate  sql.NullTime  `db:"check_in_date"`
	CheckOutDate sql.NullTime  `db:"check_out_date"`
	Status       GuestStatus   `db:"status"`
	CreatedAt    time.Time     `db:"created_at"`
}

// Chat is a unified guest conversation; messages may arrive from a booking
// platform or from email
type Chat struct {
	ID        int64         `db:"id"`
	OwnerID   string        `db:"owner_id"`
	GuestID   sql.NullInt64 `db:"guest_id"`
	Status    ChatStatus    `db:"status"`
	UpdatedAt time.Time     `db:"updated_at"`
}

// ChatMessage is one message inside a chat
type ChatMessage struct {
	ID        int64          `db:"id"`
	ChatID    sql.NullInt64  `db:"chat_id"`
	FromGuest bool           `db:"from_guest"`
	Message   string         `db:"message"`
	MediaURL  sql.NullString `db:"media_url"`
	CreatedAt time.Time      `db:"created_at"`
}
