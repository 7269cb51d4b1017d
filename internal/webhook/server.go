package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/krsnalabs/booking-automation/internal/accounts"
	"github.com/krsnalabs/booking-automation/internal/database"
	"github.com/krsnalabs/booking-automation/pkg/models"
)

// SyncTrigger schedules an incremental sync for an account
type SyncTrigger interface {
	TriggerSync(accountID int64)
}

// Sender dispatches an operator reply for a chat
type Sender interface {
	Send(ctx context.Context, chatID int64, recipient, subject, body string) (*models.EmailMessage, error)
}

// Server receives provider push notifications and turns them into sync
// triggers, and exposes the small operator surface (replies, account
// onboarding). Notification payloads carry only hints; the actual messages
// are always fetched through the provider adapter.
type Server struct {
	db       *database.DB
	trigger  SyncTrigger
	sender   Sender
	accounts *accounts.Service
	logger   *slog.Logger
	mux      *http.ServeMux
}

// New creates the webhook server
func New(db *database.DB, trigger SyncTrigger, sender Sender, accountSvc *accounts.Service, logger *slog.Logger) *Server {
	s := &Server{
		db:       db,
		trigger:  trigger,
		sender:   sender,
		accounts: accountSvc,
		logger:   logger.With("component", "webhook"),
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /webhooks/gmail", s.handleGmail)
	s.mux.HandleFunc("POST /webhooks/outlook", s.handleOutlook)
	s.mux.HandleFunc("POST /chats/{id}/reply", s.handleReply)
	s.mux.HandleFunc("POST /accounts", s.handleCreateAccount)
	s.mux.HandleFunc("POST /accounts/{id}/reauthorize", s.handleReauthorize)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// pubSubPush is the Pub/Sub push envelope Gmail watch notifications arrive in
type pubSubPush struct {
	Message struct {
		Data string `json:"data"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// gmailNotification is the decoded payload inside the push envelope
type gmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

func (s *Server) handleGmail(w http.ResponseWriter, r *http.Request) {
	var envelope pubSubPush
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		http.Error(w, "bad push envelope", http.StatusBadRequest)
		return
	}

	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		http.Error(w, "bad push data", http.StatusBadRequest)
		return
	}
	var note gmailNotification
	if err := json.Unmarshal(data, &note); err != nil || note.EmailAddress == "" {
		http.Error(w, "bad notification", http.StatusBadRequest)
		return
	}

	account, err := s.db.GetEmailAccountByAddress(r.Context(), note.EmailAddress)
	if errors.Is(err, database.ErrNotFound) {
		// Ack unknown addresses so Pub/Sub stops redelivering them
		s.logger.Warn("notification for unknown account", "email", note.EmailAddress)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.logger.Error("failed to resolve account", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.logger.Debug("gmail push received", "account_id", account.ID, "history_id", note.HistoryID)
	s.trigger.TriggerSync(account.ID)
	w.WriteHeader(http.StatusNoContent)
}

// graphNotificationBatch is the Microsoft Graph change-notification payload
type graphNotificationBatch struct {
	Value []struct {
		SubscriptionID string `json:"subscriptionId"`
		ChangeType     string `json:"changeType"`
		Resource       string `json:"resource"`
	} `json:"value"`
}

func (s *Server) handleOutlook(w http.ResponseWriter, r *http.Request) {
	// Subscription handshake: Graph expects the validation token echoed
	// back as plain text
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(token))
		return
	}

	var batch graphNotificationBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, "bad notification batch", http.StatusBadRequest)
		return
	}

	for _, note := range batch.Value {
		account, err := s.db.GetEmailAccountBySubscriptionID(r.Context(), note.SubscriptionID)
		if errors.Is(err, database.ErrNotFound) {
			s.logger.Warn("notification for unknown subscription", "subscription_id", note.SubscriptionID)
			continue
		}
		if err != nil {
			s.logger.Error("failed to resolve subscription", "error", err)
			continue
		}
		s.logger.Debug("outlook notification received", "account_id", account.ID, "change", note.ChangeType)
		s.trigger.TriggerSync(account.ID)
	}

	// Graph requires a 202 within 3 seconds; the sync itself runs async
	w.WriteHeader(http.StatusAccepted)
}

type replyRequest struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "bad chat id", http.StatusBadRequest)
		return
	}

	var req replyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" {
		http.Error(w, "bad reply request", http.StatusBadRequest)
		return
	}

	rec, err := s.sender.Send(r.Context(), chatID, req.Recipient, req.Subject, req.Body)
	if err != nil {
		s.logger.Error("reply dispatch failed", "chat_id", chatID, "error", err)
		http.Error(w, "reply dispatch failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":     rec.ID,
		"status": rec.Status,
		"error":  rec.Error,
	})
}

type createAccountRequest struct {
	OwnerID      string                `json:"ownerId"`
	Provider     models.Provider       `json:"provider"`
	EmailAddress string                `json:"emailAddress"`
	RefreshToken string                `json:"refreshToken"`
	Scope        string                `json:"scope"`
	State        *models.ProviderState `json:"providerState,omitempty"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EmailAddress == "" || req.RefreshToken == "" {
		http.Error(w, "bad account request", http.StatusBadRequest)
		return
	}

	var state models.ProviderState
	if req.State != nil {
		state = *req.State
	}
	account, err := s.accounts.Create(r.Context(), req.OwnerID, req.Provider, req.EmailAddress, req.RefreshToken, req.Scope, state)
	if err != nil {
		s.logger.Error("account onboarding failed", "email", req.EmailAddress, "error", err)
		http.Error(w, "account onboarding failed", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"id": account.ID})
}

func (s *Server) handleReauthorize(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "bad account id", http.StatusBadRequest)
		return
	}

	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		http.Error(w, "bad reauthorize request", http.StatusBadRequest)
		return
	}

	account, err := s.accounts.Reauthorize(r.Context(), accountID, req.RefreshToken)
	if errors.Is(err, database.ErrNotFound) {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("reauthorization failed", "account_id", accountID, "error", err)
		http.Error(w, "reauthorization failed", http.StatusInternalServerError)
		return
	}

	// Resume syncing right away rather than waiting for the next sweep
	s.trigger.TriggerSync(account.ID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"id": account.ID, "status": account.Status})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		http.Error(w, "database unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
