package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/smsgw/sms-gateway/internal/logger"
	"github.com/smsgw/sms-gateway/internal/models"
)

// AdminStore is the registry subset the admin surface mutates
type AdminStore interface {
	UpsertClient(ctx context.Context, rec models.UserRecord) error
	DeleteClient(ctx context.Context, apiKey string) error
	UpsertProvider(ctx context.Context, p models.Provider) error
	DeleteProvider(ctx context.Context, name string) error
}

// ConfigNotifier pushes incremental config events after a mutation
type ConfigNotifier interface {
	UserUpdated(u models.UserRecord) error
	UserDeleted(apiKey string) error
	ProviderUpdated(rec models.ProviderRecord) error
	ProviderDeleted(name string) error
}

// AdminHandler mutates the client and provider registry. Every change
// is pushed to the gateways immediately; the periodic broadcast is the
// safety net for anything they miss.
type AdminHandler struct {
	store    AdminStore
	notifier ConfigNotifier
	validate *validator.Validate
	logger   *logger.Logger
}

// NewAdminHandler creates the admin handler
func NewAdminHandler(store AdminStore, notifier ConfigNotifier, log *logger.Logger) *AdminHandler {
	return &AdminHandler{store: store, notifier: notifier, validate: validator.New(), logger: log}
}

type upsertUserRequest struct {
	UserID     int    `json:"user_id" validate:"required"`
	Username   string `json:"username" validate:"required"`
	IsActive   bool   `json:"is_active"`
	DailyQuota int    `json:"daily_quota" validate:"gte=0"`
}

// UpsertUser creates or updates a client and announces the change
func (h *AdminHandler) UpsertUser(w http.ResponseWriter, r *http.Request) {
	apiKey := mux.Vars(r)["api_key"]

	var req upsertUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	rec := models.UserRecord{
		APIKey:     apiKey,
		UserID:     req.UserID,
		Username:   req.Username,
		IsActive:   req.IsActive,
		DailyQuota: req.DailyQuota,
	}
	if err := h.store.UpsertClient(r.Context(), rec); err != nil {
		h.logger.Error("failed to upsert client", "api_key", apiKey, "error", err.Error())
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "persist failed"})
		return
	}

	if err := h.notifier.UserUpdated(rec); err != nil {
		h.logger.Warn("client saved but event not published", "api_key", apiKey, "error", err.Error())
	}
	h.logger.Info("client upserted", "api_key", apiKey, "user_id", req.UserID)
	writeJSON(w, http.StatusOK, rec)
}

// DeleteUser removes a client and announces the removal
func (h *AdminHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	apiKey := mux.Vars(r)["api_key"]

	if err := h.store.DeleteClient(r.Context(), apiKey); err != nil {
		h.logger.Error("failed to delete client", "api_key", apiKey, "error", err.Error())
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "delete failed"})
		return
	}
	if err := h.notifier.UserDeleted(apiKey); err != nil {
		h.logger.Warn("client deleted but event not published", "api_key", apiKey, "error", err.Error())
	}

	h.logger.Info("client deleted", "api_key", apiKey)
	w.WriteHeader(http.StatusNoContent)
}

type upsertProviderRequest struct {
	Type          string   `json:"type" validate:"required"`
	IsActive      bool     `json:"is_active"`
	IsOperational bool     `json:"is_operational"`
	Aliases       []string `json:"aliases"`
	Note          string   `json:"note"`
	Priority      int      `json:"priority"`
	SendURL       string   `json:"send_url" validate:"required,url"`
	Sender        string   `json:"sender"`
	AuthUsername  string   `json:"auth_username"`
	AuthPassword  string   `json:"auth_password"`
}

// UpsertProvider creates or updates a provider and announces the change
func (h *AdminHandler) UpsertProvider(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req upsertProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	p := models.Provider{
		Name:          name,
		Type:          req.Type,
		IsActive:      req.IsActive,
		IsOperational: req.IsOperational,
		Aliases:       req.Aliases,
		Note:          req.Note,
		Priority:      req.Priority,
		SendURL:       req.SendURL,
		Sender:        req.Sender,
		AuthUsername:  req.AuthUsername,
		AuthPassword:  req.AuthPassword,
	}
	if err := h.store.UpsertProvider(r.Context(), p); err != nil {
		h.logger.Error("failed to upsert provider", "provider", name, "error", err.Error())
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "persist failed"})
		return
	}

	if err := h.notifier.ProviderUpdated(p.Record()); err != nil {
		h.logger.Warn("provider saved but event not published", "provider", name, "error", err.Error())
	}
	h.logger.Info("provider upserted", "provider", name, "type", req.Type)

	// Credentials stay out of the response
	writeJSON(w, http.StatusOK, p.Record())
}

// DeleteProvider removes a provider and announces the removal
func (h *AdminHandler) DeleteProvider(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := h.store.DeleteProvider(r.Context(), name); err != nil {
		h.logger.Error("failed to delete provider", "provider", name, "error", err.Error())
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "delete failed"})
		return
	}
	if err := h.notifier.ProviderDeleted(name); err != nil {
		h.logger.Warn("provider deleted but event not published", "provider", name, "error", err.Error())
	}

	h.logger.Info("provider deleted", "provider", name)
	w.WriteHeader(http.StatusNoContent)
}
