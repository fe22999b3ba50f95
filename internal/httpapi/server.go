package httpapi

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/momentumhq/calsync/internal/calsync"
)

type ServerConfig struct {
	// BearerToken, when set, is required on every /v1 route.
	BearerToken  string
	MaxBodyBytes int64
	// HistoryLimit caps the sync history page size.
	HistoryLimit int
}

// Server exposes the sync engine over HTTP: manual sync triggers, sync
// history, relation inspection, entity change notifications, the ICS feed,
// and the live status stream.
type Server struct {
	cfg       ServerConfig
	ledger    calsync.SyncLedger
	scheduler *calsync.Scheduler
	reconnect *calsync.ReconnectFlow
	entities  *EntitySink
	feed      *FeedSource
}

type ServerOptions struct {
	Config    ServerConfig
	Ledger    calsync.SyncLedger
	Scheduler *calsync.Scheduler
	Reconnect *calsync.ReconnectFlow
	Entities  *EntitySink
	Feed      *FeedSource
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 200
	}
	return &Server{
		cfg:       cfg,
		ledger:    opts.Ledger,
		scheduler: opts.Scheduler,
		reconnect: opts.Reconnect,
		entities:  opts.Entities,
		feed:      opts.Feed,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/oauth/callback" && r.Method == http.MethodGet {
		s.handleOAuthCallback(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "users" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}
	userID := parts[2]
	if userID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing user id")
		return
	}

	switch {
	case len(parts) == 4 && parts[3] == "sync" && r.Method == http.MethodPost:
		s.handleSyncNow(w, r, userID)
	case len(parts) == 5 && parts[3] == "sync" && parts[4] == "history" && r.Method == http.MethodGet:
		s.handleSyncHistory(w, r, userID)
	case len(parts) == 5 && parts[3] == "sync" && parts[4] == "stream" && r.Method == http.MethodGet:
		s.handleSyncStream(w, r, userID)
	case len(parts) == 4 && parts[3] == "relations" && r.Method == http.MethodGet:
		s.handleRelations(w, r, userID)
	case len(parts) == 6 && parts[3] == "relations" && parts[5] == "retry" && r.Method == http.MethodPost:
		s.handleRelationRetry(w, r, userID, parts[4])
	case len(parts) == 4 && parts[3] == "entities" && r.Method == http.MethodPost:
		s.handleEntityNotification(w, r, userID)
	case len(parts) == 4 && parts[3] == "settings" && r.Method == http.MethodPut:
		s.handleSettings(w, r, userID)
	case len(parts) == 4 && parts[3] == "reconnect" && r.Method == http.MethodPost:
		s.handleReconnect(w, userID)
	case len(parts) == 4 && parts[3] == "calendar.ics" && r.Method == http.MethodGet:
		s.handleCalendarFeed(w, r, userID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request, userID string) {
	result, ran, err := s.scheduler.RequestSync(r.Context(), userID, calsync.SyncManual)
	if !ran {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"queued":  true,
			"message": "a sync pass is already running; changes will be picked up by the follow-up pass",
		})
		return
	}
	if err != nil {
		var credErr *calsync.CredentialError
		if errors.As(err, &credErr) {
			status := http.StatusConflict
			if credErr.Reason == calsync.CredentialMissing {
				status = http.StatusPreconditionFailed
			}
			writeJSON(w, status, map[string]any{
				"code":    "credentials_" + string(credErr.Reason),
				"message": result.ErrorMessage,
				"result":  result,
			})
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"code":    "sync_failed",
			"message": result.ErrorMessage,
			"result":  result,
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSyncHistory(w http.ResponseWriter, r *http.Request, userID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 50, 1, s.cfg.HistoryLimit)
	logs, err := s.ledger.ListLogs(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleRelations(w http.ResponseWriter, r *http.Request, userID string) {
	relations, err := s.ledger.ListRelations(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	active := make([]calsync.EventRelation, 0, len(relations))
	includeDeleted := parseBool(r.URL.Query().Get("includeDeleted"), false)
	for _, rel := range relations {
		if !includeDeleted && !rel.Active() {
			continue
		}
		active = append(active, rel)
	}
	writeJSON(w, http.StatusOK, map[string]any{"relations": active})
}

// handleRelationRetry clears a failed relation so the next pass retries it.
// For a relation that lost its remote copy this is the explicit confirmation
// that re-creates the event.
func (s *Server) handleRelationRetry(w http.ResponseWriter, r *http.Request, userID, relationID string) {
	rel, err := calsync.RetryRelation(r.Context(), s.ledger, userID, relationID)
	if err != nil {
		switch {
		case errors.Is(err, calsync.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "relation not found")
		case errors.Is(err, calsync.ErrConflict):
			writeError(w, http.StatusConflict, "not_retryable", "relation is not in a failed state")
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleEntityNotification(w http.ResponseWriter, r *http.Request, userID string) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	if err := s.entities.Apply(r.Context(), userID, body); err != nil {
		var valErr *ValidationError
		if errors.As(err, &valErr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"code":    "invalid_entity",
				"message": valErr.Error(),
			})
			return
		}
		if errors.Is(err, calsync.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request, userID string) {
	var body struct {
		SyncEnabled          bool `json:"syncEnabled"`
		SyncFrequencyMinutes int  `json:"syncFrequencyMinutes"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	settings := calsync.UserSettings{
		UserID:               userID,
		SyncEnabled:          body.SyncEnabled,
		SyncFrequencyMinutes: body.SyncFrequencyMinutes,
	}
	if err := s.entities.PutSettings(r.Context(), settings); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleReconnect(w http.ResponseWriter, userID string) {
	url := s.reconnect.TriggerReconnect(userID)
	if url == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing user id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authUrl": url})
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	// The state token is prefixed with the user it was issued for.
	userID, _, found := strings.Cut(state, ":")
	if !found || code == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing state or code")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	if err := s.reconnect.CompleteReconnect(ctx, userID, state, code); err != nil {
		if errors.Is(err, calsync.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", "state mismatch")
			return
		}
		writeError(w, http.StatusBadGateway, "exchange_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.BearerToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return hmac.Equal([]byte(token), []byte(s.cfg.BearerToken))
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}
