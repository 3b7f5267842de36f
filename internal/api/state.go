package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lurtz/denon-control/internal/bridges/denon"
	"github.com/lurtz/denon-control/internal/history"
)

// historyWriteTimeout bounds the history insert made after an accepted write.
const historyWriteTimeout = 2 * time.Second

// stateEntry is the JSON form of one cached state value.
type stateEntry struct {
	Key       string           `json:"key"`
	Value     denon.StateValue `json:"value"`
	Known     bool             `json:"known"`
	UpdatedAt string           `json:"updated_at,omitempty"`
}

// setStateRequest is the body of PUT /state/{key}.
type setStateRequest struct {
	Value any `json:"value"`
}

// handleGetSnapshot returns every cached state value.
func (s *Server) handleGetSnapshot(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.receiver.Snapshot()
	entries := make(map[string]stateEntry, len(snapshot))
	for _, cs := range snapshot {
		entries[cs.Key.Slug()] = stateEntry{
			Key:       cs.Key.Slug(),
			Value:     cs.Value,
			Known:     !cs.Value.IsUnknown(),
			UpdatedAt: cs.UpdatedAt.UTC().Format(timeFormat),
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"receiver_id": s.receiverID,
		"connected":   s.receiver.IsConnected(),
		"state":       entries,
	})
}

// handleGetState returns one state value, querying the receiver when the
// cache has nothing for it yet.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	key, ok := s.parseKeyParam(w, r)
	if !ok {
		return
	}

	value, err := s.receiver.Get(r.Context(), key)
	if err != nil {
		s.writeReceiverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stateEntry{
		Key:   key.Slug(),
		Value: value,
		Known: !value.IsUnknown(),
	})
}

// handleSetState sends a set command. The receiver confirms asynchronously
// through its state reports, so the response is 202 Accepted.
func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	key, ok := s.parseKeyParam(w, r)
	if !ok {
		return
	}

	var req setStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Value == nil {
		writeBadRequest(w, "value is required")
		return
	}

	value, err := denon.ParseAny(key, req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if key == denon.KeyMainVolume {
		value = denon.ClampVolume(value, s.volumeLimit)
	}

	if err := s.receiver.Set(key, value); err != nil {
		s.writeReceiverError(w, err)
		return
	}

	s.recordHistory(r.Context(), key, value)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "accepted",
		"key":    key.Slug(),
		"value":  value,
	})
}

// handleGetHistory returns recorded values for one key, newest first.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "state history is disabled")
		return
	}

	key, ok := s.parseKeyParam(w, r)
	if !ok {
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	entries, err := s.history.List(r.Context(), s.receiverID, key.Slug(), limit)
	if err != nil {
		s.logger.Error("history query failed", "key", key.Slug(), "error", err)
		writeInternalError(w, "failed to query history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"receiver_id": s.receiverID,
		"key":         key.Slug(),
		"entries":     entries,
		"count":       len(entries),
	})
}

// parseKeyParam reads the {key} URL parameter. It writes a 400 and returns
// false when the key is not one of the four facets.
func (s *Server) parseKeyParam(w http.ResponseWriter, r *http.Request) (denon.StateKey, bool) {
	raw := chi.URLParam(r, "key")
	if raw == "" || len(raw) > maxQueryParamLen {
		writeBadRequest(w, "invalid state key")
		return 0, false
	}
	key, err := denon.ParseStateKey(raw)
	if err != nil {
		writeBadRequest(w, "unknown state key: "+raw)
		return 0, false
	}
	return key, true
}

// writeReceiverError maps controller errors onto HTTP status codes.
func (s *Server) writeReceiverError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, denon.ErrInvalidValue):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, denon.ErrNotConnected), errors.Is(err, denon.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "receiver not connected")
	case errors.Is(err, denon.ErrWriteFailed):
		s.logger.Warn("receiver command failed", "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeReceiver, "receiver command failed")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, ErrCodeReceiver, "request cancelled")
	default:
		s.logger.Error("receiver operation failed", "error", err)
		writeInternalError(w, "receiver operation failed")
	}
}

// recordHistory stores an accepted API write. Failures are logged only.
func (s *Server) recordHistory(ctx context.Context, key denon.StateKey, value denon.StateValue) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyWriteTimeout)
	defer cancel()
	if err := s.history.Record(ctx, s.receiverID, key.Slug(), value.String(), history.SourceAPI); err != nil {
		s.logger.Debug("history write failed", "key", key.Slug(), "error", err)
	}
}

// parseHistoryLimit parses the limit query parameter. Empty means the
// default; values above the maximum are capped by the repository.
func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return history.DefaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > history.MaxLimit {
		limit = history.MaxLimit
	}
	return limit, nil
}
