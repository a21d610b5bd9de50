package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/shellbridge/internal/accessory"
	"github.com/nerrad567/shellbridge/internal/audit"
	"github.com/nerrad567/shellbridge/internal/process"
)

const maxNameLen = 256

// stateRequest is the body of PUT /accessories/{name}/state.
type stateRequest struct {
	Characteristic accessory.CharacteristicKind `json:"characteristic,omitempty"`
	Value          accessory.Value              `json:"value"`
}

// stateResponse reports one characteristic value.
type stateResponse struct {
	Name           string                       `json:"name"`
	Characteristic accessory.CharacteristicKind `json:"characteristic,omitempty"`
	Value          accessory.Value              `json:"value"`
}

func (s *Server) handleListAccessories(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.accessories.Snapshots(r.Context())
	if err != nil {
		s.writeAccessoryError(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []accessory.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accessories": snaps,
		"count":       len(snaps),
	})
}

func (s *Server) handleCreateAccessory(w http.ResponseWriter, r *http.Request) {
	var d accessory.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	snap, err := s.accessories.Add(r.Context(), d)
	if err != nil {
		s.writeAccessoryError(w, r, err)
		return
	}
	s.logger.Info("accessory added via API", "device", snap.Name, "type", snap.Type, "subject", r.Context().Value(ctxKeySubject))
	s.auditLog(r, audit.ActionCreate, snap.Name, map[string]any{"type": string(snap.Type)})
	s.hub.AccessoryChanged(audit.ActionCreate, snap.Name, &snap)
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGetAccessory(w http.ResponseWriter, r *http.Request) {
	name, ok := nameParam(w, r)
	if !ok {
		return
	}
	snap, err := s.accessories.Snapshot(r.Context(), name)
	if err != nil {
		s.writeAccessoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleUpdateAccessory replaces a device's descriptor. The path names the
// device; a body name, when present, must match it.
func (s *Server) handleUpdateAccessory(w http.ResponseWriter, r *http.Request) {
	name, ok := nameParam(w, r)
	if !ok {
		return
	}
	var d accessory.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if d.Name != "" && d.Name != name {
		writeBadRequest(w, "name in body does not match path; remove and re-add to rename")
		return
	}
	d.Name = name

	snap, err := s.accessories.Modify(r.Context(), d)
	if err != nil {
		s.writeAccessoryError(w, r, err)
		return
	}
	s.logger.Info("accessory modified via API", "device", name, "subject", r.Context().Value(ctxKeySubject))
	s.auditLog(r, audit.ActionUpdate, name, map[string]any{"type": string(snap.Type)})
	s.hub.AccessoryChanged(audit.ActionUpdate, name, &snap)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteAccessory(w http.ResponseWriter, r *http.Request) {
	name, ok := nameParam(w, r)
	if !ok {
		return
	}
	if err := s.accessories.Remove(r.Context(), name); err != nil {
		s.writeAccessoryError(w, r, err)
		return
	}
	s.logger.Info("accessory removed via API", "device", name, "subject", r.Context().Value(ctxKeySubject))
	s.auditLog(r, audit.ActionDelete, name, nil)
	s.hub.AccessoryChanged(audit.ActionDelete, name, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleGetState reads a characteristic. Without ?characteristic= the
// type's primary characteristic is read.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	name, ok := nameParam(w, r)
	if !ok {
		return
	}
	kind := accessory.CharacteristicKind(r.URL.Query().Get("characteristic"))

	v, err := s.accessories.GetValue(r.Context(), name, kind)
	if err != nil {
		s.writeAccessoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{Name: name, Characteristic: kind, Value: v})
}

// handleSetState writes a characteristic. The response arrives when the
// command completes or the set timeout passes, whichever is first; a
// timed-out set is reported as success.
func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	name, ok := nameParam(w, r)
	if !ok {
		return
	}
	var req stateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Value == nil {
		writeBadRequest(w, "value is required")
		return
	}

	if err := s.accessories.SetValue(r.Context(), name, req.Characteristic, req.Value); err != nil {
		s.writeAccessoryError(w, r, err)
		return
	}
	s.auditLog(r, audit.ActionCommand, name, map[string]any{
		"characteristic": string(req.Characteristic),
		"value":          req.Value,
	})
	writeJSON(w, http.StatusOK, stateResponse{Name: name, Characteristic: req.Characteristic, Value: req.Value})
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	name, ok := nameParam(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "state history is not enabled")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			writeBadRequest(w, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	snap, err := s.accessories.Snapshot(r.Context(), name)
	if err != nil {
		s.writeAccessoryError(w, r, err)
		return
	}
	entries, err := s.history.History(r.Context(), name, snap.Type, limit)
	if err != nil {
		s.logger.Error("reading state history failed", "device", name, "error", err)
		writeInternalError(w, "failed to read state history")
		return
	}
	if entries == nil {
		entries = []accessory.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    name,
		"history": entries,
		"count":   len(entries),
	})
}

func nameParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "name")
	if name == "" || len(name) > maxNameLen {
		writeBadRequest(w, "invalid accessory name")
		return "", false
	}
	return name, true
}

// writeAccessoryError maps platform errors onto HTTP statuses.
func (s *Server) writeAccessoryError(w http.ResponseWriter, r *http.Request, err error) {
	var exitErr *process.ExitError

	switch {
	case errors.Is(err, accessory.ErrNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, accessory.ErrExists):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, accessory.ErrServiceHidden):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, accessory.ErrNameRequired),
		errors.Is(err, accessory.ErrUnknownType),
		errors.Is(err, accessory.ErrInvalidDescriptor),
		errors.Is(err, accessory.ErrInvalidLink),
		errors.Is(err, accessory.ErrInvalidExpression),
		errors.Is(err, accessory.ErrInvalidValue),
		errors.Is(err, accessory.ErrUnknownCharacteristic),
		errors.Is(err, accessory.ErrReadOnly):
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
	case errors.As(err, &exitErr),
		errors.Is(err, accessory.ErrUnparsableOutput),
		errors.Is(err, accessory.ErrTransformFailed):
		writeError(w, http.StatusBadGateway, ErrCodeCommandFailed, err.Error())
	case errors.Is(err, accessory.ErrPlatformStopped):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, "request timed out")
	default:
		s.logger.Error("accessory request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writeInternalError(w, "internal server error")
	}
}
