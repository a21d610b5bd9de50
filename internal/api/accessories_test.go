package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/nerrad567/shellbridge/internal/accessory"
)

// snapshotBody picks the fields the tests check out of a Snapshot response.
type snapshotBody struct {
	Name   string           `json:"name"`
	Type   accessory.Type   `json:"type"`
	UUID   string           `json:"uuid"`
	Origin accessory.Origin `json:"origin"`
}

func TestAccessoryLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/accessories", map[string]any{
		"name":   "Lamp",
		"type":   "Lightbulb",
		"on_cmd": "lamp on",
	}, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	created := decodeBody[snapshotBody](t, rec)
	if created.Name != "Lamp" || created.UUID != accessory.AccessoryUUID("Lamp") || created.Origin != accessory.OriginAPI {
		t.Errorf("created = %+v", created)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/accessories", map[string]any{"name": "Lamp"}, true)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/accessories", nil, true)
	list := decodeBody[struct {
		Accessories []snapshotBody `json:"accessories"`
		Count       int            `json:"count"`
	}](t, rec)
	if list.Count != 1 || list.Accessories[0].Name != "Lamp" {
		t.Errorf("list = %+v", list)
	}

	rec = env.do(t, http.MethodPut, "/api/v1/accessories/Lamp", map[string]any{"type": "Switch"}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", rec.Code, rec.Body)
	}
	if got := decodeBody[snapshotBody](t, rec); got.Type != accessory.TypeSwitch {
		t.Errorf("updated type = %q", got.Type)
	}

	rec = env.do(t, http.MethodPut, "/api/v1/accessories/Lamp", map[string]any{"name": "Other"}, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("rename status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/accessories/Lamp", nil, true)
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, "/api/v1/accessories/Lamp", nil, true)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/accessories/Lamp", nil, true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}
}

func TestCreateAccessoryValidation(t *testing.T) {
	tests := []struct {
		name string
		body any
		want int
	}{
		{"not JSON", "{", http.StatusBadRequest},
		{"missing name", map[string]any{"type": "Switch"}, http.StatusUnprocessableEntity},
		{"unknown type", map[string]any{"name": "X", "type": "Toaster"}, http.StatusUnprocessableEntity},
		{"self link", map[string]any{"name": "X", "link": "X"}, http.StatusUnprocessableEntity},
		{"inverted bounds", map[string]any{"name": "X", "min_value": 50, "max_value": 10}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec := env.do(t, http.MethodPost, "/api/v1/accessories", tt.body, true)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestStateEndpoints(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.acc.Add(context.Background(), accessory.Descriptor{Name: "Fan", Type: accessory.TypeSwitch}); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodPut, "/api/v1/accessories/Fan/state", map[string]any{"value": true}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("set status = %d, body %s", rec.Code, rec.Body)
	}
	if len(env.acc.sets) != 1 || env.acc.sets[0].Value != true || env.acc.sets[0].Characteristic != "" {
		t.Errorf("sets = %+v", env.acc.sets)
	}

	rec = env.do(t, http.MethodPut, "/api/v1/accessories/Fan/state", map[string]any{"characteristic": "On"}, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("set without value status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/accessories/Fan/state", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	got := decodeBody[stateResponse](t, rec)
	if got.Name != "Fan" || got.Value != true {
		t.Errorf("state = %+v", got)
	}
}

func TestStateErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"not found", fmt.Errorf("%w: %q", accessory.ErrNotFound, "x"), http.StatusNotFound, ErrCodeNotFound},
		{"hidden service", accessory.ErrServiceHidden, http.StatusConflict, ErrCodeConflict},
		{"read only", accessory.ErrReadOnly, http.StatusUnprocessableEntity, ErrCodeValidation},
		{"bad value", fmt.Errorf("%w: want bool", accessory.ErrInvalidValue), http.StatusUnprocessableEntity, ErrCodeValidation},
		{"command failed", fmt.Errorf("running on_cmd: %w", exitErr()), http.StatusBadGateway, ErrCodeCommandFailed},
		{"unparsable", accessory.ErrUnparsableOutput, http.StatusBadGateway, ErrCodeCommandFailed},
		{"stopped", accessory.ErrPlatformStopped, http.StatusServiceUnavailable, ErrCodeUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, ErrCodeTimeout},
		{"other", fmt.Errorf("disk on fire"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.acc.setErr = tt.err
			env.acc.getErr = tt.err

			for _, method := range []string{http.MethodGet, http.MethodPut} {
				rec := env.do(t, method, "/api/v1/accessories/Any/state", map[string]any{"value": 1}, true)
				if rec.Code != tt.wantCode {
					t.Errorf("%s status = %d, want %d", method, rec.Code, tt.wantCode)
				}
				body := decodeBody[map[string]any](t, rec)
				if body["code"] != tt.wantErr {
					t.Errorf("%s code = %v, want %s", method, body["code"], tt.wantErr)
				}
			}
		})
	}
}

func TestHistoryEndpoint(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.acc.Add(context.Background(), accessory.Descriptor{Name: "Door", Type: accessory.TypeDoor}); err != nil {
		t.Fatal(err)
	}
	env.history.entries = []accessory.HistoryEntry{
		{ID: 2, Name: "Door", Previous: 0.0, State: 100.0, Source: accessory.SourcePoll, CreatedAt: time.Now()},
	}

	rec := env.do(t, http.MethodGet, "/api/v1/accessories/Door/history", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if env.history.limit != defaultHistoryLimit {
		t.Errorf("limit = %d, want default %d", env.history.limit, defaultHistoryLimit)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["count"] != 1.0 {
		t.Errorf("count = %v", body["count"])
	}

	rec = env.do(t, http.MethodGet, "/api/v1/accessories/Door/history?limit=5", nil, true)
	if rec.Code != http.StatusOK || env.history.limit != 5 {
		t.Errorf("limit=5: status %d, limit %d", rec.Code, env.history.limit)
	}

	for _, bad := range []string{"0", "501", "abc"} {
		rec = env.do(t, http.MethodGet, "/api/v1/accessories/Door/history?limit="+bad, nil, true)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d", bad, rec.Code)
		}
	}

	rec = env.do(t, http.MethodGet, "/api/v1/accessories/Ghost/history", nil, true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d", rec.Code)
	}

	env.srv.history = nil
	rec = env.do(t, http.MethodGet, "/api/v1/accessories/Door/history", nil, true)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("history disabled status = %d", rec.Code)
	}
}
