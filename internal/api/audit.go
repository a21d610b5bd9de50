package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/nerrad567/shellbridge/internal/audit"
)

// auditChanSize bounds pending audit writes. Entries beyond it are dropped
// so a slow database never holds up a request.
const auditChanSize = 256

// auditLog enqueues an entry for the drain goroutine. A full channel drops
// the entry with a warning.
func (s *Server) auditLog(r *http.Request, action, name string, details map[string]any) {
	if s.auditRepo == nil {
		return
	}
	subject, _ := r.Context().Value(ctxKeySubject).(string)

	entry := &audit.Entry{
		Action:    action,
		Accessory: name,
		Subject:   subject,
		Source:    "api",
		Details:   details,
	}

	select {
	case s.auditCh <- entry:
	default:
		s.logger.Warn("audit channel full, dropping entry", "action", action, "device", name)
	}
}

// drainAuditLog writes queued entries one at a time until ctx ends, then
// flushes whatever is left.
func (s *Server) drainAuditLog(ctx context.Context) {
	for {
		select {
		case entry := <-s.auditCh:
			s.writeAudit(entry)
		case <-ctx.Done():
			for {
				select {
				case entry := <-s.auditCh:
					s.writeAudit(entry)
				default:
					return
				}
			}
		}
	}
}

func (s *Server) writeAudit(entry *audit.Entry) {
	if err := s.auditRepo.Create(context.Background(), entry); err != nil {
		s.logger.Error("audit write failed", "action", entry.Action, "device", entry.Accessory, "error", err)
	}
}

// handleListAudit returns a page of the audit trail.
//
// Query parameters: action, accessory, limit (default 50, max 200), offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditRepo == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit logging is not enabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:    q.Get("action"),
		Accessory: q.Get("accessory"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "limit must be a number")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "offset must be a number")
			return
		}
		filter.Offset = n
	}

	result, err := s.auditRepo.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit entries failed", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
