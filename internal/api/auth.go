package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/shellbridge/internal/audit"
	"github.com/nerrad567/shellbridge/internal/auth"
)

const (
	tokenIssuer  = "shellbridge"
	adminSubject = "admin"

	// defaultTokenTTL applies when security.jwt.access_token_ttl is unset (minutes).
	defaultTokenTTL = 15

	// ticketTTL is how long a WebSocket ticket is valid.
	ticketTTL = 60 * time.Second

	// ticketBytes is the number of random bytes in a WebSocket ticket.
	ticketBytes = 32
)

// tokenRequest is the request body for POST /auth/token.
type tokenRequest struct {
	Secret string `json:"secret"`
}

// tokenResponse is the response body for POST /auth/token.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// handleToken exchanges the admin secret for an access token. The
// configured secret may be plain or an Argon2id hash.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	ok, err := auth.VerifySecret(req.Secret, s.secCfg.AdminSecret)
	if err != nil {
		s.logger.Error("admin secret hash is unusable", "error", err)
	}
	if !ok {
		writeUnauthorized(w, "invalid credentials")
		return
	}

	signed, ttl, err := s.issueToken(adminSubject, time.Now())
	if err != nil {
		s.logger.Error("signing token failed", "error", err)
		writeInternalError(w, "failed to generate token")
		return
	}

	r = r.WithContext(context.WithValue(r.Context(), ctxKeySubject, adminSubject))
	s.auditLog(r, audit.ActionLogin, "", map[string]any{"remote": r.RemoteAddr})

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int(ttl.Seconds()),
	})
}

// issueToken signs an HS256 token for subject.
func (s *Server) issueToken(subject string, now time.Time) (string, time.Duration, error) {
	minutes := s.secCfg.JWT.AccessTokenTTL
	if minutes <= 0 {
		minutes = defaultTokenTTL
	}
	ttl := time.Duration(minutes) * time.Minute

	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.secCfg.JWT.Secret))
	return signed, ttl, err
}

// handleWSTicket issues a single-use WebSocket ticket so the token never
// appears in a URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, _ *http.Request) {
	ticket := s.tickets.issue(time.Now())
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(ticketTTL.Seconds()),
	})
}

// ticketStore holds pending WebSocket tickets. Tickets are single-use and
// expire after ticketTTL.
type ticketStore struct {
	mu      sync.Mutex
	tickets map[string]time.Time
}

func newTicketStore() *ticketStore {
	return &ticketStore{tickets: make(map[string]time.Time)}
}

func (t *ticketStore) issue(now time.Time) string {
	b := make([]byte, ticketBytes)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	ticket := hex.EncodeToString(b)

	t.mu.Lock()
	t.tickets[ticket] = now.Add(ticketTTL)
	t.mu.Unlock()
	return ticket
}

// consume validates and removes a ticket.
func (t *ticketStore) consume(ticket string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	expires, ok := t.tickets[ticket]
	if !ok {
		return false
	}
	delete(t.tickets, ticket)
	return now.Before(expires)
}

func (t *ticketStore) clean(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ticket, expires := range t.tickets {
		if now.After(expires) {
			delete(t.tickets, ticket)
		}
	}
}

func (t *ticketStore) cleanLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.clean(now)
		}
	}
}
