package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/atp-project/atp/pkg/cache"
	"github.com/atp-project/atp/pkg/tools"
)

// AuthError wraps auth failures with component context.
type AuthError struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func NewAuthError(component, action, message string, err error) *AuthError {
	return &AuthError{Component: component, Action: action, Message: message, Err: err}
}

// Session is the per-client server-side state created by init. Guidance is
// free text the client supplied to be shown alongside the tool surface.
type Session struct {
	ClientID   string             `json:"clientId"`
	ClientInfo map[string]any     `json:"clientInfo,omitempty"`
	Guidance   string             `json:"guidance,omitempty"`
	Scopes     []string           `json:"scopes,omitempty"`
	Tools      []tools.Descriptor `json:"tools,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
	LastSeen   time.Time          `json:"lastSeen"`
}

// SessionTools returns the session's registered tools as client-resident
// catalog entries.
func (s *Session) SessionTools() []*tools.Tool {
	out := make([]*tools.Tool, 0, len(s.Tools))
	for i := range s.Tools {
		d := s.Tools[i]
		d.Metadata.Source = tools.OriginUser
		out = append(out, &tools.Tool{Descriptor: d})
	}
	return out
}

// InitRequest is the payload of an init call.
type InitRequest struct {
	ClientInfo map[string]any     `json:"clientInfo,omitempty"`
	Guidance   string             `json:"guidance,omitempty"`
	Scopes     []string           `json:"scopes,omitempty"`
	Tools      []tools.Descriptor `json:"tools,omitempty"`
}

// InitResult carries the fresh credentials back to the client. RotateAt is
// advisory: a replacement token rides on every authenticated response
// anyway, RotateAt just says when the first one is due at the latest.
type InitResult struct {
	ClientID  string    `json:"clientId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	RotateAt  time.Time `json:"rotateAt"`
}

// VerifyResult is the outcome of verifying a request's credentials. NewToken
// carries the replacement token issued for this request.
type VerifyResult struct {
	Session        *Session
	NewToken       string
	NewTokenExpiry time.Time
}

// Service owns client sessions and their tokens.
type Service struct {
	issuer     *TokenIssuer
	sessions   cache.Provider
	sessionTTL time.Duration
	logger     *slog.Logger
}

func NewService(issuer *TokenIssuer, sessions cache.Provider, sessionTTL time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		issuer:     issuer,
		sessions:   sessions,
		sessionTTL: sessionTTL,
		logger:     logger,
	}
}

func sessionKey(clientID string) string {
	return "session:" + clientID
}

func newClientID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate client id: %w", err)
	}
	return "cli_" + hex.EncodeToString(buf), nil
}

// InitClient creates a session and issues its first token. Each call yields a
// fresh client id; clients that lose credentials start over.
func (s *Service) InitClient(ctx context.Context, req InitRequest) (*InitResult, error) {
	clientID, err := newClientID()
	if err != nil {
		return nil, NewAuthError("Service", "InitClient", "id generation failed", err)
	}

	now := time.Now()
	session := &Session{
		ClientID:   clientID,
		ClientInfo: req.ClientInfo,
		Guidance:   req.Guidance,
		Scopes:     req.Scopes,
		Tools:      req.Tools,
		CreatedAt:  now,
		LastSeen:   now,
	}
	if err := s.saveSession(ctx, session); err != nil {
		return nil, err
	}

	token, expires, err := s.issuer.Issue(clientID)
	if err != nil {
		return nil, NewAuthError("Service", "InitClient", "token issue failed", err)
	}

	s.logger.Info("client initialized", "clientId", clientID, "tools", len(req.Tools))
	return &InitResult{
		ClientID:  clientID,
		Token:     token,
		ExpiresAt: expires,
		RotateAt:  now.Add(s.issuer.rotateAfter),
	}, nil
}

// Verify checks a token against the claimed client id and refreshes the
// session's sliding expiry. A token whose subject does not match the claimed
// id is rejected even when the signature is valid.
func (s *Service) Verify(ctx context.Context, tokenString, clientID string) (*VerifyResult, error) {
	claims, err := s.issuer.Verify(tokenString)
	if err != nil {
		return nil, NewAuthError("Service", "Verify", "token rejected", err)
	}
	if clientID == "" || claims.ClientID != clientID {
		return nil, NewAuthError("Service", "Verify", "token does not match client id", nil)
	}

	session, err := s.GetSession(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, NewAuthError("Service", "Verify", "session not found or expired", nil)
	}

	session.LastSeen = time.Now()
	if err := s.saveSession(ctx, session); err != nil {
		return nil, err
	}

	// Every authenticated response carries a replacement token. Clients that
	// always adopt the newest one never hit an expiry mid-conversation.
	token, expires, err := s.issuer.Issue(clientID)
	if err != nil {
		return nil, NewAuthError("Service", "Verify", "token rotation failed", err)
	}
	return &VerifyResult{
		Session:        session,
		NewToken:       token,
		NewTokenExpiry: expires,
	}, nil
}

// GetSession loads a session, returning nil when it does not exist.
func (s *Service) GetSession(ctx context.Context, clientID string) (*Session, error) {
	data, found, err := s.sessions.Get(ctx, sessionKey(clientID))
	if err != nil {
		return nil, NewAuthError("Service", "GetSession", "session lookup failed", err)
	}
	if !found {
		return nil, nil
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, NewAuthError("Service", "GetSession", "corrupt session record", err)
	}
	return &session, nil
}

// Revoke deletes a session. Outstanding tokens for the client stop working
// at the next Verify because the session is gone.
func (s *Service) Revoke(ctx context.Context, clientID string) error {
	if err := s.sessions.Delete(ctx, sessionKey(clientID)); err != nil {
		return NewAuthError("Service", "Revoke", "session delete failed", err)
	}
	s.logger.Info("client revoked", "clientId", clientID)
	return nil
}

func (s *Service) saveSession(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return NewAuthError("Service", "saveSession", "session encode failed", err)
	}
	if err := s.sessions.Set(ctx, sessionKey(session.ClientID), data, s.sessionTTL); err != nil {
		return NewAuthError("Service", "saveSession", "session store failed", err)
	}
	return nil
}
