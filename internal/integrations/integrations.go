// Package integrations manages host-side service connections (email,
// calendar) on behalf of bridge users. Connection state is held per user;
// the actual protocol clients are pluggable so tests and self-hosted
// deployments can swap the backend.
package integrations

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nexushq/relay/internal/observability"
	"github.com/nexushq/relay/internal/relayerr"
)

// Type identifies an integration slot for a user.
type Type string

const (
	TypeEmail    Type = "email"
	TypeCalendar Type = "calendar"
)

// AuthMethod is how a resolved email provider authenticates.
type AuthMethod string

const (
	AuthOAuth AuthMethod = "oauth"
	AuthIMAP  AuthMethod = "imap"
)

// Account is the stored connection state for one integration. Secret is
// never serialized.
type Account struct {
	Type        Type       `json:"type"`
	Provider    string     `json:"provider"`
	Email       string     `json:"email,omitempty"`
	Host        string     `json:"host,omitempty"`
	Port        int        `json:"port,omitempty"`
	Username    string     `json:"username,omitempty"`
	Secret      string     `json:"-"`
	ConnectedAt time.Time  `json:"connected_at"`
	LastTested  *time.Time `json:"last_tested,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Status is the redacted view returned to callers.
type Status struct {
	Type      Type   `json:"type"`
	Provider  string `json:"provider"`
	Email     string `json:"email,omitempty"`
	Connected bool   `json:"connected"`
	LastError string `json:"last_error,omitempty"`
}

// EmailMessage is one search result or outgoing draft.
type EmailMessage struct {
	ID      string    `json:"id,omitempty"`
	From    string    `json:"from,omitempty"`
	To      []string  `json:"to"`
	Subject string    `json:"subject"`
	Body    string    `json:"body,omitempty"`
	Date    time.Time `json:"date,omitempty"`
}

// CalendarEvent is one calendar entry.
type CalendarEvent struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Location string    `json:"location,omitempty"`
}

// EmailClient talks to a mail backend for a connected account.
type EmailClient interface {
	Test(ctx context.Context, acct *Account) error
	Search(ctx context.Context, acct *Account, query string, limit int) ([]EmailMessage, error)
	Send(ctx context.Context, acct *Account, msg *EmailMessage) error
}

// CalendarClient reads events for a connected account.
type CalendarClient interface {
	Events(ctx context.Context, acct *Account, from, to time.Time) ([]CalendarEvent, error)
}

// Resolution describes how an email address should be connected.
type Resolution struct {
	Provider   string     `json:"provider"`
	AuthMethod AuthMethod `json:"auth_method"`
	// IMAPHost is the suggested host when AuthMethod is imap.
	IMAPHost string `json:"imap_host,omitempty"`
	IMAPPort int    `json:"imap_port,omitempty"`
}

// oauthDomains maps well-known consumer domains to their provider. Anything
// else falls back to generic IMAP.
var oauthDomains = map[string]string{
	"gmail.com":      "gmail",
	"googlemail.com": "gmail",
	"outlook.com":    "outlook",
	"hotmail.com":    "outlook",
	"live.com":       "outlook",
	"msn.com":        "outlook",
}

// ResolveProvider inspects the address domain and picks a connection path.
func ResolveProvider(email string) (Resolution, error) {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return Resolution{}, relayerr.New(relayerr.KindInvalidRequest, "invalid email address")
	}
	domain := strings.ToLower(email[at+1:])
	if provider, ok := oauthDomains[domain]; ok {
		return Resolution{Provider: provider, AuthMethod: AuthOAuth}, nil
	}
	return Resolution{
		Provider:   "imap",
		AuthMethod: AuthIMAP,
		IMAPHost:   "mail." + domain,
		IMAPPort:   993,
	}, nil
}

// IMAPParams carries the explicit IMAP connection request.
type IMAPParams struct {
	Email    string `json:"email"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// ConnectionStart is returned by StartEmailConnection.
type ConnectionStart struct {
	Provider   string     `json:"provider"`
	AuthMethod AuthMethod `json:"auth_method"`
	// AuthURL is the OAuth entry point when AuthMethod is oauth.
	AuthURL string `json:"auth_url,omitempty"`
	// NextStep names the follow-up tool for manual flows.
	NextStep string `json:"next_step,omitempty"`
}

// Manager owns per-user integration state.
type Manager struct {
	email    EmailClient
	calendar CalendarClient
	logger   *observability.Logger
	oauthURL string

	mu       sync.RWMutex
	accounts map[string]map[Type]*Account
}

// NewManager creates a manager over the given backend clients. Nil clients
// fall back to the in-process host backend, which is suitable for tests and
// single-box deployments.
func NewManager(email EmailClient, calendar CalendarClient, logger *observability.Logger) *Manager {
	host := NewLocalHost()
	if email == nil {
		email = host
	}
	if calendar == nil {
		calendar = host
	}
	return &Manager{
		email:    email,
		calendar: calendar,
		logger:   logger,
		oauthURL: "/integrations/oauth/start",
		accounts: make(map[string]map[Type]*Account),
	}
}

// Status lists the user's integration slots. Unconnected slots are reported
// with Connected=false so callers always see the full shape.
func (m *Manager) Status(ctx context.Context, userID string) ([]Status, error) {
	if userID == "" {
		return nil, relayerr.New(relayerr.KindUnauthorized, "no connected user")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, 2)
	for _, typ := range []Type{TypeEmail, TypeCalendar} {
		acct := m.accounts[userID][typ]
		if acct == nil {
			out = append(out, Status{Type: typ, Connected: false})
			continue
		}
		out = append(out, Status{
			Type:      typ,
			Provider:  acct.Provider,
			Email:     acct.Email,
			Connected: true,
			LastError: acct.LastError,
		})
	}
	return out, nil
}

// StartEmailConnection resolves the address and returns the connection path.
// OAuth providers get an auth URL; everything else is pointed at the IMAP
// connect flow.
func (m *Manager) StartEmailConnection(ctx context.Context, userID, email string) (*ConnectionStart, error) {
	if userID == "" {
		return nil, relayerr.New(relayerr.KindUnauthorized, "no connected user")
	}
	res, err := ResolveProvider(email)
	if err != nil {
		return nil, err
	}
	if res.AuthMethod == AuthOAuth {
		return &ConnectionStart{
			Provider:   res.Provider,
			AuthMethod: AuthOAuth,
			AuthURL:    fmt.Sprintf("%s?provider=%s&email=%s", m.oauthURL, res.Provider, email),
		}, nil
	}
	return &ConnectionStart{
		Provider:   res.Provider,
		AuthMethod: AuthIMAP,
		NextStep:   "nexus_connect_imap",
	}, nil
}

// ConnectIMAP validates and stores an IMAP account after a live probe.
func (m *Manager) ConnectIMAP(ctx context.Context, userID string, params IMAPParams) (*Status, error) {
	if userID == "" {
		return nil, relayerr.New(relayerr.KindUnauthorized, "no connected user")
	}
	if params.Email == "" || params.Host == "" || params.Password == "" {
		return nil, relayerr.New(relayerr.KindInvalidRequest, "email, host and password are required")
	}
	if params.Port == 0 {
		params.Port = 993
	}
	if params.Username == "" {
		params.Username = params.Email
	}

	acct := &Account{
		Type:        TypeEmail,
		Provider:    "imap",
		Email:       params.Email,
		Host:        params.Host,
		Port:        params.Port,
		Username:    params.Username,
		Secret:      params.Password,
		ConnectedAt: time.Now().UTC(),
	}
	if err := m.email.Test(ctx, acct); err != nil {
		return nil, relayerr.Wrap(relayerr.KindUnavailable, fmt.Errorf("imap probe failed: %w", err))
	}

	m.mu.Lock()
	if m.accounts[userID] == nil {
		m.accounts[userID] = make(map[Type]*Account)
	}
	m.accounts[userID][TypeEmail] = acct
	m.mu.Unlock()

	m.logger.Info(ctx, "imap integration connected", "user_id", userID, "host", params.Host)
	return &Status{Type: TypeEmail, Provider: "imap", Email: params.Email, Connected: true}, nil
}

// TestConnection re-probes a connected integration and records the outcome.
func (m *Manager) TestConnection(ctx context.Context, userID string, typ Type) (*Status, error) {
	acct, err := m.account(userID, typ)
	if err != nil {
		return nil, err
	}

	var probeErr error
	switch typ {
	case TypeEmail:
		probeErr = m.email.Test(ctx, acct)
	case TypeCalendar:
		_, probeErr = m.calendar.Events(ctx, acct, time.Now(), time.Now().Add(time.Hour))
	default:
		return nil, relayerr.New(relayerr.KindInvalidRequest, "unknown integration type")
	}

	now := time.Now().UTC()
	m.mu.Lock()
	acct.LastTested = &now
	if probeErr != nil {
		acct.LastError = probeErr.Error()
	} else {
		acct.LastError = ""
	}
	m.mu.Unlock()

	status := &Status{
		Type: typ, Provider: acct.Provider, Email: acct.Email,
		Connected: probeErr == nil, LastError: acct.LastError,
	}
	return status, nil
}

// Disconnect removes the integration and its stored credential.
func (m *Manager) Disconnect(ctx context.Context, userID string, typ Type) error {
	if userID == "" {
		return relayerr.New(relayerr.KindUnauthorized, "no connected user")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accounts[userID] == nil || m.accounts[userID][typ] == nil {
		return relayerr.New(relayerr.KindNotFound, "integration not connected")
	}
	delete(m.accounts[userID], typ)
	m.logger.Info(ctx, "integration disconnected", "user_id", userID, "type", string(typ))
	return nil
}

// SearchEmails runs a query against the connected mailbox.
func (m *Manager) SearchEmails(ctx context.Context, userID, query string, limit int) ([]EmailMessage, error) {
	acct, err := m.account(userID, TypeEmail)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	msgs, err := m.email.Search(ctx, acct, query, limit)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindUnavailable, err)
	}
	return msgs, nil
}

// SendEmail sends a draft through the connected account.
func (m *Manager) SendEmail(ctx context.Context, userID string, msg *EmailMessage) error {
	acct, err := m.account(userID, TypeEmail)
	if err != nil {
		return err
	}
	if len(msg.To) == 0 || msg.Subject == "" {
		return relayerr.New(relayerr.KindInvalidRequest, "to and subject are required")
	}
	msg.From = acct.Email
	if err := m.email.Send(ctx, acct, msg); err != nil {
		return relayerr.Wrap(relayerr.KindUnavailable, err)
	}
	m.logger.Info(ctx, "email sent", "user_id", userID, "recipients", len(msg.To))
	return nil
}

// CalendarEvents lists events in [from, to).
func (m *Manager) CalendarEvents(ctx context.Context, userID string, from, to time.Time) ([]CalendarEvent, error) {
	acct, err := m.account(userID, TypeCalendar)
	if err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, relayerr.New(relayerr.KindInvalidRequest, "window end precedes start")
	}
	events, err := m.calendar.Events(ctx, acct, from, to)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindUnavailable, err)
	}
	return events, nil
}

// ConnectAccount installs a pre-authorized account, e.g. after an OAuth
// callback or from test setup.
func (m *Manager) ConnectAccount(userID string, acct *Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accounts[userID] == nil {
		m.accounts[userID] = make(map[Type]*Account)
	}
	if acct.ConnectedAt.IsZero() {
		acct.ConnectedAt = time.Now().UTC()
	}
	m.accounts[userID][acct.Type] = acct
}

func (m *Manager) account(userID string, typ Type) (*Account, error) {
	if userID == "" {
		return nil, relayerr.New(relayerr.KindUnauthorized, "no connected user")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct := m.accounts[userID][typ]
	if acct == nil {
		return nil, relayerr.New(relayerr.KindNotFound, fmt.Sprintf("%s integration not connected", typ))
	}
	return acct, nil
}
