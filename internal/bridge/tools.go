package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nexushq/relay/internal/integrations"
	"github.com/nexushq/relay/internal/relayerr"
)

// integrationTool adapts one Manager operation into the Tool contract.
type integrationTool struct {
	name   string
	desc   string
	schema json.RawMessage
	scope  string
	run    func(ctx context.Context, userID string, args json.RawMessage) (any, error)
}

func (t *integrationTool) Name() string            { return t.name }
func (t *integrationTool) Description() string     { return t.desc }
func (t *integrationTool) Schema() json.RawMessage { return t.schema }
func (t *integrationTool) ScopeOfEffect() string   { return t.scope }

func (t *integrationTool) Execute(ctx context.Context, userID string, args json.RawMessage) (any, error) {
	if userID == "" {
		return nil, relayerr.New(relayerr.KindUnauthorized, "no connected user")
	}
	return t.run(ctx, userID, args)
}

// IntegrationTools builds the host integration tool set over the manager.
func IntegrationTools(m *integrations.Manager) []Tool {
	return []Tool{
		&integrationTool{
			name:   "nexus_get_integration_status",
			desc:   "List the user's connected integrations (email, calendar) and their health.",
			scope:  "read",
			schema: json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
			run: func(ctx context.Context, userID string, _ json.RawMessage) (any, error) {
				return m.Status(ctx, userID)
			},
		},
		&integrationTool{
			name:  "nexus_search_emails",
			desc:  "Search the user's connected mailbox by keyword.",
			scope: "read",
			schema: json.RawMessage(`{
				"type":"object",
				"properties":{
					"query":{"type":"string","description":"Keyword to match in subject, body or sender."},
					"limit":{"type":"integer","minimum":1,"maximum":100}
				},
				"required":["query"],
				"additionalProperties":false
			}`),
			run: func(ctx context.Context, userID string, args json.RawMessage) (any, error) {
				var in struct {
					Query string `json:"query"`
					Limit int    `json:"limit"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, relayerr.Wrap(relayerr.KindInvalidRequest, err)
				}
				msgs, err := m.SearchEmails(ctx, userID, in.Query, in.Limit)
				if err != nil {
					return nil, err
				}
				return map[string]any{"emails": msgs, "count": len(msgs)}, nil
			},
		},
		&integrationTool{
			name:  "nexus_resolve_email_provider",
			desc:  "Determine how an email address should be connected (OAuth provider or generic IMAP).",
			scope: "read",
			schema: json.RawMessage(`{
				"type":"object",
				"properties":{"email":{"type":"string"}},
				"required":["email"],
				"additionalProperties":false
			}`),
			run: func(ctx context.Context, userID string, args json.RawMessage) (any, error) {
				var in struct {
					Email string `json:"email"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, relayerr.Wrap(relayerr.KindInvalidRequest, err)
				}
				return integrations.ResolveProvider(in.Email)
			},
		},
		&integrationTool{
			name:  "nexus_start_email_connection",
			desc:  "Begin connecting an email account; returns the OAuth URL or the IMAP follow-up step.",
			scope: "write",
			schema: json.RawMessage(`{
				"type":"object",
				"properties":{"email":{"type":"string"}},
				"required":["email"],
				"additionalProperties":false
			}`),
			run: func(ctx context.Context, userID string, args json.RawMessage) (any, error) {
				var in struct {
					Email string `json:"email"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, relayerr.Wrap(relayerr.KindInvalidRequest, err)
				}
				return m.StartEmailConnection(ctx, userID, in.Email)
			},
		},
		&integrationTool{
			name:  "nexus_connect_imap",
			desc:  "Connect a mailbox over IMAP with explicit server credentials.",
			scope: "write",
			schema: json.RawMessage(`{
				"type":"object",
				"properties":{
					"email":{"type":"string"},
					"host":{"type":"string"},
					"port":{"type":"integer","minimum":1,"maximum":65535},
					"username":{"type":"string"},
					"password":{"type":"string"}
				},
				"required":["email","host","password"],
				"additionalProperties":false
			}`),
			run: func(ctx context.Context, userID string, args json.RawMessage) (any, error) {
				var in integrations.IMAPParams
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, relayerr.Wrap(relayerr.KindInvalidRequest, err)
				}
				return m.ConnectIMAP(ctx, userID, in)
			},
		},
		&integrationTool{
			name:  "nexus_test_integration_connection",
			desc:  "Re-probe a connected integration and report its health.",
			scope: "read",
			schema: json.RawMessage(`{
				"type":"object",
				"properties":{"type":{"type":"string","enum":["email","calendar"]}},
				"required":["type"],
				"additionalProperties":false
			}`),
			run: func(ctx context.Context, userID string, args json.RawMessage) (any, error) {
				var in struct {
					Type string `json:"type"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, relayerr.Wrap(relayerr.KindInvalidRequest, err)
				}
				return m.TestConnection(ctx, userID, integrations.Type(in.Type))
			},
		},
		&integrationTool{
			name:  "nexus_disconnect_integration",
			desc:  "Disconnect an integration and discard its stored credential.",
			scope: "write",
			schema: json.RawMessage(`{
				"type":"object",
				"properties":{"type":{"type":"string","enum":["email","calendar"]}},
				"required":["type"],
				"additionalProperties":false
			}`),
			run: func(ctx context.Context, userID string, args json.RawMessage) (any, error) {
				var in struct {
					Type string `json:"type"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, relayerr.Wrap(relayerr.KindInvalidRequest, err)
				}
				if err := m.Disconnect(ctx, userID, integrations.Type(in.Type)); err != nil {
					return nil, err
				}
				return map[string]any{"disconnected": in.Type}, nil
			},
		},
		&integrationTool{
			name:  "nexus_send_email",
			desc:  "Send an email from the user's connected account.",
			scope: "write",
			schema: json.RawMessage(`{
				"type":"object",
				"properties":{
					"to":{"type":"array","items":{"type":"string"},"minItems":1},
					"subject":{"type":"string"},
					"body":{"type":"string"}
				},
				"required":["to","subject"],
				"additionalProperties":false
			}`),
			run: func(ctx context.Context, userID string, args json.RawMessage) (any, error) {
				var in struct {
					To      []string `json:"to"`
					Subject string   `json:"subject"`
					Body    string   `json:"body"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, relayerr.Wrap(relayerr.KindInvalidRequest, err)
				}
				msg := &integrations.EmailMessage{To: in.To, Subject: in.Subject, Body: in.Body}
				if err := m.SendEmail(ctx, userID, msg); err != nil {
					return nil, err
				}
				return map[string]any{"sent": true, "recipients": len(in.To)}, nil
			},
		},
		&integrationTool{
			name:  "nexus_get_calendar_events",
			desc:  "List calendar events in a time window; defaults to the next 7 days.",
			scope: "read",
			schema: json.RawMessage(`{
				"type":"object",
				"properties":{
					"from":{"type":"string","format":"date-time"},
					"to":{"type":"string","format":"date-time"}
				},
				"additionalProperties":false
			}`),
			run: func(ctx context.Context, userID string, args json.RawMessage) (any, error) {
				var in struct {
					From string `json:"from"`
					To   string `json:"to"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, relayerr.Wrap(relayerr.KindInvalidRequest, err)
				}
				from, to, err := eventWindow(in.From, in.To)
				if err != nil {
					return nil, err
				}
				events, err := m.CalendarEvents(ctx, userID, from, to)
				if err != nil {
					return nil, err
				}
				return map[string]any{"events": events, "count": len(events)}, nil
			},
		},
	}
}

func eventWindow(fromStr, toStr string) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from, to := now, now.AddDate(0, 0, 7)
	var err error
	if fromStr != "" {
		if from, err = time.Parse(time.RFC3339, fromStr); err != nil {
			return time.Time{}, time.Time{}, relayerr.New(relayerr.KindInvalidRequest, "from must be RFC 3339")
		}
	}
	if toStr != "" {
		if to, err = time.Parse(time.RFC3339, toStr); err != nil {
			return time.Time{}, time.Time{}, relayerr.New(relayerr.KindInvalidRequest, "to must be RFC 3339")
		}
	}
	return from, to, nil
}
