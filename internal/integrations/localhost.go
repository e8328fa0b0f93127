package integrations

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalHost is the in-process integration backend: a per-account mailbox and
// calendar held in memory. It backs single-box deployments and tests; real
// hosts replace it with protocol clients.
type LocalHost struct {
	mu        sync.RWMutex
	mailboxes map[string][]EmailMessage
	calendars map[string][]CalendarEvent
}

// NewLocalHost creates an empty host backend.
func NewLocalHost() *LocalHost {
	return &LocalHost{
		mailboxes: make(map[string][]EmailMessage),
		calendars: make(map[string][]CalendarEvent),
	}
}

// SeedMailbox loads messages into an account's mailbox.
func (h *LocalHost) SeedMailbox(email string, msgs ...EmailMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range msgs {
		if msgs[i].ID == "" {
			msgs[i].ID = uuid.NewString()
		}
	}
	h.mailboxes[email] = append(h.mailboxes[email], msgs...)
}

// SeedCalendar loads events into an account's calendar.
func (h *LocalHost) SeedCalendar(email string, events ...CalendarEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calendars[email] = append(h.calendars[email], events...)
}

// Test accepts any account that carries a credential.
func (h *LocalHost) Test(ctx context.Context, acct *Account) error {
	if acct.Provider == "imap" && acct.Secret == "" {
		return errors.New("missing credential")
	}
	return ctx.Err()
}

// Search scans the mailbox for the query in subject, body or sender,
// newest first.
func (h *LocalHost) Search(ctx context.Context, acct *Account, query string, limit int) ([]EmailMessage, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	needle := strings.ToLower(query)
	var out []EmailMessage
	for _, msg := range h.mailboxes[acct.Email] {
		if needle == "" ||
			strings.Contains(strings.ToLower(msg.Subject), needle) ||
			strings.Contains(strings.ToLower(msg.Body), needle) ||
			strings.Contains(strings.ToLower(msg.From), needle) {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Send appends the message to each recipient's mailbox.
func (h *LocalHost) Send(ctx context.Context, acct *Account, msg *EmailMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	stored := *msg
	stored.ID = uuid.NewString()
	stored.From = acct.Email
	if stored.Date.IsZero() {
		stored.Date = time.Now().UTC()
	}
	for _, to := range msg.To {
		h.mailboxes[to] = append(h.mailboxes[to], stored)
	}
	return nil
}

// Events returns events overlapping [from, to), sorted by start time.
func (h *LocalHost) Events(ctx context.Context, acct *Account, from, to time.Time) ([]CalendarEvent, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []CalendarEvent
	for _, ev := range h.calendars[acct.Email] {
		if ev.End.After(from) && ev.Start.Before(to) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}
