package bridge

import (
	"sync"

	"github.com/nexushq/relay/pkg/models"
)

// subscriberBuffer bounds each stream subscriber. A slow consumer drops
// messages rather than blocking writers.
const subscriberBuffer = 16

// Hub fans newly inserted messages out to per-user stream subscribers.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan *models.Message]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan *models.Message]struct{})}
}

// Subscribe registers a listener for one user's messages. The returned
// cancel function must be called exactly once; it closes the channel.
func (h *Hub) Subscribe(userID string) (<-chan *models.Message, func()) {
	ch := make(chan *models.Message, subscriberBuffer)

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan *models.Message]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[userID], ch)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the message to every subscriber of the user. Full
// subscriber buffers are skipped.
func (h *Hub) Publish(userID string, msg *models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[userID] {
		select {
		case ch <- msg:
		default:
		}
	}
}
