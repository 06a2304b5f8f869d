package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-token-queue/internal/metrics"
)

// Client is one connected subscriber.
type Client struct {
	ID   string
	Send chan []byte

	// subs is guarded by the hub's mutex.
	subs map[string]*Subscription
}

func NewClient(id string, buffer int) *Client {
	return &Client{
		ID:   id,
		Send: make(chan []byte, buffer),
		subs: make(map[string]*Subscription),
	}
}

// Hub tracks the clients of this process and their channel subscriptions.
// Delivery to a client never blocks: a client whose buffer is full misses
// that frame and catches up with the next one, which carries the full state.
type Hub struct {
	mu       sync.Mutex
	channels map[string]map[*Client]struct{}
	all      map[*Client]struct{}

	metrics *metrics.Collector
	log     zerolog.Logger
}

func NewHub(m *metrics.Collector, logger zerolog.Logger) *Hub {
	return &Hub{
		channels: make(map[string]map[*Client]struct{}),
		all:      make(map[*Client]struct{}),
		metrics:  m,
		log:      logger.With().Str("component", "realtime_hub").Logger(),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	h.metrics.SetConnectedClients(len(h.all))
}

// Unregister drops the client and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for channel := range client.subs {
		h.detach(client, channel)
	}
	delete(h.all, client)
	close(client.Send)
	h.metrics.SetConnectedClients(len(h.all))
}

// Subscribe adds channels to a registered client. Subscribing twice to the
// same channel keeps the existing version watermark.
func (h *Hub) Subscribe(client *Client, channels ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, channel := range channels {
		if _, ok := client.subs[channel]; ok {
			continue
		}
		client.subs[channel] = NewSubscription(client.ID, channel)
		if h.channels[channel] == nil {
			h.channels[channel] = make(map[*Client]struct{})
		}
		h.channels[channel][client] = struct{}{}
	}
}

func (h *Hub) Unsubscribe(client *Client, channels ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, channel := range channels {
		h.detach(client, channel)
	}
}

func (h *Hub) detach(client *Client, channel string) {
	delete(client.subs, channel)
	if subscribers, ok := h.channels[channel]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.channels, channel)
		}
	}
}

// Broadcast hands msg to every subscriber of its channel that has not yet
// seen this version or a newer one.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("channel", msg.Channel).Msg("marshal queue message")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.channels[msg.Channel] {
		h.offer(client, msg, data)
	}
}

// SendTo delivers msg to a single client, applying the same version filter.
func (h *Hub) SendTo(client *Client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("channel", msg.Channel).Msg("marshal queue message")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	if msg.Type == TypeError {
		h.push(client, msg, data)
		return
	}
	h.offer(client, msg, data)
}

func (h *Hub) offer(client *Client, msg Message, data []byte) {
	sub, ok := client.subs[msg.Channel]
	if !ok || !sub.Accept(msg.Version) {
		return
	}
	h.push(client, msg, data)
}

func (h *Hub) push(client *Client, msg Message, data []byte) {
	select {
	case client.Send <- data:
	default:
		h.log.Warn().
			Str("client_id", client.ID).
			Str("channel", msg.Channel).
			Int64("version", msg.Version).
			Msg("client buffer full, frame dropped")
	}
}

// Deliver lets the hub act as the broadcaster's sink in a single process.
func (h *Hub) Deliver(_ context.Context, msg Message) error {
	h.Broadcast(msg)
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.all)
}

func (h *Hub) ChannelCount(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[channel])
}
