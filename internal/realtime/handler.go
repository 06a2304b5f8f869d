package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-token-queue/internal/queue"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// SnapshotSource returns the committed state of a doctor-day.
type SnapshotSource interface {
	GetQueueSnapshot(ctx context.Context, key queue.QueueKey) (*queue.DoctorQueueState, error)
}

// ClientMessage is what subscribers send us.
type ClientMessage struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// Handler upgrades HTTP requests to WebSocket subscriber connections.
type Handler struct {
	hub       *Hub
	snapshots SnapshotSource
	upgrader  websocket.Upgrader
	log       zerolog.Logger
}

func NewHandler(hub *Hub, snapshots SnapshotSource, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:       hub,
		snapshots: snapshots,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Waiting-room displays are served from other origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger.With().Str("component", "realtime_ws").Logger(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(uuid.NewString(), sendBuffer)
	h.hub.Register(client)

	// Channels may also be given up front: /ws?channel=queue:h1:d1:2026-10-18
	if initial := r.URL.Query()["channel"]; len(initial) > 0 {
		h.subscribe(context.WithoutCancel(r.Context()), client, initial)
	}

	go h.writePump(client, conn)
	go h.readPump(client, conn)
}

// subscribe registers the client first and sends the snapshot second, so an
// update committed in between is either delivered or superseded by the
// snapshot, never lost.
func (h *Handler) subscribe(ctx context.Context, client *Client, channels []string) {
	for _, channel := range channels {
		key, err := ParseChannel(channel)
		if err != nil {
			h.hub.SendTo(client, errorMessage(channel, err))
			continue
		}
		h.hub.Subscribe(client, channel)

		snapshotCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		state, err := h.snapshots.GetQueueSnapshot(snapshotCtx, key)
		cancel()
		switch {
		case errors.Is(err, queue.ErrQueueNotFound):
			fresh := queue.NewDoctorQueueState(key)
			state = &fresh
		case err != nil:
			h.log.Error().Err(err).Str("channel", channel).Msg("load snapshot")
			h.hub.SendTo(client, errorMessage(channel, errors.New("snapshot unavailable")))
			continue
		}
		h.hub.SendTo(client, NewMessage(TypeSnapshot, queue.QueueChange{State: *state}))
	}
}

func (h *Handler) readPump(client *Client, conn *websocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("client_id", client.ID).Msg("websocket closed")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			h.subscribe(context.Background(), client, msg.Channels)
		case "unsubscribe":
			h.hub.Unsubscribe(client, msg.Channels...)
		}
	}
}

func (h *Handler) writePump(client *Client, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
