package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/exhazordinary/atomicsettle/internal/types"
)

const subscriberBuffer = 64

// Event is one status-change notification on a participant's stream.
type Event struct {
	Type         string            `json:"type"`
	SettlementID string            `json:"settlement_id"`
	Status       types.Status      `json:"status"`
	Settlement   *types.Settlement `json:"settlement"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Subscriber is one streaming connection scoped to a participant.
type Subscriber struct {
	ID            uuid.UUID
	ParticipantID string

	Events chan Event
	Done   chan struct{}

	closeOnce sync.Once
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.Done) })
}

// Hub fans settlement status changes out to per-participant streams. Events
// for one settlement are published from a single goroutine and each
// subscriber has an ordered channel, so a participant observes status changes
// in lifecycle order. A subscriber that cannot keep up is disconnected rather
// than silently skipped; reconnecting clients re-query for anything missed.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[uuid.UUID]*Subscriber // participant -> subID -> subscriber
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[uuid.UUID]*Subscriber),
	}
}

// Subscribe registers a stream for one participant's settlements.
func (h *Hub) Subscribe(participantID string) *Subscriber {
	sub := &Subscriber{
		ID:            uuid.New(),
		ParticipantID: participantID,
		Events:        make(chan Event, subscriberBuffer),
		Done:          make(chan struct{}),
	}

	h.mu.Lock()
	if h.subscribers[participantID] == nil {
		h.subscribers[participantID] = make(map[uuid.UUID]*Subscriber)
	}
	h.subscribers[participantID][sub.ID] = sub
	h.mu.Unlock()

	return sub
}

// Unsubscribe removes a stream.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[sub.ParticipantID]
	if _, exists := subs[sub.ID]; exists {
		sub.close()
		delete(subs, sub.ID)
	}
	if len(subs) == 0 {
		delete(h.subscribers, sub.ParticipantID)
	}
}

// Publish delivers a settlement status change to every participant the
// settlement touches.
func (h *Hub) Publish(settlement *types.Settlement) {
	event := Event{
		Type:         "settlement.status",
		SettlementID: settlement.SettlementID,
		Status:       settlement.Status,
		Settlement:   settlement,
		Timestamp:    time.Now().UTC(),
	}

	seen := make(map[string]bool)
	audience := []string{settlement.Initiator}
	for _, leg := range settlement.Legs {
		audience = append(audience, leg.FromParticipant, leg.ToParticipant)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, participantID := range audience {
		if seen[participantID] {
			continue
		}
		seen[participantID] = true

		for _, sub := range h.subscribers[participantID] {
			select {
			case sub.Events <- event:
			case <-sub.Done:
			default:
				// Backlogged subscriber: disconnect instead of losing an
				// event mid-stream.
				log.Warn().
					Str("participant_id", participantID).
					Str("subscriber_id", sub.ID.String()).
					Msg("dropping backlogged stream subscriber")
				sub.close()
			}
		}
	}
}

// WebSocketHandler bridges the hub onto websocket connections.
type WebSocketHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewWebSocketHandler(hub *Hub) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// StreamHandler upgrades the request and streams the caller's settlement
// status changes until either side disconnects.
func (h *WebSocketHandler) StreamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		participantID := c.GetString("participant_id")
		logger := log.With().
			Str("participant_id", participantID).
			Str("component", "stream").
			Logger()

		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		sub := h.hub.Subscribe(participantID)
		defer func() {
			h.hub.Unsubscribe(sub)
			conn.Close()
		}()
		logger.Debug().Str("subscriber_id", sub.ID.String()).Msg("stream opened")

		// Read loop: detects client disconnect and services ping/pong.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					sub.close()
					return
				}
			}
		}()

		for {
			select {
			case event := <-sub.Events:
				data, err := json.Marshal(event)
				if err != nil {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			case <-sub.Done:
				return
			case <-c.Request.Context().Done():
				return
			}
		}
	}
}
