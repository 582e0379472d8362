package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix = "fieldvisit:"
	channelSuffix = ":events"
)

// Hub fans payloads out to websocket clients watching an operator. With
// Redis configured, broadcasts also reach clients connected to other
// instances.
type Hub struct {
	redis   *redis.Client
	origin  string
	log     *slog.Logger
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex

	cancel context.CancelFunc
	done   chan struct{}
}

type Client struct {
	OperatorID string
	Send       chan []byte
}

// envelope tags relayed payloads with the publishing hub so it can skip
// its own messages.
type envelope struct {
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

func NewHub(redisClient *redis.Client, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		redis:   redisClient,
		origin:  uuid.NewString(),
		log:     log,
		clients: map[string]map[*Client]struct{}{},
		done:    make(chan struct{}),
	}

	if redisClient == nil {
		close(h.done)
		return h
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	ready := make(chan struct{})
	go h.subscribeRedis(ctx, ready)
	<-ready
	return h
}

func (h *Hub) Register(operatorID string) *Client {
	client := &Client{
		OperatorID: operatorID,
		Send:       make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[operatorID] == nil {
		h.clients[operatorID] = map[*Client]struct{}{}
	}
	h.clients[operatorID][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.clients[client.OperatorID]; ok {
		if _, ok := clients[client]; !ok {
			return
		}
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, client.OperatorID)
		}
		close(client.Send)
	}
}

// Clients returns how many local clients watch operatorID.
func (h *Hub) Clients(operatorID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[operatorID])
}

func (h *Hub) Broadcast(operatorID string, payload []byte) {
	h.deliver(operatorID, payload)

	if h.redis != nil {
		msg, _ := json.Marshal(envelope{Origin: h.origin, Payload: payload})
		if err := h.redis.Publish(context.Background(), redisChannel(operatorID), msg).Err(); err != nil {
			h.log.Warn("stream: redis publish", "operator_id", operatorID, "error", err)
		}
	}
}

// deliver never blocks; slow clients miss messages.
func (h *Hub) deliver(operatorID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[operatorID] {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

func (h *Hub) subscribeRedis(ctx context.Context, ready chan<- struct{}) {
	defer close(h.done)
	pubsub := h.redis.PSubscribe(ctx, channelPrefix+"*"+channelSuffix)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		h.log.Warn("stream: redis subscribe", "error", err)
	}
	close(ready)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Origin == h.origin {
				continue
			}
			if id := operatorFromChannel(msg.Channel); id != "" {
				h.deliver(id, env.Payload)
			}
		}
	}
}

// Close stops the Redis relay.
func (h *Hub) Close() {
	if h.cancel != nil {
		h.cancel()
	}
	<-h.done
}

func redisChannel(operatorID string) string {
	return channelPrefix + operatorID + channelSuffix
}

func operatorFromChannel(ch string) string {
	if !strings.HasPrefix(ch, channelPrefix) || !strings.HasSuffix(ch, channelSuffix) ||
		len(ch) <= len(channelPrefix)+len(channelSuffix) {
		return ""
	}
	return ch[len(channelPrefix) : len(ch)-len(channelSuffix)]
}
