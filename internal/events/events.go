// Package events fans server events out to live subscribers (the websocket
// stream). Delivery is best effort: a subscriber that falls behind loses
// events rather than slowing publishers down.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"evalgo.org/gameforge/models"
)

// Type classifies an event.
type Type string

const (
	TypeAudit  Type = "audit"
	TypeStatus Type = "status"
)

// Event is one server event.
type Event struct {
	Type      Type                `json:"type"`
	ServerID  string              `json:"serverId"`
	Level     models.AuditLevel   `json:"level,omitempty"`
	Message   string              `json:"message,omitempty"`
	Status    models.ServerStatus `json:"status,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// Broker publishes events and hands out per-server subscriptions.
type Broker interface {
	Publish(ctx context.Context, ev Event) error

	// Subscribe streams events of serverID until cancel is called or ctx
	// ends. The channel is closed afterwards.
	Subscribe(ctx context.Context, serverID string) (events <-chan Event, cancel func(), err error)

	Close() error
}

const subscriberBuffer = 64

type subscriber struct {
	ch   chan Event
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// hub tracks local subscribers per server.
type hub struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[*subscriber]struct{})}
}

func (h *hub) add(serverID string) *subscriber {
	s := &subscriber{ch: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[serverID] == nil {
		h.subs[serverID] = make(map[*subscriber]struct{})
	}
	h.subs[serverID][s] = struct{}{}
	return s
}

func (h *hub) remove(serverID string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[serverID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, serverID)
		}
	}
	s.close()
}

// deliver sends ev to every subscriber of its server, dropping it for
// subscribers whose buffer is full. It reports how many were skipped.
func (h *hub) deliver(ev Event) (dropped int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[ev.ServerID] {
		select {
		case s.ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, set := range h.subs {
		for s := range set {
			s.close()
		}
		delete(h.subs, id)
	}
}

func (h *hub) subscribe(ctx context.Context, serverID string) (<-chan Event, func()) {
	s := h.add(serverID)
	var once sync.Once
	cancel := func() { once.Do(func() { h.remove(serverID, s) }) }
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return s.ch, cancel
}

// Memory is an in-process Broker.
type Memory struct {
	hub    *hub
	logger *zap.Logger
}

func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{hub: newHub(), logger: logger.Named("events")}
}

func (m *Memory) Publish(_ context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if dropped := m.hub.deliver(ev); dropped > 0 {
		m.logger.Debug("slow subscribers skipped an event", zap.String("server_id", ev.ServerID), zap.Int("dropped", dropped))
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, serverID string) (<-chan Event, func(), error) {
	ch, cancel := m.hub.subscribe(ctx, serverID)
	return ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (m *Memory) Subscribers() int { return m.hub.count() }

func (m *Memory) Close() error {
	m.hub.closeAll()
	return nil
}

// Redis shares events between the API and worker processes over pub/sub.
// Each process keeps one pattern subscription and dispatches locally.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	hub    *hub
	pubsub *redis.PubSub
	done   chan struct{}
	logger *zap.Logger
}

// NewRedis subscribes to every server channel under keyPrefix.
func NewRedis(ctx context.Context, rdb redis.UniversalClient, keyPrefix string, logger *zap.Logger) (*Redis, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "gf"
	}
	r := &Redis{
		rdb:    rdb,
		prefix: keyPrefix + ":events:",
		hub:    newHub(),
		done:   make(chan struct{}),
		logger: logger.Named("events"),
	}
	r.pubsub = rdb.PSubscribe(ctx, r.prefix+"*")
	if _, err := r.pubsub.Receive(ctx); err != nil {
		_ = r.pubsub.Close()
		return nil, errors.Wrap(err, "subscribe to server events")
	}
	go r.loop()
	return r, nil
}

func (r *Redis) loop() {
	defer close(r.done)
	for msg := range r.pubsub.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			r.logger.Warn("dropping malformed event", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		r.hub.deliver(ev)
	}
}

func (r *Redis) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	if err := r.rdb.Publish(ctx, r.prefix+ev.ServerID, payload).Err(); err != nil {
		return errors.Wrapf(err, "publish event for server %s", ev.ServerID)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, serverID string) (<-chan Event, func(), error) {
	ch, cancel := r.hub.subscribe(ctx, serverID)
	return ch, cancel, nil
}

func (r *Redis) Close() error {
	err := r.pubsub.Close()
	<-r.done
	r.hub.closeAll()
	return err
}
