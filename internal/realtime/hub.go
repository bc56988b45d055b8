// Package realtime pushes committed account snapshots to connected clients over websockets.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/questnet/pkg/ledger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	eventTypeAccount     = "account"
	defaultBufferSize    = 16
	defaultWriteTimeout  = 10 * time.Second
	defaultPingInterval  = 30 * time.Second
	defaultReadLimit     = 1 << 10
	websocketCloseWindow = time.Second
)

// AccountEvent is the payload sent to subscribers.
type AccountEvent struct {
	Type               string `json:"type"`
	UserID             string `json:"user_id"`
	Points             int64  `json:"points"`
	WalletBalanceCents int64  `json:"wallet_balance_cents"`
	WalletBalance      string `json:"wallet_balance"`
	Level              int    `json:"level"`
	Exp                int64  `json:"exp"`
	Version            int64  `json:"version"`
}

// NewAccountEvent converts a snapshot into its wire form.
func NewAccountEvent(account ledger.Account) AccountEvent {
	return AccountEvent{
		Type:               eventTypeAccount,
		UserID:             account.UserID.String(),
		Points:             account.Points.Int64(),
		WalletBalanceCents: account.WalletBalance.Int64(),
		WalletBalance:      account.WalletBalance.String(),
		Level:              account.Level.Int(),
		Exp:                account.Exp,
		Version:            account.Version,
	}
}

// ConnectionObserver is told about subscriber connects and disconnects.
type ConnectionObserver interface {
	SubscriberConnected()
	SubscriberDisconnected()
}

// Option configures a Hub.
type Option func(*Hub)

// WithConnectionObserver wires a connection gauge.
func WithConnectionObserver(observer ConnectionObserver) Option {
	return func(hub *Hub) {
		hub.connections = observer
	}
}

// WithCheckOrigin overrides the websocket origin check.
func WithCheckOrigin(checkOrigin func(request *http.Request) bool) Option {
	return func(hub *Hub) {
		hub.upgrader.CheckOrigin = checkOrigin
	}
}

// WithPingInterval overrides the keepalive ping interval.
func WithPingInterval(interval time.Duration) Option {
	return func(hub *Hub) {
		if interval > 0 {
			hub.pingInterval = interval
		}
	}
}

// Hub fans account changes out to per-user subscriptions.
// It implements ledger.AccountObserver and is safe for concurrent use.
type Hub struct {
	mu           sync.RWMutex
	subscribers  map[string]map[*Subscription]struct{}
	logger       *zap.Logger
	connections  ConnectionObserver
	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

// Subscription receives events for one user until closed.
// A subscriber that falls behind by a full buffer is dropped.
type Subscription struct {
	hub    *Hub
	userID string
	events chan AccountEvent
	once   sync.Once
	done   chan struct{}
}

// NewHub returns an empty hub.
func NewHub(logger *zap.Logger, options ...Option) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := &Hub{
		subscribers:  make(map[string]map[*Subscription]struct{}),
		logger:       logger,
		pingInterval: defaultPingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, option := range options {
		if option != nil {
			option(hub)
		}
	}
	return hub
}

// Subscribe registers a subscription for userID.
func (hub *Hub) Subscribe(userID ledger.UserID) *Subscription {
	subscription := &Subscription{
		hub:    hub,
		userID: userID.String(),
		events: make(chan AccountEvent, defaultBufferSize),
		done:   make(chan struct{}),
	}
	hub.mu.Lock()
	userSubscribers, ok := hub.subscribers[subscription.userID]
	if !ok {
		userSubscribers = make(map[*Subscription]struct{})
		hub.subscribers[subscription.userID] = userSubscribers
	}
	userSubscribers[subscription] = struct{}{}
	hub.mu.Unlock()
	if hub.connections != nil {
		hub.connections.SubscriberConnected()
	}
	return subscription
}

// Subscribers returns the number of live subscriptions for userID.
func (hub *Hub) Subscribers(userID ledger.UserID) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.subscribers[userID.String()])
}

// AccountChanged implements ledger.AccountObserver.
func (hub *Hub) AccountChanged(_ context.Context, account ledger.Account) {
	hub.Publish(NewAccountEvent(account))
}

// Publish delivers an event to every subscription of its user without blocking.
func (hub *Hub) Publish(event AccountEvent) {
	hub.mu.RLock()
	lagging := make([]*Subscription, 0)
	for subscription := range hub.subscribers[event.UserID] {
		select {
		case subscription.events <- event:
		default:
			lagging = append(lagging, subscription)
		}
	}
	hub.mu.RUnlock()
	for _, subscription := range lagging {
		hub.logger.Warn("dropping lagging realtime subscriber", zap.String("user_id", subscription.userID))
		subscription.Close()
	}
}

// Close closes every subscription.
func (hub *Hub) Close() {
	hub.mu.RLock()
	all := make([]*Subscription, 0)
	for _, userSubscribers := range hub.subscribers {
		for subscription := range userSubscribers {
			all = append(all, subscription)
		}
	}
	hub.mu.RUnlock()
	for _, subscription := range all {
		subscription.Close()
	}
}

// Events returns the delivery channel.
func (subscription *Subscription) Events() <-chan AccountEvent {
	return subscription.events
}

// Done is closed when the subscription ends.
func (subscription *Subscription) Done() <-chan struct{} {
	return subscription.done
}

// Close unregisters the subscription. It is idempotent.
func (subscription *Subscription) Close() {
	subscription.once.Do(func() {
		hub := subscription.hub
		hub.mu.Lock()
		if userSubscribers, ok := hub.subscribers[subscription.userID]; ok {
			delete(userSubscribers, subscription)
			if len(userSubscribers) == 0 {
				delete(hub.subscribers, subscription.userID)
			}
		}
		hub.mu.Unlock()
		close(subscription.done)
		if hub.connections != nil {
			hub.connections.SubscriberDisconnected()
		}
	})
}

// ServeWebsocket upgrades the request and streams events for userID,
// starting with the initial snapshot.
func (hub *Hub) ServeWebsocket(writer http.ResponseWriter, request *http.Request, initial ledger.Account) error {
	conn, err := hub.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		return err
	}
	subscription := hub.Subscribe(initial.UserID)
	defer subscription.Close()
	defer conn.Close()

	go hub.readLoop(conn, subscription)

	if err := writeEvent(conn, NewAccountEvent(initial)); err != nil {
		return nil
	}
	ticker := time.NewTicker(hub.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case event := <-subscription.events:
			if err := writeEvent(conn, event); err != nil {
				return nil
			}
		case <-ticker.C:
			deadline := time.Now().Add(defaultWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return nil
			}
		case <-subscription.done:
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(websocketCloseWindow),
			)
			return nil
		case <-request.Context().Done():
			return nil
		}
	}
}

// readLoop discards client frames and ends the subscription when the peer goes away.
func (hub *Hub) readLoop(conn *websocket.Conn, subscription *Subscription) {
	defer subscription.Close()
	conn.SetReadLimit(defaultReadLimit)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				hub.logger.Debug("realtime connection closed", zap.String("user_id", subscription.userID), zap.Error(err))
			}
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, event AccountEvent) error {
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(event)
}
