// Package router maps outbound messages to client destinations and retains a
// bounded history of broadcast traffic for replay to late-joining clients.
package router

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/c360/agentkernel/errors"
	"github.com/c360/agentkernel/metric"
	"github.com/c360/agentkernel/pkg/ring"
	"github.com/c360/agentkernel/wire"
)

// Sink delivers broadcast messages to one client. A sink returning an error
// marks the client inactive; it is removed from subsequent fanout.
type Sink interface {
	Send(msg *wire.Message) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(msg *wire.Message) error

// Send implements Sink.
func (f SinkFunc) Send(msg *wire.Message) error { return f(msg) }

// DestinationKind selects how a message is routed.
type DestinationKind int

const (
	// Broadcast delivers to every active client.
	Broadcast DestinationKind = iota
	// ToClient delivers to one specific client.
	ToClient
	// Requester delivers to the clients bound to the message's parent
	// session.
	Requester
)

// Destination names a routing target.
type Destination struct {
	Kind     DestinationKind
	ClientID string // set for ToClient
}

// BroadcastDest routes to all active clients.
func BroadcastDest() Destination { return Destination{Kind: Broadcast} }

// ClientDest routes to a specific client.
func ClientDest(id string) Destination { return Destination{Kind: ToClient, ClientID: id} }

// RequesterDest routes to the original requester via the parent header.
func RequesterDest() Destination { return Destination{Kind: Requester} }

// ClientConnection is one registered client.
type ClientConnection struct {
	ID        string
	SessionID string
	sink      Sink
	active    bool
}

// Active reports whether the connection still participates in fanout.
func (c *ClientConnection) Active() bool { return c.active }

// Stats holds always-on router statistics.
type Stats struct {
	Broadcasts     int64
	Delivered      int64
	SendFailures   int64
	ClientsDropped int64
}

// Router keeps the client table, the replay history, and message origins.
type Router struct {
	mu         sync.RWMutex
	clients    map[string]*ClientConnection
	origins    map[string]string // msg_id -> client_id
	history    *ring.Ring[*wire.Message]
	maxHistory int
	maxClients int
	logger     *slog.Logger
	metrics    *metric.Core

	broadcasts   atomic.Int64
	delivered    atomic.Int64
	sendFailures atomic.Int64
	dropped      atomic.Int64
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics attaches Prometheus counters; statistics are tracked regardless.
func WithMetrics(core *metric.Core) Option {
	return func(r *Router) { r.metrics = core }
}

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithMaxClients caps concurrent client connections; 0 means unlimited.
func WithMaxClients(n int) Option {
	return func(r *Router) { r.maxClients = n }
}

// New creates a router retaining at most maxHistory broadcast messages.
func New(maxHistory int, opts ...Option) *Router {
	if maxHistory < 1 {
		maxHistory = 1
	}
	r := &Router{
		clients:    make(map[string]*ClientConnection),
		origins:    make(map[string]string),
		history:    ring.New[*wire.Message](maxHistory),
		maxHistory: maxHistory,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterClient activates a connection for the session and returns a fresh
// client id. Registration fails once the max-clients cap is reached.
func (r *Router) RegisterClient(sessionID string, sink Sink) (string, error) {
	id := uuid.NewString()

	r.mu.Lock()
	if r.maxClients > 0 && len(r.clients) >= r.maxClients {
		count := len(r.clients)
		r.mu.Unlock()
		return "", errors.WrapKind(errors.KindPolicyDenied, errors.ErrLimitExceeded,
			"Router", "RegisterClient", fmt.Sprintf("%d clients connected", count))
	}
	r.clients[id] = &ClientConnection{
		ID:        id,
		SessionID: sessionID,
		sink:      sink,
		active:    true,
	}
	count := len(r.clients)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveClients.Set(float64(count))
	}
	r.logger.Debug("Client registered", "client_id", id, "session_id", sessionID)
	return id, nil
}

// UnregisterClient removes a connection. Idempotent.
func (r *Router) UnregisterClient(clientID string) {
	r.mu.Lock()
	delete(r.clients, clientID)
	count := len(r.clients)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveClients.Set(float64(count))
	}
}

// TrackOrigin records which client sent a request so Requester routing can
// fall back to origin lookup.
func (r *Router) TrackOrigin(msgID, clientID string) {
	r.mu.Lock()
	r.origins[msgID] = clientID
	// Origins are bounded by the same cap as history.
	if len(r.origins) > r.maxHistory*2 {
		for k := range r.origins {
			delete(r.origins, k)
			if len(r.origins) <= r.maxHistory {
				break
			}
		}
	}
	r.mu.Unlock()
}

// Route delivers msg to the destination. Every routed message is recorded in
// the history ring.
func (r *Router) Route(msg *wire.Message, dest Destination) error {
	r.history.Push(msg)

	switch dest.Kind {
	case Broadcast:
		r.routeBroadcast(msg)
		return nil
	case ToClient:
		return r.routeClient(msg, dest.ClientID)
	case Requester:
		r.routeRequester(msg)
		return nil
	default:
		return errors.WrapProtocol(errors.ErrMalformed, "Router", "Route", "unknown destination kind")
	}
}

func (r *Router) routeBroadcast(msg *wire.Message) {
	r.broadcasts.Add(1)

	r.mu.RLock()
	targets := make([]*ClientConnection, 0, len(r.clients))
	for _, c := range r.clients {
		if c.active {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	var failed []string
	for _, c := range targets {
		if err := c.sink.Send(msg); err != nil {
			r.sendFailures.Add(1)
			failed = append(failed, c.ID)
			r.logger.Warn("Broadcast send failed, dropping client",
				"client_id", c.ID, "error", err)
			continue
		}
		r.delivered.Add(1)
	}

	if len(failed) > 0 {
		r.mu.Lock()
		for _, id := range failed {
			if c, ok := r.clients[id]; ok && c.active {
				c.active = false
				r.dropped.Add(1)
			}
		}
		r.mu.Unlock()
	}

	if r.metrics != nil {
		status := "ok"
		if len(failed) > 0 {
			status = "partial"
		}
		r.metrics.MessagesRouted.WithLabelValues("broadcast", status).Inc()
	}
}

func (r *Router) routeClient(msg *wire.Message, clientID string) error {
	r.mu.RLock()
	c, ok := r.clients[clientID]
	r.mu.RUnlock()

	if !ok {
		return errors.WrapKind(errors.KindNotFound, errors.ErrClientUnknown, "Router", "Route", clientID)
	}
	if !c.active {
		return errors.WrapTransport(errors.ErrClientInactive, "Router", "Route", clientID)
	}

	if err := c.sink.Send(msg); err != nil {
		r.sendFailures.Add(1)
		r.mu.Lock()
		c.active = false
		r.mu.Unlock()
		r.dropped.Add(1)
		if r.metrics != nil {
			r.metrics.MessagesRouted.WithLabelValues("client", "error").Inc()
		}
		return errors.WrapTransport(err, "Router", "Route", clientID)
	}

	r.delivered.Add(1)
	if r.metrics != nil {
		r.metrics.MessagesRouted.WithLabelValues("client", "ok").Inc()
	}
	return nil
}

// routeRequester delivers to all clients bound to the parent session. Absent
// parent header is a no-op. When no live client matches the session, origin
// tracking provides a fallback.
func (r *Router) routeRequester(msg *wire.Message) {
	session := msg.ParentSession()
	if session == "" {
		return
	}

	r.mu.RLock()
	targets := make([]*ClientConnection, 0, 1)
	for _, c := range r.clients {
		if c.active && c.SessionID == session {
			targets = append(targets, c)
		}
	}
	if len(targets) == 0 && msg.ParentHeader != nil {
		if originID, ok := r.origins[msg.ParentHeader.MsgID]; ok {
			if c, live := r.clients[originID]; live && c.active {
				targets = append(targets, c)
			}
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if err := c.sink.Send(msg); err != nil {
			r.sendFailures.Add(1)
			r.mu.Lock()
			c.active = false
			r.mu.Unlock()
			r.dropped.Add(1)
			continue
		}
		r.delivered.Add(1)
	}

	if r.metrics != nil {
		r.metrics.MessagesRouted.WithLabelValues("requester", "ok").Inc()
	}
}

// Replay returns up to n recently routed messages, most recent first.
func (r *Router) Replay(n int) []*wire.Message {
	return r.history.Last(n)
}

// HistoryLen returns the number of retained messages.
func (r *Router) HistoryLen() int { return r.history.Len() }

// Clients returns a snapshot of current connections.
func (r *Router) Clients() []ClientConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ClientConnection, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, *c)
	}
	return out
}

// ActiveClients returns the number of active connections.
func (r *Router) ActiveClients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.clients {
		if c.active {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the router statistics.
func (r *Router) Stats() Stats {
	return Stats{
		Broadcasts:     r.broadcasts.Load(),
		Delivered:      r.delivered.Load(),
		SendFailures:   r.sendFailures.Load(),
		ClientsDropped: r.dropped.Load(),
	}
}
