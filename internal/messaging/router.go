// Package messaging routes messages between agents: per-agent mailboxes,
// synchronous handler dispatch and request/response with timeouts.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/coordinator/internal/errors"
	"github.com/aristath/coordinator/internal/events"
	"github.com/aristath/coordinator/internal/logging"
)

// Kind distinguishes message types.
type Kind string

const (
	KindMessage   Kind = "agent-message"
	KindRequest   Kind = "agent-request"
	KindBroadcast Kind = "broadcast"
)

// Message is one routed message.
type Message struct {
	ID        string
	Kind      Kind
	From      string
	To        string
	Payload   any
	Priority  int
	Timestamp time.Time
	ExpiresAt time.Time // zero means Timestamp + MessageTimeout
}

// Handler receives messages for an agent. Handlers run synchronously on the
// sender's goroutine and must not block.
type Handler func(Message)

// Config configures a Router.
type Config struct {
	MessageTimeout time.Duration // Default response timeout and mailbox TTL (default 30s)
	MailboxSize    int           // Messages kept per mailbox; the oldest is dropped when full (default 1000)
	SweepInterval  time.Duration // Interval of the sweep run by Run (default 30s)
}

// DefaultConfig returns the default messaging configuration.
func DefaultConfig() Config {
	return Config{MessageTimeout: 30 * time.Second, MailboxSize: 1000, SweepInterval: 30 * time.Second}
}

// Stats counts routed messages.
type Stats struct {
	Sent      uint64
	Requests  uint64
	Responses uint64
	TimedOut  uint64
	Dropped   uint64
	Expired   uint64
}

// Health summarizes router state.
type Health struct {
	Healthy   bool
	Error     string
	Agents    int
	Mailboxes int
	Queued    int
	Handlers  int
	Pending   int
	Stats     Stats
}

type reply struct {
	value any
	err   error
}

type pendingResponse struct {
	responseCh chan reply // buffered; receives exactly one reply
	deadline   time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = logging.Component(l, "messaging") }
}

// WithPublisher sets where message events are published.
func WithPublisher(p events.Publisher) Option {
	return func(r *Router) {
		if p != nil {
			r.publisher = p
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// Router delivers messages to per-agent mailboxes and handlers.
type Router struct {
	mu        sync.Mutex
	cfg       Config
	agents    map[string]struct{} // registered broadcast recipients
	mailboxes map[string][]Message
	handlers  map[string]map[uint64]Handler
	pending   map[string]*pendingResponse
	nextID    uint64
	closed    bool
	stats     Stats

	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Router.
func New(cfg Config, opts ...Option) *Router {
	d := DefaultConfig()
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = d.MessageTimeout
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = d.MailboxSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = d.SweepInterval
	}
	r := &Router{
		cfg:       cfg,
		agents:    make(map[string]struct{}),
		mailboxes: make(map[string][]Message),
		handlers:  make(map[string]map[uint64]Handler),
		pending:   make(map[string]*pendingResponse),
		publisher: events.Discard,
		logger:    logging.Component(nil, "messaging"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterAgent adds the agent to the broadcast recipients until
// RemoveAgent, whether or not it has a mailbox or handlers.
func (r *Router) RegisterAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentID] = struct{}{}
}

// RemoveAgent drops the agent's registration, mailbox and handlers.
func (r *Router) RemoveAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
	delete(r.mailboxes, agentID)
	delete(r.handlers, agentID)
}

// RegisterHandler adds a handler for agentID and returns a function that
// removes it.
func (r *Router) RegisterHandler(agentID string, h Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	if r.handlers[agentID] == nil {
		r.handlers[agentID] = make(map[uint64]Handler)
	}
	r.handlers[agentID][id] = h

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if set := r.handlers[agentID]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(r.handlers, agentID)
			}
		}
	}
}

// Send delivers a fire-and-forget message.
func (r *Router) Send(from, to string, payload any) (Message, error) {
	return r.SendMessage(Message{Kind: KindMessage, From: from, To: to, Payload: payload})
}

// SendMessage delivers msg, filling in its id, kind and timestamp when
// unset.
func (r *Router) SendMessage(msg Message) (Message, error) {
	if msg.To == "" {
		return Message{}, errors.New("message recipient is required")
	}
	if msg.Kind == "" {
		msg.Kind = KindMessage
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Message{}, errors.ErrShutdown
	}
	r.stampLocked(&msg)
	handlers := r.deliverLocked(msg)
	r.stats.Sent++
	r.mu.Unlock()

	r.dispatch(msg, handlers)
	r.publisher.Publish(events.MessageSentEvent{MessageID: msg.ID, From: msg.From, To: msg.To, Kind: string(msg.Kind), Timestamp: msg.Timestamp})
	return msg, nil
}

// Broadcast delivers payload to every known agent except the sender. All
// copies share one message id. It returns the recipients.
func (r *Router) Broadcast(from string, payload any) (Message, []string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Message{}, nil, errors.ErrShutdown
	}

	known := make(map[string]struct{}, len(r.agents)+len(r.mailboxes)+len(r.handlers))
	for id := range r.agents {
		known[id] = struct{}{}
	}
	for id := range r.mailboxes {
		known[id] = struct{}{}
	}
	for id := range r.handlers {
		known[id] = struct{}{}
	}
	delete(known, from)
	recipients := sortedIDs(known)

	msg := Message{Kind: KindBroadcast, From: from, Payload: payload}
	r.stampLocked(&msg)

	type delivery struct {
		msg      Message
		handlers []Handler
	}
	deliveries := make([]delivery, 0, len(recipients))
	for _, to := range recipients {
		m := msg
		m.To = to
		deliveries = append(deliveries, delivery{msg: m, handlers: r.deliverLocked(m)})
	}
	r.stats.Sent++
	r.mu.Unlock()

	for _, d := range deliveries {
		r.dispatch(d.msg, d.handlers)
	}
	r.publisher.Publish(events.MessageSentEvent{MessageID: msg.ID, From: from, Kind: string(KindBroadcast), Timestamp: msg.Timestamp})
	return msg, recipients, nil
}

// SendWithResponse sends a request and blocks until SendResponse is called
// with its id, the timeout elapses, ctx is done, or the router shuts down.
// A timeout <= 0 uses MessageTimeout.
func (r *Router) SendWithResponse(ctx context.Context, from, to string, payload any, timeout time.Duration) (any, error) {
	if to == "" {
		return nil, errors.New("message recipient is required")
	}
	if timeout <= 0 {
		timeout = r.cfg.MessageTimeout
	}

	msg := Message{Kind: KindRequest, From: from, To: to, Payload: payload}
	p := &pendingResponse{responseCh: make(chan reply, 1)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.ErrShutdown
	}
	r.stampLocked(&msg)
	p.deadline = msg.Timestamp.Add(timeout)
	// Registered before dispatch so a synchronous handler can respond.
	r.pending[msg.ID] = p
	handlers := r.deliverLocked(msg)
	r.stats.Sent++
	r.stats.Requests++
	r.mu.Unlock()

	r.dispatch(msg, handlers)
	r.publisher.Publish(events.MessageSentEvent{MessageID: msg.ID, From: from, To: to, Kind: string(KindRequest), Timestamp: msg.Timestamp})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rep := <-p.responseCh:
		return rep.value, rep.err
	case <-timer.C:
		return r.expire(msg.ID, p, fmt.Errorf("%w: no response to %s within %s", errors.ErrResponseTimeout, msg.ID, timeout))
	case <-ctx.Done():
		return r.expire(msg.ID, p, ctx.Err())
	}
}

// expire withdraws a pending response unless a reply raced it.
func (r *Router) expire(id string, p *pendingResponse, cause error) (any, error) {
	r.mu.Lock()
	if _, ok := r.pending[id]; ok {
		delete(r.pending, id)
		if errors.Is(cause, errors.ErrResponseTimeout) {
			r.stats.TimedOut++
		}
		r.mu.Unlock()
		return nil, cause
	}
	r.mu.Unlock()

	rep := <-p.responseCh
	return rep.value, rep.err
}

// SendResponse fulfils the pending request messageID. It reports false when
// no such request is pending.
func (r *Router) SendResponse(messageID string, response any) bool {
	r.mu.Lock()
	p, ok := r.pending[messageID]
	if ok {
		delete(r.pending, messageID)
		r.stats.Responses++
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	p.responseCh <- reply{value: response}
	return true
}

// stampLocked assigns id, timestamp and expiry. Caller must hold r.mu.
func (r *Router) stampLocked(msg *Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now()
	}
	if msg.ExpiresAt.IsZero() {
		msg.ExpiresAt = msg.Timestamp.Add(r.cfg.MessageTimeout)
	}
}

// deliverLocked appends msg to the recipient's mailbox and returns the
// recipient's handlers. Caller must hold r.mu.
func (r *Router) deliverLocked(msg Message) []Handler {
	box := r.mailboxes[msg.To]
	if len(box) >= r.cfg.MailboxSize {
		dropped := box[0]
		box = box[1:]
		r.stats.Dropped++
		r.logger.Warn("mailbox full, dropping oldest message", "agent_id", msg.To, "message_id", dropped.ID)
	}
	r.mailboxes[msg.To] = append(box, msg)

	set := r.handlers[msg.To]
	if len(set) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]Handler, len(ids))
	for i, id := range ids {
		hs[i] = set[id]
	}
	return hs
}

func (r *Router) dispatch(msg Message, handlers []Handler) {
	for _, h := range handlers {
		r.invoke(msg, h)
	}
}

func (r *Router) invoke(msg Message, h Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("message handler panicked", "agent_id", msg.To, "message_id", msg.ID, "panic", rec)
		}
	}()
	h(msg)
}

// Messages returns the agent's queued messages ordered by priority desc,
// then timestamp asc, without removing them.
func (r *Router) Messages(agentID string) []Message {
	r.mu.Lock()
	out := append([]Message(nil), r.mailboxes[agentID]...)
	r.mu.Unlock()
	sortMessages(out)
	return out
}

// Drain returns and removes the agent's queued messages in Messages order.
func (r *Router) Drain(agentID string) []Message {
	r.mu.Lock()
	out := r.mailboxes[agentID]
	if _, ok := r.mailboxes[agentID]; ok {
		r.mailboxes[agentID] = nil
	}
	r.mu.Unlock()
	sortMessages(out)
	return out
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Priority != msgs[j].Priority {
			return msgs[i].Priority > msgs[j].Priority
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// Sweep drops expired messages, removes empty mailboxes of agents without
// handlers and rejects pending responses past their deadline. Registered
// agents stay broadcast recipients after their mailbox is removed.
func (r *Router) Sweep(now time.Time) {
	r.mu.Lock()
	expired := 0
	for agentID, box := range r.mailboxes {
		kept := box[:0]
		for _, msg := range box {
			if now.After(msg.ExpiresAt) {
				expired++
				continue
			}
			kept = append(kept, msg)
		}
		if len(kept) == 0 && len(r.handlers[agentID]) == 0 {
			delete(r.mailboxes, agentID)
			continue
		}
		r.mailboxes[agentID] = kept
	}
	r.stats.Expired += uint64(expired)

	var overdue []*pendingResponse
	var overdueIDs []string
	for id, p := range r.pending {
		if now.After(p.deadline) {
			overdue = append(overdue, p)
			overdueIDs = append(overdueIDs, id)
			delete(r.pending, id)
		}
	}
	r.stats.TimedOut += uint64(len(overdue))
	r.mu.Unlock()

	for i, p := range overdue {
		p.responseCh <- reply{err: fmt.Errorf("%w: request %s swept", errors.ErrResponseTimeout, overdueIDs[i])}
	}
	if expired > 0 || len(overdue) > 0 {
		r.logger.Debug("message sweep", "expired", expired, "rejected_pending", len(overdue))
	}
}

// Run sweeps until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// Shutdown rejects every pending response with errors.ErrShutdown and
// clears all state. Later sends fail with errors.ErrShutdown.
func (r *Router) Shutdown() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*pendingResponse)
	r.agents = make(map[string]struct{})
	r.mailboxes = make(map[string][]Message)
	r.handlers = make(map[string]map[uint64]Handler)
	r.closed = true
	r.mu.Unlock()

	for _, p := range pending {
		p.responseCh <- reply{err: errors.ErrShutdown}
	}
}

// Stats returns message counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Health reports mailbox and pending-response sizes.
func (r *Router) Health() Health {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := Health{
		Healthy:   !r.closed,
		Agents:    len(r.agents),
		Mailboxes: len(r.mailboxes),
		Pending:   len(r.pending),
		Stats:     r.stats,
	}
	if r.closed {
		h.Error = "router is shut down"
	}
	for _, box := range r.mailboxes {
		h.Queued += len(box)
	}
	for _, set := range r.handlers {
		h.Handlers += len(set)
	}
	return h
}

func sortedIDs(m map[string]struct{}) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
