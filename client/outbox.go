package client

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"msg_relay/server/relay/domain"
	"msg_relay/server/relay/wire"
)

type State int

const (
	StatePending State = iota
	StateAcked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAcked:
		return "acked"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RetryPolicy bounds how long a send waits for the server echo and how many
// times it is re-sent before it is given up. Retention is how long a read or
// failed entry stays visible before the outbox forgets it.
type RetryPolicy struct {
	AckTimeout  time.Duration
	MaxAttempts int
	Retention   time.Duration
}

var DefaultRetryPolicy = RetryPolicy{AckTimeout: 5 * time.Second, MaxAttempts: 3, Retention: 10 * time.Minute}

// Entry is the local view of one outgoing message.
type Entry struct {
	ClientMessageID string
	MessageID       string
	ConversationID  string
	Request         wire.SendMessage
	State           State
	Status          domain.MessageStatus
	Attempts        int
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type outboxEntry struct {
	Entry
	timer *time.Timer
}

// Outbox tracks optimistic sends until the server acknowledges them.
// Server status only moves forward: sent, then delivered, then read.
type Outbox struct {
	policy RetryPolicy
	resend func(wire.SendMessage) error
	now    func() time.Time

	mu          sync.Mutex
	entries     map[string]*outboxEntry
	byMessageID map[string]string
	onChange    func(Entry)
	closed      bool
}

func NewOutbox(policy RetryPolicy, resend func(wire.SendMessage) error) *Outbox {
	if policy.AckTimeout <= 0 {
		policy.AckTimeout = DefaultRetryPolicy.AckTimeout
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if policy.Retention <= 0 {
		policy.Retention = DefaultRetryPolicy.Retention
	}
	return &Outbox{
		policy:      policy,
		resend:      resend,
		now:         time.Now,
		entries:     map[string]*outboxEntry{},
		byMessageID: map[string]string{},
	}
}

// OnChange registers fn to observe every state or status transition.
func (o *Outbox) OnChange(fn func(Entry)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onChange = fn
}

// Track records req as pending and arms its ack timer. A request without a
// client message id gets a fresh one.
func (o *Outbox) Track(req wire.SendMessage) Entry {
	if req.ClientID() == "" {
		req.ClientMessageID = uuid.NewString()
	}
	now := o.now()
	e := &outboxEntry{Entry: Entry{
		ClientMessageID: req.ClientID(),
		Request:         req,
		State:           StatePending,
		Attempts:        1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}}

	o.mu.Lock()
	o.pruneLocked(now)
	if prev, ok := o.entries[e.ClientMessageID]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	o.entries[e.ClientMessageID] = e
	o.armLocked(e)
	snap, fn := e.Entry, o.onChange
	o.mu.Unlock()

	notify(fn, snap)
	return snap
}

func (o *Outbox) armLocked(e *outboxEntry) {
	if o.closed {
		return
	}
	id, attempt := e.ClientMessageID, e.Attempts
	e.timer = time.AfterFunc(o.policy.AckTimeout, func() { o.expire(id, attempt) })
}

func (o *Outbox) expire(clientID string, attempt int) {
	o.mu.Lock()
	e, ok := o.entries[clientID]
	if !ok || e.State != StatePending || e.Attempts != attempt || o.closed {
		o.mu.Unlock()
		return
	}
	if e.Attempts >= o.policy.MaxAttempts {
		e.State = StateFailed
		e.LastError = "ack timeout"
		e.UpdatedAt = o.now()
		e.timer = nil
		snap, fn := e.Entry, o.onChange
		o.mu.Unlock()
		notify(fn, snap)
		return
	}
	e.Attempts++
	e.UpdatedAt = o.now()
	o.armLocked(e)
	req := e.Request
	o.mu.Unlock()

	if o.resend != nil {
		_ = o.resend(req)
	}
}

// Ack reconciles a server echo with the pending entry carrying the same
// client message id.
func (o *Outbox) Ack(view wire.MessageView) (Entry, bool) {
	clientID := view.ClientMessageID
	if clientID == "" {
		clientID = view.TempID
	}
	if clientID == "" {
		return Entry{}, false
	}
	o.mu.Lock()
	e, ok := o.entries[clientID]
	if !ok {
		o.mu.Unlock()
		return Entry{}, false
	}
	o.ackLocked(e)
	e.MessageID = view.ID
	e.ConversationID = view.ConversationID
	o.byMessageID[view.ID] = clientID
	o.advanceLocked(e, view.Status)
	snap, fn := e.Entry, o.onChange
	o.mu.Unlock()

	notify(fn, snap)
	return snap, true
}

// UpdateStatus applies a status event matched by message id or client
// message id. Older statuses are ignored.
func (o *Outbox) UpdateStatus(st wire.MessageStatus) (Entry, bool) {
	o.mu.Lock()
	e := o.lookupLocked(st.MessageID, st.ClientMessageID)
	if e == nil {
		o.mu.Unlock()
		return Entry{}, false
	}
	if st.MessageID != "" && e.MessageID == "" {
		e.MessageID = st.MessageID
		o.byMessageID[st.MessageID] = e.ClientMessageID
	}
	o.ackLocked(e)
	o.advanceLocked(e, st.Status)
	snap, fn := e.Entry, o.onChange
	o.mu.Unlock()

	notify(fn, snap)
	return snap, true
}

// MarkRead upgrades every tracked message named in a read receipt.
func (o *Outbox) MarkRead(ev wire.MessagesRead) []Entry {
	var changed []Entry
	o.mu.Lock()
	fn := o.onChange
	for _, id := range ev.MessageIDs {
		e := o.lookupLocked(id, "")
		if e == nil {
			continue
		}
		o.ackLocked(e)
		if o.advanceLocked(e, domain.MessageStatusRead) {
			changed = append(changed, e.Entry)
		}
	}
	o.mu.Unlock()

	for _, e := range changed {
		notify(fn, e)
	}
	return changed
}

// Reject applies a server error event that references a pending send.
// Persistence failures stay pending so the retry policy resends them.
func (o *Outbox) Reject(ev wire.Error) (Entry, bool) {
	if ev.Ref == "" {
		return Entry{}, false
	}
	o.mu.Lock()
	e, ok := o.entries[ev.Ref]
	if !ok || e.State != StatePending {
		o.mu.Unlock()
		return Entry{}, false
	}
	e.LastError = ev.Message
	e.UpdatedAt = o.now()
	if ev.Code != domain.ErrorCodePersistence {
		o.failLocked(e)
	}
	snap, fn := e.Entry, o.onChange
	o.mu.Unlock()

	notify(fn, snap)
	return snap, true
}

// Cancel stops retrying a pending send and marks it failed.
func (o *Outbox) Cancel(clientID string) bool {
	o.mu.Lock()
	e, ok := o.entries[clientID]
	if !ok || e.State != StatePending {
		o.mu.Unlock()
		return false
	}
	e.LastError = "cancelled"
	e.UpdatedAt = o.now()
	o.failLocked(e)
	snap, fn := e.Entry, o.onChange
	o.mu.Unlock()

	notify(fn, snap)
	return true
}

// Resume re-sends every pending entry, typically after a reconnect. Each
// resend counts as an attempt and restarts the ack timer.
func (o *Outbox) Resume() int {
	o.mu.Lock()
	var reqs []wire.SendMessage
	for _, e := range o.sortedLocked() {
		if e.State != StatePending {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		if e.Attempts < o.policy.MaxAttempts {
			e.Attempts++
		}
		e.UpdatedAt = o.now()
		o.armLocked(e)
		reqs = append(reqs, e.Request)
	}
	o.mu.Unlock()

	if o.resend != nil {
		for _, req := range reqs {
			_ = o.resend(req)
		}
	}
	return len(reqs)
}

func (o *Outbox) Get(clientID string) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[clientID]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

// Entries returns a snapshot ordered by creation time.
func (o *Outbox) Entries() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pruneLocked(o.now())
	sorted := o.sortedLocked()
	out := make([]Entry, 0, len(sorted))
	for _, e := range sorted {
		out = append(out, e.Entry)
	}
	return out
}

func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for _, e := range o.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}

func (o *Outbox) lookupLocked(messageID, clientID string) *outboxEntry {
	if messageID != "" {
		if cid, ok := o.byMessageID[messageID]; ok {
			return o.entries[cid]
		}
	}
	if clientID != "" {
		return o.entries[clientID]
	}
	return nil
}

func (o *Outbox) ackLocked(e *outboxEntry) {
	if e.State == StateAcked {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.State = StateAcked
	e.LastError = ""
	e.UpdatedAt = o.now()
}

func (o *Outbox) failLocked(e *outboxEntry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.State = StateFailed
}

func (o *Outbox) advanceLocked(e *outboxEntry, s domain.MessageStatus) bool {
	next := e.Status.Advance(s)
	if next == e.Status {
		return false
	}
	e.Status = next
	e.UpdatedAt = o.now()
	return true
}

// pruneLocked drops entries that have been read or failed for longer than the
// retention window. A failed entry inside the window can still be revived by a
// late echo.
func (o *Outbox) pruneLocked(now time.Time) {
	for id, e := range o.entries {
		settled := e.State == StateFailed || e.Status == domain.MessageStatusRead
		if !settled || now.Sub(e.UpdatedAt) < o.policy.Retention {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(o.entries, id)
		if e.MessageID != "" {
			delete(o.byMessageID, e.MessageID)
		}
	}
}

func (o *Outbox) sortedLocked() []*outboxEntry {
	out := make([]*outboxEntry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientMessageID < out[j].ClientMessageID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func notify(fn func(Entry), e Entry) {
	if fn != nil {
		fn(e)
	}
}
