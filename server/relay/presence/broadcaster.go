package presence

import (
	"sync"
	"time"

	"msg_relay/server/common/log"
	"msg_relay/server/relay/wire"
)

const DefaultDebounce = 500 * time.Millisecond

// Broadcaster coalesces bursts of presence changes into one snapshot
// emission sent once the registry has been quiet for the debounce delay.
type Broadcaster struct {
	reg   *Registry
	delay time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool
}

// NewBroadcaster hooks itself into reg so every membership change triggers it.
func NewBroadcaster(reg *Registry, delay time.Duration) *Broadcaster {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	b := &Broadcaster{reg: reg, delay: delay}
	reg.OnChange(b.Trigger)
	return b
}

// Trigger (re)starts the debounce timer.
func (b *Broadcaster) Trigger() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.gen++
	gen := b.gen
	b.timer = time.AfterFunc(b.delay, func() { b.fire(gen) })
}

func (b *Broadcaster) fire(gen uint64) {
	b.mu.Lock()
	if b.stopped || gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	b.mu.Unlock()
	b.Emit()
}

// Emit sends the current snapshot to every live connection immediately.
func (b *Broadcaster) Emit() {
	snap := b.reg.Snapshot()
	payload := wire.NewPresence(snap)
	conns := b.reg.Connections()
	for _, c := range conns {
		if err := c.Send(wire.KindPresence, payload); err != nil {
			log.Warnf("event=presence_broadcast action=send status=failed conn_id=%s error=%v", c.ID(), err)
		}
	}
	log.Debugf("event=presence_broadcast action=emit status=ok online=%d recipients=%d", len(snap.Users), len(conns))
}

// Stop cancels any pending emission. Later triggers are ignored.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Broadcaster) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timer != nil
}
