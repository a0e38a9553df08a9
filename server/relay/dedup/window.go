package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"msg_relay/server/common/log"
	"msg_relay/server/relay/domain"
)

const (
	DefaultTTL     = time.Hour
	defaultBuckets = 12

	// ReceiveBucket is the width of the server receive slot that stands in
	// for a missing client timestamp.
	ReceiveBucket = 5 * time.Second
)

type entry struct {
	msg    domain.Message
	stored time.Time
	bucket int64
}

// Window remembers recently accepted submissions by fingerprint. Entries live
// in time buckets so expiry drops a whole bucket at once instead of scanning
// every fingerprint.
type Window struct {
	mu         sync.Mutex
	ttl        time.Duration
	bucketSize time.Duration
	now        func() time.Time
	entries    map[string]entry
	buckets    map[int64][]string
	inflight   map[string]chan struct{}
}

type Option func(*Window)

func WithClock(now func() time.Time) Option {
	return func(w *Window) { w.now = now }
}

func WithBucketSize(d time.Duration) Option {
	return func(w *Window) {
		if d > 0 {
			w.bucketSize = d
		}
	}
}

func NewWindow(ttl time.Duration, opts ...Option) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	w := &Window{
		ttl:        ttl,
		bucketSize: ttl / defaultBuckets,
		now:        time.Now,
		entries:    map[string]entry{},
		buckets:    map[int64][]string{},
		inflight:   map[string]chan struct{}{},
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.bucketSize <= 0 {
		w.bucketSize = time.Second
	}
	return w
}

// Fingerprint keys a submission. A client-supplied id wins; otherwise the
// sender, receiver, client timestamp and content are hashed.
func Fingerprint(clientID string, sender, receiver domain.UserID, timestamp, content string) string {
	if id := strings.TrimSpace(clientID); id != "" {
		return "c:" + string(sender) + ":" + id
	}
	sum := sha256.Sum256([]byte(string(sender) + "|" + string(receiver) + "|" + timestamp + "|" + content))
	return "h:" + hex.EncodeToString(sum[:])
}

// ReceiveKey names the receive slot containing at. Submissions with neither a
// client id nor a client timestamp hash this in place of the timestamp, so a
// quick retry collapses but the same text sent later is a new message.
func ReceiveKey(at time.Time) string {
	return "rx:" + strconv.FormatInt(at.UTC().Truncate(ReceiveBucket).Unix(), 10)
}

// Lookup returns the message stored under fp if it has not expired.
func (w *Window) Lookup(fp string) (domain.Message, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lookupLocked(fp)
}

func (w *Window) lookupLocked(fp string) (domain.Message, bool) {
	e, ok := w.entries[fp]
	if !ok {
		return domain.Message{}, false
	}
	if w.now().Sub(e.stored) >= w.ttl {
		delete(w.entries, fp)
		return domain.Message{}, false
	}
	return e.msg, true
}

// Acquire either returns the already accepted message for fp (found=true) or
// grants the caller an exclusive claim on fp (found=false). A caller holding a
// claim must finish it with Commit or Release. Concurrent callers for the same
// fingerprint wait for the claim holder and then observe its outcome.
func (w *Window) Acquire(ctx context.Context, fp string) (domain.Message, bool, error) {
	for {
		w.mu.Lock()
		if msg, ok := w.lookupLocked(fp); ok {
			w.mu.Unlock()
			return msg, true, nil
		}
		wait, busy := w.inflight[fp]
		if !busy {
			w.inflight[fp] = make(chan struct{})
			w.mu.Unlock()
			return domain.Message{}, false, nil
		}
		w.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return domain.Message{}, false, ctx.Err()
		}
	}
}

// Commit records msg under fp and releases the claim.
func (w *Window) Commit(fp string, msg domain.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	b := w.bucketOf(now)
	w.entries[fp] = entry{msg: msg, stored: now, bucket: b}
	w.buckets[b] = append(w.buckets[b], fp)
	w.releaseLocked(fp)
}

// Update refreshes the stored message for fp without extending its lifetime.
func (w *Window) Update(fp string, msg domain.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.entries[fp]; ok {
		e.msg = msg
		w.entries[fp] = e
	}
}

// Release drops the claim on fp without recording anything, so a later
// resubmission is treated as new.
func (w *Window) Release(fp string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.releaseLocked(fp)
}

func (w *Window) releaseLocked(fp string) {
	if ch, ok := w.inflight[fp]; ok {
		close(ch)
		delete(w.inflight, fp)
	}
}

func (w *Window) bucketOf(t time.Time) int64 {
	return t.UnixNano() / int64(w.bucketSize)
}

// Prune drops every bucket that lies entirely outside the TTL and returns the
// number of fingerprints removed.
func (w *Window) Prune() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.bucketOf(w.now().Add(-w.ttl))
	removed := 0
	for b, fps := range w.buckets {
		if b >= cutoff {
			continue
		}
		for _, fp := range fps {
			if e, ok := w.entries[fp]; ok && e.bucket == b {
				delete(w.entries, fp)
				removed++
			}
		}
		delete(w.buckets, b)
	}
	return removed
}

func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Run prunes once per bucket interval until ctx is done.
func (w *Window) Run(ctx context.Context) {
	ticker := time.NewTicker(w.bucketSize)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := w.Prune(); n > 0 {
				log.Debugf("event=dedup_window action=prune status=ok removed=%d remaining=%d", n, w.Len())
			}
		}
	}
}
