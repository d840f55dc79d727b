package broadcast

import (
	"log/slog"
	"sync"
	"time"
)

const (
	subscriberBuffer = 64

	// How long a parked delivery waits for a full subscriber before the
	// notice is dropped for that subscriber.
	slowSendTimeout = 5 * time.Second
)

// KillNotice announces one committed revocation. Subscribers deduplicate by
// (IdentityID, RevokedAt) since delivery is at-least-once.
type KillNotice struct {
	IdentityID string    `json:"identity_id"`
	OwnerRef   string    `json:"owner_ref"`
	RevokedBy  string    `json:"revoked_by"`
	Reason     string    `json:"reason"`
	RevokedAt  time.Time `json:"revoked_at"`
}

func (n KillNotice) Key() string {
	return n.IdentityID + "@" + n.RevokedAt.UTC().Format(time.RFC3339Nano)
}

type Subscription struct {
	Name string
	C    <-chan KillNotice

	ch      chan KillNotice
	done    chan struct{}
	senders sync.WaitGroup
	once    sync.Once
}

// Channel fans kill notices out to every registered subscriber. Publish never
// blocks the revoker: each subscriber gets its own buffered channel, and a
// delivery that finds the buffer full parks in its own goroutine for at most
// slowSendTimeout before dropping the notice for that subscriber.
type Channel struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewChannel() *Channel {
	return &Channel{subs: make(map[string]*Subscription)}
}

// Subscribe registers a named subscriber. Re-subscribing under the same name
// replaces the previous subscription.
func (c *Channel) Subscribe(name string) *Subscription {
	ch := make(chan KillNotice, subscriberBuffer)
	sub := &Subscription{Name: name, C: ch, ch: ch, done: make(chan struct{})}

	c.mu.Lock()
	if existing, ok := c.subs[name]; ok {
		slog.Warn("Kill broadcast subscriber replaced", "subscriber", name)
		existing.close()
	}
	c.subs[name] = sub
	c.mu.Unlock()

	return sub
}

func (c *Channel) Unsubscribe(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[name]; ok {
		sub.close()
		delete(c.subs, name)
	}
}

// Publish is fire-and-forget from the caller's perspective. A subscriber
// with a full buffer gets a parked delivery in its own goroutine, bounded by
// slowSendTimeout; a subscriber that stops draining loses notices instead of
// wedging the revoker or shutdown.
func (c *Channel) Publish(notice KillNotice) {
	c.mu.RLock()
	// Parked sends register on the subscription's wait group while the lock
	// still excludes close, so close never misses an in-flight delivery.
	subscribers := len(c.subs)
	var parked []*Subscription
	for _, sub := range c.subs {
		select {
		case sub.ch <- notice:
		default:
			sub.senders.Add(1)
			parked = append(parked, sub)
		}
	}
	c.mu.RUnlock()

	slog.Info("Publishing kill notice",
		"identity_id", notice.IdentityID,
		"revoked_by", notice.RevokedBy,
		"subscribers", subscribers)

	for _, sub := range parked {
		go func(sub *Subscription) {
			defer sub.senders.Done()
			timer := time.NewTimer(slowSendTimeout)
			defer timer.Stop()
			select {
			case sub.ch <- notice:
			case <-timer.C:
				slog.Warn("Dropping kill notice for slow subscriber",
					"subscriber", sub.Name,
					"identity_id", notice.IdentityID)
			case <-sub.done:
			}
		}(sub)
	}
}

// Close tears down all subscriptions. Parked deliveries are released via the
// per-subscription done channel, so Close returns even when a subscriber has
// stopped draining without unsubscribing.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, sub := range c.subs {
		sub.close()
		delete(c.subs, name)
	}
}

// close releases parked senders and waits for them before closing the data
// channel, so a send on a closed channel cannot happen.
func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.done)
		s.senders.Wait()
		close(s.ch)
	})
}

// Deduper tracks already-seen kill notices so at-least-once delivery does not
// trigger an enforcement action twice.
type Deduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[string]struct{})}
}

// FirstSeen reports whether this notice is new, recording it if so.
func (d *Deduper) FirstSeen(notice KillNotice) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := notice.Key()
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}
