package engine

import (
	"sort"
	"sync"

	"invest-core/pkg/logger"
	"invest-core/pkg/market/tinkoff"
)

// Subscriptions is the set of market streams requested on one session,
// reference counted by Subscription.Key. A stream is subscribed when its
// first holder acquires it and unsubscribed when the last one releases it.
// After every (re)connect the unique set is replayed once.
type Subscriptions struct {
	session StreamSession
	log     *logger.Entry

	// mu is held across sends so a replay and an Acquire never interleave.
	mu   sync.Mutex
	refs map[string]int
	subs map[string]tinkoff.Subscription
	live bool // the current connection has seen the full set
}

// NewSubscriptions registers the replay hook on session.
func NewSubscriptions(session StreamSession, log *logger.Entry) *Subscriptions {
	if log == nil {
		log = logger.GetLogger().WithComponent("subscriptions")
	}
	r := &Subscriptions{
		session: session,
		log:     log,
		refs:    make(map[string]int),
		subs:    make(map[string]tinkoff.Subscription),
	}
	session.OnConnect(r.replay)

	r.mu.Lock()
	if session.State() == tinkoff.StateConnected {
		r.live = true
	}
	r.mu.Unlock()
	return r
}

// Acquire takes a reference on each subscription and sends subscribe for
// the ones nobody held yet. While disconnected the send waits for replay.
func (r *Subscriptions) Acquire(subs []tinkoff.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range subs {
		key := sub.Key()
		r.refs[key]++
		if r.refs[key] > 1 {
			continue
		}
		r.subs[key] = sub
		if r.live {
			r.send(sub, tinkoff.Subscribe)
		}
	}
}

// Release drops a reference on each subscription and unsubscribes the ones
// no holder is left for. Releasing an unknown subscription is a no-op.
func (r *Subscriptions) Release(subs []tinkoff.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range subs {
		key := sub.Key()
		n, ok := r.refs[key]
		if !ok {
			continue
		}
		if n > 1 {
			r.refs[key] = n - 1
			continue
		}
		delete(r.refs, key)
		delete(r.subs, key)
		if r.live {
			r.send(sub, tinkoff.Unsubscribe)
		}
	}
}

// Active returns the held subscriptions ordered by key.
func (r *Subscriptions) Active() []tinkoff.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]tinkoff.Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Refs reports how many holders share the subscription.
func (r *Subscriptions) Refs(sub tinkoff.Subscription) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[sub.Key()]
}

func (r *Subscriptions) replay() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = true
	keys := make([]string, 0, len(r.subs))
	for key := range r.subs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if !r.live {
			return
		}
		r.send(r.subs[key], tinkoff.Subscribe)
	}
	r.log.WithField("count", len(keys)).Debug("subscriptions replayed")
}

// send must be called with mu held. A failed send means the connection is
// gone; the next replay covers whatever was missed.
func (r *Subscriptions) send(sub tinkoff.Subscription, action tinkoff.Action) {
	msg, err := tinkoff.EncodeSubscription(sub, action, tinkoff.NewRequestID())
	if err != nil {
		r.log.WithError(err).WithField("subscription", sub.Key()).Error("encode subscription")
		return
	}
	if err := r.session.Send(msg); err != nil {
		r.live = false
		r.log.WithError(err).WithFields(logger.Fields{
			"subscription": sub.Key(),
			"action":       action,
		}).Debug("subscription deferred until reconnect")
		return
	}
	r.log.WithFields(logger.Fields{"subscription": sub.Key(), "action": action}).Debug("subscription sent")
}
