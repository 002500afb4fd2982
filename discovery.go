// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package lively

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// A DiscoveryState is the state of the peer discovery handshake.
type DiscoveryState int

const (
	Unregistered     DiscoveryState = iota // discovery has not been armed
	AwaitingSessions                       // waiting for a session table containing the peer
	Found                                  // the peer is bound
	Exhausted                              // the retry limit was reached without finding the peer
)

var stateName = [...]string{
	Unregistered:     "Unregistered",
	AwaitingSessions: "AwaitingSessions",
	Found:            "Found",
	Exhausted:        "Exhausted",
}

func (s DiscoveryState) String() string {
	if s >= 0 && int(s) < len(stateName) {
		return stateName[s]
	}
	return fmt.Sprintf("DiscoveryState(%d)", int(s))
}

// SessionEntry describes one client session published by the tracker.
type SessionEntry struct {
	ID       string `json:"id,omitempty"`
	User     string `json:"user,omitempty"`
	WorldURL string `json:"worldURL,omitempty"`
}

// Sessions is the session table published by the tracker in reply to a
// getSessions request. It maps a tracker ID to the sessions owned by that
// tracker, keyed by session ID.
type Sessions map[string]map[string]SessionEntry

// Registration is the data of a registerClient message.
type Registration struct {
	User     string `json:"user"`
	ID       string `json:"id"`
	WorldURL string `json:"worldURL"`
}

// A RetryPolicy controls how often discovery re-requests the session table
// when the peer is not found. The delay before each retry is chosen by
// randomized exponential backoff, starting from Min and growing to at most
// Max. The zero value uses default bounds and retries forever.
type RetryPolicy struct {
	Min   time.Duration // delay before the first retry (default 250ms)
	Max   time.Duration // maximum delay between retries (default 10s)
	Limit int           // maximum number of retries; 0 means no limit
}

const (
	defaultRetryMin = 250 * time.Millisecond
	defaultRetryMax = 10 * time.Second
)

func (r RetryPolicy) withDefaults() RetryPolicy {
	if r.Min <= 0 {
		r.Min = defaultRetryMin
	}
	if r.Max <= 0 {
		r.Max = defaultRetryMax
	}
	r.Max = max(r.Max, r.Min)
	return r
}

// next returns the delay to use after prev, which is zero for the first retry.
func (r RetryPolicy) next(prev time.Duration) time.Duration {
	if prev <= 0 {
		return r.Min
	}
	return min(prev+rand.N(prev), r.Max)
}

// discovery drives the handshake that finds the peer advertising the target
// world URL and unlocks the client's peer queue.
type discovery struct {
	c      *Client
	target string
	retry  RetryPolicy

	// Hold μ while reading peerID and queueing to the peer queue, so that a
	// message cannot be queued with a stale target after the binding changes.
	μ       sync.Mutex
	state   DiscoveryState
	peerID  string
	tries   int           // retries since the handshake was armed
	delay   time.Duration // most recent retry delay
	gen     int           // incremented on each arm, to invalidate old timers
	timer   *time.Timer   // non-nil while a retry is pending
	stopped bool
	done    chan struct{} // closed when the handshake settles
	err     error         // reported to waiters once done closes
}

func newDiscovery(c *Client, target string, retry RetryPolicy) *discovery {
	return &discovery{c: c, target: target, retry: retry.withDefaults()}
}

// arm resets the peer binding and starts a new handshake.
func (d *discovery) arm() {
	d.μ.Lock()
	d.state = AwaitingSessions
	d.peerID = ""
	d.tries = 0
	d.delay = 0
	d.gen++
	d.stopped = false
	d.err = nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.done == nil || isClosed(d.done) {
		d.done = make(chan struct{})
	}
	d.c.peer.Disable()
	d.μ.Unlock()

	d.c.Handle(ActionGetSessions, d.handleSessions)
	d.request()
}

// request queues a getSessions request to the tracker.
func (d *discovery) request() {
	liveMetrics.discoverReq.Add(1)
	err := d.c.SendOnConnection(ActionGetSessions, map[string]any{"options": []string{}})
	if err != nil {
		d.c.reportError(fmt.Errorf("requesting sessions: %w", err))
	}
}

// handleSessions is the message handler for getSessions replies.
func (d *discovery) handleSessions(ctx context.Context, msg *Message) error {
	d.μ.Lock()
	if d.state != AwaitingSessions || d.stopped {
		d.μ.Unlock()
		return nil // stale reply
	}
	d.μ.Unlock()

	id, ok, err := findPeer(msg.Data, d.target)
	if err != nil {
		perr := &ProtocolError{Action: msg.Action, Err: err}
		if rerr := d.scheduleRetry(); rerr != nil {
			return errors.Join(perr, rerr)
		}
		return perr
	} else if ok {
		if err := d.bind(id); err != nil {
			return errors.Join(err, d.scheduleRetry())
		}
		return nil
	}

	// The tracker may not yet know about the peer. Subscribe again and retry
	// after a delay.
	d.c.Handle(ActionGetSessions, d.handleSessions)
	return d.scheduleRetry()
}

// bind binds the peer to id, retargets any backlogged peer messages, and
// enables the peer queue.
func (d *discovery) bind(id string) error {
	d.μ.Lock()
	defer d.μ.Unlock()
	if d.state != AwaitingSessions {
		return nil
	}

	// The binding takes effect only once the backlog has been delivered.
	d.c.peer.SetTarget(id)
	if err := d.c.peer.Enable(); err != nil {
		return fmt.Errorf("sending to peer %q: %w", id, err)
	}
	d.state = Found
	d.peerID = id
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	close(d.done)
	liveMetrics.discoverFound.Add(1)
	d.c.logf("lively: found peer %q for %q", id, d.target)
	return nil
}

// scheduleRetry arms a timer to request the session table again, unless the
// retry limit has been reached, in which case it reports ErrDiscoveryExhausted.
// If a retry is already pending, scheduleRetry does nothing.
func (d *discovery) scheduleRetry() error {
	d.μ.Lock()
	defer d.μ.Unlock()
	if d.stopped || d.state != AwaitingSessions || d.timer != nil {
		return nil
	}
	d.tries++
	if d.retry.Limit > 0 && d.tries > d.retry.Limit {
		d.state = Exhausted
		d.err = ErrDiscoveryExhausted
		close(d.done)
		return fmt.Errorf("discovery for %q: %w", d.target, ErrDiscoveryExhausted)
	}
	d.delay = d.retry.next(d.delay)
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() {
		d.μ.Lock()
		live := d.gen == gen && d.state == AwaitingSessions && !d.stopped
		if d.gen == gen {
			d.timer = nil
		}
		d.μ.Unlock()
		if live {
			d.request()
		}
	})
	return nil
}

// stop cancels any pending retry. Waiters for an unsettled handshake are
// released with ErrClientStopped.
func (d *discovery) stop() {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.done != nil && !isClosed(d.done) {
		d.err = ErrClientStopped
		close(d.done)
	}
}

// sendToPeer queues msg to the peer queue, addressed to the current peer.
func (d *discovery) sendToPeer(msg *Message) error {
	d.μ.Lock()
	defer d.μ.Unlock()
	msg.Target = d.peerID
	return d.c.peer.Send(msg)
}

func (d *discovery) status() (DiscoveryState, string) {
	d.μ.Lock()
	defer d.μ.Unlock()
	return d.state, d.peerID
}

// wait blocks until the handshake settles or ctx ends.
func (d *discovery) wait(ctx context.Context) (string, error) {
	d.μ.Lock()
	done := d.done
	d.μ.Unlock()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-done:
	}
	d.μ.Lock()
	defer d.μ.Unlock()
	if d.state == Found {
		return d.peerID, nil
	}
	if d.err != nil {
		return "", d.err
	}
	return "", ErrClientStopped
}

// findPeer scans a getSessions payload for a session whose world URL equals
// target. Tracker IDs and session IDs are visited in lexicographic order, so
// the choice among several matching sessions is deterministic.
//
// Groups and entries that do not have the expected shape are skipped. An
// error is reported only if data is not a JSON object.
func findPeer(data json.RawMessage, target string) (string, bool, error) {
	if len(data) == 0 {
		return "", false, nil
	}
	var table map[string]json.RawMessage
	if err := json.Unmarshal(data, &table); err != nil {
		return "", false, fmt.Errorf("invalid session table: %w", err)
	}
	for _, tid := range slices.Sorted(maps.Keys(table)) {
		var group map[string]json.RawMessage
		if json.Unmarshal(table[tid], &group) != nil || len(group) == 0 {
			continue
		}
		for _, sid := range slices.Sorted(maps.Keys(group)) {
			var entry struct {
				WorldURL *string `json:"worldURL"`
			}
			if json.Unmarshal(group[sid], &entry) != nil || entry.WorldURL == nil {
				continue
			}
			if *entry.WorldURL == target {
				return sid, true, nil
			}
		}
	}
	return "", false, nil
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
