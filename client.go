// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package lively

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
)

// DefaultTrackerURL is the address of the public Lively2Lively session tracker.
const DefaultTrackerURL = "ws://www.lively-web.org/nodejs/SessionTracker/connect"

// A Channel is a reliable ordered stream of frames shared by a client and the
// session tracker. Each frame carries one encoded message.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the frame to the receiver.
	Send([]byte) error

	// Receive the next available frame from the channel.
	Recv() ([]byte, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A Handler processes a message from the tracker or the peer. A handler can
// obtain the client from its context argument using the ContextClient helper.
//
// An error reported by a handler is logged and passed to the OnError callback
// of the client, if one is set. It does not stop the client.
type Handler func(context.Context, *Message) error

// Options are optional settings for a Client. A nil *Options is ready for use
// and provides default values.
type Options struct {
	// Logf is used to write diagnostic log messages.
	// If nil, log.Printf is used.
	Logf func(string, ...any)

	// Retry controls how often peer discovery re-requests the session table.
	Retry RetryPolicy
}

func (o *Options) logf() func(string, ...any) {
	if o == nil || o.Logf == nil {
		return log.Printf
	}
	return o.Logf
}

func (o *Options) retry() (r RetryPolicy) {
	if o != nil {
		r = o.Retry
	}
	return r
}

// A Client is a Lively2Lively client. It registers itself with a session
// tracker, discovers the peer whose world URL matches its target, and then
// exchanges messages with that peer through the tracker.
//
// Messages sent with SendOnConnection are held until the client is started on
// a channel; messages sent with SendToPeer are held until the peer has been
// found. Both may be called at any time, including before Start.
//
// Inbound messages are dispatched one at a time, in the order received, to
// handlers registered with Handle. The methods of a Client are safe for
// concurrent use by multiple goroutines.
type Client struct {
	user      string
	sessionID string
	logf      func(string, ...any)

	tracker *Queue // messages bound for the tracker
	peer    *Queue // messages bound for the peer
	disc    *discovery

	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch Channel
	}

	μ sync.Mutex

	in      Channel
	tasks   *taskgroup.Group
	started bool                   // whether the client has ever been started
	err     error                  // reason for the most recent exit
	hmux    map[string]Handler     // action → handler
	nu      Handler                // fallback for unknown actions
	mlog    MessageLogger          // what it says on the tin
	base    func() context.Context // return a new base context

	onExit  func(error)
	onError func(error)
}

// NewClient constructs a new unstarted client for user, whose peer is the
// session advertising targetURL. Peer discovery is armed immediately, so the
// session table is requested as soon as the client is started.
func NewClient(user, targetURL string, opts *Options) *Client {
	c := &Client{
		user:      user,
		sessionID: uuid.NewString(),
		logf:      opts.logf(),
		hmux:      make(map[string]Handler),
		base:      context.Background,
	}
	c.tracker = NewQueue(c.sendOut)
	c.peer = NewQueue(c.sendOut)
	c.disc = newDiscovery(c, targetURL, opts.retry())
	c.disc.arm()
	return c
}

// SessionID returns the unique session ID of c.
func (c *Client) SessionID() string { return c.sessionID }

// User returns the user name of c.
func (c *Client) User() string { return c.user }

// Target returns the world URL of the peer c is looking for.
func (c *Client) Target() string { return c.disc.target }

// WorldURL returns the world URL that c advertises to the tracker.
func (c *Client) WorldURL() string {
	return fmt.Sprintf("http://localhost/livelySession/%s/%s", c.user, c.sessionID)
}

// PeerID returns the session ID of the peer, and reports whether the peer has
// been found.
func (c *Client) PeerID() (string, bool) {
	state, id := c.disc.status()
	return id, state == Found
}

// State reports the current state of peer discovery.
func (c *Client) State() DiscoveryState {
	state, _ := c.disc.status()
	return state
}

// Metrics returns a metrics map for the client. It is safe for the caller to
// add additional metrics to the map while the client is active.
func (c *Client) Metrics() *expvar.Map { return liveMetrics.emap }

// Start starts the client running on the given channel, which must already
// be connected to the tracker. Start does not block; call Wait to wait for the
// client to exit and report its status.
//
// On start, the client registers with the tracker and then releases any
// messages queued by SendOnConnection. If c was previously started and has
// since exited, peer discovery is restarted as well.
func (c *Client) Start(ch Channel) *Client {
	c.μ.Lock()
	if c.in != nil {
		c.μ.Unlock()
		panic("client is already started")
	}
	restart := c.started
	g := taskgroup.New(nil)
	c.in = ch
	c.tasks = g
	c.started = true
	c.err = nil
	c.μ.Unlock()

	c.out.Lock()
	c.out.ch = ch
	c.out.Unlock()

	if restart {
		c.disc.arm()
	}

	g.Go(func() error {
		if err := c.open(); err != nil {
			c.fail(err)
			return nil
		}
		for {
			frame, err := ch.Recv()
			if err != nil {
				c.fail(err)
				return nil
			}
			c.dispatch(frame)
		}
	})
	return c
}

// open registers c with the tracker and enables the tracker queue.
func (c *Client) open() error {
	reg, err := NewMessage(ActionRegister, Registration{
		User:     c.user,
		ID:       c.sessionID,
		WorldURL: c.WorldURL(),
	})
	if err != nil {
		return err
	}
	if err := c.sendOut(reg); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return c.tracker.Enable()
}

// Stop closes the channel and terminates the client. It blocks until the
// client has exited and returns its status. After Stop completes it is safe
// to restart the client with a new channel.
func (c *Client) Stop() error { c.closeOut(); return c.Wait() }

// waitTasks blocks until the service routines have finished, and reports
// whether the client was running.
func (c *Client) waitTasks() bool {
	c.μ.Lock()
	t := c.tasks
	c.μ.Unlock()
	if t == nil {
		return false
	}
	t.Wait()
	return true
}

// Wait blocks until c terminates and reports the error that caused it to
// stop. If c is not running, or stopped because the channel closed normally,
// Wait returns nil.
func (c *Client) Wait() error {
	if !c.waitTasks() {
		return nil
	}

	c.μ.Lock()
	defer c.μ.Unlock()
	c.in = nil
	c.tasks = nil
	c.out.Lock()
	c.out.ch = nil
	c.out.Unlock()

	if treatErrorAsSuccess(c.err) {
		return nil
	}
	return c.err
}

// WaitPeer blocks until the peer has been found, and returns its session ID.
// It reports an error if ctx ends, the client exits, or discovery gives up
// before the peer is found.
func (c *Client) WaitPeer(ctx context.Context) (string, error) { return c.disc.wait(ctx) }

// Rediscover discards the current peer binding and restarts peer discovery.
// Messages sent with SendToPeer are held until a peer is found again.
func (c *Client) Rediscover() { c.disc.arm() }

// SendOnConnection sends a message with the given action and data to the
// tracker. The message is held until c has been started and registered.
// The data are encoded as JSON; if v is a json.RawMessage it is sent as-is.
func (c *Client) SendOnConnection(action string, v any) error {
	msg, err := NewMessage(action, v)
	if err != nil {
		return err
	}
	return c.tracker.Send(msg)
}

// SendToPeer sends a message with the given action and data to the peer. The
// message is held until the peer has been found.
func (c *Client) SendToPeer(action string, v any) error {
	msg, err := NewMessage(action, v)
	if err != nil {
		return err
	}
	return c.disc.sendToPeer(msg)
}

// Handle registers a handler for the specified action. It is safe to call
// this while the client is running. If a handler was already registered for
// action, it is replaced. Passing a nil Handler removes any handler for the
// action. Handle returns c to permit chaining.
//
// Handle panics if action is empty.
func (c *Client) Handle(action string, handler Handler) *Client {
	if action == "" {
		panic("empty action")
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	if handler == nil {
		delete(c.hmux, action)
	} else {
		c.hmux[action] = handler
	}
	return c
}

// NotUnderstood registers a handler that is called for any inbound message
// whose action has no handler. If h == nil, such messages are logged and
// discarded. NotUnderstood returns c to permit chaining.
func (c *Client) NotUnderstood(h Handler) *Client {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.nu = h
	return c
}

// LogMessages registers a callback that will be invoked for each message
// exchanged with the tracker, regardless of action. Undecodable frames are
// not logged. Passing a nil callback disables message logging.
func (c *Client) LogMessages(log MessageLogger) *Client {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.mlog = log
	return c
}

// OnExit registers a callback to be invoked when the client terminates.  The
// callback is executed synchronously during shutdown, with the same error
// value that would be reported by the Wait method. The callback may call
// other methods of the client, but not Stop or Wait.
//
// Only one exit callback can be registered at a time; if f == nil the callback
// is removed.
func (c *Client) OnExit(f func(error)) *Client {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onExit = f
	return c
}

// OnError registers a callback to be invoked with non-fatal errors, such as
// errors reported by handlers and malformed session tables. If f == nil the
// callback is removed; errors are still logged.
func (c *Client) OnError(f func(error)) *Client {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onError = f
	return c
}

// NewContext registers a function that will be called to create a new base
// context for message handlers. If it is not set a background context is
// used.
func (c *Client) NewContext(base func() context.Context) *Client {
	c.μ.Lock()
	defer c.μ.Unlock()
	if base == nil {
		c.base = context.Background
	} else {
		c.base = base
	}
	return c
}

// fail disables sending and records the exit status.
func (c *Client) fail(err error) {
	c.closeOut()
	c.tracker.Disable()
	c.peer.Disable()
	c.disc.stop()

	var ce *CloseError
	switch {
	case errors.As(err, &ce):
		c.logf("lively: tracker connection closed: code %d %q", ce.Code, ce.Reason)
	case treatErrorAsSuccess(err):
		c.logf("lively: tracker connection closed")
	default:
		c.logf("lively: tracker connection failed: %v", err)
	}

	c.μ.Lock()
	c.err = err
	onExit := c.onExit
	c.μ.Unlock()

	if onExit != nil {
		if treatErrorAsSuccess(err) {
			err = nil
		}
		onExit(err)
	}
}

// dispatch decodes an inbound frame and routes it to its handler.
func (c *Client) dispatch(frame []byte) {
	var msg Message
	if err := msg.Decode(frame); err != nil {
		liveMetrics.msgDropped.Add(1)
		c.reportError(err)
		return
	}
	liveMetrics.msgRecv.Add(1)

	c.μ.Lock()
	mlog := c.mlog
	handler, ok := c.hmux[msg.Action]
	if !ok {
		handler = c.nu
	}
	base := c.base
	c.μ.Unlock()

	if mlog != nil {
		mlog(MessageInfo{Message: &msg, Sent: false})
	}
	if !ok {
		liveMetrics.msgNotUnderstood.Add(1)
		if handler == nil {
			c.logf("lively: message not understood: action %q, data %s", msg.Action, msg.Data)
			return
		}
	}

	ctx := context.WithValue(base(), clientContextKey{}, c)
	err := func() (err error) {
		// A panic out of a handler is reported like any other handler error.
		defer func() {
			if x := recover(); x != nil && err == nil {
				err = fmt.Errorf("handler panicked (recovered): %v", x)
			}
		}()
		return handler(ctx, &msg)
	}()
	if err != nil {
		liveMetrics.handlerErr.Add(1)
		c.reportError(fmt.Errorf("handle %q: %w", msg.Action, err))
	}
}

// reportError logs a non-fatal error and passes it to the error callback.
func (c *Client) reportError(err error) {
	c.logf("lively: %v", err)
	c.μ.Lock()
	f := c.onError
	c.μ.Unlock()
	if f != nil {
		f(err)
	}
}

// sendOut encodes msg and sends it on the channel.
func (c *Client) sendOut(msg *Message) error {
	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	c.μ.Lock()
	mlog := c.mlog
	c.μ.Unlock()

	c.out.Lock()
	defer c.out.Unlock()
	if c.out.ch == nil {
		return net.ErrClosed
	}
	liveMetrics.msgSent.Add(1)
	if mlog != nil {
		mlog(MessageInfo{Message: msg, Sent: true})
	}
	return c.out.ch.Send(frame)
}

func (c *Client) closeOut() {
	c.out.Lock()
	defer c.out.Unlock()
	if c.out.ch != nil {
		c.out.ch.Close()
	}
}

type clientContextKey struct{}

// ContextClient returns the Client associated with the given context, or nil
// if none is defined.  The context passed to a Handler has this value.
func ContextClient(ctx context.Context) *Client {
	if v := ctx.Value(clientContextKey{}); v != nil {
		return v.(*Client)
	}
	return nil
}
