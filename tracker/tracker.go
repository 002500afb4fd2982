// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package tracker implements an in-process Lively2Lively session tracker.
//
// The tracker accepts client registrations, publishes the table of live
// sessions in reply to getSessions requests, and relays messages that carry a
// target session ID to the connection registered for that session. It is
// intended for tests and local development.
package tracker

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/creachadair/lively"
	"github.com/creachadair/lively/channel"
	"github.com/creachadair/taskgroup"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultSendQueue is the default number of outbound frames buffered for each
// connection.
const DefaultSendQueue = 256

// Options are optional settings for a Server. A nil *Options is ready for use
// and provides default values.
type Options struct {
	// ID is the tracker instance ID under which sessions are published.
	// If empty, a random ID is generated.
	ID string

	// Logf is used to write diagnostic log messages.
	// If nil, log.Printf is used.
	Logf func(string, ...any)

	// SendQueue is the number of outbound frames buffered per connection.
	// Frames sent to a connection whose buffer is full are dropped.
	// If zero, DefaultSendQueue is used.
	SendQueue int

	// CheckOrigin is used to accept WebSocket connections in ServeHTTP.
	// If nil, all origins are accepted.
	CheckOrigin func(*http.Request) bool
}

// A Server is a session tracker. The methods of a Server are safe for
// concurrent use by multiple goroutines.
type Server struct {
	id    string
	logf  func(string, ...any)
	qsize int
	up    *websocket.Upgrader

	μ        sync.Mutex
	sessions map[string]*conn // session ID → connection
}

// A conn is the tracker's view of one client connection.
type conn struct {
	out    chan []byte
	closed bool // guarded by Server.μ

	entry lively.SessionEntry // set on registration; guarded by Server.μ
}

// New constructs a new tracker with no sessions.
func New(opts *Options) *Server {
	s := &Server{
		id:       uuid.NewString(),
		logf:     log.Printf,
		qsize:    DefaultSendQueue,
		sessions: make(map[string]*conn),
	}
	var check func(*http.Request) bool
	if opts != nil {
		if opts.ID != "" {
			s.id = opts.ID
		}
		if opts.Logf != nil {
			s.logf = opts.Logf
		}
		if opts.SendQueue > 0 {
			s.qsize = opts.SendQueue
		}
		check = opts.CheckOrigin
	}
	s.up = channel.Upgrader(check)
	return s
}

// ID returns the tracker instance ID of s.
func (s *Server) ID() string { return s.id }

// Sessions returns a snapshot of the session table of s.
func (s *Server) Sessions() lively.Sessions {
	s.μ.Lock()
	defer s.μ.Unlock()
	group := make(map[string]lively.SessionEntry, len(s.sessions))
	for id, c := range s.sessions {
		group[id] = c.entry
	}
	return lively.Sessions{s.id: group}
}

// Serve services a single client connection on ch. It blocks until ch closes
// or ctx ends, and then closes ch and removes the session registered by the
// connection, if any.
func (s *Server) Serve(ctx context.Context, ch lively.Channel) error {
	c := &conn{out: make(chan []byte, s.qsize)}

	g := taskgroup.New(nil)
	g.Go(func() error {
		for frame := range c.out {
			if err := ch.Send(frame); err != nil {
				ch.Close()
				return nil
			}
		}
		return nil
	})
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	var err error
	for {
		frame, rerr := ch.Recv()
		if rerr != nil {
			err = rerr
			break
		}
		s.handle(c, frame)
	}

	s.drop(c)
	ch.Close()
	g.Wait()

	var ce *lively.CloseError
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		(errors.As(err, &ce) && ce.Code == lively.CloseNormal) || ctx.Err() != nil {
		return nil
	}
	return err
}

// ServeHTTP implements the http.Handler interface. It upgrades the request to
// a WebSocket connection and serves it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ch, err := channel.Accept(s.up, w, r)
	if err != nil {
		s.logf("tracker: upgrade: %v", err)
		return
	}
	if err := s.Serve(r.Context(), ch); err != nil {
		s.logf("tracker: connection from %s: %v", r.RemoteAddr, err)
	}
}

func (s *Server) handle(c *conn, frame []byte) {
	var msg lively.Message
	if err := msg.Decode(frame); err != nil {
		s.logf("tracker: %v", err)
		return
	}
	if msg.Target != "" {
		s.relay(msg.Target, frame)
		return
	}
	switch msg.Action {
	case lively.ActionRegister:
		var reg lively.Registration
		if err := msg.UnmarshalData(&reg); err != nil || reg.ID == "" {
			s.logf("tracker: invalid registration: %s", msg.Data)
			return
		}
		s.register(c, reg)

	case lively.ActionGetSessions:
		data, err := json.Marshal(s.Sessions())
		if err != nil {
			s.logf("tracker: encoding sessions: %v", err)
			return
		}
		rsp, err := (&lively.Message{Action: lively.ActionGetSessions, Data: data}).Encode()
		if err != nil {
			s.logf("tracker: encoding reply: %v", err)
			return
		}
		s.push(c, rsp)

	default:
		s.logf("tracker: unknown action %q", msg.Action)
	}
}

func (s *Server) register(c *conn, reg lively.Registration) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if old := c.entry.ID; old != "" && s.sessions[old] == c {
		delete(s.sessions, old)
	}
	c.entry = lively.SessionEntry{ID: reg.ID, User: reg.User, WorldURL: reg.WorldURL}
	s.sessions[reg.ID] = c
}

// relay forwards frame to the connection registered for target.
func (s *Server) relay(target string, frame []byte) {
	s.μ.Lock()
	dst, ok := s.sessions[target]
	s.μ.Unlock()
	if !ok {
		s.logf("tracker: no session %q for relay", target)
		return
	}
	s.push(dst, frame)
}

// push adds frame to the send buffer of c without blocking.
func (s *Server) push(c *conn, frame []byte) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if c.closed {
		return
	}
	select {
	case c.out <- frame:
	default:
		s.logf("tracker: send buffer full for %q; dropped frame", c.entry.ID)
	}
}

// drop removes the session for c and closes its send buffer.
func (s *Server) drop(c *conn) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if id := c.entry.ID; id != "" && s.sessions[id] == c {
		delete(s.sessions, id)
	}
	c.closed = true
	close(c.out)
}
