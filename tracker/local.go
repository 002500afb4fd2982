// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tracker

import (
	"context"
	"errors"
	"net"

	"github.com/creachadair/lively"
	"github.com/creachadair/lively/channel"
	"github.com/creachadair/taskgroup"
)

// Local is a tracker that serves in-memory connections, suitable for testing.
type Local struct {
	*Server

	ctx    context.Context
	cancel context.CancelFunc
	tasks  *taskgroup.Group
}

// NewLocal creates a new tracker for in-memory connections.
func NewLocal(opts *Options) *Local {
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		Server: New(opts),
		ctx:    ctx,
		cancel: cancel,
		tasks:  taskgroup.New(nil),
	}
}

// Connect returns a new channel connected to the tracker.
func (l *Local) Connect() lively.Channel {
	a, b := channel.Direct()
	l.tasks.Go(func() error {
		if err := l.Serve(l.ctx, b); err != nil {
			l.logf("tracker: local connection: %v", err)
		}
		return nil
	})
	return a
}

// Stop closes all connections to the tracker and blocks until they have been
// cleaned up.
func (l *Local) Stop() error {
	l.cancel()
	return l.tasks.Wait()
}

// An Accepter accepts connections from tracker clients.
type Accepter interface {
	Accept(context.Context) (lively.Channel, error)
}

// Loop accepts connections from acc and serves each one on s in a goroutine.
// Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all open connections are closed. When acc closes, the
// loop waits for open connections to finish before returning.
func Loop(ctx context.Context, acc Accepter, s *Server) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}
		g.Go(func() error {
			if err := s.Serve(ctx, ch); err != nil {
				s.logf("tracker: connection: %v", err)
			}
			return nil
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface. Accepted
// connections exchange newline-delimited frames.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (lively.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}
