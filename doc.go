// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package lively implements a client for the Lively2Lively session tracker.
//
// A Lively2Lively client registers itself with a central session tracker,
// finds a peer session by the world URL that peer advertises, and then
// exchanges messages with the peer through the tracker's relay. Messages are
// JSON envelopes carrying an action name, arbitrary data, and optionally the
// session ID of the peer they are addressed to.
//
// # Clients
//
// The core type defined by this package is the [Client]. To create a new,
// unstarted client for a user looking for the peer at a given world URL:
//
//	c := lively.NewClient("alice", "http://x/alice/world", nil)
//
// To start the client, call the Start method with a channel connected to the
// tracker:
//
//	ch, err := channel.Dial(ctx, lively.DefaultTrackerURL, nil)
//	if err != nil {
//	   log.Fatalf("Dial: %v", err)
//	}
//	c.Start(ch)
//
// The client runs until [Client.Stop] is called or the channel is closed.
// Call [Client.Wait] to wait for the client to exit and return its status.
// Clients do not reconnect; to resume after the channel closes, start the
// client again on a new channel.
//
// # Sending
//
// Use [Client.SendToPeer] to send a message to the peer:
//
//	c.SendToPeer("users.alice.myService", "hello, world!")
//
// Messages may be sent at any time, including before the client is started.
// Messages for the peer are held in a queue until the peer is found, and then
// delivered in the order they were sent. Messages for the tracker itself are
// sent with [Client.SendOnConnection], and are held until the client has
// started and registered.
//
// # Handlers
//
// To handle messages from the tracker or the peer, register a [Handler] for
// the action name:
//
//	c.Handle("users.alice.myServiceResult", func(ctx context.Context, msg *lively.Message) error {
//	   var answer string
//	   if err := msg.UnmarshalData(&answer); err != nil {
//	      return err
//	   }
//	   log.Printf("It worked! %s", answer)
//	   return nil
//	})
//
// Handlers run one at a time on the goroutine that receives messages, in the
// order the messages arrive. A handler that blocks delays all later messages.
// Messages with no registered handler are passed to the handler set by
// [Client.NotUnderstood], or logged and discarded. The handler package
// provides adapters for handlers with typed parameters.
//
// # Discovery
//
// When the client starts it requests the session table from the tracker and
// looks for a session whose world URL matches its target. If none matches,
// the client asks again after a delay chosen by its [RetryPolicy]. Use
// [Client.WaitPeer] to wait until the peer is found.
//
// # Metrics
//
// Clients maintain a collection of metrics while running. Use the
// [Client.Metrics] method to obtain an [expvar.Map] containing the metrics
// exported by the client. Metrics are shared globally among all clients.
//
//   - messages_received: counter of messages received
//   - messages_sent: counter of messages sent
//   - messages_dropped: counter of inbound frames that could not be decoded
//   - messages_not_understood: counter of messages with no handler
//   - handler_errors: counter of handlers reporting errors
//   - discovery_requests: counter of session table requests
//   - discovery_found: counter of peers found
//   - messages_queued: gauge of messages waiting in queues
package lively
