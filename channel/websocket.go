// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/creachadair/lively"
	"github.com/gorilla/websocket"
)

// Subprotocol is the WebSocket subprotocol spoken by the session tracker.
const Subprotocol = "lively-json"

// DefaultReadLimit is the default maximum size in bytes of an inbound frame.
const DefaultReadLimit = 1 << 20

// DialOptions are optional settings for Dial. A nil *DialOptions is ready for
// use and provides default values.
type DialOptions struct {
	// Header, if non-nil, is sent with the opening handshake.
	Header http.Header

	// HandshakeTimeout bounds the duration of the opening handshake.
	// If zero, only ctx bounds the handshake.
	HandshakeTimeout time.Duration

	// ReadLimit is the maximum size of an inbound frame.
	// If zero, DefaultReadLimit is used.
	ReadLimit int64
}

func (o *DialOptions) header() http.Header {
	if o == nil {
		return nil
	}
	return o.Header
}

func (o *DialOptions) timeout() time.Duration {
	if o == nil {
		return 0
	}
	return o.HandshakeTimeout
}

func (o *DialOptions) readLimit() int64 {
	if o == nil || o.ReadLimit <= 0 {
		return DefaultReadLimit
	}
	return o.ReadLimit
}

// Dial opens a WebSocket connection to the session tracker at url and returns
// a channel that exchanges frames over it.
func Dial(ctx context.Context, url string, opts *DialOptions) (*WSChannel, error) {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.timeout(),
		Subprotocols:     []string{Subprotocol},
	}
	conn, rsp, err := d.DialContext(ctx, url, opts.header())
	if err != nil {
		if rsp != nil {
			return nil, fmt.Errorf("dial %q: %w (status %s)", url, err, rsp.Status)
		}
		return nil, fmt.Errorf("dial %q: %w", url, err)
	}
	conn.SetReadLimit(opts.readLimit())
	return WebSocket(conn), nil
}

// WebSocket constructs a channel that exchanges frames as text messages on
// conn. The channel takes ownership of conn.
func WebSocket(conn *websocket.Conn) *WSChannel { return &WSChannel{conn: conn} }

// A WSChannel sends and receives frames over a WebSocket connection.
//
// When the remote end closes the connection with a close frame, Recv reports
// an error of concrete type *lively.CloseError carrying the close code and
// reason.
type WSChannel struct {
	conn *websocket.Conn
}

// Send implements a method of the [lively.Channel] interface.
func (c *WSChannel) Send(frame []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Recv implements a method of the [lively.Channel] interface.
// Control messages are handled by the connection and are not reported.
func (c *WSChannel) Recv() ([]byte, error) {
	for {
		mtype, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &lively.CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return nil, err
		}
		if mtype == websocket.TextMessage || mtype == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close implements a method of the [lively.Channel] interface.  It sends a
// normal closure to the remote end before closing the connection.
func (c *WSChannel) Close() error {
	return c.CloseWithReason(lively.CloseNormal, "")
}

// CloseWithReason sends a close frame with the given code and reason to the
// remote end, then closes the connection.
func (c *WSChannel) CloseWithReason(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	werr := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	cerr := c.conn.Close()
	if errors.Is(werr, websocket.ErrCloseSent) {
		werr = nil
	}
	return errors.Join(werr, cerr)
}

// Upgrader returns a websocket.Upgrader that negotiates the tracker
// subprotocol. If checkOrigin is nil, all origins are accepted.
func Upgrader(checkOrigin func(*http.Request) bool) *websocket.Upgrader {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &websocket.Upgrader{
		Subprotocols: []string{Subprotocol},
		CheckOrigin:  checkOrigin,
	}
}

// Accept upgrades an HTTP request to a WebSocket connection and returns a
// channel that exchanges frames over it. On failure, Accept has already
// replied to the client with an HTTP error.
func Accept(u *websocket.Upgrader, w http.ResponseWriter, r *http.Request) (*WSChannel, error) {
	conn, err := u.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(DefaultReadLimit)
	return WebSocket(conn), nil
}
