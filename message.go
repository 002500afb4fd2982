// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package lively

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/creachadair/mds/value"
	"github.com/goccy/go-json"
)

// Action names used by the session tracker handshake.
const (
	ActionRegister    = "registerClient"
	ActionGetSessions = "getSessions"
)

// Message is the parsed format of a Lively2Lively envelope.
//
// Data is an arbitrary JSON value that is opaque to the client. Target is the
// session ID of the peer to which the tracker should relay the message; it is
// empty for messages addressed to the tracker itself.
type Message struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
	Target string          `json:"target,omitempty"`
}

// NewMessage constructs a message for action whose data are the JSON
// encoding of v. If v is nil, the message has null data. If v is a
// json.RawMessage it is used as-is, and must be valid JSON.
func NewMessage(action string, v any) (*Message, error) {
	if action == "" {
		return nil, errors.New("empty action")
	}
	data, err := marshalData(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %q data: %w", action, err)
	}
	return &Message{Action: action, Data: data}, nil
}

var errInvalidRaw = errors.New("raw data is not valid JSON")

func marshalData(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(t) == 0 {
			return json.RawMessage("null"), nil
		} else if !json.Valid(t) {
			return nil, errInvalidRaw
		}
		return t, nil
	default:
		return json.Marshal(v)
	}
}

// Encode encodes m as a JSON envelope.
func (m *Message) Encode() ([]byte, error) {
	if m.Action == "" {
		return nil, errors.New("encode: empty action")
	}
	out := *m
	if len(out.Data) == 0 {
		out.Data = json.RawMessage("null")
	}
	return json.Marshal(out)
}

// Decode decodes a JSON envelope into m. It reports an error of concrete type
// *DecodeError if data is not a JSON object or its action is empty.
func (m *Message) Decode(data []byte) error {
	var tmp Message
	if err := json.Unmarshal(data, &tmp); err != nil {
		return &DecodeError{Frame: data, Err: err}
	} else if tmp.Action == "" {
		return &DecodeError{Frame: data, Err: errors.New("missing action")}
	}
	*m = tmp
	return nil
}

// UnmarshalData decodes the data of m into v.
func (m *Message) UnmarshalData(v any) error {
	if len(m.Data) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(m.Data, v)
}

// String returns a human-friendly rendering of the message.
func (m *Message) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Message(%s", m.Action)
	if m.Target != "" {
		fmt.Fprintf(&buf, " → %s", m.Target)
	}
	const maxData = 64
	if d := string(m.Data); len(d) > maxData {
		fmt.Fprintf(&buf, ", %s…)", d[:maxData])
	} else {
		fmt.Fprintf(&buf, ", %s)", d)
	}
	return buf.String()
}

// A MessageLogger logs a message exchanged with the tracker.
type MessageLogger func(MessageInfo)

// A MessageInfo combines a message and a flag indicating whether the message
// was sent or received.
type MessageInfo struct {
	*Message      // the message being logged
	Sent     bool // whether the message was sent (true) or received (false)
}

func (m MessageInfo) String() string {
	return fmt.Sprintf("%v %v", value.Cond(m.Sent, "send", "recv"), m.Message)
}

// DecodeError is the concrete type of errors reported when an inbound frame
// cannot be parsed as a message envelope.
type DecodeError struct {
	Frame []byte // the undecodable frame
	Err   error  // the underlying error
}

func (d *DecodeError) Error() string { return fmt.Sprintf("invalid message: %v", d.Err) }

func (d *DecodeError) Unwrap() error { return d.Err }

// ProtocolError is the concrete type of errors reported when the tracker
// sends a message whose payload has the wrong shape.
type ProtocolError struct {
	Action string
	Err    error
}

func (p *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error in %q: %v", p.Action, p.Err)
}

func (p *ProtocolError) Unwrap() error { return p.Err }

// CloseError reports the close code and reason sent by the remote end of a
// channel that supports them.
type CloseError struct {
	Code   int
	Reason string
}

// CloseNormal is the close code for a normal closure.
const CloseNormal = 1000

func (c *CloseError) Error() string {
	if c.Reason == "" {
		return fmt.Sprintf("connection closed (%d)", c.Code)
	}
	return fmt.Sprintf("connection closed (%d): %s", c.Code, c.Reason)
}

var (
	// ErrDiscoveryExhausted is reported by WaitPeer when discovery gave up
	// after the retry limit was reached without finding the peer.
	ErrDiscoveryExhausted = errors.New("peer discovery retries exhausted")

	// ErrClientStopped is reported by WaitPeer if the client exits before the
	// peer is found.
	ErrClientStopped = errors.New("client stopped")
)

func treatErrorAsSuccess(err error) bool {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code == CloseNormal
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
