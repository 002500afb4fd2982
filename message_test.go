// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package lively_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/creachadair/lively"
	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
)

type badJSON struct{}

func (badJSON) MarshalJSON() ([]byte, error) { return nil, errors.New("unencodable") }

func TestNewMessage(t *testing.T) {
	tests := []struct {
		name   string
		action string
		data   any
		want   string
	}{
		{"Nil", "ping", nil, `null`},
		{"String", "ping", "hello", `"hello"`},
		{"Number", "ping", 42, `42`},
		{"Struct", "ping", struct {
			X int `json:"x"`
		}{3}, `{"x":3}`},
		{"Raw", "ping", json.RawMessage(`{"a": [1, 2]}`), `{"a": [1, 2]}`},
		{"EmptyRaw", "ping", json.RawMessage(nil), `null`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := lively.NewMessage(tc.action, tc.data)
			if err != nil {
				t.Fatalf("NewMessage: unexpected error: %v", err)
			}
			if msg.Action != tc.action {
				t.Errorf("Action: got %q, want %q", msg.Action, tc.action)
			}
			if got := string(msg.Data); got != tc.want {
				t.Errorf("Data: got %s, want %s", got, tc.want)
			}
			if msg.Target != "" {
				t.Errorf("Target: got %q, want empty", msg.Target)
			}
		})
	}

	t.Run("EmptyAction", func(t *testing.T) {
		if msg, err := lively.NewMessage("", "x"); err == nil {
			t.Errorf("NewMessage: got %v, want error", msg)
		}
	})
	t.Run("InvalidRaw", func(t *testing.T) {
		for _, raw := range []string{`{not json`, `[1, 2`, `"unterminated`} {
			if msg, err := lively.NewMessage("ping", json.RawMessage(raw)); err == nil {
				t.Errorf("NewMessage(%#q): got %v, want error", raw, msg)
			}
		}
	})
	t.Run("Unencodable", func(t *testing.T) {
		if msg, err := lively.NewMessage("ping", badJSON{}); err == nil {
			t.Errorf("NewMessage: got %v, want error", msg)
		}
	})
}

func TestMessageEncode(t *testing.T) {
	tests := []struct {
		msg  lively.Message
		want map[string]any
	}{
		{lively.Message{Action: "ping"},
			map[string]any{"action": "ping", "data": nil}},
		{lively.Message{Action: "ping", Data: json.RawMessage(`[1]`)},
			map[string]any{"action": "ping", "data": []any{1.0}}},
		{lively.Message{Action: "hello", Data: json.RawMessage(`"world"`), Target: "sess-1"},
			map[string]any{"action": "hello", "data": "world", "target": "sess-1"}},
	}
	for _, tc := range tests {
		frame, err := tc.msg.Encode()
		if err != nil {
			t.Errorf("Encode %v: unexpected error: %v", &tc.msg, err)
			continue
		}
		if strings.ContainsRune(string(frame), '\n') {
			t.Errorf("Encode %v: frame contains a newline: %q", &tc.msg, frame)
		}
		var got map[string]any
		if err := json.Unmarshal(frame, &got); err != nil {
			t.Fatalf("Decode frame: %v", err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("Encode %v (-want, +got):\n%s", &tc.msg, diff)
		}

		var back lively.Message
		if err := back.Decode(frame); err != nil {
			t.Errorf("Decode: unexpected error: %v", err)
		} else if back.Action != tc.msg.Action || back.Target != tc.msg.Target {
			t.Errorf("Decode: got %v, want %v", &back, &tc.msg)
		}
	}

	var empty lively.Message
	if frame, err := empty.Encode(); err == nil {
		t.Errorf("Encode empty: got %q, want error", frame)
	}
}

func TestMessageDecodeError(t *testing.T) {
	for _, frame := range []string{
		``,
		`not json`,
		`[1, 2, 3]`,
		`"ping"`,
		`{}`,
		`{"data": 1}`,
		`{"action": ""}`,
		`{"action": 5}`,
	} {
		var msg lively.Message
		err := msg.Decode([]byte(frame))
		var derr *lively.DecodeError
		if !errors.As(err, &derr) {
			t.Errorf("Decode %q: got %v, want *DecodeError", frame, err)
			continue
		}
		if string(derr.Frame) != frame {
			t.Errorf("DecodeError frame: got %q, want %q", derr.Frame, frame)
		}
	}

	// Unknown fields are ignored.
	var msg lively.Message
	if err := msg.Decode([]byte(`{"action":"x","data":{},"sender":"s"}`)); err != nil {
		t.Errorf("Decode with extra fields: unexpected error: %v", err)
	}
}

func TestMessageUnmarshalData(t *testing.T) {
	msg := &lively.Message{Action: "a", Data: json.RawMessage(`{"user":"alice","id":"s1","worldURL":"w"}`)}
	var reg lively.Registration
	if err := msg.UnmarshalData(&reg); err != nil {
		t.Fatalf("UnmarshalData: %v", err)
	}
	if diff := cmp.Diff(lively.Registration{User: "alice", ID: "s1", WorldURL: "w"}, reg); diff != "" {
		t.Errorf("Registration (-want, +got):\n%s", diff)
	}

	// Empty data decodes as null, leaving v unchanged.
	v := 17
	if err := (&lively.Message{Action: "a"}).UnmarshalData(&v); err != nil {
		t.Errorf("UnmarshalData empty: %v", err)
	} else if v != 17 {
		t.Errorf("UnmarshalData empty: got %d, want 17", v)
	}
}

func TestMessageString(t *testing.T) {
	tests := []struct {
		msg  lively.Message
		want string
	}{
		{lively.Message{Action: "ping", Data: json.RawMessage(`1`)}, "Message(ping, 1)"},
		{lively.Message{Action: "ping", Data: json.RawMessage(`1`), Target: "s"}, "Message(ping → s, 1)"},
		{lively.Message{Action: "big", Data: json.RawMessage(`"` + strings.Repeat("x", 100) + `"`)},
			`Message(big, "` + strings.Repeat("x", 63) + "…)"},
	}
	for _, tc := range tests {
		if got := tc.msg.String(); got != tc.want {
			t.Errorf("String: got %q, want %q", got, tc.want)
		}
	}
	mi := lively.MessageInfo{Message: &lively.Message{Action: "a", Data: json.RawMessage(`2`)}, Sent: true}
	if got, want := mi.String(), "send Message(a, 2)"; got != want {
		t.Errorf("MessageInfo: got %q, want %q", got, want)
	}
}

func TestErrors(t *testing.T) {
	perr := &lively.ProtocolError{Action: "getSessions", Err: errors.New("bad")}
	if got := perr.Error(); !strings.Contains(got, "getSessions") || !strings.Contains(got, "bad") {
		t.Errorf("ProtocolError: got %q", got)
	}
	if got, want := (&lively.CloseError{Code: 1001}).Error(), "connection closed (1001)"; got != want {
		t.Errorf("CloseError: got %q, want %q", got, want)
	}
	if got, want := (&lively.CloseError{Code: 4000, Reason: "bye"}).Error(), "connection closed (4000): bye"; got != want {
		t.Errorf("CloseError: got %q, want %q", got, want)
	}
}
