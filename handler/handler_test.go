// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package handler_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/lively"
	"github.com/creachadair/lively/handler"
	"github.com/creachadair/lively/tracker"
	"github.com/fortytw2/leaktest"
	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
)

const world = "http://x/bob/world"

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// peerSend sends a message on ch from the peer, addressed to target.
func peerSend(t *testing.T, ch lively.Channel, action, target string, data string) {
	t.Helper()
	frame, err := (&lively.Message{Action: action, Data: json.RawMessage(data), Target: target}).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := ch.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestHandler(t *testing.T) {
	defer leaktest.Check(t)()
	loc := tracker.NewLocal(&tracker.Options{Logf: t.Logf})
	defer loc.Stop()

	peer := loc.Connect()
	defer peer.Close()
	reg, _ := json.Marshal(lively.Registration{User: "bob", ID: "peer", WorldURL: world})
	peerSend(t, peer, lively.ActionRegister, "", string(reg))

	errs := make(chan error, 8)
	done := make(chan string, 8)
	c := lively.NewClient("alice", world, &lively.Options{
		Logf:  t.Logf,
		Retry: lively.RetryPolicy{Min: time.Millisecond, Max: 10 * time.Millisecond},
	}).OnError(func(err error) { errs <- err })
	c.Start(loc.Connect())
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.WaitPeer(ctx); err != nil {
		t.Fatalf("WaitPeer: %v", err)
	}

	checkMsg := func(t *testing.T, ctx context.Context, action string) {
		t.Helper()
		msg := handler.ContextMessage(ctx)
		if msg == nil {
			t.Error("Context does not contain message")
		} else if msg.Action != action {
			t.Errorf("Context message: got %q, want %q", msg.Action, action)
		}
	}
	wantErr := func(t *testing.T, substr string) {
		t.Helper()
		select {
		case err := <-errs:
			if !strings.Contains(err.Error(), substr) {
				t.Errorf("Error: got %v, want %q", err, substr)
			}
		case <-ctx.Done():
			t.Fatal("Timed out waiting for error")
		}
	}
	wantDone := func(t *testing.T, want string) {
		t.Helper()
		select {
		case got := <-done:
			if got != want {
				t.Errorf("Handler result: got %q, want %q", got, want)
			}
		case <-ctx.Done():
			t.Fatal("Timed out waiting for handler")
		}
	}
	wantReply := func(t *testing.T, want lively.Message) {
		t.Helper()
		frame, err := peer.Recv()
		if err != nil {
			t.Fatalf("Peer recv: %v", err)
		}
		var got lively.Message
		if err := got.Decode(frame); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Reply (-want, +got):\n%s", diff)
		}
	}

	t.Run("Param", func(t *testing.T) {
		c.Handle("move", handler.Param(func(ctx context.Context, p point) error {
			checkMsg(t, ctx, "move")
			b, _ := json.Marshal(p)
			done <- string(b)
			return nil
		}))
		peerSend(t, peer, "move", c.SessionID(), `{"x":3,"y":-4}`)
		wantDone(t, `{"x":3,"y":-4}`)
	})

	t.Run("ParamDecodeError", func(t *testing.T) {
		c.Handle("count", handler.Param(func(context.Context, int) error {
			t.Error("Handler called with invalid data")
			return nil
		}))
		peerSend(t, peer, "count", c.SessionID(), `"bogus"`)
		wantErr(t, "decode")
	})

	t.Run("ParamReply", func(t *testing.T) {
		c.Handle("add", handler.ParamReply("sum", func(ctx context.Context, xs []int) (int, error) {
			checkMsg(t, ctx, "add")
			var sum int
			for _, x := range xs {
				sum += x
			}
			return sum, nil
		}))
		peerSend(t, peer, "add", c.SessionID(), `[2, 3, 5]`)
		wantReply(t, lively.Message{Action: "sum", Data: json.RawMessage(`10`), Target: "peer"})
	})

	t.Run("ParamReplyError", func(t *testing.T) {
		c.Handle("div", handler.ParamReply("quo", func(_ context.Context, p point) (int, error) {
			if p.Y == 0 {
				return 0, errors.New("division by zero")
			}
			return p.X / p.Y, nil
		}))
		peerSend(t, peer, "div", c.SessionID(), `{"x":1,"y":0}`)
		wantErr(t, "division by zero")

		peerSend(t, peer, "div", c.SessionID(), `{"x":12,"y":4}`)
		wantReply(t, lively.Message{Action: "quo", Data: json.RawMessage(`3`), Target: "peer"})
	})

	t.Run("Notify", func(t *testing.T) {
		c.Handle("poke", handler.Notify(func(ctx context.Context) error {
			checkMsg(t, ctx, "poke")
			done <- "poked"
			return nil
		}))
		peerSend(t, peer, "poke", c.SessionID(), `{"ignored":true}`)
		wantDone(t, "poked")
	})
}

func TestNoClient(t *testing.T) {
	h := handler.ParamReply("r", func(context.Context, int) (int, error) { return 1, nil })
	err := h(context.Background(), &lively.Message{Action: "q", Data: json.RawMessage(`1`)})
	if err == nil || !strings.Contains(err.Error(), "no client") {
		t.Errorf("Handler without client: got %v, want error", err)
	}
	if msg := handler.ContextMessage(context.Background()); msg != nil {
		t.Errorf("ContextMessage: got %v, want nil", msg)
	}
}
