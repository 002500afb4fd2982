// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the lively.Handler type for functions
// with other signatures.
//
// Parameters are decoded from the JSON data of the inbound message. Results
// are encoded as JSON and sent to the peer under a reply action.
package handler

import (
	"context"
	"fmt"

	"github.com/creachadair/lively"
)

// msgContextKey is a context key for the message value to a handler.
type msgContextKey struct{}

// ContextMessage returns the original message passed to the handler, or nil if
// ctx has no associated message.  The context passed to a handler returned by
// this package will have this value.
func ContextMessage(ctx context.Context) *lively.Message {
	if v := ctx.Value(msgContextKey{}); v != nil {
		return v.(*lively.Message)
	}
	return nil
}

// Param adapts a function f that accepts parameters of type P and returns an
// error, to a lively.Handler.
func Param[P any](f func(context.Context, P) error) lively.Handler {
	return func(ctx context.Context, msg *lively.Message) error {
		var p P
		if err := unmarshal(msg, &p); err != nil {
			return err
		}
		return f(context.WithValue(ctx, msgContextKey{}, msg), p)
	}
}

// ParamReply adapts a function f that accepts parameters of type P and returns
// a result of type R and an error, to a lively.Handler. If f succeeds, its
// result is sent to the peer as a message with the given reply action.
func ParamReply[P, R any](reply string, f func(context.Context, P) (R, error)) lively.Handler {
	return func(ctx context.Context, msg *lively.Message) error {
		var p P
		if err := unmarshal(msg, &p); err != nil {
			return err
		}
		r, err := f(context.WithValue(ctx, msgContextKey{}, msg), p)
		if err != nil {
			return err
		}
		return sendReply(ctx, reply, r)
	}
}

// Notify adapts a function f that accepts no parameters and returns an
// error, to a lively.Handler. The data of the message are ignored.
func Notify(f func(context.Context) error) lively.Handler {
	return func(ctx context.Context, msg *lively.Message) error {
		return f(context.WithValue(ctx, msgContextKey{}, msg))
	}
}

func unmarshal(msg *lively.Message, v any) error {
	if err := msg.UnmarshalData(v); err != nil {
		return fmt.Errorf("decode %q data into %T: %w", msg.Action, v, err)
	}
	return nil
}

func sendReply(ctx context.Context, reply string, v any) error {
	c := lively.ContextClient(ctx)
	if c == nil {
		return fmt.Errorf("reply %q: no client in context", reply)
	}
	return c.SendToPeer(reply, v)
}
