// Program lively is a command-line utility for talking to Lively2Lively peers
// through a session tracker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/lively"
	"github.com/creachadair/lively/channel"
	"github.com/creachadair/lively/tracker"
	"github.com/goccy/go-json"
)

var commonFlags Common

var sendFlags struct {
	Wait time.Duration `flag:"wait,default=60s,How long to wait for messages from the peer"`
}

var trackerFlags struct {
	Listen string `flag:"listen,default=localhost:8080,Address to listen on"`
	ID     string `flag:"id,Tracker instance ID (default random)"`
}

func main() {
	if err := loadEnv(); err != nil {
		log.Fatalf("Loading environment: %v", err)
	}
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Utilities for talking to Lively2Lively peers.

Settings not given by flags are read from the environment variables
LIVELY_USER, LIVELY_TARGET, and LIVELY_TRACKER. If a .env file exists in the
working directory, it is loaded into the environment first.`,
		Commands: []*command.C{
			{
				Name:  "send",
				Usage: "<action> [data]",
				Help: `Send a message to the peer and print replies.

The data argument is sent as JSON if it is valid JSON, or otherwise as a JSON
string. Messages received from the peer are printed one per line until the
wait period elapses or the connection closes.`,
				SetFlags: command.Flags(flax.MustBind, &commonFlags, &sendFlags),
				Run:      runSend,
			},
			{
				Name:     "sessions",
				Help:     "Print the session table published by the tracker.",
				SetFlags: command.Flags(flax.MustBind, &commonFlags),
				Run:      runSessions,
			},
			{
				Name:     "tracker",
				Help:     "Run a local session tracker.",
				SetFlags: command.Flags(flax.MustBind, &trackerFlags),
				Run:      runTracker,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runSend(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("Missing action argument")
	} else if len(env.Args) > 2 {
		return env.Usagef("Extra arguments after data: %q", env.Args[2:])
	}
	cfg := commonFlags.resolve()
	if cfg.User == "" || cfg.Target == "" {
		return env.Usagef("A user and a target world URL are required")
	}
	var data json.RawMessage
	if len(env.Args) == 2 {
		data = parseData(env.Args[1])
	}

	ctx, cancel := signal.NotifyContext(env.Context(), os.Interrupt)
	defer cancel()
	ctx, cancel = context.WithTimeout(ctx, sendFlags.Wait)
	defer cancel()

	ch, err := channel.Dial(ctx, cfg.Tracker, &channel.DialOptions{HandshakeTimeout: 10 * time.Second})
	if err != nil {
		return err
	}

	exited := make(chan struct{})
	c := lively.NewClient(cfg.User, cfg.Target, &lively.Options{Logf: cfg.logf()}).
		NotUnderstood(func(_ context.Context, msg *lively.Message) error {
			fmt.Printf("%s\t%s\n", msg.Action, msg.Data)
			return nil
		}).
		OnExit(func(error) { close(exited) })
	if cfg.Verbose {
		c.LogMessages(func(mi lively.MessageInfo) { log.Print(mi) })
	}
	if err := c.SendToPeer(env.Args[0], data); err != nil {
		return err
	}
	c.Start(ch)
	defer c.Stop()

	peer, err := c.WaitPeer(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("no peer found for %q", cfg.Target)
	} else if err != nil {
		return err
	}
	cfg.logf()("Sent %q to peer %s", env.Args[0], peer)

	select {
	case <-ctx.Done():
	case <-exited:
	}
	return nil
}

func runSessions(env *command.Env) error {
	cfg := commonFlags.resolve()
	ctx, cancel := context.WithTimeout(env.Context(), 30*time.Second)
	defer cancel()

	ch, err := channel.Dial(ctx, cfg.Tracker, nil)
	if err != nil {
		return err
	}
	defer ch.Close()
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	table, err := fetchSessions(ch, cfg.Verbose)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// fetchSessions requests the session table on ch and waits for the reply.
func fetchSessions(ch lively.Channel, verbose bool) (json.RawMessage, error) {
	req, err := lively.NewMessage(lively.ActionGetSessions, map[string]any{"options": []string{}})
	if err != nil {
		return nil, err
	}
	frame, err := req.Encode()
	if err != nil {
		return nil, err
	}
	if err := ch.Send(frame); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	for {
		frame, err := ch.Recv()
		if err != nil {
			return nil, fmt.Errorf("waiting for sessions: %w", err)
		}
		var msg lively.Message
		if err := msg.Decode(frame); err != nil {
			log.Printf("Skipped invalid frame: %v", err)
			continue
		}
		if verbose {
			log.Print(lively.MessageInfo{Message: &msg})
		}
		if msg.Action == lively.ActionGetSessions {
			return msg.Data, nil
		}
	}
}

func runTracker(env *command.Env) error {
	ctx, cancel := signal.NotifyContext(env.Context(), os.Interrupt)
	defer cancel()

	s := tracker.New(&tracker.Options{ID: trackerFlags.ID})
	mux := http.NewServeMux()
	mux.Handle("/connect", s)
	mux.Handle("/nodejs/SessionTracker/connect", s)
	srv := &http.Server{Addr: trackerFlags.Listen, Handler: mux}
	context.AfterFunc(ctx, func() { srv.Close() })

	log.Printf("Tracker %s listening at ws://%s/connect", s.ID(), trackerFlags.Listen)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
