package main

import (
	"errors"
	"io/fs"
	"log"
	"os"

	"github.com/creachadair/lively"
	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
)

// Common are the settings shared by commands that talk to a tracker.
type Common struct {
	User    string `flag:"user,Lively user name (default $LIVELY_USER)"`
	Target  string `flag:"target,World URL of the peer (default $LIVELY_TARGET)"`
	Tracker string `flag:"tracker,Session tracker URL (default $LIVELY_TRACKER)"`
	Verbose bool   `flag:"v,Log all messages exchanged with the tracker"`
}

// resolve returns a copy of c with empty settings filled in from the
// environment.
func (c Common) resolve() Common {
	c.User = envOr(c.User, "LIVELY_USER", "")
	c.Target = envOr(c.Target, "LIVELY_TARGET", "")
	c.Tracker = envOr(c.Tracker, "LIVELY_TRACKER", lively.DefaultTrackerURL)
	return c
}

// logf returns a logging function that discards output unless c.Verbose is set.
func (c Common) logf() func(string, ...any) {
	if c.Verbose {
		return log.Printf
	}
	return func(string, ...any) {}
}

// loadEnv loads environment settings from a .env file in the working
// directory, if one exists. Variables already set are not overridden.
func loadEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func envOr(v, key, dflt string) string {
	if v != "" {
		return v
	} else if ev := os.Getenv(key); ev != "" {
		return ev
	}
	return dflt
}

// parseData returns s as JSON data. If s is valid JSON it is used as-is;
// otherwise it is encoded as a JSON string.
func parseData(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	data, _ := json.Marshal(s)
	return data
}
