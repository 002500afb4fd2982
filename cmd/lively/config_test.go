package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/creachadair/lively"
)

func TestParseData(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{`42`, `42`},
		{`{"x": 1}`, `{"x": 1}`},
		{`"quoted"`, `"quoted"`},
		{`null`, `null`},
		{`hello world`, `"hello world"`},
		{`say "hi"`, `"say \"hi\""`},
		{``, `""`},
	}
	for _, tc := range tests {
		if got := string(parseData(tc.input)); got != tc.want {
			t.Errorf("parseData(%q): got %s, want %s", tc.input, got, tc.want)
		}
	}
}

func TestResolve(t *testing.T) {
	t.Setenv("LIVELY_USER", "env-user")
	t.Setenv("LIVELY_TARGET", "")
	t.Setenv("LIVELY_TRACKER", "")

	got := Common{Target: "http://x/world"}.resolve()
	if got.User != "env-user" {
		t.Errorf("User: got %q, want env-user", got.User)
	}
	if got.Target != "http://x/world" {
		t.Errorf("Target: got %q, want flag value", got.Target)
	}
	if got.Tracker != lively.DefaultTrackerURL {
		t.Errorf("Tracker: got %q, want %q", got.Tracker, lively.DefaultTrackerURL)
	}

	// Flags win over the environment.
	if got := (Common{User: "flag-user"}).resolve(); got.User != "flag-user" {
		t.Errorf("User: got %q, want flag-user", got.User)
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	// A missing .env file is not an error.
	if err := loadEnv(); err != nil {
		t.Fatalf("loadEnv without file: unexpected error: %v", err)
	}

	t.Setenv("LIVELY_USER", "already-set")
	t.Setenv("LIVELY_TRACKER", "")
	os.Unsetenv("LIVELY_TRACKER")
	env := "LIVELY_USER=from-file\nLIVELY_TRACKER=ws://localhost:9999/connect\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0600); err != nil {
		t.Fatal(err)
	}
	if err := loadEnv(); err != nil {
		t.Fatalf("loadEnv: unexpected error: %v", err)
	}
	if got := os.Getenv("LIVELY_USER"); got != "already-set" {
		t.Errorf("LIVELY_USER: got %q, want already-set", got)
	}
	if got := os.Getenv("LIVELY_TRACKER"); got != "ws://localhost:9999/connect" {
		t.Errorf("LIVELY_TRACKER: got %q, want value from file", got)
	}
}
