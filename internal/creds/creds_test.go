package creds

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProvider struct {
	name  string
	creds Credentials
	ok    bool
	err   error
	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Resolve(string) (Credentials, bool, error) {
	f.calls++
	return f.creds, f.ok, f.err
}

func TestResolver_FirstProviderWins(t *testing.T) {
	first := &fakeProvider{name: "first", creds: Credentials{Username: "a", Password: "1"}, ok: true}
	second := &fakeProvider{name: "second", creds: Credentials{Username: "b", Password: "2"}, ok: true}

	r := NewResolver(testLogger(), first, second)

	got, err := r.Resolve("https://dav.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Username)
	assert.Zero(t, second.calls, "later providers must not be consulted")
}

func TestResolver_DecliningProviderFallsThrough(t *testing.T) {
	first := &fakeProvider{name: "first"}
	second := &fakeProvider{name: "second", creds: Credentials{Username: "b", Password: "2"}, ok: true}

	r := NewResolver(testLogger(), first, second)

	got, err := r.Resolve("https://dav.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "b", got.Username)
	assert.Equal(t, 1, first.calls)
}

func TestResolver_AllDecline(t *testing.T) {
	r := NewResolver(testLogger(), &fakeProvider{name: "first"}, &fakeProvider{name: "second"})

	_, err := r.Resolve("https://dav.example.com/")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestResolver_ProviderErrorAborts(t *testing.T) {
	broken := &fakeProvider{name: "broken", err: errors.New("askpass exited 1")}
	fallback := &fakeProvider{name: "fallback", ok: true}

	r := NewResolver(testLogger(), broken, fallback)

	_, err := r.Resolve("https://dav.example.com/")
	assert.ErrorContains(t, err, "askpass exited 1")
	assert.Zero(t, fallback.calls)
}

func TestEnvProvider(t *testing.T) {
	full := &EnvProvider{Username: "alice", Password: "secret"}

	got, ok, err := full.Resolve("target")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Credentials{Username: "alice", Password: "secret"}, got)

	partial := &EnvProvider{Username: "alice"}
	_, ok, err = partial.Resolve("target")
	require.NoError(t, err)
	assert.False(t, ok, "a lone username is not enough")
}

func TestAskpassProvider_EmptyCommandDeclines(t *testing.T) {
	p := &AskpassProvider{}

	_, ok, err := p.Resolve("target")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAskpassProvider_TwoLineOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script helper")
	}

	script := filepath.Join(t.TempDir(), "askpass.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho bob\necho hunter2\n"), 0o700))

	p := &AskpassProvider{Command: script}

	got, ok, err := p.Resolve("https://dav.example.com/")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Credentials{Username: "bob", Password: "hunter2"}, got)
}

func TestAskpassProvider_SingleLineUsesConfiguredUsername(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script helper")
	}

	script := filepath.Join(t.TempDir(), "askpass.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho hunter2\n"), 0o700))

	p := &AskpassProvider{Command: script, Username: "alice"}

	got, ok, err := p.Resolve("https://dav.example.com/")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Credentials{Username: "alice", Password: "hunter2"}, got)
}

func TestAskpassProvider_SingleLineWithoutUsernameDeclines(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script helper")
	}

	script := filepath.Join(t.TempDir(), "askpass.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho hunter2\n"), 0o700))

	p := &AskpassProvider{Command: script}

	_, ok, err := p.Resolve("https://dav.example.com/")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTerminalProvider_DeclinesWithoutTTY(t *testing.T) {
	// Test processes run without a controlling terminal on stdin.
	p := &TerminalProvider{Username: "alice"}

	_, ok, err := p.Resolve("https://dav.example.com/")
	require.NoError(t, err)
	assert.False(t, ok)
}
