package creds

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/term"
)

// ErrNoCredentials is returned when every provider in the chain
// declined to produce credentials.
var ErrNoCredentials = errors.New("no credentials available")

// Credentials is a username/password pair for HTTP basic auth.
type Credentials struct {
	Username string
	Password string
}

// Provider supplies credentials for a remote target, or declines.
type Provider interface {
	// Name identifies the provider in log output.
	Name() string

	// Resolve returns credentials for target, or ok=false to let the
	// next provider in the chain try.
	Resolve(target string) (Credentials, bool, error)
}

// Resolver tries an ordered list of providers until one yields
// credentials. Resolution happens lazily, only when the server demands
// authentication.
type Resolver struct {
	providers []Provider
	logger    *slog.Logger
}

// NewResolver builds the resolver with the given provider chain.
func NewResolver(logger *slog.Logger, providers ...Provider) *Resolver {
	return &Resolver{providers: providers, logger: logger}
}

// Resolve walks the chain in order. A provider error aborts resolution;
// a decline moves on to the next provider.
func (r *Resolver) Resolve(target string) (Credentials, error) {
	for _, p := range r.providers {
		c, ok, err := p.Resolve(target)
		if err != nil {
			return Credentials{}, fmt.Errorf("credential provider %s: %w", p.Name(), err)
		}

		if ok {
			r.logger.Debug("credentials resolved",
				slog.String("provider", p.Name()),
				slog.String("target", target),
			)

			return c, nil
		}
	}

	return Credentials{}, ErrNoCredentials
}

// EnvProvider yields a statically configured username/password pair,
// typically from DAVSYNC_USERNAME/DAVSYNC_PASSWORD.
type EnvProvider struct {
	Username string
	Password string
}

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Resolve(string) (Credentials, bool, error) {
	if p.Username == "" || p.Password == "" {
		return Credentials{}, false, nil
	}

	return Credentials{Username: p.Username, Password: p.Password}, true, nil
}

// AskpassProvider runs an external command with the target as its only
// argument and reads "username\npassword" from its stdout. A single
// output line is treated as the password for the configured username.
type AskpassProvider struct {
	Command  string
	Username string
}

func (p *AskpassProvider) Name() string { return "askpass" }

func (p *AskpassProvider) Resolve(target string) (Credentials, bool, error) {
	if p.Command == "" {
		return Credentials{}, false, nil
	}

	out, err := exec.Command(p.Command, target).Output()
	if err != nil {
		return Credentials{}, false, fmt.Errorf("running %s: %w", p.Command, err)
	}

	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")

	switch {
	case len(lines) >= 2 && lines[0] != "":
		return Credentials{Username: lines[0], Password: lines[1]}, true, nil
	case lines[0] != "" && p.Username != "":
		return Credentials{Username: p.Username, Password: lines[0]}, true, nil
	default:
		return Credentials{}, false, nil
	}
}

// TerminalProvider prompts on the controlling terminal. It declines
// when stdin is not a TTY so unattended runs fail fast instead of
// hanging on a prompt.
type TerminalProvider struct {
	Username string
}

func (p *TerminalProvider) Name() string { return "terminal" }

func (p *TerminalProvider) Resolve(target string) (Credentials, bool, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return Credentials{}, false, nil
	}

	username := p.Username
	if username == "" {
		fmt.Fprintf(os.Stderr, "Username for %s: ", target)
		if _, err := fmt.Scanln(&username); err != nil {
			return Credentials{}, false, fmt.Errorf("reading username: %w", err)
		}
	}

	fmt.Fprintf(os.Stderr, "Password for %s: ", target)

	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return Credentials{}, false, fmt.Errorf("reading password: %w", err)
	}

	return Credentials{Username: username, Password: string(pw)}, true, nil
}
