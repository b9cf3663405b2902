package e2e_test

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/davsync/internal/backup"
	"github.com/alexjbarnes/davsync/internal/config"
	"github.com/alexjbarnes/davsync/internal/creds"
	"github.com/alexjbarnes/davsync/internal/engine"
	"github.com/alexjbarnes/davsync/internal/locking"
	"github.com/alexjbarnes/davsync/internal/state"
	"github.com/alexjbarnes/davsync/internal/webdav"
)

const (
	davUsername = "davuser"
	davPassword = "davpass"
)

// davServer is an in-memory WebDAV endpoint covering the subset the
// sync stack speaks: HEAD, GET, PUT, LOCK and UNLOCK with exclusive
// write locks and basic auth. Transfer counters back the zero-transfer
// assertions.
type davServer struct {
	mu        sync.Mutex
	resources map[string][]byte
	versions  map[string]int
	locks     map[string]string
	nextLock  int

	gets int
	puts int
}

func newDavServer() *davServer {
	return &davServer{
		resources: make(map[string][]byte),
		versions:  make(map[string]int),
		locks:     make(map[string]string),
	}
}

func (s *davServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != davUsername || pass != davPassword {
		w.Header().Set("WWW-Authenticate", `Basic realm="dav"`)
		w.WriteHeader(http.StatusUnauthorized)

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := r.URL.Path

	switch r.Method {
	case http.MethodHead:
		body, ok := s.resources[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		w.Header().Set("ETag", s.etag(path))
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		w.WriteHeader(http.StatusOK)

	case http.MethodGet:
		body, ok := s.resources[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		s.gets++
		w.Header().Set("ETag", s.etag(path))
		w.Write(body)

	case http.MethodPut:
		if !s.holdsLock(path, r) {
			w.WriteHeader(http.StatusLocked)

			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		s.puts++
		s.resources[path] = body
		s.versions[path]++
		w.Header().Set("ETag", s.etag(path))
		w.WriteHeader(http.StatusCreated)

	case "LOCK":
		if _, held := s.locks[path]; held {
			w.WriteHeader(http.StatusLocked)

			return
		}

		s.nextLock++
		token := fmt.Sprintf("opaquelocktoken:e2e-%d", s.nextLock)
		s.locks[path] = token
		w.Header().Set("Lock-Token", "<"+token+">")
		w.WriteHeader(http.StatusOK)

	case "UNLOCK":
		token := strings.Trim(r.Header.Get("Lock-Token"), "<>")
		if s.locks[path] != token {
			w.WriteHeader(http.StatusConflict)

			return
		}

		delete(s.locks, path)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// holdsLock reports whether the request may write path: either the
// resource is unlocked or the If header carries the active token.
func (s *davServer) holdsLock(path string, r *http.Request) bool {
	token, held := s.locks[path]
	if !held {
		return true
	}

	return strings.Contains(r.Header.Get("If"), "<"+token+">")
}

func (s *davServer) etag(path string) string {
	return fmt.Sprintf(`"v%d"`, s.versions[path])
}

// seed installs remote content directly, bypassing the HTTP surface.
func (s *davServer) seed(path string, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resources[path] = []byte(body)
	s.versions[path]++
}

func (s *davServer) content(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, ok := s.resources[path]

	return string(body), ok
}

func (s *davServer) lockHeld(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, held := s.locks[path]

	return held
}

// preLock simulates a foreign client holding the resource.
func (s *davServer) preLock(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.locks[path] = "opaquelocktoken:foreign"
}

func (s *davServer) transfers() (gets, puts int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.gets, s.puts
}

// harness wires the full sync stack against an in-memory WebDAV server:
// real HTTP client with lazy basic auth, lock coordinator, backup
// rotator and bbolt state store.
type harness struct {
	t *testing.T

	dav    *davServer
	srv    *httptest.Server
	engine *engine.Engine
	store  *state.Store

	localDir  string
	backupDir string
}

func newHarness(t *testing.T, policy engine.ConflictPolicy) *harness {
	t.Helper()

	dav := newDavServer()
	srv := httptest.NewServer(dav)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stateDir := t.TempDir()
	store, err := state.OpenAt(filepath.Join(stateDir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	resolver := creds.NewResolver(logger,
		&creds.EnvProvider{Username: davUsername, Password: davPassword},
	)
	client := webdav.NewClient(0, resolver, logger)

	locks := locking.NewCoordinator(stateDir, 0, 300*time.Second, client, false, logger)

	backupDir := filepath.Join(stateDir, "backups")
	backups := backup.NewRotator(backupDir, 3, 30*24*time.Hour, logger)

	eng := engine.New(engine.Options{
		BaseURL: srv.URL + "/",
		Client:  client,
		Locks:   locks,
		Backups: backups,
		Store:   store,
		Policy:  policy,
		Force:   true,
	}, logger)

	return &harness{
		t:         t,
		dav:       dav,
		srv:       srv,
		engine:    eng,
		store:     store,
		localDir:  t.TempDir(),
		backupDir: backupDir,
	}
}

// entry registers a synchronized file named after its basename without
// the extension.
func (h *harness) entry(name, filename string) config.FileEntry {
	return config.FileEntry{
		Name:   name,
		Path:   filepath.Join(h.localDir, filename),
		Remote: filename,
	}
}

func (h *harness) writeLocal(entry config.FileEntry, content string) {
	h.t.Helper()
	require.NoError(h.t, os.WriteFile(entry.Path, []byte(content), 0o644))
}

func (h *harness) readLocal(entry config.FileEntry) string {
	h.t.Helper()

	body, err := os.ReadFile(entry.Path)
	require.NoError(h.t, err)

	return string(body)
}

// snapshots returns the retained backup contents for name, oldest
// first by file name.
func (h *harness) snapshots(name string) []string {
	h.t.Helper()

	paths, err := filepath.Glob(filepath.Join(h.backupDir, name, "*"))
	require.NoError(h.t, err)

	var contents []string

	for _, p := range paths {
		body, err := os.ReadFile(p)
		require.NoError(h.t, err)

		contents = append(contents, string(body))
	}

	return contents
}
