package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/yourusername/hostbackup/internal/config"
	"github.com/yourusername/hostbackup/internal/transport"
)

var runTime = time.Date(2024, time.March, 5, 7, 8, 9, 0, time.UTC)

// fakeDialer serves files from memory. Remote paths missing from files fail
// as missing remotes; paths in failures return the given error. A failures
// key of "identity:remote" fails that identity only.
type fakeDialer struct {
	files    map[string]string
	failures map[string]error
	openErr  map[string]error

	mu      sync.Mutex
	fetched []string
}

func (d *fakeDialer) Name() string {
	return "fake"
}

func (d *fakeDialer) Open(_ context.Context, identity string) (transport.Session, error) {
	if err := d.openErr[identity]; err != nil {
		return nil, err
	}
	return &fakeSession{dialer: d, identity: identity}, nil
}

type fakeSession struct {
	dialer   *fakeDialer
	identity string
}

func (s *fakeSession) Fetch(_ context.Context, req transport.Request) error {
	s.dialer.mu.Lock()
	s.dialer.fetched = append(s.dialer.fetched, s.identity+":"+req.Remote)
	s.dialer.mu.Unlock()

	if err := s.dialer.failures[s.identity+":"+req.Remote]; err != nil {
		return err
	}
	if err := s.dialer.failures[req.Remote]; err != nil {
		return err
	}

	content, ok := s.dialer.files[req.Remote]
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrRemoteNotFound, req.Remote)
	}

	if err := os.MkdirAll(filepath.Dir(req.Local), 0o755); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrLocalWrite, err)
	}
	return os.WriteFile(req.Local, []byte(content), 0o644)
}

func (s *fakeSession) Close() error {
	return nil
}

// logCapture keeps every record logged through its handler.
type logCapture struct {
	mu      sync.Mutex
	records []slog.Record
}

func (c *logCapture) logger() *slog.Logger {
	return slog.New(captureHandler{c: c})
}

func (c *logCapture) messages(level slog.Level) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for _, record := range c.records {
		if record.Level == level {
			out = append(out, record.Message)
		}
	}
	return out
}

type captureHandler struct {
	c *logCapture
}

func (h captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h captureHandler) Handle(_ context.Context, record slog.Record) error {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	h.c.records = append(h.c.records, record.Clone())
	return nil
}

func (h captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h captureHandler) WithGroup(string) slog.Handler { return h }

func newTestWorkflow(t *testing.T, profile *config.HostProfile, root string, dialer transport.Dialer, mirror Store) (*Workflow, *logCapture) {
	t.Helper()

	logs := &logCapture{}
	wf, err := NewWorkflow(profile, Options{
		Root:   root,
		Mirror: mirror,
		Dialer: dialer,
		Clock:  testclock.NewClock(runTime),
		Logger: logs.logger(),
	})
	if err != nil {
		t.Fatalf("failed to create workflow: %v", err)
	}
	return wf, logs
}

func mkdirs(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.MkdirAll(filepath.Join(root, name), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", name, err)
		}
	}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read %s: %v", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}
