package transport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
)

// CodespaceDialer copies files out of a GitHub codespace with gh codespace cp.
// The identity is the codespace name.
type CodespaceDialer struct {
	Runner CommandRunner
	Binary string
	Logger *slog.Logger
}

// Name returns the transport name
func (d *CodespaceDialer) Name() string {
	return "codespace"
}

// Open returns a session for the named codespace
func (d *CodespaceDialer) Open(_ context.Context, identity string) (Session, error) {
	if identity == "" {
		return nil, fmt.Errorf("%w: codespace name is required", ErrConnect)
	}
	return &codespaceSession{dialer: d, name: identity}, nil
}

type codespaceSession struct {
	dialer *CodespaceDialer
	name   string
}

func (s *codespaceSession) Close() error {
	return nil
}

func (s *codespaceSession) Fetch(ctx context.Context, req Request) error {
	if err := os.MkdirAll(filepath.Dir(req.Local), 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrLocalWrite, err)
	}

	args := []string{"codespace", "cp", "-e", "-c", s.name}
	if req.Recursive {
		args = append(args, "-r")
	}
	args = append(args, "remote:"+req.Remote, req.Local)

	binary := s.dialer.Binary
	if binary == "" {
		binary = "gh"
	}

	result, err := s.dialer.Runner.Run(ctx, binary, args...)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrTransfer, binary, err)
	}

	if s.dialer.Logger != nil {
		s.dialer.Logger.Debug("codespace_copy_completed", "codespace", s.name, "remote", req.Remote, "code", result.ExitCode)
	}

	if result.ExitCode != 0 {
		return fmt.Errorf("%w: %w", ErrTransfer, &ExitError{
			Subject: path.Base(req.Remote),
			Op:      "codespace cp",
			Code:    result.ExitCode,
			Output:  tail(result.Output, 2048),
		})
	}
	return nil
}
