package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/yourusername/hostbackup/internal/config"
	"github.com/yourusername/hostbackup/internal/logging"
	"github.com/yourusername/hostbackup/internal/transport"
)

// Options wires a Workflow to its storage roots and transport
type Options struct {
	Root   string
	Mirror Store
	Dialer transport.Dialer
	Clock  clock.Clock
	Logger *slog.Logger

	// MirrorErr is recorded as a mirror stage error when the mirror
	// store could not be opened.
	MirrorErr error
}

// Workflow runs the backup rotation for one host profile:
// archive, create, populate, mirror, prune.
type Workflow struct {
	profile *config.HostProfile
	tag     string
	local   *LocalStore
	mirror  Store
	dialer  transport.Dialer
	clock   clock.Clock
	logger  *slog.Logger

	mirrorErr error
}

// NewWorkflow creates a workflow for profile
func NewWorkflow(profile *config.HostProfile, opts Options) (*Workflow, error) {
	if profile == nil {
		return nil, fmt.Errorf("host profile is required")
	}

	tag := profile.HostTag()
	if tag == "" {
		return nil, fmt.Errorf("host profile has no tag")
	}

	if strings.TrimSpace(opts.Root) == "" {
		return nil, fmt.Errorf("backup root is required")
	}

	if opts.Dialer == nil {
		return nil, fmt.Errorf("transport dialer is required")
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}

	return &Workflow{
		profile: profile,
		tag:     tag,
		local:   NewLocalStore(opts.Root),
		mirror:  opts.Mirror,
		dialer:  opts.Dialer,
		clock:   clk,
		logger:  logger.With("host", profile.Host),

		mirrorErr: opts.MirrorErr,
	}, nil
}

// Attempt is one copy directive the run tried
type Attempt struct {
	Identity string
	Remote   string
	Local    string
	Err      error
}

// Report is the outcome of one run
type Report struct {
	RunID       string
	Host        string
	Tag         string
	Destination string
	StartedAt   time.Time
	FinishedAt  time.Time
	Archived    []string
	Attempts    []Attempt
	Pruned      []string

	errs []*Error
}

// OK reports whether the run recorded no errors
func (r *Report) OK() bool {
	return len(r.errs) == 0
}

// Errors returns the recorded errors, limited to kinds when any are given.
func (r *Report) Errors(kinds ...Kind) []*Error {
	if len(kinds) == 0 {
		return append([]*Error(nil), r.errs...)
	}

	var out []*Error
	for _, err := range r.errs {
		for _, kind := range kinds {
			if err.Kind == kind {
				out = append(out, err)
				break
			}
		}
	}
	return out
}

// Duration returns how long the run took
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Message is the run's single log line.
func (r *Report) Message() string {
	if r.OK() {
		return fmt.Sprintf("%s backed up to local directory %s", r.Host, r.Destination)
	}

	parts := make([]string, 0, len(r.errs))
	for _, err := range r.errs {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("%s backup encountered the following errors: %s", r.Host, strings.Join(parts, ", "))
}

func (r *Report) record(stage Stage, err error) {
	for _, part := range flatten(err) {
		var runErr *Error
		if !errors.As(part, &runErr) {
			runErr = Classify(stage, "", part)
		}
		r.errs = append(r.errs, runErr)
	}
}

// Run executes all five stages and logs one INFO or ERROR line. Stage
// failures are recorded in the report and never stop later stages.
func (w *Workflow) Run(ctx context.Context) *Report {
	report := &Report{
		RunID:     uuid.NewString(),
		Host:      w.profile.Host,
		Tag:       w.tag,
		StartedAt: w.clock.Now(),
	}

	moved, err := w.ArchiveExistingBackups(ctx, w.local)
	report.Archived = moved
	report.record(StageArchive, err)

	if w.mirror != nil {
		_, err := w.ArchiveExistingBackups(ctx, w.mirror)
		report.record(StageArchive, err)
	}

	name, err := w.CreateDestination(ctx, w.local)
	report.Destination = name
	report.record(StageCreate, err)

	attempts, err := w.PopulateDestination(ctx, name)
	report.Attempts = attempts
	report.record(StagePopulate, err)

	if w.mirrorErr != nil {
		report.record(StageMirror, Classify(StageMirror, "mirror", w.mirrorErr))
	}
	if w.mirror != nil {
		report.record(StageMirror, w.MirrorToSecondaryStorage(ctx, name))
	}

	if w.profile.RetentionMode() == config.RetentionPrune && !report.OK() {
		w.logger.Warn("archive_prune_skipped", "errors", len(report.errs))
	} else {
		for _, store := range w.roots() {
			pruned, err := w.PruneArchive(ctx, store)
			report.Pruned = append(report.Pruned, pruned...)
			report.record(StagePrune, err)
		}
	}

	report.FinishedAt = w.clock.Now()

	attrs := []any{
		"destination", report.Destination,
		"run_id", report.RunID,
		"directives", len(report.Attempts),
		"duration", report.Duration().String(),
	}
	if report.OK() {
		w.logger.Info(report.Message(), attrs...)
	} else {
		w.logger.Error(report.Message(), append(attrs, "error_count", len(report.errs))...)
	}

	return report
}

func (w *Workflow) roots() []Store {
	if w.mirror == nil {
		return []Store{w.local}
	}
	return []Store{w.local, w.mirror}
}

// CreateDestination creates Backup_<tag>_<timestamp> under the store root
// and returns its name. An existing directory of the same name is reused.
func (w *Workflow) CreateDestination(ctx context.Context, store Store) (string, error) {
	name := DirName(w.tag, w.clock.Now())
	if err := store.EnsureDir(ctx, name); err != nil {
		return name, w.storeError(StageCreate, store, name, err)
	}

	w.logger.Debug("destination_created", "store", store.Type(), "name", name)
	return name, nil
}

// PopulateDestination fetches every directive for every identity into the
// destination. A failed directive is recorded and the next one is tried.
func (w *Workflow) PopulateDestination(ctx context.Context, name string) ([]Attempt, error) {
	var attempts []Attempt
	var errs []error

	for _, identity := range w.profile.Users {
		if !filepath.IsLocal(identity) || strings.ContainsAny(identity, `/\`) {
			errs = append(errs, newError(KindLocalFS, StagePopulate, identity,
				fmt.Errorf("identity %q is not a single path segment", identity)))
			continue
		}

		identityDir := w.local.Path(path.Join(name, identity))
		if err := os.MkdirAll(identityDir, 0o755); err != nil {
			errs = append(errs, newError(KindLocalFS, StagePopulate, identity, err))
			continue
		}

		directives := w.profile.DirectivesFor(identity)
		if len(directives) == 0 {
			continue
		}

		session, err := w.dialer.Open(ctx, identity)
		if err != nil {
			errs = append(errs, Classify(StagePopulate, identity, err))
			continue
		}

		for _, directive := range directives {
			attempt := Attempt{Identity: identity, Remote: directive.Remote}

			local, err := w.localTarget(name, identity, directive)
			if err == nil {
				attempt.Local = local
				err = session.Fetch(ctx, transport.Request{
					Remote:    directive.Remote,
					Local:     local,
					Recursive: directive.Recursive,
					Exclude:   directive.Exclude,
				})
			}

			if err != nil {
				runErr := Classify(StagePopulate, directive.Remote, err)
				attempt.Err = runErr
				errs = append(errs, runErr)
			} else {
				w.logger.Debug("directive_fetched", "identity", identity, "remote", directive.Remote, "local", local)
			}

			attempts = append(attempts, attempt)
		}

		if err := session.Close(); err != nil {
			w.logger.Debug("session_close_failed", "identity", identity, "error", err)
		}
	}

	return attempts, errors.Join(errs...)
}

// localTarget resolves where a directive lands: under the identity directory,
// or directly under the backup directory for shared directives.
func (w *Workflow) localTarget(name, identity string, d config.Directive) (string, error) {
	rel := strings.TrimSpace(d.Local)
	if rel == "" {
		rel = path.Base(strings.TrimSuffix(d.Remote, "/"))
		if rel == "~" || rel == "." || rel == "/" {
			rel = ""
		}
	}

	if rel != "" && !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", newError(KindLocalFS, StagePopulate, d.Remote,
			fmt.Errorf("local path %q escapes the backup directory", d.Local))
	}

	base := w.local.Path(path.Join(name, identity))
	if d.Shared {
		base = w.local.Path(name)
	}
	return filepath.Join(base, filepath.FromSlash(rel)), nil
}

// MirrorToSecondaryStorage copies the finished destination to the mirror
// root. An existing mirror copy is an error and the local tree is untouched.
func (w *Workflow) MirrorToSecondaryStorage(ctx context.Context, name string) error {
	if w.mirror == nil {
		return nil
	}

	if err := w.mirror.PutTree(ctx, w.local.Path(name), name); err != nil {
		return w.storeError(StageMirror, w.mirror, name, err)
	}

	w.logger.Debug("destination_mirrored", "store", w.mirror.Type(), "location", w.mirror.Location(), "name", name)
	return nil
}
