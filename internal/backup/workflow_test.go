package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yourusername/hostbackup/internal/config"
	"github.com/yourusername/hostbackup/internal/transport"
)

func sandboxProfile() *config.HostProfile {
	return &config.HostProfile{
		Host:      "sandbox01",
		Transport: config.TransportSFTP,
		Users:     []string{"alice"},
		Directives: []config.Directive{
			{Remote: "~/.bashrc", Local: "dotbashrc"},
		},
	}
}

func TestCreateDestinationSameSecondIsIdempotent(t *testing.T) {
	root := t.TempDir()
	wf, _ := newTestWorkflow(t, sandboxProfile(), root, &fakeDialer{}, nil)

	first, err := wf.CreateDestination(context.Background(), wf.local)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	second, err := wf.CreateDestination(context.Background(), wf.local)
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}

	if first != second || first != "Backup_Sandbox01_20240305070809" {
		t.Fatalf("expected identical names, got %q and %q", first, second)
	}
}

func TestRunSandboxEndToEnd(t *testing.T) {
	root := t.TempDir()
	dialer := &fakeDialer{files: map[string]string{"~/.bashrc": "alias ll='ls -l'\n"}}
	wf, logs := newTestWorkflow(t, sandboxProfile(), root, dialer, nil)

	report := wf.Run(context.Background())
	if !report.OK() {
		t.Fatalf("expected success, got %s", report.Message())
	}

	name := "Backup_Sandbox01_20240305070809"
	if report.Destination != name {
		t.Fatalf("unexpected destination %q", report.Destination)
	}

	data, err := os.ReadFile(filepath.Join(root, name, "alice", "dotbashrc"))
	if err != nil {
		t.Fatalf("expected fetched file: %v", err)
	}
	if string(data) != "alias ll='ls -l'\n" {
		t.Fatalf("unexpected content %q", data)
	}

	if archived := listDir(t, filepath.Join(root, "archive-sandbox01")); len(archived) != 0 {
		t.Fatalf("expected empty archive folder, got %v", archived)
	}

	infos := logs.messages(slog.LevelInfo)
	if len(infos) != 1 || infos[0] != "sandbox01 backed up to local directory "+name {
		t.Fatalf("unexpected info lines %v", infos)
	}
	if errs := logs.messages(slog.LevelError); len(errs) != 0 {
		t.Fatalf("unexpected error lines %v", errs)
	}
}

func TestRunSingleFailingDirective(t *testing.T) {
	profile := &config.HostProfile{
		Host:      "droplet1",
		Transport: config.TransportSFTP,
		Users:     []string{"alice", "webmaster"},
		AdminUser: "webmaster",
		Directives: []config.Directive{
			{Remote: "~/.bashrc"},
			{Remote: "~/.profile"},
		},
		AdminDirectives: []config.Directive{
			{Remote: "/etc/apache2/sites-available/site.conf", Shared: true},
		},
	}

	dialer := &fakeDialer{
		files: map[string]string{
			"~/.bashrc":                              "bashrc",
			"/etc/apache2/sites-available/site.conf": "<VirtualHost>",
		},
		failures: map[string]error{
			"~/.profile": fmt.Errorf("%w: connection reset", transport.ErrTransfer),
		},
	}

	root := t.TempDir()
	mkdirs(t, root, filepath.Join("archive-droplet1", "Backup_Droplet1_20240101000000"))
	wf, logs := newTestWorkflow(t, profile, root, dialer, nil)

	report := wf.Run(context.Background())

	want := []string{
		"alice:~/.bashrc",
		"alice:~/.profile",
		"webmaster:~/.bashrc",
		"webmaster:~/.profile",
		"webmaster:/etc/apache2/sites-available/site.conf",
	}
	if strings.Join(dialer.fetched, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected fetch order %v", dialer.fetched)
	}

	errs := report.Errors()
	if len(errs) != 2 {
		t.Fatalf("expected one error per failing directive, got %v", errs)
	}
	for _, err := range errs {
		if err.Kind != KindTransport || err.Subject != "~/.profile" {
			t.Fatalf("unexpected error %+v", err)
		}
	}

	shared := filepath.Join(root, report.Destination, "site.conf")
	if _, err := os.Stat(shared); err != nil {
		t.Fatalf("expected shared directive under the backup directory: %v", err)
	}

	errorLines := logs.messages(slog.LevelError)
	if len(errorLines) != 1 || !strings.HasPrefix(errorLines[0], "droplet1 backup encountered the following errors: ") {
		t.Fatalf("unexpected error lines %v", errorLines)
	}
	if infos := logs.messages(slog.LevelInfo); len(infos) != 0 {
		t.Fatalf("unexpected info lines %v", infos)
	}

	// Prune is skipped after errors so the previous backup survives
	if archived := listDir(t, filepath.Join(root, "archive-droplet1")); len(archived) != 1 {
		t.Fatalf("expected archived backup to be kept, got %v", archived)
	}
}

func TestRunOneFailingIdentityDirective(t *testing.T) {
	profile := &config.HostProfile{
		Host:      "droplet1",
		Transport: config.TransportSFTP,
		Users:     []string{"alice", "webmaster"},
		Directives: []config.Directive{
			{Remote: "~/.bashrc"},
			{Remote: "~/.profile"},
		},
	}

	dialer := &fakeDialer{
		files: map[string]string{"~/.bashrc": "bashrc", "~/.profile": "profile"},
		failures: map[string]error{
			"webmaster:~/.profile": fmt.Errorf("%w: connection reset", transport.ErrTransfer),
		},
	}

	root := t.TempDir()
	wf, logs := newTestWorkflow(t, profile, root, dialer, nil)
	report := wf.Run(context.Background())

	errs := report.Errors()
	if len(errs) != 1 {
		t.Fatalf("expected exactly one error, got %v", errs)
	}
	if errs[0].Kind != KindTransport || errs[0].Subject != "~/.profile" {
		t.Fatalf("unexpected error %+v", errs[0])
	}
	if len(report.Attempts) != 4 {
		t.Fatalf("expected every directive to be attempted, got %d", len(report.Attempts))
	}

	errorLines := logs.messages(slog.LevelError)
	want := "droplet1 backup encountered the following errors: " + errs[0].Error()
	if len(errorLines) != 1 || errorLines[0] != want {
		t.Fatalf("unexpected error lines %v", errorLines)
	}

	for _, rel := range []string{"alice/.bashrc", "alice/.profile", "webmaster/.bashrc"} {
		if _, err := os.Stat(filepath.Join(root, report.Destination, filepath.FromSlash(rel))); err != nil {
			t.Fatalf("expected %s to be fetched: %v", rel, err)
		}
	}
}

func TestRunRejectsEscapingIdentity(t *testing.T) {
	profile := sandboxProfile()
	profile.Users = []string{"../../escaped", "alice"}

	dialer := &fakeDialer{files: map[string]string{"~/.bashrc": "bashrc"}}
	base := t.TempDir()
	root := filepath.Join(base, "a", "root")
	wf, _ := newTestWorkflow(t, profile, root, dialer, nil)

	report := wf.Run(context.Background())

	errs := report.Errors(KindLocalFS)
	if len(errs) != 1 || errs[0].Subject != "../../escaped" {
		t.Fatalf("expected one local error for the escaping identity, got %v", report.Errors())
	}
	if strings.Join(dialer.fetched, ",") != "alice:~/.bashrc" {
		t.Fatalf("expected only alice to be fetched, got %v", dialer.fetched)
	}
	if _, err := os.Stat(filepath.Join(base, "a", "escaped")); !os.IsNotExist(err) {
		t.Fatalf("expected nothing written outside the root, got %v", err)
	}
}

func TestRunSingleFailingDirectiveForOneIdentity(t *testing.T) {
	profile := sandboxProfile()
	profile.Users = []string{"alice", "bob"}
	profile.Directives = append(profile.Directives, config.Directive{Remote: "~/.vimrc"})

	dialer := &fakeDialer{
		files: map[string]string{"~/.bashrc": "bashrc", "~/.vimrc": "set nu"},
		openErr: map[string]error{
			"bob": fmt.Errorf("%w: bob@sandbox01:22: permission denied", transport.ErrConnect),
		},
	}

	root := t.TempDir()
	wf, _ := newTestWorkflow(t, profile, root, dialer, nil)
	report := wf.Run(context.Background())

	errs := report.Errors(KindTransport)
	if len(errs) != 1 || errs[0].Subject != "bob" {
		t.Fatalf("expected one transport error for bob, got %v", report.Errors())
	}
	if len(report.Attempts) != 2 {
		t.Fatalf("expected alice's directives to be attempted, got %d", len(report.Attempts))
	}
}

func TestRunMissingRemoteIsPerDirective(t *testing.T) {
	profile := sandboxProfile()
	profile.Directives = []config.Directive{
		{Remote: "~/.missing"},
		{Remote: "~/.bashrc", Local: "dotbashrc"},
	}

	dialer := &fakeDialer{files: map[string]string{"~/.bashrc": "bashrc"}}
	root := t.TempDir()
	wf, _ := newTestWorkflow(t, profile, root, dialer, nil)

	report := wf.Run(context.Background())

	missing := report.Errors(KindMissingRemote)
	if len(missing) != 1 || len(report.Errors()) != 1 {
		t.Fatalf("expected exactly one missing remote error, got %v", report.Errors())
	}
	if got := missing[0].Error(); got != "MissingRemoteError: remote path not found: ~/.missing" {
		t.Fatalf("unexpected message %q", got)
	}
	if _, err := os.Stat(filepath.Join(root, report.Destination, "alice", "dotbashrc")); err != nil {
		t.Fatalf("expected later directive to run: %v", err)
	}
}

func TestRunRejectsEscapingLocalPath(t *testing.T) {
	profile := sandboxProfile()
	profile.Directives = []config.Directive{{Remote: "~/.bashrc", Local: "../../outside"}}

	dialer := &fakeDialer{files: map[string]string{"~/.bashrc": "bashrc"}}
	wf, _ := newTestWorkflow(t, profile, t.TempDir(), dialer, nil)

	report := wf.Run(context.Background())
	if errs := report.Errors(KindLocalFS); len(errs) != 1 {
		t.Fatalf("expected local path error, got %v", report.Errors())
	}
	if len(dialer.fetched) != 0 {
		t.Fatalf("expected no fetch for escaping path, got %v", dialer.fetched)
	}
}

func TestRunWithMirror(t *testing.T) {
	root := t.TempDir()
	mirrorRoot := t.TempDir()
	mkdirs(t, mirrorRoot, "Backup_Sandbox01_20240101000000")

	dialer := &fakeDialer{files: map[string]string{"~/.bashrc": "bashrc contents"}}
	wf, _ := newTestWorkflow(t, sandboxProfile(), root, dialer, NewLocalStore(mirrorRoot))

	report := wf.Run(context.Background())
	if !report.OK() {
		t.Fatalf("expected success, got %s", report.Message())
	}

	local, err := os.ReadFile(filepath.Join(root, report.Destination, "alice", "dotbashrc"))
	if err != nil {
		t.Fatalf("read local: %v", err)
	}
	mirrored, err := os.ReadFile(filepath.Join(mirrorRoot, report.Destination, "alice", "dotbashrc"))
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	if !bytes.Equal(local, mirrored) {
		t.Fatalf("mirror differs from local copy")
	}

	// The stale mirror backup was rotated and then pruned
	if archived := listDir(t, filepath.Join(mirrorRoot, "archive-sandbox01")); len(archived) != 0 {
		t.Fatalf("expected pruned mirror archive, got %v", archived)
	}
}

func TestMirrorToSecondaryStorageExistingDestination(t *testing.T) {
	root := t.TempDir()
	mirrorRoot := t.TempDir()

	dialer := &fakeDialer{files: map[string]string{"~/.bashrc": "bashrc"}}
	wf, _ := newTestWorkflow(t, sandboxProfile(), root, dialer, NewLocalStore(mirrorRoot))

	name, err := wf.CreateDestination(context.Background(), wf.local)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := wf.PopulateDestination(context.Background(), name); err != nil {
		t.Fatalf("populate failed: %v", err)
	}
	mkdirs(t, mirrorRoot, name)

	err = wf.MirrorToSecondaryStorage(context.Background(), name)

	var runErr *Error
	if !errors.As(err, &runErr) || runErr.Kind != KindLocalFS || !errors.Is(err, ErrDestinationExists) {
		t.Fatalf("expected destination exists error, got %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, name, "alice", "dotbashrc")); err != nil {
		t.Fatalf("expected local backup to be untouched: %v", err)
	}
}

func TestNewWorkflowValidatesOptions(t *testing.T) {
	if _, err := NewWorkflow(nil, Options{Root: "/tmp", Dialer: &fakeDialer{}}); err == nil {
		t.Fatalf("expected error for nil profile")
	}
	if _, err := NewWorkflow(sandboxProfile(), Options{Dialer: &fakeDialer{}}); err == nil {
		t.Fatalf("expected error for missing root")
	}
	if _, err := NewWorkflow(sandboxProfile(), Options{Root: "/tmp"}); err == nil {
		t.Fatalf("expected error for missing dialer")
	}
}

func TestRunRecordsMirrorSetupFailure(t *testing.T) {
	profile := sandboxProfile()
	dialer := &fakeDialer{files: map[string]string{"~/.bashrc": "bashrc"}}

	logs := &logCapture{}
	wf, err := NewWorkflow(profile, Options{
		Root:      t.TempDir(),
		Dialer:    dialer,
		Logger:    logs.logger(),
		MirrorErr: fmt.Errorf("%w: mirror nas: connection refused", transport.ErrConnect),
	})
	if err != nil {
		t.Fatalf("failed to create workflow: %v", err)
	}

	report := wf.Run(context.Background())
	errs := report.Errors(KindTransport)
	if len(errs) != 1 || errs[0].Stage != StageMirror {
		t.Fatalf("expected one mirror transport error, got %v", report.Errors())
	}
	if len(report.Attempts) != 1 || report.Attempts[0].Err != nil {
		t.Fatalf("expected the local backup to still run, got %+v", report.Attempts)
	}
}
