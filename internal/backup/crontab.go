package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/robfig/cron/v3"

	"github.com/yourusername/hostbackup/internal/config"
	"github.com/yourusername/hostbackup/internal/transport"
)

const cronMarkerPrefix = "# hostbackup:"

// CronOptions controls how crontab lines invoke the backup binary
type CronOptions struct {
	Binary     string
	ConfigPath string
	LockDir    string
	FlockPath  string
}

// BuildCronLines renders one crontab line per host that has a schedule.
// Each line holds a non-blocking flock per host so runs for one host never overlap.
func BuildCronLines(hosts []config.HostProfile, opts CronOptions) ([]string, error) {
	var lines []string
	for i := range hosts {
		if strings.TrimSpace(hosts[i].Schedule) == "" {
			continue
		}
		line, err := buildCronLine(&hosts[i], opts)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func buildCronLine(profile *config.HostProfile, opts CronOptions) (string, error) {
	schedule := strings.TrimSpace(profile.Schedule)
	if _, err := cron.ParseStandard(schedule); err != nil {
		return "", fmt.Errorf("invalid schedule %q for %s: %w", schedule, profile.Host, err)
	}

	if strings.TrimSpace(opts.Binary) == "" {
		return "", fmt.Errorf("binary path is required")
	}
	if strings.TrimSpace(opts.LockDir) == "" {
		return "", fmt.Errorf("lock directory is required")
	}

	flock := opts.FlockPath
	if flock == "" {
		flock = "flock"
	}

	tag := profile.HostTag()
	lockFile := filepath.Join(opts.LockDir, strings.ToLower(tag)+".lock")

	args := []string{flock, "-n", lockFile, opts.Binary}
	if opts.ConfigPath != "" {
		args = append(args, "-config", opts.ConfigPath)
	}
	args = append(args, "-host", tag)

	// cron treats an unescaped % as a newline
	command := strings.ReplaceAll(shellquote.Join(args...), "%", `\%`)

	return fmt.Sprintf("%s %s %s%s", schedule, command, cronMarkerPrefix, strings.ToLower(tag)), nil
}

// InstallCronTab replaces every hostbackup entry in the current user's
// crontab with lines, keeping unrelated entries.
func InstallCronTab(ctx context.Context, runner transport.CommandRunner, lines []string) error {
	current, err := runner.Run(ctx, "crontab", "-l")
	if err != nil {
		return fmt.Errorf("failed to read crontab: %w", err)
	}

	// crontab -l exits 1 when the user has no crontab yet
	existing := ""
	if current.ExitCode == 0 {
		existing = string(current.Output)
	}

	merged := append(filterCronLines(existing, cronMarkerPrefix), lines...)

	file, err := os.CreateTemp("", "hostbackup-crontab-*")
	if err != nil {
		return fmt.Errorf("failed to create crontab file: %w", err)
	}
	defer os.Remove(file.Name())

	if _, err := file.WriteString(strings.Join(merged, "\n") + "\n"); err != nil {
		file.Close()
		return fmt.Errorf("failed to write crontab file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to write crontab file: %w", err)
	}

	result, err := runner.Run(ctx, "crontab", file.Name())
	if err != nil {
		return fmt.Errorf("failed to install crontab: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("failed to install crontab: exit code %d: %s", result.ExitCode, strings.TrimSpace(string(result.Output)))
	}

	return nil
}

func filterCronLines(existing string, marker string) []string {
	var lines []string
	for _, line := range strings.Split(existing, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.Contains(trimmed, marker) {
			continue
		}
		lines = append(lines, trimmed)
	}
	return lines
}
