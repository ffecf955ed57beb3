package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/yourusername/hostbackup/internal/backup"
	"github.com/yourusername/hostbackup/internal/config"
	"github.com/yourusername/hostbackup/internal/crypto"
	"github.com/yourusername/hostbackup/internal/logging"
	"github.com/yourusername/hostbackup/internal/metrics"
	"github.com/yourusername/hostbackup/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) > 0 {
		switch args[0] {
		case "crontab":
			return runCrontab(args[1:])
		case "seal-key":
			return runSealKey(args[1:])
		}
	}
	return runBackups(args)
}

// loadConfig reads config.yaml and hosts.yaml. A -config flag wins over CONFIG_PATH.
func loadConfig(configPath string) (*config.Config, []config.HostProfile, error) {
	if configPath != "" {
		if err := os.Setenv("CONFIG_PATH", configPath); err != nil {
			return nil, nil, err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	hosts, err := config.LoadHosts(cfg.Storage.ConfigDir)
	if err != nil {
		return nil, nil, err
	}

	return cfg, hosts, nil
}

func runBackups(args []string) int {
	flags := flag.NewFlagSet("hostbackup", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to config.yaml")
	hostName := flags.String("host", "", "back up only the host with this tag or address")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg, hosts, err := loadConfig(*configPath)
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		return 1
	}

	logger, err := logging.Init(cfg.Logging)
	if err != nil {
		log.Printf("Failed to set up logging: %v", err)
		return 1
	}
	defer logging.Close()

	selected := hosts
	if *hostName != "" {
		host, ok := config.FindHost(hosts, *hostName)
		if !ok {
			logger.Error("host_not_configured", "host", *hostName)
			return 1
		}
		selected = []config.HostProfile{*host}
	}

	if len(selected) == 0 {
		logger.Warn("no_hosts_configured", "config_dir", cfg.Storage.ConfigDir)
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	failed := false
	for i := range selected {
		profile := &selected[i]

		report, err := runHost(ctx, cfg, profile, logger)
		if err != nil {
			logger.Error(fmt.Sprintf("%s backup encountered the following errors: %v", profile.Host, err), "host", profile.Host)
			failed = true
			continue
		}
		if !report.OK() {
			failed = true
		}

		if cfg.Metrics.TextfileDir != "" {
			if _, err := metrics.WriteRun(cfg.Metrics.TextfileDir, report); err != nil {
				logger.Warn("metrics_write_failed", "host", profile.Host, "error", err)
			}
		}
	}

	if failed {
		return 1
	}
	return 0
}

func runHost(ctx context.Context, cfg *config.Config, profile *config.HostProfile, logger *slog.Logger) (*backup.Report, error) {
	dialer, err := transport.NewDialer(profile, cfg.SSH, logger)
	if err != nil {
		return nil, err
	}

	opts := backup.Options{
		Root:   backupRoot(cfg, profile),
		Dialer: dialer,
		Logger: logger,
	}

	if profile.Mirror != nil {
		mirrorCfg := *profile.Mirror
		if mirrorCfg.Type == "local" && mirrorCfg.Path == "" {
			mirrorCfg.Path = cfg.Storage.MirrorDir
		}

		store, err := backup.NewMirrorStore(ctx, &mirrorCfg, cfg.SSH, logger)
		if err != nil {
			opts.MirrorErr = err
		} else {
			defer store.Close()
			opts.Mirror = store
		}
	}

	workflow, err := backup.NewWorkflow(profile, opts)
	if err != nil {
		return nil, err
	}

	return workflow.Run(ctx), nil
}

// backupRoot resolves a host's backup_dir against storage.backup_dir.
func backupRoot(cfg *config.Config, profile *config.HostProfile) string {
	if profile.BackupDir == "" {
		return cfg.Storage.BackupDir
	}
	dir := config.ExpandHome(profile.BackupDir)
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(cfg.Storage.BackupDir, dir)
}

func runCrontab(args []string) int {
	flags := flag.NewFlagSet("crontab", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to config.yaml")
	install := flags.Bool("install", false, "install the entries into the current user's crontab")
	binary := flags.String("binary", "", "path to the hostbackup binary (default: this executable)")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg, hosts, err := loadConfig(*configPath)
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		return 1
	}

	if *binary == "" {
		exe, err := os.Executable()
		if err != nil {
			log.Printf("Failed to resolve executable: %v", err)
			return 1
		}
		*binary = exe
	}

	absConfig, err := filepath.Abs(config.GetConfigPath())
	if err != nil {
		absConfig = config.GetConfigPath()
	}

	lines, err := backup.BuildCronLines(hosts, backup.CronOptions{
		Binary:     *binary,
		ConfigPath: absConfig,
		LockDir:    cfg.Storage.LockDir,
	})
	if err != nil {
		log.Printf("Failed to build crontab: %v", err)
		return 1
	}

	if !*install {
		for _, line := range lines {
			fmt.Println(line)
		}
		return 0
	}

	if err := os.MkdirAll(cfg.Storage.LockDir, 0o755); err != nil {
		log.Printf("Failed to create lock directory: %v", err)
		return 1
	}

	if err := backup.InstallCronTab(context.Background(), transport.ExecRunner{}, lines); err != nil {
		log.Printf("Failed to install crontab: %v", err)
		return 1
	}

	fmt.Printf("Installed %d crontab entries\n", len(lines))
	return 0
}

func runSealKey(args []string) int {
	flags := flag.NewFlagSet("seal-key", flag.ContinueOnError)
	in := flags.String("in", "", "private key file to encrypt")
	out := flags.String("out", "", "output path (default: <in>.enc)")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	if *in == "" {
		log.Printf("seal-key: -in is required")
		return 2
	}
	if *out == "" {
		*out = *in + ".enc"
	}

	if err := sealKey(*in, *out); err != nil {
		log.Printf("seal-key: %v", err)
		return 1
	}

	fmt.Printf("Sealed %s to %s\n", *in, *out)
	return 0
}

func sealKey(in, out string) error {
	manager, err := crypto.NewEncryptionManager()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(config.ExpandHome(in))
	if err != nil {
		return fmt.Errorf("failed to read key: %w", err)
	}
	if crypto.IsEnvelope(data) {
		return errors.New("key is already sealed")
	}

	sealed, err := manager.SealEnvelope(data)
	if err != nil {
		return err
	}

	return os.WriteFile(config.ExpandHome(out), sealed, 0o600)
}
