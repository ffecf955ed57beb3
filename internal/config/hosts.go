package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Transport identifiers
const (
	TransportSFTP      = "sftp"
	TransportRsync     = "rsync"
	TransportCodespace = "codespace"
)

// Retention modes for the archive folder
const (
	RetentionPrune  = "prune"
	RetentionRetain = "retain"
	RetentionKeep   = "keep"
)

// HostProfile describes one backup target. It is read once and never mutated by a run.
type HostProfile struct {
	Tag                string          `json:"tag" yaml:"tag"`
	Host               string          `json:"host" yaml:"host" validate:"required"`
	Port               int             `json:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
	Transport          string          `json:"transport" yaml:"transport" validate:"required,oneof=sftp rsync codespace"`
	KeyPath            string          `json:"key_path" yaml:"key_path"`
	Users              []string        `json:"users" yaml:"users" validate:"required,min=1,dive,required"`
	AdminUser          string          `json:"admin_user,omitempty" yaml:"admin_user,omitempty"`
	Directives         []Directive     `json:"directives" yaml:"directives" validate:"dive"`
	AdminDirectives    []Directive     `json:"admin_directives,omitempty" yaml:"admin_directives,omitempty" validate:"dive"`
	BackupDir          string          `json:"backup_dir,omitempty" yaml:"backup_dir,omitempty"`
	Mirror             *MirrorConfig   `json:"mirror,omitempty" yaml:"mirror,omitempty"`
	Retention          RetentionConfig `json:"retention" yaml:"retention"`
	HostKeyPolicy      string          `json:"host_key_policy,omitempty" yaml:"host_key_policy,omitempty" validate:"omitempty,oneof=tofu strict pinned insecure"`
	PinnedFingerprints []string        `json:"pinned_fingerprints,omitempty" yaml:"pinned_fingerprints,omitempty"`
	Schedule           string          `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	ConnectTimeout     time.Duration   `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	RsyncTimeout       int             `json:"rsync_timeout,omitempty" yaml:"rsync_timeout,omitempty" validate:"min=0"`
}

// Directive is one remote path to copy for an identity.
type Directive struct {
	Remote    string   `json:"remote" yaml:"remote" validate:"required"`
	Local     string   `json:"local" yaml:"local"`
	Recursive bool     `json:"recursive,omitempty" yaml:"recursive,omitempty"`
	Shared    bool     `json:"shared,omitempty" yaml:"shared,omitempty"`
	Exclude   []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// MirrorConfig describes the secondary storage root a finished backup is copied to
type MirrorConfig struct {
	Type string `json:"type" yaml:"type" validate:"required,oneof=local s3 sftp"`
	Path string `json:"path" yaml:"path"`

	// S3 specific
	Bucket    string `json:"bucket,omitempty" yaml:"bucket,omitempty" validate:"required_if=Type s3"`
	Region    string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint  string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	AccessKey string `json:"access_key,omitempty" yaml:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty" yaml:"secret_key,omitempty"`

	// SFTP specific
	Host     string `json:"host,omitempty" yaml:"host,omitempty" validate:"required_if=Type sftp"`
	Port     int    `json:"port,omitempty" yaml:"port,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty" validate:"required_if=Type sftp"`
	KeyPath  string `json:"key_path,omitempty" yaml:"key_path,omitempty" validate:"required_if=Type sftp"`
}

// RetentionConfig decides what happens to the archive folder after a run
type RetentionConfig struct {
	Mode  string `json:"mode" yaml:"mode" validate:"omitempty,oneof=prune retain keep"`
	Count int    `json:"count,omitempty" yaml:"count,omitempty" validate:"min=0"`
}

// HostTag returns the tag used in backup directory names.
// Without an explicit tag it is the host with its first letter upper-cased.
func (h *HostProfile) HostTag() string {
	if tag := strings.TrimSpace(h.Tag); tag != "" {
		return tag
	}
	runes := []rune(strings.TrimSpace(h.Host))
	if len(runes) == 0 {
		return ""
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// ArchiveDirName is the folder rotated-out backups are moved into.
func (h *HostProfile) ArchiveDirName() string {
	return "archive-" + strings.ToLower(h.HostTag())
}

// SSHPort returns the configured port or 22.
func (h *HostProfile) SSHPort() int {
	if h.Port == 0 {
		return 22
	}
	return h.Port
}

// RetentionMode returns the retention mode, defaulting to prune.
func (h *HostProfile) RetentionMode() string {
	if h.Retention.Mode == "" {
		return RetentionPrune
	}
	return h.Retention.Mode
}

// IsAdmin reports whether identity is the administrative identity.
func (h *HostProfile) IsAdmin(identity string) bool {
	return h.AdminUser != "" && identity == h.AdminUser
}

// DirectivesFor returns the ordered directives for an identity, admin extras last.
func (h *HostProfile) DirectivesFor(identity string) []Directive {
	directives := make([]Directive, 0, len(h.Directives)+len(h.AdminDirectives))
	directives = append(directives, h.Directives...)
	if h.IsAdmin(identity) {
		directives = append(directives, h.AdminDirectives...)
	}
	return directives
}

// LoadHosts loads host profiles from hosts.yaml in configDir
func LoadHosts(configDir string) ([]HostProfile, error) {
	hostsPath := filepath.Join(configDir, "hosts.yaml")

	data, err := os.ReadFile(hostsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return []HostProfile{}, nil
		}
		return nil, fmt.Errorf("failed to read hosts file: %w", err)
	}

	return ParseHosts(data)
}

// ParseHosts decodes and validates a hosts document
func ParseHosts(data []byte) ([]HostProfile, error) {
	var hostsFile struct {
		Hosts []HostProfile `yaml:"hosts"`
	}

	if err := yaml.Unmarshal(data, &hostsFile); err != nil {
		return nil, fmt.Errorf("failed to parse hosts file: %w", err)
	}

	for i := range hostsFile.Hosts {
		host := &hostsFile.Hosts[i]
		if err := ValidateHostProfile(host); err != nil {
			return nil, fmt.Errorf("invalid host profile at index %d: %w", i, err)
		}

		for j := 0; j < i; j++ {
			if err := checkTagCollision(&hostsFile.Hosts[j], host); err != nil {
				return nil, fmt.Errorf("host profile at index %d conflicts with index %d: %w", i, j, err)
			}
		}
	}

	return hostsFile.Hosts, nil
}

// checkTagCollision rejects two profiles whose backups would be mistaken for
// each other. Backup directories are matched by tag prefix, so in a shared
// root a "Sandbox" run would archive and prune "Sandbox01" backups.
func checkTagCollision(a, b *HostProfile) error {
	tagA, tagB := strings.ToLower(a.HostTag()), strings.ToLower(b.HostTag())
	if tagA == tagB {
		return fmt.Errorf("tag %q is already used", b.HostTag())
	}

	if filepath.Clean(ExpandHome(a.BackupDir)) != filepath.Clean(ExpandHome(b.BackupDir)) {
		return nil
	}
	if strings.HasPrefix(tagA, tagB) || strings.HasPrefix(tagB, tagA) {
		return fmt.Errorf("tags %q and %q share a backup_dir and one is a prefix of the other", a.HostTag(), b.HostTag())
	}
	return nil
}

// FindHost returns the profile whose tag or host matches name, case-insensitively.
func FindHost(hosts []HostProfile, name string) (*HostProfile, bool) {
	for i := range hosts {
		if strings.EqualFold(hosts[i].HostTag(), name) || strings.EqualFold(hosts[i].Host, name) {
			return &hosts[i], true
		}
	}
	return nil, false
}

// ValidateHostProfile checks presence and enumerations only; paths are not probed.
func ValidateHostProfile(host *HostProfile) error {
	if err := validate.Struct(host); err != nil {
		return err
	}

	if !isValidTag(host.HostTag()) {
		return fmt.Errorf("host tag %q must not contain path separators or spaces", host.HostTag())
	}

	for _, user := range host.Users {
		if !isValidIdentity(user) {
			return fmt.Errorf("user %q must be a single local path segment", user)
		}
	}

	if host.Transport != TransportCodespace && strings.TrimSpace(host.KeyPath) == "" {
		return fmt.Errorf("key_path is required for %s transport", host.Transport)
	}

	if host.HostKeyPolicy == "pinned" {
		if host.Transport != TransportSFTP {
			return fmt.Errorf("pinned host keys are only supported by the sftp transport")
		}
		if len(host.PinnedFingerprints) == 0 {
			return fmt.Errorf("pinned_fingerprints is required when host_key_policy is 'pinned'")
		}
	}

	if host.Retention.Mode == RetentionKeep && host.Retention.Count <= 0 {
		return fmt.Errorf("retention count must be positive when mode is 'keep'")
	}

	if host.AdminUser == "" && len(host.AdminDirectives) > 0 {
		return fmt.Errorf("admin_directives require admin_user")
	}

	return nil
}

func isValidTag(tag string) bool {
	return tag != "" && !strings.ContainsAny(tag, "/\\ \t\n")
}

// isValidIdentity reports whether user can name a directory inside a backup.
func isValidIdentity(user string) bool {
	return filepath.IsLocal(user) && !strings.ContainsAny(user, "/\\")
}
