package backup

import (
	"strings"
	"time"
)

// TimestampFormat is the sortable YYYYMMDDHHMMSS suffix of a backup directory.
const TimestampFormat = "20060102150405"

const backupPrefix = "Backup_"

// DirPrefix returns "Backup_<tag>", the prefix shared by every backup of a host.
func DirPrefix(tag string) string {
	return backupPrefix + tag
}

// DirName returns the backup directory name for tag at t.
func DirName(tag string, t time.Time) string {
	return DirPrefix(tag) + "_" + t.Format(TimestampFormat)
}

// IsStale reports whether name is a backup directory of tag. The match is a
// case-insensitive prefix match, so "Backup_Diskstation_Archived_Old" also
// belongs to the Diskstation tag.
func IsStale(name, tag string) bool {
	return strings.HasPrefix(strings.ToLower(name), strings.ToLower(DirPrefix(tag)))
}

// backupTime parses the timestamp suffix of a backup directory name.
func backupTime(name, tag string) (time.Time, bool) {
	if len(name) < len(DirPrefix(tag))+1 {
		return time.Time{}, false
	}
	suffix := name[len(DirPrefix(tag))+1:]
	t, err := time.Parse(TimestampFormat, suffix)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
