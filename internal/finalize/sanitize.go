package finalize

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SanitizeName turns a game name into a folder-safe token: spaces become dots,
// apostrophes, colons, slashes and non-ASCII runes are dropped, case is kept.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r == ' ':
			b.WriteByte('.')
		case r == '\'', r == ':', r == '/', r == '\\':
		case r > 0x7f:
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// OutputFolderName is <name>.Build.<build>.<platform>.<branch>.
func OutputFolderName(gameName, buildID, platform, branch string) string {
	return fmt.Sprintf("%s.Build.%s.%s.%s", SanitizeName(gameName), buildID, platform, branch)
}

func ArchivePath(outputPath string) string {
	return outputPath + ".7z"
}

const maxCopySuffix = 9999

// CopyOutputPath returns the first "<base> (N)" whose directory and archive
// sibling are both free.
func CopyOutputPath(base string) (string, error) {
	for n := 1; n <= maxCopySuffix; n++ {
		candidate := fmt.Sprintf("%s (%d)", base, n)
		if exists(candidate) || exists(ArchivePath(candidate)) {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("unable to find available output copy name for %s", filepath.Base(base))
}

// contentDirName keeps a depot display name usable as one path component.
func contentDirName(name, depotID string) string {
	name = strings.TrimSpace(name)
	name = strings.NewReplacer("/", "_", "\\", "_").Replace(name)
	if name == "" || name == "." || name == ".." {
		return "depot_" + depotID
	}
	return name
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
