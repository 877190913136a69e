package authcache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"depot-packer/internal/runstore"
)

var (
	rootFiles   = []string{"sentry.bin", "config.json", "loginusers.vdf"}
	configFiles = []string{"loginusers.vdf", "config.vdf", "config.json", "sentry.bin"}
)

const configDirName = "config"

// Cache keeps DepotDownloader's remembered-login artifacts between jobs, one
// directory per sanitized username below Root.
type Cache struct {
	Root string
}

func (c Cache) Dir(username string) string {
	return filepath.Join(c.Root, SanitizeUsername(username))
}

// Restore copies cached artifacts into workDir before a run. No-op without a
// username or cache entry.
func (c Cache) Restore(username, workDir string) (int, error) {
	if strings.TrimSpace(username) == "" {
		return 0, nil
	}
	src := c.Dir(username)
	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		return 0, nil
	}
	n, err := copyAllowed(src, workDir)
	if err != nil {
		return n, fmt.Errorf("restore auth cache for %s: %w", SanitizeUsername(username), err)
	}
	return n, nil
}

// Persist copies artifacts the run produced in workDir back into the cache.
func (c Cache) Persist(username, workDir string) (int, error) {
	if strings.TrimSpace(username) == "" {
		return 0, nil
	}
	if info, err := os.Stat(workDir); err != nil || !info.IsDir() {
		return 0, nil
	}
	n, err := copyAllowed(workDir, c.Dir(username))
	if err != nil {
		return n, fmt.Errorf("persist auth cache for %s: %w", SanitizeUsername(username), err)
	}
	return n, nil
}

type authFile struct {
	src string
	rel string
}

func collect(root string) ([]authFile, error) {
	var files []authFile
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read auth source %s: %w", root, err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() && isRootFile(e.Name()) {
			files = append(files, authFile{src: filepath.Join(root, e.Name()), rel: e.Name()})
		}
	}

	cfgDir := filepath.Join(root, configDirName)
	entries, err = os.ReadDir(cfgDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return files, nil
		}
		return nil, fmt.Errorf("read auth config %s: %w", cfgDir, err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() && isConfigFile(e.Name()) {
			files = append(files, authFile{
				src: filepath.Join(cfgDir, e.Name()),
				rel: filepath.Join(configDirName, e.Name()),
			})
		}
	}
	return files, nil
}

func copyAllowed(srcRoot, dstRoot string) (int, error) {
	files, err := collect(srcRoot)
	if err != nil {
		return 0, err
	}
	copied := 0
	for _, f := range files {
		data, err := os.ReadFile(f.src)
		if err != nil {
			return copied, fmt.Errorf("read %s: %w", f.src, err)
		}
		if err := runstore.WriteBytesMode(filepath.Join(dstRoot, f.rel), data, 0o600); err != nil {
			return copied, err
		}
		copied++
	}
	return copied, nil
}

func isRootFile(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "ssfn") {
		return true
	}
	for _, f := range rootFiles {
		if lower == f {
			return true
		}
	}
	return false
}

func isConfigFile(name string) bool {
	lower := strings.ToLower(name)
	for _, f := range configFiles {
		if lower == f {
			return true
		}
	}
	return false
}

// SanitizeUsername keeps ASCII letters, digits and -_. and maps anything else to _.
// Leading dots are dropped so the result never names "." or "..".
func SanitizeUsername(username string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(username) {
		switch {
		case r < 0x80 && (r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'),
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimRight(strings.TrimLeft(b.String(), "._"), "_")
	if out == "" {
		return "user"
	}
	return out
}

// UsernameFromArgs returns the -username value when the args also ask the tool
// to remember the password; otherwise nothing is cached.
func UsernameFromArgs(args []string) string {
	remember := false
	username := ""
	for i, a := range args {
		switch a {
		case "-remember-password":
			remember = true
		case "-username":
			if i+1 < len(args) {
				username = strings.TrimSpace(args[i+1])
			}
		}
	}
	if !remember {
		return ""
	}
	return username
}
