package runstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	stagingDirName = "staging"
	outputsDirName = "outputs"
	authDirName    = ".auth"

	// Job-scoped siblings of a finalized output inside the outputs directory.
	OutputTempPrefix      = ".tmp_"
	OutputDisplacedPrefix = ".old_"

	jobIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	jobIDTimeFmt  = "2006-01-02T15-04-05Z"
)

// Layout resolves the well-known directories below one downloads root.
type Layout struct {
	Root string
}

func (l Layout) StagingRoot() string {
	return filepath.Join(l.Root, stagingDirName)
}

func (l Layout) StagingDir(jobID string) string {
	return filepath.Join(l.StagingRoot(), jobID)
}

func (l Layout) OutputsDir() string {
	return filepath.Join(l.Root, outputsDirName)
}

func (l Layout) AuthDir() string {
	return filepath.Join(l.Root, authDirName)
}

// NewJobID returns "<utc timestamp>_<6 base36 chars>", e.g. 2026-01-05T11-30-02Z_a1b2c3.
func NewJobID(now time.Time) (string, error) {
	suffix, err := gonanoid.Generate(jobIDAlphabet, 6)
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return now.UTC().Format(jobIDTimeFmt) + "_" + suffix, nil
}

func (l Layout) CreateStagingDir(jobID string) (string, error) {
	if strings.TrimSpace(jobID) == "" {
		return "", fmt.Errorf("job id is required")
	}
	dir := l.StagingDir(jobID)
	if _, err := os.Stat(dir); err == nil {
		return "", fmt.Errorf("staging directory already exists: %s", dir)
	}
	if err := Mkdir(dir); err != nil {
		return "", err
	}
	return dir, nil
}

func (l Layout) CleanupStagingDir(jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return nil
	}
	dir := l.StagingDir(jobID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("cleanup staging directory %s: %w", dir, err)
	}
	return nil
}

// CleanupOrphanedStaging removes what interrupted runs left behind: everything
// below the staging root, plus job-scoped temp and displaced directories in
// the outputs directory. Callers hold the job lock.
func (l Layout) CleanupOrphanedStaging() (int, error) {
	staged, err := removeEntries(l.StagingRoot(), func(string) bool { return true })
	outputs, outErr := removeEntries(l.OutputsDir(), func(name string) bool {
		return strings.HasPrefix(name, OutputTempPrefix) || strings.HasPrefix(name, OutputDisplacedPrefix)
	})
	return staged + outputs, errors.Join(err, outErr)
}

func removeEntries(root string, match func(name string) bool) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read directory %s: %w", root, err)
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		if !match(e.Name()) {
			continue
		}
		path := filepath.Join(root, e.Name())
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("remove orphaned entry %s: %w", path, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
