package runstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	jobLockDirName   = ".job.lock"
	jobLockOwnerFile = "owner.json"
)

// JobLock marks a downloads root as busy so a second process cannot start a job in it.
type JobLock struct {
	lockDir string
	token   string
}

type jobLockOwner struct {
	Token     string `json:"token"`
	JobID     string `json:"job_id,omitempty"`
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

func AcquireJobLock(root, jobID string) (JobLock, error) {
	target := strings.TrimSpace(root)
	if target == "" {
		return JobLock{}, fmt.Errorf("downloads directory is required")
	}
	if err := Mkdir(target); err != nil {
		return JobLock{}, err
	}

	lockDir := filepath.Join(target, jobLockDirName)
	if err := os.Mkdir(lockDir, 0o755); err != nil {
		if os.IsExist(err) {
			var owner jobLockOwner
			if readErr := ReadJSON(filepath.Join(lockDir, jobLockOwnerFile), &owner); readErr == nil && owner.PID > 0 {
				return JobLock{}, fmt.Errorf(
					"downloads directory is locked: %s (job_id=%s pid=%d created_at=%s host=%s)",
					target, owner.JobID, owner.PID, owner.CreatedAt, owner.Hostname,
				)
			}
			return JobLock{}, fmt.Errorf("downloads directory is locked: %s", target)
		}
		return JobLock{}, fmt.Errorf("acquire job lock for %s: %w", target, err)
	}

	owner := jobLockOwner{
		Token:     uuid.NewString(),
		JobID:     jobID,
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	if err := WriteJSON(filepath.Join(lockDir, jobLockOwnerFile), owner); err != nil {
		_ = os.RemoveAll(lockDir)
		return JobLock{}, fmt.Errorf("write job lock owner for %s: %w", target, err)
	}
	return JobLock{lockDir: lockDir, token: owner.Token}, nil
}

// Release removes the lock only if it still carries this holder's token.
func (l JobLock) Release() error {
	if strings.TrimSpace(l.lockDir) == "" {
		return nil
	}
	ownerPath := filepath.Join(l.lockDir, jobLockOwnerFile)
	var owner jobLockOwner
	if err := ReadJSON(ownerPath, &owner); err == nil && owner.Token != l.token {
		return fmt.Errorf("release job lock %s: held by another owner", l.lockDir)
	}
	_ = os.Remove(ownerPath)
	if err := os.Remove(l.lockDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release job lock %s: %w", l.lockDir, err)
	}
	return nil
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
