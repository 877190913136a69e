package runstore

import "testing"

func TestAcquireJobLock_BlocksConcurrentAcquire(t *testing.T) {
	root := t.TempDir()

	lock, err := AcquireJobLock(root, "job-a")
	if err != nil {
		t.Fatalf("acquire first lock: %v", err)
	}
	defer func() {
		_ = lock.Release()
	}()

	if _, err := AcquireJobLock(root, "job-b"); err == nil {
		t.Fatalf("expected second acquire to fail")
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("release lock: %v", err)
	}

	lock2, err := AcquireJobLock(root, "job-c")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if err := lock2.Release(); err != nil {
		t.Fatalf("release second lock: %v", err)
	}
}

func TestJobLockReleaseRejectsForeignToken(t *testing.T) {
	root := t.TempDir()
	lock, err := AcquireJobLock(root, "job-a")
	if err != nil {
		t.Fatalf("acquire lock: %v", err)
	}
	forged := JobLock{lockDir: lock.lockDir, token: "someone-else"}
	if err := forged.Release(); err == nil {
		t.Fatalf("expected foreign release to fail")
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("release by owner: %v", err)
	}
}
