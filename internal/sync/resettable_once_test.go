package sync

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func TestResettableOnce_DoRunsOnce(t *testing.T) {
	var once ResettableOnce
	var count atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			once.Do(func() { count.Add(1) })
		}()
	}
	wg.Wait()

	if c := count.Load(); c != 1 {
		t.Errorf("count = %d, want 1", c)
	}
	if !once.Done() {
		t.Error("Done() should be true after Do")
	}

	once.Reset()
	if once.Done() {
		t.Error("Done() should be false after Reset")
	}
	once.Do(func() { count.Add(1) })
	if c := count.Load(); c != 2 {
		t.Errorf("after reset: count = %d, want 2", c)
	}
}

func TestResettableOnce_DoWithErrorRetries(t *testing.T) {
	// A cache root below a regular file cannot be created until the file
	// is removed.
	base := t.TempDir()
	blocker := filepath.Join(base, "cache")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	root := filepath.Join(blocker, "datasets")

	var once ResettableOnce
	mkdir := func() error { return os.MkdirAll(root, 0o755) }

	if err := once.DoWithError(mkdir); err == nil {
		t.Fatal("expected mkdir to fail")
	}
	if once.Done() {
		t.Fatal("failed run must not mark Done")
	}

	if err := os.Remove(blocker); err != nil {
		t.Fatal(err)
	}
	if err := once.DoWithError(mkdir); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if !once.Done() {
		t.Error("Done() should be true after success")
	}

	calls := 0
	_ = once.DoWithError(func() error { calls++; return errors.New("unused") })
	if calls != 0 {
		t.Error("completed once must not run again")
	}
}
