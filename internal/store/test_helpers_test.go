package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/funnel/internal/testutil"
)

// createTestStore creates a new temp-file store driven by a manual clock.
func createTestStore(t *testing.T) (*Store, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(time.Date(2025, time.August, 11, 10, 0, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}
