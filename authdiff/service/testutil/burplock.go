package testutil

import (
	"context"
	"errors"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/go-appsec/authdiff/authdiff/config"
)

const (
	burpLockWait  = time.Minute
	burpLockPoll  = 100 * time.Millisecond
	burpProbeWait = 500 * time.Millisecond
)

// RequireBurp skips in short mode or when nothing listens on the default Burp MCP address.
// Otherwise it holds a cross-process lock until the test ends, since Burp proxy history
// is shared by every test package.
func RequireBurp(t *testing.T) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping Burp test in short mode")
	}
	u, err := url.Parse(config.DefaultBurpMCPURL)
	require.NoError(t, err)
	conn, err := net.DialTimeout("tcp", u.Host, burpProbeWait)
	if err != nil {
		t.Skipf("Burp MCP not listening on %s: %v", u.Host, err)
	}
	_ = conn.Close()

	lockBurp(t)
}

func lockBurp(t *testing.T) {
	t.Helper()

	f, err := os.OpenFile(filepath.Join(os.TempDir(), "authdiff-burp-test.lock"), os.O_CREATE|os.O_RDWR, 0600)
	require.NoError(t, err)
	fd := int(f.Fd())

	ctx, cancel := context.WithTimeout(t.Context(), burpLockWait)
	defer cancel()
	ticker := time.NewTicker(burpLockPoll)
	defer ticker.Stop()

	for {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		} else if !errors.Is(err, unix.EWOULDBLOCK) {
			_ = f.Close()
			t.Fatalf("lock Burp test file: %v", err)
		}

		select {
		case <-ctx.Done():
			_ = f.Close()
			t.Fatalf("timed out waiting for Burp test lock")
		case <-ticker.C:
		}
	}

	t.Cleanup(func() {
		_ = unix.Flock(fd, unix.LOCK_UN)
		_ = f.Close()
	})
}
