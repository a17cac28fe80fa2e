package rpctest

import (
	"bytes"
	"context"
	"errors"
	"os"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitcoinunlimited/qaharness/portbook"
	"github.com/stretchr/testify/require"
)

// newTestFramework returns a framework running fake nodes under a test
// temporary directory.
func newTestFramework(t *testing.T, report *bytes.Buffer,
	noCleanup bool) *Framework {

	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("fake node relies on unix signals")
	}
	t.Setenv(fakeNodeEnv, "1")

	seed := int64(os.Getpid())*16 + atomic.AddInt64(&seedCounter, 1)
	f, err := NewFramework(FrameworkConfig{
		Binary:       os.Args[0],
		TmpDir:       t.TempDir(),
		NoCleanup:    noCleanup,
		Ports:        portbook.DefaultConfig(seed),
		StartTimeout: 20 * time.Second,
		StopTimeout:  10 * time.Second,
		SyncTimeout:  5 * time.Second,
		Report:       report,
	})
	require.NoError(t, err)
	return f
}

func TestFrameworkRunSuccessCleansUp(t *testing.T) {
	var report bytes.Buffer
	f := newTestFramework(t, &report, false)

	err := f.Run(context.Background(),
		func(ctx context.Context, f *Framework) error {
			_, err := f.Manager().StartNode(ctx, 0, fakeMode("ok"))
			return err
		},
	)
	require.NoError(t, err)
	require.False(t, f.Failed())
	require.Empty(t, report.String())
	require.Empty(t, f.Manager().Indices())

	_, err = os.Stat(f.Root())
	require.True(t, os.IsNotExist(err))
}

func TestFrameworkRunFailureReports(t *testing.T) {
	var report bytes.Buffer
	f := newTestFramework(t, &report, false)

	errBoom := errors.New("balance mismatch: 1 != 2")
	err := f.Run(context.Background(),
		func(ctx context.Context, f *Framework) error {
			_, err := f.Manager().StartNode(ctx, 0, fakeMode("ok"))
			if err != nil {
				return err
			}

			// Wait for the stderr copy so the report carries it.
			require.Eventually(t, func() bool {
				return len(f.Manager().Tail(0, 1)) > 0
			}, 5*time.Second, 10*time.Millisecond)

			return errBoom
		},
	)
	require.ErrorIs(t, err, errBoom)
	require.True(t, f.Failed())

	out := report.String()
	require.Contains(t, out, "Assertion failed: balance mismatch")
	require.Contains(t, out, "--- node 0 stderr ---")
	require.Contains(t, out, "fake node stderr line")
	require.Contains(t, out, "--- node 0 debug.log ---")
	require.Contains(t, out, "fake node started")

	// A failed run keeps its directory for inspection.
	_, err = os.Stat(f.Root())
	require.NoError(t, err)
}

func TestFrameworkNoCleanup(t *testing.T) {
	f := newTestFramework(t, &bytes.Buffer{}, true)

	err := f.Run(context.Background(),
		func(ctx context.Context, f *Framework) error {
			return nil
		},
	)
	require.NoError(t, err)

	_, err = os.Stat(f.Root())
	require.NoError(t, err)
}

func TestFrameworkSetupChainsNodes(t *testing.T) {
	f := newTestFramework(t, &bytes.Buffer{}, false)
	ctx := context.Background()

	// The fake node has no P2P side, so Setup can only be exercised with
	// a single node, which needs no connections.
	clients, err := f.Setup(ctx, 1, []*NodeOptions{fakeMode("ok")})
	require.NoError(t, err)
	require.Len(t, clients, 1)

	require.NoError(t, f.Teardown(ctx))
	require.Empty(t, f.Manager().Indices())
}
