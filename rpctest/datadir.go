package rpctest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitcoinunlimited/qaharness/internal/wait"
)

// DefaultDebugLogTimeout bounds the wait for lines in a node's debug log.
const DefaultDebugLogTimeout = 5 * time.Second

// RegtestDir returns the chain state directory of node index.
func (m *Manager) RegtestDir(index int) string {
	return filepath.Join(m.Datadir(index), "regtest")
}

// ResetBanList deletes the ban list of a stopped node.
func (m *Manager) ResetBanList(index int) error {
	if m.Running(index) {
		return fmt.Errorf("reset ban list of node %d: %w", index,
			ErrAlreadyRunning)
	}

	path := filepath.Join(m.RegtestDir(index), "banlist.dat")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MempoolFile returns the path of node index's persisted mempool.
func (m *Manager) MempoolFile(index int) string {
	return filepath.Join(m.RegtestDir(index), "mempool.dat")
}

// DebugLogPath returns the debug log of node index.
func (m *Manager) DebugLogPath(index int) string {
	return debugLogPath(m.Datadir(index))
}

// DebugLogContains reports whether the whole debug log of node index
// contains every substring.
func (m *Manager) DebugLogContains(index int, substrs ...string) (bool,
	error) {

	data, err := os.ReadFile(m.DebugLogPath(index))
	if err != nil {
		return false, err
	}
	return containsAll(data, substrs), nil
}

// DebugLogTail returns the last n lines of node index's debug log.
func (m *Manager) DebugLogTail(index, n int) ([]string, error) {
	f, err := os.Open(m.DebugLogPath(index))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := newLineRing(n)
	if _, err := io.Copy(ring, f); err != nil {
		return nil, err
	}
	return ring.Lines(), nil
}

// containsAll reports whether data contains every substring.
func containsAll(data []byte, substrs []string) bool {
	for _, s := range substrs {
		if !bytes.Contains(data, []byte(s)) {
			return false
		}
	}
	return true
}

// DebugLog watches the part of a node's debug log written after it was
// created.
type DebugLog struct {
	path   string
	offset int64
}

// WatchDebugLog starts watching node index's debug log at its current end.
func (m *Manager) WatchDebugLog(index int) (*DebugLog, error) {
	path := m.DebugLogPath(index)

	var offset int64
	info, err := os.Stat(path)
	switch {
	case err == nil:
		offset = info.Size()
	case !os.IsNotExist(err):
		return nil, err
	}

	return &DebugLog{path: path, offset: offset}, nil
}

// read returns everything written since the watch started.
func (d *DebugLog) read() ([]byte, error) {
	f, err := os.Open(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(d.offset, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(f)
}

// Contains reports whether the watched part contains substr. It matches the
// p2p.TestOptions DebugLog hook.
func (d *DebugLog) Contains(substr string) (bool, error) {
	data, err := d.read()
	if err != nil {
		return false, err
	}
	return bytes.Contains(data, []byte(substr)), nil
}

// Expect waits until every substring has been written to the log since the
// watch started.
func (d *DebugLog) Expect(ctx context.Context, timeout time.Duration,
	substrs ...string) error {

	if timeout == 0 {
		timeout = DefaultDebugLogTimeout
	}

	what := fmt.Sprintf("%q in %s", strings.Join(substrs, `", "`), d.path)
	return wait.For(ctx, what, timeout, func() (bool, interface{}, error) {
		data, err := d.read()
		if err != nil {
			return false, nil, err
		}
		var missing []string
		for _, s := range substrs {
			if !bytes.Contains(data, []byte(s)) {
				missing = append(missing, s)
			}
		}
		return len(missing) == 0, missing, nil
	}, wait.WithInterval(50*time.Millisecond))
}
