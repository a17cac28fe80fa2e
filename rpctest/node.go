// Copyright (c) 2016 The btcsuite developers
// Copyright (c) 2016 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpctest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// outputLines is the number of stdout and stderr lines kept per process.
const outputLines = 500

// nodeConfig contains all the args, and data required to launch a node
// process.
type nodeConfig struct {
	exe     string
	datadir string
	extra   []string
}

// arguments returns an array of arguments that be used to launch the node
// process.
func (n *nodeConfig) arguments() []string {
	args := []string{
		fmt.Sprintf("-datadir=%s", n.datadir),
		"-rest",
	}
	args = append(args, n.extra...)
	return args
}

// command returns the exec.Cmd which will be used to start the node process.
func (n *nodeConfig) command() *exec.Cmd {
	return exec.Command(n.exe, n.arguments()...)
}

// String returns the string representation of this nodeConfig.
func (n *nodeConfig) String() string {
	return n.datadir
}

// node houses the necessary state required to launch and watch one node
// process.
type node struct {
	config *nodeConfig

	cmd     *exec.Cmd
	pidFile string

	stdout *lineRing
	stderr *lineRing

	// exited is closed once the process has been reaped. exitErr holds
	// the result of Wait.
	exited   chan struct{}
	exitErr  error
	stopOnce sync.Once
	stopped  bool
	mtx      sync.Mutex
}

// newNode creates a new node instance according to the passed config.
func newNode(config *nodeConfig) *node {
	n := &node{
		config: config,
		cmd:    config.command(),
		stdout: newLineRing(outputLines),
		stderr: newLineRing(outputLines),
		exited: make(chan struct{}),
	}
	n.cmd.Stdout = n.stdout
	n.cmd.Stderr = n.stderr
	return n
}

// Start creates a new node process, and writes its pid in a file next to the
// datadir. This file can be used to terminate the process in case of a hang,
// or panic. In the case of a failing test case, or panic, it is important
// that the process be stopped via Stop or Kill, otherwise it will persist
// unless explicitly killed.
func (n *node) Start() error {
	if err := n.cmd.Start(); err != nil {
		close(n.exited)
		n.exitErr = err
		return err
	}

	go func() {
		err := n.cmd.Wait()
		n.mtx.Lock()
		n.exitErr = err
		n.mtx.Unlock()
		close(n.exited)
	}()

	pid, err := os.Create(fmt.Sprintf("%s.pid", n.config))
	if err != nil {
		return err
	}

	n.pidFile = pid.Name()
	if _, err = fmt.Fprintf(pid, "%d\n", n.cmd.Process.Pid); err != nil {
		pid.Close()
		return err
	}

	return pid.Close()
}

// Pid returns the process id, or 0 when the process never started.
func (n *node) Pid() int {
	if n.cmd.Process == nil {
		return 0
	}
	return n.cmd.Process.Pid
}

// FullCommand returns the full command used to start the node.
func (n *node) FullCommand() string {
	return n.cmd.Path + " " + strings.Join(n.cmd.Args[1:], " ")
}

// Exited returns a channel closed once the process is gone.
func (n *node) Exited() <-chan struct{} {
	return n.exited
}

// Running reports whether the process is still alive.
func (n *node) Running() bool {
	select {
	case <-n.exited:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit code of a reaped process and -1 otherwise.
func (n *node) ExitCode() int {
	if n.Running() || n.cmd.ProcessState == nil {
		return -1
	}
	return n.cmd.ProcessState.ExitCode()
}

// ExitErr returns the error reported when reaping the process.
func (n *node) ExitErr() error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.exitErr
}

// markStopped records that the harness asked the process to go away, so
// that its exit is not reported as unexpected.
func (n *node) markStopped() {
	n.mtx.Lock()
	n.stopped = true
	n.mtx.Unlock()
}

// Unexpected reports whether the process exited without having been asked
// to.
func (n *node) Unexpected() bool {
	n.mtx.Lock()
	stopped := n.stopped
	n.mtx.Unlock()
	return !stopped && !n.Running()
}

// Interrupt asks the process to exit. On windows, interrupt is not
// supported, so a kill signal is used instead.
func (n *node) Interrupt() error {
	if n.cmd.Process == nil || !n.Running() {
		return nil
	}
	n.markStopped()
	if runtime.GOOS == "windows" {
		return n.cmd.Process.Signal(os.Kill)
	}
	return n.cmd.Process.Signal(os.Interrupt)
}

// Kill terminates the process without waiting.
func (n *node) Kill() error {
	if n.cmd.Process == nil || !n.Running() {
		return nil
	}
	n.markStopped()
	err := n.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Wait blocks until the process has exited or ctx is done.
func (n *node) Wait(ctx context.Context) error {
	select {
	case <-n.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cleanup removes the pid file. The datadir is owned by the Manager and is
// kept so that the node can be restarted.
func (n *node) Cleanup() {
	n.stopOnce.Do(func() {
		if n.pidFile == "" {
			return
		}
		if err := os.Remove(n.pidFile); err != nil &&
			!os.IsNotExist(err) {

			log.Warnf("Unable to remove file %s: %v", n.pidFile,
				err)
		}
	})
}

// debugLogPath returns the node's debug.log in datadir.
func debugLogPath(datadir string) string {
	return filepath.Join(datadir, "regtest", "debug.log")
}
