package rpctest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bitcoinunlimited/qaharness/internal/wait"
	"github.com/bitcoinunlimited/qaharness/portbook"
	"github.com/bitcoinunlimited/qaharness/rpc/noderpc"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultStartTimeout bounds the wait for a fresh node's RPC server.
	DefaultStartTimeout = 60 * time.Second

	// DefaultStopTimeout bounds the wait for a node to exit after stop.
	DefaultStopTimeout = 60 * time.Second

	// DefaultSyncTimeout bounds connect and sync waits.
	DefaultSyncTimeout = 60 * time.Second

	// DefaultTailLines is the number of stderr lines carried by a
	// ProcessError and printed in failure reports.
	DefaultTailLines = 40

	// DefaultBinary is used when no node binary is configured.
	DefaultBinary = "bitcoind"
)

// bindFailures are stderr fragments printed by a node that lost a race for
// one of its ports.
var bindFailures = []string{
	"Unable to bind",
	"Address already in use",
	"Unable to start HTTP server",
	"Failed to listen on any port",
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Binary is the node executable. It defaults to DefaultBinary.
	Binary string

	// ElectrumBinary is the index server executable the node spawns
	// when a node is started with Electrum set. Empty leaves the
	// choice to the node.
	ElectrumBinary string

	// TmpDir is the root under which every node gets its datadir.
	TmpDir string

	// StartTimeout, StopTimeout and SyncTimeout bound the respective
	// waits. Zero selects the defaults.
	StartTimeout time.Duration
	StopTimeout  time.Duration
	SyncTimeout  time.Duration

	// RPCTimeout bounds each RPC call. Zero selects
	// noderpc.DefaultTimeout.
	RPCTimeout time.Duration
}

// NodeOptions customize a single node start.
type NodeOptions struct {
	// Extra are extra command line arguments.
	Extra []string

	// Conf is merged over DefaultConf when the configuration file is
	// written.
	Conf ConfValues

	// Electrum enables the index server.
	Electrum bool

	// Binary overrides the manager's node executable.
	Binary string

	// ExpectInitError makes the start succeed only when the node fails
	// to initialize and prints the given text to stderr.
	ExpectInitError fn.Option[string]
}

// managedNode is the manager's record of one node index.
type managedNode struct {
	index   int
	datadir string
	opts    NodeOptions

	proc   *node
	client *noderpc.Client
}

// Manager starts, connects, stops and restarts node processes. Every node
// gets its ports from the port book and its datadir under the configured
// temporary root.
//
// NOTE: This type is safe for concurrent access.
type Manager struct {
	cfg   ManagerConfig
	ports *portbook.PortBook

	mtx   sync.Mutex
	nodes map[int]*managedNode
}

// NewManager returns a manager allocating ports from ports.
func NewManager(cfg ManagerConfig, ports *portbook.PortBook) (*Manager,
	error) {

	if cfg.TmpDir == "" {
		return nil, errors.New("manager needs a temporary root")
	}
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.SyncTimeout == 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}

	return &Manager{
		cfg:   cfg,
		ports: ports,
		nodes: make(map[int]*managedNode),
	}, nil
}

// Ports returns the port book the manager allocates from.
func (m *Manager) Ports() *portbook.PortBook {
	return m.ports
}

// Datadir returns the datadir of node index.
func (m *Manager) Datadir(index int) string {
	return filepath.Join(m.cfg.TmpDir, "node"+strconv.Itoa(index))
}

// ConfPath returns the configuration file of node index.
func (m *Manager) ConfPath(index int) string {
	return filepath.Join(m.Datadir(index), ConfFileName)
}

// addr returns the loopback address of one service of node index.
func (m *Manager) addr(kind portbook.Kind, index int) (string, error) {
	port, err := m.ports.Get(kind, index)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), nil
}

// P2PAddr returns the P2P address of node index.
func (m *Manager) P2PAddr(index int) (string, error) {
	return m.addr(portbook.KindP2P, index)
}

// RPCAddr returns the RPC address of node index.
func (m *Manager) RPCAddr(index int) (string, error) {
	return m.addr(portbook.KindRPC, index)
}

// ElectrumAddr returns the address of the index server service of node
// index. Kind must be one of the electrum kinds.
func (m *Manager) ElectrumAddr(kind portbook.Kind, index int) (string,
	error) {

	switch kind {
	case portbook.KindElectrum, portbook.KindElectrumWS,
		portbook.KindElectrumMonitoring:

		return m.addr(kind, index)

	default:
		return "", fmt.Errorf("%v is not an index server port", kind)
	}
}

// lookup returns the record of node index, creating it when asked.
func (m *Manager) lookup(index int, create bool) *managedNode {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	mn, ok := m.nodes[index]
	if !ok && create {
		mn = &managedNode{index: index, datadir: m.Datadir(index)}
		m.nodes[index] = mn
	}
	return mn
}

// Client returns the RPC client of a running node.
func (m *Manager) Client(index int) (*noderpc.Client, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	mn, ok := m.nodes[index]
	if !ok || mn.client == nil || mn.proc == nil || !mn.proc.Running() {
		return nil, fmt.Errorf("node %d: %w", index, ErrNotRunning)
	}
	return mn.client, nil
}

// Running reports whether node index has a live process.
func (m *Manager) Running(index int) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	mn, ok := m.nodes[index]
	return ok && mn.proc != nil && mn.proc.Running()
}

// Indices returns the indices of all nodes with a live process, in order.
func (m *Manager) Indices() []int {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var idx []int
	for i, mn := range m.nodes {
		if mn.proc != nil && mn.proc.Running() {
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	return idx
}

// prepare creates the datadir and writes the configuration file of a node
// that is started for the first time.
func (m *Manager) prepare(mn *managedNode) error {
	ports, err := m.ports.Ports(mn.index)
	if err != nil {
		return err
	}

	conf := DefaultConf(mn.index, ports)
	if mn.opts.Electrum {
		conf["electrum"] = 1
		if m.cfg.ElectrumBinary != "" {
			conf["electrum.exec"] = m.cfg.ElectrumBinary
		}
	}
	conf = conf.Merge(mn.opts.Conf)

	path := filepath.Join(mn.datadir, ConfFileName)
	if err := WriteConfig(path, conf); err != nil {
		return err
	}
	m.ports.SetConfigFile(mn.index, path)

	log.Debugf("Wrote %s", path)
	return nil
}

// StartNode writes node index's configuration, spawns it and waits for its
// RPC server. A node that fails to bind its ports is given fresh ports and
// started once more.
func (m *Manager) StartNode(ctx context.Context, index int,
	opts *NodeOptions) (*noderpc.Client, error) {

	if opts == nil {
		opts = &NodeOptions{}
	}
	if m.Running(index) {
		return nil, fmt.Errorf("node %d: %w", index, ErrAlreadyRunning)
	}

	mn := m.lookup(index, true)
	m.mtx.Lock()
	mn.opts = *opts
	m.mtx.Unlock()

	if err := os.MkdirAll(mn.datadir, 0700); err != nil {
		return nil, err
	}
	if err := m.prepare(mn); err != nil {
		return nil, err
	}

	return m.launch(ctx, mn)
}

// RestartNode stops node index if it is running and starts it again on its
// existing datadir and configuration. opts replaces the command line
// arguments of the previous start when not nil.
func (m *Manager) RestartNode(ctx context.Context, index int,
	opts *NodeOptions) (*noderpc.Client, error) {

	if m.Running(index) {
		if err := m.StopNode(ctx, index); err != nil {
			return nil, err
		}
	}

	mn := m.lookup(index, true)
	if _, err := os.Stat(mn.datadir); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("restart node %d: %w: %s", index,
				ErrMissingDatadir, mn.datadir)
		}
		return nil, err
	}

	if opts != nil {
		m.mtx.Lock()
		mn.opts.Extra = opts.Extra
		mn.opts.Binary = opts.Binary
		mn.opts.ExpectInitError = opts.ExpectInitError
		m.mtx.Unlock()
	}

	return m.launch(ctx, mn)
}

// ExpectInitError starts node index and requires it to fail during
// initialization with text on stderr.
func (m *Manager) ExpectInitError(ctx context.Context, index int,
	opts *NodeOptions, text string) error {

	o := NodeOptions{}
	if opts != nil {
		o = *opts
	}
	o.ExpectInitError = fn.Some(text)

	_, err := m.StartNode(ctx, index, &o)
	return err
}

// launch spawns the node and waits for it, remapping the ports and trying
// once more when it could not bind.
func (m *Manager) launch(ctx context.Context,
	mn *managedNode) (*noderpc.Client, error) {

	client, err := m.spawn(ctx, mn)
	if err == nil || !errors.Is(err, ErrBindFailed) {
		return client, err
	}

	log.Warnf("Node %d could not bind its ports, remapping: %v", mn.index,
		err)
	if _, err := m.ports.Remap(mn.index); err != nil {
		return nil, err
	}

	return m.spawn(ctx, mn)
}

// spawn runs one start attempt.
func (m *Manager) spawn(ctx context.Context,
	mn *managedNode) (*noderpc.Client, error) {

	m.mtx.Lock()
	opts := mn.opts
	m.mtx.Unlock()

	exe := m.cfg.Binary
	if opts.Binary != "" {
		exe = opts.Binary
	}
	proc := newNode(&nodeConfig{
		exe:     exe,
		datadir: mn.datadir,
		extra:   opts.Extra,
	})
	if err := proc.Start(); err != nil {
		return nil, &ProcessError{Index: mn.index, Op: "spawn",
			ExitCode: -1, Err: err}
	}
	log.Infof("Started node %d as pid %d: %s", mn.index, proc.Pid(),
		proc.FullCommand())

	rpcAddr, err := m.RPCAddr(mn.index)
	if err != nil {
		proc.Kill()
		return nil, err
	}
	user, pass := RPCAuth(mn.index)
	client, err := noderpc.New(noderpc.Config{
		Host:       rpcAddr,
		User:       user,
		Pass:       pass,
		CookiePath: filepath.Join(mn.datadir, "regtest", ".cookie"),
		Timeout:    m.cfg.RPCTimeout,
	})
	if err != nil {
		proc.Kill()
		return nil, err
	}

	m.mtx.Lock()
	mn.proc = proc
	mn.client = client
	m.mtx.Unlock()

	healthErr := m.waitHealthy(ctx, mn.index, proc, client)

	if opts.ExpectInitError.IsSome() {
		expected := opts.ExpectInitError.UnwrapOr("")
		return nil, m.checkInitError(mn.index, proc, healthErr,
			expected)
	}

	if healthErr != nil {
		m.reap(proc)
		return nil, healthErr
	}

	log.Infof("Node %d is up at %s", mn.index, rpcAddr)
	return client, nil
}

// reap kills a process that failed to come up and waits for it to go. The
// process is marked stopped first so that its exit, whether it already
// happened or is caused here, is not reported as unexpected.
func (m *Manager) reap(proc *node) {
	proc.markStopped()
	if err := proc.Kill(); err != nil {
		log.Warnf("Unable to kill %s: %v", proc.FullCommand(), err)
	}
	ctx, cancel := context.WithTimeout(context.Background(),
		m.cfg.StopTimeout)
	defer cancel()
	if err := proc.Wait(ctx); err != nil {
		log.Warnf("Process %d did not exit: %v", proc.Pid(), err)
	}
	proc.Cleanup()
}

// checkInitError decides the outcome of a start that was expected to fail.
func (m *Manager) checkInitError(index int, proc *node, healthErr error,
	expected string) error {

	if healthErr == nil {
		m.reap(proc)
		return fmt.Errorf("node %d: %w", index, ErrUnexpectedStart)
	}

	var procErr *ProcessError
	if !errors.As(healthErr, &procErr) {
		m.reap(proc)
		return healthErr
	}

	// The exit was asked for by the caller.
	proc.markStopped()
	proc.Cleanup()

	stderr := proc.stderr.String()
	if !strings.Contains(stderr, expected) {
		return fmt.Errorf("node %d: %w: expected %q in %q", index,
			ErrInitErrorMismatch, expected, stderr)
	}

	log.Infof("Node %d failed to start as expected: %s", index, expected)
	return nil
}

// isTransient reports whether err is expected from a node that is still
// starting up.
func isTransient(err error) bool {
	switch {
	case noderpc.IsConnectionRefused(err),
		noderpc.IsCode(err, noderpc.ErrCodeInWarmup),
		errors.Is(err, noderpc.ErrUnauthorized),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET):

		return true
	}
	return false
}

// waitHealthy polls getblockcount until the node answers, failing as soon
// as the process exits.
func (m *Manager) waitHealthy(ctx context.Context, index int, proc *node,
	client *noderpc.Client) error {

	return wait.For(ctx, fmt.Sprintf("node %d to start", index),
		m.cfg.StartTimeout, func() (bool, interface{}, error) {
			if !proc.Running() {
				cause := ErrProcessExited
				if containsAny(proc.stderr.Lines(),
					bindFailures) {

					cause = ErrBindFailed
				}
				return false, nil, m.processError(index,
					"start", proc, cause)
			}

			height, err := client.GetBlockCount()
			switch {
			case err == nil:
				return true, height, nil

			case isTransient(err):
				return false, err.Error(), nil

			default:
				return false, nil, err
			}
		},
	)
}

// processError builds a ProcessError carrying the tail of proc's stderr.
func (m *Manager) processError(index int, op string, proc *node,
	cause error) *ProcessError {

	return &ProcessError{
		Index:    index,
		Op:       op,
		ExitCode: proc.ExitCode(),
		Stderr:   proc.stderr.Tail(DefaultTailLines),
		Err:      cause,
	}
}

// containsAny reports whether any line contains any of the fragments.
func containsAny(lines, fragments []string) bool {
	for _, line := range lines {
		for _, f := range fragments {
			if strings.Contains(line, f) {
				return true
			}
		}
	}
	return false
}

// StartNodes starts nodes 0 to n-1 in parallel. opts may be nil or hold one
// entry per node.
func (m *Manager) StartNodes(ctx context.Context, n int,
	opts []*NodeOptions) ([]*noderpc.Client, error) {

	if opts != nil && len(opts) != n {
		return nil, fmt.Errorf("%d node options for %d nodes",
			len(opts), n)
	}

	clients := make([]*noderpc.Client, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		var o *NodeOptions
		if opts != nil {
			o = opts[i]
		}
		g.Go(func() error {
			c, err := m.StartNode(gctx, i, o)
			if err != nil {
				return err
			}
			clients[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return clients, nil
}

// StopNode asks node index to shut down through RPC and waits until the
// process has exited. A process that does not exit in time is killed.
func (m *Manager) StopNode(ctx context.Context, index int) error {
	mn := m.lookup(index, false)
	if mn == nil {
		return fmt.Errorf("node %d: %w", index, ErrNotRunning)
	}
	m.mtx.Lock()
	proc, client := mn.proc, mn.client
	m.mtx.Unlock()
	if proc == nil || !proc.Running() {
		return fmt.Errorf("node %d: %w", index, ErrNotRunning)
	}

	proc.markStopped()
	if err := client.Stop(); err != nil {
		log.Warnf("Unable to stop node %d through rpc: %v", index, err)
		if err := proc.Interrupt(); err != nil {
			return &ProcessError{Index: index, Op: "stop",
				ExitCode: -1, Err: err}
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.StopTimeout)
	defer cancel()
	if err := proc.Wait(waitCtx); err != nil {
		m.reap(proc)
		return m.processError(index, "stop", proc, err)
	}
	proc.Cleanup()

	if code := proc.ExitCode(); code != 0 {
		return m.processError(index, "stop", proc,
			fmt.Errorf("abnormal termination: %v", proc.ExitErr()))
	}

	log.Infof("Node %d stopped", index)
	return nil
}

// StopNodes stops the given nodes in parallel, or every running node when
// none is given.
func (m *Manager) StopNodes(ctx context.Context, indices ...int) error {
	if len(indices) == 0 {
		indices = m.Indices()
	}

	var g errgroup.Group
	for _, i := range indices {
		i := i
		g.Go(func() error {
			return m.StopNode(ctx, i)
		})
	}
	return g.Wait()
}

// WaitAll blocks until every process the manager started has exited.
func (m *Manager) WaitAll(ctx context.Context) error {
	m.mtx.Lock()
	procs := make([]*node, 0, len(m.nodes))
	for _, mn := range m.nodes {
		if mn.proc != nil {
			procs = append(procs, mn.proc)
		}
	}
	m.mtx.Unlock()

	for _, p := range procs {
		if err := p.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// KillAll kills every process that is still running.
func (m *Manager) KillAll() {
	m.mtx.Lock()
	procs := make([]*node, 0, len(m.nodes))
	for _, mn := range m.nodes {
		if mn.proc != nil && mn.proc.Running() {
			procs = append(procs, mn.proc)
		}
	}
	m.mtx.Unlock()

	for _, p := range procs {
		m.reap(p)
	}
}

// CheckAlive returns a ProcessError for the first node whose process
// exited without being stopped by the manager.
func (m *Manager) CheckAlive() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	idx := make([]int, 0, len(m.nodes))
	for i := range m.nodes {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	for _, i := range idx {
		proc := m.nodes[i].proc
		if proc != nil && proc.Unexpected() {
			return m.processError(i, "wait", proc, ErrProcessExited)
		}
	}
	return nil
}

// waitFor polls pred for at most the sync timeout, failing early when a
// managed node dies.
func (m *Manager) waitFor(ctx context.Context, what string,
	pred wait.Predicate) error {

	return wait.For(ctx, what, m.cfg.SyncTimeout,
		func() (bool, interface{}, error) {
			if err := m.CheckAlive(); err != nil {
				return false, nil, err
			}
			return pred()
		},
	)
}

// Tail returns the last n lines node index wrote to stderr.
func (m *Manager) Tail(index, n int) []string {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	mn, ok := m.nodes[index]
	if !ok || mn.proc == nil {
		return nil
	}
	return mn.proc.stderr.Tail(n)
}

// Stdout returns the last n lines node index wrote to stdout.
func (m *Manager) Stdout(index, n int) []string {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	mn, ok := m.nodes[index]
	if !ok || mn.proc == nil {
		return nil
	}
	return mn.proc.stdout.Tail(n)
}
