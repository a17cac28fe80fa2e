package rpctest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bitcoinunlimited/qaharness/electrum"
	"github.com/bitcoinunlimited/qaharness/p2p"
	"github.com/bitcoinunlimited/qaharness/portbook"
	"github.com/bitcoinunlimited/qaharness/rpc/noderpc"
	"github.com/bitcoinunlimited/qaharness/zmqsub"
	"github.com/btcsuite/btcd/chaincfg"
)

// FrameworkConfig configures a Framework.
type FrameworkConfig struct {
	// Binary and ElectrumBinary are passed to the Manager.
	Binary         string
	ElectrumBinary string

	// TmpDir is the parent of the per-run temporary root. Empty means
	// the system temporary directory.
	TmpDir string

	// NoCleanup keeps the temporary root on teardown.
	NoCleanup bool

	// Ports configures the port book.
	Ports portbook.Config

	// Timeouts passed to the Manager.
	StartTimeout time.Duration
	StopTimeout  time.Duration
	SyncTimeout  time.Duration
	RPCTimeout   time.Duration

	// Report receives the failure report. Nil means os.Stderr.
	Report io.Writer
}

// Framework owns everything a scenario run needs: the temporary root, the
// port book, the Manager and the auxiliary connections opened during the
// run. Teardown releases all of it.
type Framework struct {
	cfg     FrameworkConfig
	root    string
	ports   *portbook.PortBook
	manager *Manager

	mtx      sync.Mutex
	peers    []namedPeer
	indexers []*electrum.Client
	zmq      []*zmqsub.Subscriber
	failure  error
}

// namedPeer is a P2P connection labeled for the failure report.
type namedPeer struct {
	name string
	conn *p2p.Conn
}

// NewFramework creates the temporary root and the Manager.
func NewFramework(cfg FrameworkConfig) (*Framework, error) {
	ports, err := portbook.New(cfg.Ports)
	if err != nil {
		return nil, err
	}

	root, err := os.MkdirTemp(cfg.TmpDir, "qaharness-")
	if err != nil {
		return nil, err
	}

	manager, err := NewManager(ManagerConfig{
		Binary:         cfg.Binary,
		ElectrumBinary: cfg.ElectrumBinary,
		TmpDir:         root,
		StartTimeout:   cfg.StartTimeout,
		StopTimeout:    cfg.StopTimeout,
		SyncTimeout:    cfg.SyncTimeout,
		RPCTimeout:     cfg.RPCTimeout,
	}, ports)
	if err != nil {
		os.RemoveAll(root)
		return nil, err
	}

	log.Infof("Initializing test directory %s (port seed %d)", root,
		ports.Seed())

	return &Framework{
		cfg:     cfg,
		root:    root,
		ports:   ports,
		manager: manager,
	}, nil
}

// Root returns the temporary root of the run.
func (f *Framework) Root() string {
	return f.root
}

// Ports returns the port book.
func (f *Framework) Ports() *portbook.PortBook {
	return f.ports
}

// Manager returns the process manager.
func (f *Framework) Manager() *Manager {
	return f.manager
}

// Setup starts n nodes and connects them in a chain, 0 to 1 to 2 and so
// on, the way the regtest suites expect their initial topology.
func (f *Framework) Setup(ctx context.Context, n int,
	opts []*NodeOptions) ([]*noderpc.Client, error) {

	clients, err := f.manager.StartNodes(ctx, n, opts)
	if err != nil {
		return nil, err
	}
	for i := 0; i+1 < n; i++ {
		if err := f.manager.ConnectBi(ctx, i, i+1); err != nil {
			return nil, err
		}
	}
	if n > 1 {
		if err := f.manager.SyncBlocks(ctx); err != nil {
			return nil, err
		}
	}
	return clients, nil
}

// DialP2P opens a mini-node connection to node index. The connection is
// closed on teardown and its last messages show up in the failure report.
func (f *Framework) DialP2P(ctx context.Context, index int,
	cfg *p2p.Config) (*p2p.Conn, error) {

	addr, err := f.manager.P2PAddr(index)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &p2p.Config{}
	}

	conn, err := p2p.Dial(ctx, addr, cfg)
	if err != nil {
		return nil, err
	}

	f.mtx.Lock()
	f.peers = append(f.peers, namedPeer{
		name: fmt.Sprintf("p2p#%d to node %d", len(f.peers), index),
		conn: conn,
	})
	f.mtx.Unlock()

	return conn, nil
}

// DialElectrum connects an index client to node index over transport.
func (f *Framework) DialElectrum(ctx context.Context, index int,
	transport electrum.Transport) (*electrum.Client, error) {

	kind := portbook.KindElectrum
	if transport == electrum.TransportWebsocket {
		kind = portbook.KindElectrumWS
	}
	addr, err := f.manager.ElectrumAddr(kind, index)
	if err != nil {
		return nil, err
	}

	client, err := electrum.Connect(ctx, electrum.Config{
		Addr:        addr,
		Transport:   transport,
		ChainParams: &chaincfg.RegressionNetParams,
	})
	if err != nil {
		return nil, err
	}

	f.mtx.Lock()
	f.indexers = append(f.indexers, client)
	f.mtx.Unlock()

	return client, nil
}

// SubscribeZMQ subscribes to a publisher set up with Manager.ZMQArgs and
// starts receiving.
func (f *Framework) SubscribeZMQ(addr string,
	topics ...string) (*zmqsub.Subscriber, error) {

	sub, err := zmqsub.Subscribe(zmqsub.Config{Addr: addr, Topics: topics})
	if err != nil {
		return nil, err
	}
	sub.Start()

	f.mtx.Lock()
	f.zmq = append(f.zmq, sub)
	f.mtx.Unlock()

	return sub, nil
}

// Fail records err as the run's failure and writes the report: the failing
// assertion, the tail of every surviving node's stderr and debug log, and
// the last messages seen on every P2P connection.
func (f *Framework) Fail(err error) {
	f.mtx.Lock()
	if f.failure == nil {
		f.failure = err
	}
	peers := append([]namedPeer(nil), f.peers...)
	f.mtx.Unlock()

	w := f.cfg.Report
	if w == nil {
		w = os.Stderr
	}

	fmt.Fprintf(w, "Assertion failed: %v\n", err)

	for _, i := range f.manager.Indices() {
		if lines := f.manager.Tail(i, DefaultTailLines); len(lines) > 0 {
			fmt.Fprintf(w, "--- node %d stderr ---\n%s\n", i,
				strings.Join(lines, "\n"))
		}
		lines, err := f.manager.DebugLogTail(i, DefaultTailLines)
		if err != nil {
			fmt.Fprintf(w, "--- node %d debug.log: %v\n", i, err)
			continue
		}
		fmt.Fprintf(w, "--- node %d debug.log ---\n%s\n", i,
			strings.Join(lines, "\n"))
	}

	for _, p := range peers {
		fmt.Fprintf(w, "--- %s (%v) last messages: %s\n", p.name,
			p.conn.State(), strings.Join(p.conn.LastMessages(), " "))
	}
}

// Failed reports whether Fail was called.
func (f *Framework) Failed() bool {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.failure != nil
}

// Teardown closes every auxiliary connection, stops the nodes and removes
// the temporary root unless the run failed or NoCleanup is set.
func (f *Framework) Teardown(ctx context.Context) error {
	f.mtx.Lock()
	peers, indexers, zmq := f.peers, f.indexers, f.zmq
	f.peers, f.indexers, f.zmq = nil, nil, nil
	f.mtx.Unlock()

	for _, p := range peers {
		p.conn.Close()
	}
	for _, c := range indexers {
		c.Close()
	}

	var errs []error
	for _, s := range zmq {
		if err := s.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := f.manager.StopNodes(ctx); err != nil {
		log.Errorf("Unable to stop nodes: %v", err)
		errs = append(errs, err)
	}
	f.manager.KillAll()

	waitCtx, cancel := context.WithTimeout(ctx, DefaultStopTimeout)
	defer cancel()
	if err := f.manager.WaitAll(waitCtx); err != nil {
		errs = append(errs, err)
	}

	switch {
	case f.cfg.NoCleanup:
		log.Infof("Not cleaning up dir %s", f.root)

	case f.Failed():
		log.Warnf("Not cleaning up dir %s after failure", f.root)

	default:
		log.Infof("Cleaning up %s", f.root)
		if err := os.RemoveAll(f.root); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Run executes fn against the framework, reports a failure and always
// tears down. The returned error is fn's error joined with any teardown
// error.
func (f *Framework) Run(ctx context.Context,
	fn func(context.Context, *Framework) error) error {

	err := fn(ctx, f)
	if err != nil {
		f.Fail(err)
	}

	if tdErr := f.Teardown(context.Background()); tdErr != nil {
		err = errors.Join(err, tdErr)
	}

	if err != nil {
		log.Errorf("Tests failed: %v", err)
		return err
	}
	log.Infof("Tests successful")
	return nil
}
