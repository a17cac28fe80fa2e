// Package portbook hands out TCP ports to the nodes of a test run. Ports are
// derived from a per-process seed so that concurrent test processes on one
// host land in disjoint windows, and can be replaced at random when a node
// fails to bind.
package portbook

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
)

// Kind enumerates the services a node exposes on its own port.
type Kind uint8

const (
	// KindP2P is the peer-to-peer listen port.
	KindP2P Kind = iota

	// KindRPC is the JSON-RPC port.
	KindRPC

	// KindElectrum is the index server's line-delimited JSON-RPC port.
	KindElectrum

	// KindElectrumWS is the index server's websocket port.
	KindElectrumWS

	// KindElectrumMonitoring is the index server's telemetry port.
	KindElectrumMonitoring

	// numKinds must stay last.
	numKinds
)

// Kinds lists every service kind in allocation order.
var Kinds = []Kind{
	KindP2P, KindRPC, KindElectrum, KindElectrumWS, KindElectrumMonitoring,
}

// String returns a human readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindP2P:
		return "p2p"
	case KindRPC:
		return "rpc"
	case KindElectrum:
		return "electrum"
	case KindElectrumWS:
		return "electrum-ws"
	case KindElectrumMonitoring:
		return "electrum-monitoring"
	default:
		return "unknown kind " + strconv.Itoa(int(k))
	}
}

// ConfigKey returns the node configuration file key carrying the port.
func (k Kind) ConfigKey() string {
	switch k {
	case KindP2P:
		return "port"
	case KindRPC:
		return "rpcport"
	case KindElectrum:
		return "electrum.port"
	case KindElectrumWS:
		return "electrum.ws.port"
	case KindElectrumMonitoring:
		return "electrum.monitoring.port"
	default:
		return ""
	}
}

const (
	// DefaultMaxNodes is the largest fleet a single test may start.
	DefaultMaxNodes = 8

	// DefaultPortMin is the lowest port handed out.
	DefaultPortMin = 5000

	// DefaultPortRange is the width of the window above PortMin.
	DefaultPortRange = 5000

	// DefaultRemapAttempts bounds the random draws made per port.
	DefaultRemapAttempts = 64
)

// Config holds the parameters of a PortBook.
type Config struct {
	// Seed separates concurrently running test processes. Two books with
	// different seeds compute different deterministic ports. Zero means
	// use the process id.
	Seed int64

	// MaxNodes bounds the node index.
	MaxNodes int

	// PortMin and PortRange define the window [PortMin,
	// PortMin+PortRange) all ports are drawn from.
	PortMin   int
	PortRange int

	// RemapAttempts bounds the random draws made for a single port
	// before giving up.
	RemapAttempts int

	// IsFree reports whether a port can be bound on this host. It is
	// consulted for random draws only. Nil means probe by listening on
	// the loopback interface.
	IsFree func(port int) bool
}

// DefaultConfig returns the configuration used when the caller has no
// preference other than the seed.
func DefaultConfig(seed int64) Config {
	return Config{
		Seed:          seed,
		MaxNodes:      DefaultMaxNodes,
		PortMin:       DefaultPortMin,
		PortRange:     DefaultPortRange,
		RemapAttempts: DefaultRemapAttempts,
	}
}

// slot identifies one (kind, index) pair.
type slot struct {
	kind  Kind
	index int
}

// PortBook allocates ports per (kind, node index). All ports it has handed
// out are distinct and lie inside the configured window.
//
// NOTE: This type is safe for concurrent access, although the harness only
// allocates from a single goroutine.
type PortBook struct {
	cfg Config

	// stride is the width of each kind's sub-window in deterministic
	// mode. seedOffset is the per-process shift inside it.
	stride     int
	seedOffset int

	mtx         sync.Mutex
	assigned    map[slot]int
	inUse       map[int]struct{}
	configFiles map[int]string
	rand        *rand.Rand
}

// New creates a PortBook from cfg, filling in defaults for unset fields.
func New(cfg Config) (*PortBook, error) {
	if cfg.Seed == 0 {
		cfg.Seed = int64(os.Getpid())
	}
	if cfg.MaxNodes == 0 {
		cfg.MaxNodes = DefaultMaxNodes
	}
	if cfg.PortMin == 0 {
		cfg.PortMin = DefaultPortMin
	}
	if cfg.PortRange == 0 {
		cfg.PortRange = DefaultPortRange
	}
	if cfg.RemapAttempts == 0 {
		cfg.RemapAttempts = DefaultRemapAttempts
	}
	if cfg.IsFree == nil {
		cfg.IsFree = probeLoopback
	}

	stride := cfg.PortRange / int(numKinds)
	if stride <= cfg.MaxNodes {
		return nil, &PortError{
			Op:    "new",
			Index: -1,
			Err: fmt.Errorf("port range %d too small for %d "+
				"nodes", cfg.PortRange, cfg.MaxNodes),
		}
	}
	if cfg.PortMin+cfg.PortRange > 65536 {
		return nil, &PortError{
			Op:    "new",
			Index: -1,
			Err: fmt.Errorf("port window [%d, %d) exceeds 65535",
				cfg.PortMin, cfg.PortMin+cfg.PortRange),
		}
	}

	seedOffset := int((int64(cfg.MaxNodes) * cfg.Seed) %
		int64(stride-cfg.MaxNodes))
	if seedOffset < 0 {
		seedOffset += stride - cfg.MaxNodes
	}

	log.Debugf("Port book seed=%d window=[%d,%d) stride=%d offset=%d",
		cfg.Seed, cfg.PortMin, cfg.PortMin+cfg.PortRange, stride,
		seedOffset)

	return &PortBook{
		cfg:         cfg,
		stride:      stride,
		seedOffset:  seedOffset,
		assigned:    make(map[slot]int),
		inUse:       make(map[int]struct{}),
		configFiles: make(map[int]string),
		rand:        rand.New(rand.NewSource(cfg.Seed)), //nolint:gosec
	}, nil
}

// Seed returns the seed in effect.
func (b *PortBook) Seed() int64 {
	return b.cfg.Seed
}

// MaxNodes returns the highest node index plus one.
func (b *PortBook) MaxNodes() int {
	return b.cfg.MaxNodes
}

// Get returns the port of the given kind for node index. The first request
// for a pair computes the deterministic port for the seed; later requests
// return the cached value, which a Remap may have replaced.
func (b *PortBook) Get(kind Kind, index int) (int, error) {
	if index < 0 || index >= b.cfg.MaxNodes {
		return 0, &PortError{Op: "get", Index: index,
			Err: ErrIndexOutOfRange}
	}
	if kind >= numKinds {
		return 0, &PortError{Op: "get", Index: index,
			Err: fmt.Errorf("unknown service %v", kind)}
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	s := slot{kind: kind, index: index}
	if port, ok := b.assigned[s]; ok {
		return port, nil
	}

	port := b.cfg.PortMin + int(kind)*b.stride + index + b.seedOffset

	// A random draw for another slot may already own the deterministic
	// port. Fall back to a random one rather than hand it out twice.
	if _, taken := b.inUse[port]; taken {
		var err error
		port, err = b.drawLocked()
		if err != nil {
			return 0, &PortError{Op: "get", Index: index, Err: err}
		}
		log.Debugf("Deterministic %v port for node %d taken, using %d",
			kind, index, port)
	}

	b.assigned[s] = port
	b.inUse[port] = struct{}{}

	return port, nil
}

// Ports returns every service port of node index.
func (b *PortBook) Ports(index int) (map[Kind]int, error) {
	ports := make(map[Kind]int, numKinds)
	for _, kind := range Kinds {
		port, err := b.Get(kind, index)
		if err != nil {
			return nil, err
		}
		ports[kind] = port
	}
	return ports, nil
}

// SetConfigFile records the configuration file of node index so that a
// later Remap rewrites it.
func (b *PortBook) SetConfigFile(index int, path string) {
	b.mtx.Lock()
	b.configFiles[index] = path
	b.mtx.Unlock()
}

// Remap replaces every service port of node index by a fresh random port in
// the window that collides with nothing assigned, and rewrites the node's
// configuration file if one was recorded. The new ports are returned.
func (b *PortBook) Remap(index int) (map[Kind]int, error) {
	if index < 0 || index >= b.cfg.MaxNodes {
		return nil, &PortError{Op: "remap", Index: index,
			Err: ErrIndexOutOfRange}
	}

	b.mtx.Lock()

	fresh := make(map[Kind]int, numKinds)
	for _, kind := range Kinds {
		port, err := b.drawLocked()
		if err != nil {
			// Return what was drawn so far to the pool.
			for _, p := range fresh {
				delete(b.inUse, p)
			}
			b.mtx.Unlock()
			return nil, &PortError{Op: "remap", Index: index,
				Err: err}
		}
		fresh[kind] = port
		b.inUse[port] = struct{}{}
	}

	for kind, port := range fresh {
		s := slot{kind: kind, index: index}
		if old, ok := b.assigned[s]; ok {
			delete(b.inUse, old)
		}
		b.assigned[s] = port
	}
	path := b.configFiles[index]

	b.mtx.Unlock()

	log.Infof("Remapped ports of node %d: %v", index, formatPorts(fresh))

	if path == "" {
		return fresh, nil
	}
	if err := RewriteConfig(path, fresh); err != nil {
		return nil, &PortError{Op: "remap", Index: index, Err: err}
	}

	return fresh, nil
}

// Reserve draws a random free port that belongs to no node service, for
// auxiliary endpoints such as ZMQ publishers. The port is never handed out
// again by this book.
func (b *PortBook) Reserve() (int, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	port, err := b.drawLocked()
	if err != nil {
		return 0, &PortError{Op: "reserve", Index: -1, Err: err}
	}
	b.inUse[port] = struct{}{}

	return port, nil
}

// drawLocked picks a random port in the window that is neither assigned nor
// bound on the host.
//
// NOTE: The mutex MUST be held when calling this method.
func (b *PortBook) drawLocked() (int, error) {
	for i := 0; i < b.cfg.RemapAttempts; i++ {
		port := b.cfg.PortMin + b.rand.Intn(b.cfg.PortRange)
		if _, taken := b.inUse[port]; taken {
			continue
		}
		if !b.cfg.IsFree(port) {
			continue
		}
		return port, nil
	}

	return 0, ErrPortsExhausted
}

// probeLoopback reports whether port can currently be bound on 127.0.0.1.
func probeLoopback(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1",
		strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// formatPorts renders a port map in kind order for logging.
func formatPorts(ports map[Kind]int) string {
	kinds := make([]Kind, 0, len(ports))
	for k := range ports {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	s := ""
	for i, k := range kinds {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%v=%d", k, ports[k])
	}
	return s
}
