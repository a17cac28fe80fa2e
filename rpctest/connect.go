package rpctest

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bitcoinunlimited/qaharness/rpc/noderpc"
	"github.com/bitcoinunlimited/qaharness/zmqsub"
)

// Connect makes node a open an outbound connection to node b and waits
// until a lists b as a peer that completed the version handshake.
func (m *Manager) Connect(ctx context.Context, a, b int) error {
	client, err := m.Client(a)
	if err != nil {
		return err
	}
	addr, err := m.P2PAddr(b)
	if err != nil {
		return err
	}

	if err := client.AddNode(addr, "onetry"); err != nil {
		return err
	}

	return m.waitFor(ctx, fmt.Sprintf("node %d to connect to node %d",
		a, b), func() (bool, interface{}, error) {

		peers, err := client.GetPeerInfo()
		if err != nil {
			return false, nil, err
		}
		for _, p := range peers {
			if p.Addr == addr && p.Version != 0 {
				return true, nil, nil
			}
		}
		return false, peerAddrs(peers), nil
	})
}

// ConnectBi connects a to b and b to a.
func (m *Manager) ConnectBi(ctx context.Context, a, b int) error {
	if err := m.Connect(ctx, a, b); err != nil {
		return err
	}
	return m.Connect(ctx, b, a)
}

// Interconnect connects every pair of the given nodes, or of all running
// nodes when none is given.
func (m *Manager) Interconnect(ctx context.Context, indices ...int) error {
	if len(indices) == 0 {
		indices = m.Indices()
	}
	for i, a := range indices {
		for _, b := range indices[i+1:] {
			if err := m.Connect(ctx, a, b); err != nil {
				return err
			}
		}
	}
	return nil
}

// DisconnectAll drops every peer of node index and waits until its peer
// list is empty.
func (m *Manager) DisconnectAll(ctx context.Context, index int) error {
	client, err := m.Client(index)
	if err != nil {
		return err
	}

	peers, err := client.GetPeerInfo()
	if err != nil {
		return err
	}
	for _, p := range peers {
		// The peer may already be gone.
		if err := client.DisconnectNode(p.Addr); err != nil {
			log.Debugf("disconnectnode %s on node %d: %v", p.Addr,
				index, err)
		}
	}

	return m.waitFor(ctx, fmt.Sprintf("node %d to drop its peers", index),
		func() (bool, interface{}, error) {
			peers, err := client.GetPeerInfo()
			if err != nil {
				return false, nil, err
			}
			return len(peers) == 0, peerAddrs(peers), nil
		},
	)
}

// peerAddrs lists the addresses of peers for diagnostics.
func peerAddrs(peers []noderpc.PeerInfo) []string {
	addrs := make([]string, len(peers))
	for i, p := range peers {
		addrs[i] = p.Addr
	}
	return addrs
}

// clients returns the RPC clients of the given nodes, or of all running
// nodes when none is given.
func (m *Manager) clients(indices []int) ([]*noderpc.Client, error) {
	if len(indices) == 0 {
		indices = m.Indices()
	}
	out := make([]*noderpc.Client, 0, len(indices))
	for _, i := range indices {
		c, err := m.Client(i)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// SyncBlocks waits until all given nodes report the same best block.
func (m *Manager) SyncBlocks(ctx context.Context, indices ...int) error {
	clients, err := m.clients(indices)
	if err != nil {
		return err
	}

	return m.waitFor(ctx, "blocks to sync",
		func() (bool, interface{}, error) {
			tips := make([]string, len(clients))
			for i, c := range clients {
				hash, err := c.GetBestBlockHash()
				if err != nil {
					return false, nil, err
				}
				tips[i] = hash.String()
			}
			for _, tip := range tips[1:] {
				if tip != tips[0] {
					return false, tips, nil
				}
			}
			return true, tips, nil
		},
	)
}

// SyncMempools waits until all given nodes hold the same set of mempool
// transactions.
func (m *Manager) SyncMempools(ctx context.Context, indices ...int) error {
	clients, err := m.clients(indices)
	if err != nil {
		return err
	}

	return m.waitFor(ctx, "mempools to sync",
		func() (bool, interface{}, error) {
			pools := make([]string, len(clients))
			for i, c := range clients {
				hashes, err := c.GetRawMempool()
				if err != nil {
					return false, nil, err
				}
				ids := make([]string, len(hashes))
				for j, h := range hashes {
					ids[j] = h.String()
				}
				sort.Strings(ids)
				pools[i] = strings.Join(ids, ",")
			}
			for _, p := range pools[1:] {
				if p != pools[0] {
					return false, pools, nil
				}
			}
			return true, nil, nil
		},
	)
}

// ElectrumRawArg returns the node argument passing arg through to the index
// server.
func ElectrumRawArg(arg string) string {
	return "-electrum.rawarg=" + arg
}

// SubscriptionLimitArg limits the scripthash subscriptions a single index
// server connection may hold.
func SubscriptionLimitArg(n int) string {
	return ElectrumRawArg(fmt.Sprintf("--scripthash-subscription-limit=%d",
		n))
}

// AliasBytesLimitArg limits the bytes of address aliases a single index
// server connection may subscribe to.
func AliasBytesLimitArg(n int) string {
	return ElectrumRawArg(fmt.Sprintf("--scripthash-alias-bytes-limit=%d",
		n))
}

// ZMQArgs reserves a port for a ZMQ publisher and returns the node
// arguments publishing topics there along with the subscriber address.
func (m *Manager) ZMQArgs(topics ...string) ([]string, string, error) {
	if len(topics) == 0 {
		topics = zmqsub.AllTopics
	}

	port, err := m.ports.Reserve()
	if err != nil {
		return nil, "", err
	}

	args := make([]string, len(topics))
	for i, t := range topics {
		args[i] = zmqsub.Endpoint(t, port)
	}
	return args, fmt.Sprintf("tcp://127.0.0.1:%d", port), nil
}
