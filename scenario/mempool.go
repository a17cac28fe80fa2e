package scenario

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/bitcoinunlimited/qaharness/internal/wait"
	"github.com/bitcoinunlimited/qaharness/rpc/noderpc"
	"github.com/bitcoinunlimited/qaharness/rpctest"
)

// persistTxs is the number of transactions put in the mempool before the
// restart.
const persistTxs = 5

func init() {
	register(&Scenario{
		Name: "mempool-persistence",
		Description: "the mempool survives a restart only when " +
			"persistence is enabled",
		Run: mempoolPersistence,
	})
}

// fillMempool matures a coinbase on the sending node and has it pay
// persistTxs times to its own addresses. The sorted txids are returned.
func fillMempool(client *noderpc.Client, opts *Options) ([]string, error) {
	if _, err := client.Generate(matureBlocks); err != nil {
		return nil, err
	}

	txids := make([]string, 0, persistTxs)
	for i := 0; i < persistTxs; i++ {
		addr, err := client.GetNewAddress()
		if err != nil {
			return nil, err
		}
		txid, err := client.SendToAddress(addr, opts.amount())
		if err != nil {
			return nil, err
		}
		txids = append(txids, txid.String())
	}
	sort.Strings(txids)
	return txids, nil
}

// mempoolIDs returns the node's mempool txids, sorted.
func mempoolIDs(client *noderpc.Client) ([]string, error) {
	hashes, err := client.GetRawMempool()
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(hashes))
	for i, h := range hashes {
		ids[i] = h.String()
	}
	sort.Strings(ids)
	return ids, nil
}

// Node indices of the persistence scenario. The transactions are sent by a
// third node so that they are not in the wallets of the restarted nodes,
// which would put them back in the mempool whatever the setting.
const (
	persistNode  = 0
	volatileNode = 1
	senderNode   = 2
	persistFleet = 3
)

// persistenceFleet returns the node options of the persistence scenario.
// The sender keeps the default setting; its mempool is never checked.
func persistenceFleet() []*rpctest.NodeOptions {
	return []*rpctest.NodeOptions{
		persistNode:  {Conf: rpctest.ConfValues{"persistmempool": 1}},
		volatileNode: {Conf: rpctest.ConfValues{"persistmempool": 0}},
		senderNode:   nil,
	}
}

// mempoolPersistence relays persistTxs transactions to a node with mempool
// persistence and one without, restarts both and checks which of them got
// the transactions back.
func mempoolPersistence(ctx context.Context, f *rpctest.Framework,
	opts *Options) error {

	m := f.Manager()
	clients, err := m.StartNodes(ctx, persistFleet, persistenceFleet())
	if err != nil {
		return err
	}
	for _, i := range []int{persistNode, volatileNode} {
		if err := m.ConnectBi(ctx, i, senderNode); err != nil {
			return err
		}
	}

	sent, err := fillMempool(clients[senderNode], opts)
	if err != nil {
		return fmt.Errorf("node %d: %w", senderNode, err)
	}
	if err := m.SyncBlocks(ctx); err != nil {
		return err
	}
	if err := m.SyncMempools(ctx); err != nil {
		return err
	}
	for _, i := range []int{persistNode, volatileNode} {
		ids, err := mempoolIDs(clients[i])
		if err != nil {
			return err
		}
		err = assertEqual(fmt.Sprintf("node %d mempool before "+
			"restart", i), ids, sent)
		if err != nil {
			return err
		}
	}

	// Nothing may relay the transactions again after the restart.
	err = m.StopNodes(ctx, persistNode, volatileNode, senderNode)
	if err != nil {
		return err
	}
	if _, err := os.Stat(m.MempoolFile(persistNode)); err != nil {
		return fmt.Errorf("%w: node %d did not persist its mempool: %v",
			ErrAssertion, persistNode, err)
	}

	// The mempool is loaded in the background after the restart.
	a, err := m.RestartNode(ctx, persistNode, nil)
	if err != nil {
		return err
	}
	var loaded []string
	err = wait.For(ctx, fmt.Sprintf("node %d to load its mempool",
		persistNode), opts.timeout(),
		func() (bool, interface{}, error) {
			ids, err := mempoolIDs(a)
			if err != nil {
				return false, nil, err
			}
			loaded = ids
			return len(ids) >= persistTxs, ids, nil
		},
	)
	if err != nil {
		return err
	}
	if err := assertEqual(fmt.Sprintf("node %d mempool after restart",
		persistNode), loaded, sent); err != nil {

		return err
	}

	b, err := m.RestartNode(ctx, volatileNode, nil)
	if err != nil {
		return err
	}
	ids, err := mempoolIDs(b)
	if err != nil {
		return err
	}
	return assertEqual(fmt.Sprintf("node %d mempool after restart",
		volatileNode), ids, []string{})
}
