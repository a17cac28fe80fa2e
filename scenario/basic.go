package scenario

import (
	"context"
	"fmt"

	"github.com/bitcoinunlimited/qaharness/portbook"
	"github.com/bitcoinunlimited/qaharness/rpc/noderpc"
	"github.com/bitcoinunlimited/qaharness/rpctest"
	"github.com/btcsuite/btcd/btcjson"
)

func init() {
	register(&Scenario{
		Name:        "port-isolation",
		Description: "two nodes started from one port seed get disjoint ports",
		PortSeed:    7,
		Run:         portIsolation,
	})
	register(&Scenario{
		Name:        "rpc-roundtrip",
		Description: "a generated block hash is returned by getblockhash",
		Run:         rpcRoundTrip,
	})
}

// portIsolation starts two nodes and checks that their service ports are
// distinct and inside the port book's window.
func portIsolation(ctx context.Context, f *rpctest.Framework,
	opts *Options) error {

	if _, err := f.Manager().StartNodes(ctx, 2, nil); err != nil {
		return err
	}

	book := f.Ports()
	if err := assertEqual("port seed", book.Seed(), int64(7)); err != nil {
		return err
	}

	low := portbook.DefaultPortMin
	high := portbook.DefaultPortMin + portbook.DefaultPortRange

	for _, kind := range []portbook.Kind{portbook.KindP2P,
		portbook.KindRPC} {

		a, err := book.Get(kind, 0)
		if err != nil {
			return err
		}
		b, err := book.Get(kind, 1)
		if err != nil {
			return err
		}
		log.Infof("%v ports: %d %d", kind, a, b)

		if err := assertf(a != b, "%v ports of node 0 and 1 are "+
			"both %d", kind, a); err != nil {

			return err
		}
		for i, p := range []int{a, b} {
			err := assertf(p >= low && p < high, "%v port %d of "+
				"node %d not in [%d, %d)", kind, p, i, low, high)
			if err != nil {
				return err
			}
		}
	}

	// Both nodes answer on their own RPC port.
	for i := 0; i < 2; i++ {
		c, err := f.Manager().Client(i)
		if err != nil {
			return err
		}
		if _, err := c.GetBlockCount(); err != nil {
			return fmt.Errorf("node %d: %w", i, err)
		}
	}
	return nil
}

// rpcRoundTrip generates one block and reads its hash back by height.
func rpcRoundTrip(ctx context.Context, f *rpctest.Framework,
	opts *Options) error {

	client, err := f.Manager().StartNode(ctx, 0, nil)
	if err != nil {
		return err
	}

	hashes, err := client.Generate(1)
	if err != nil {
		return err
	}
	if err := assertEqual("generated blocks", len(hashes), 1); err != nil {
		return err
	}

	hash, err := client.GetBlockHash(1)
	if err != nil {
		return err
	}
	if err := assertEqual("block 1 hash", hash.String(),
		hashes[0].String()); err != nil {

		return err
	}

	// Heights past the tip are refused with a structured error.
	_, err = client.GetBlockHash(2)
	err = noderpc.CheckRPCError(err, btcjson.ErrRPCInvalidParameter,
		"out of range")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAssertion, err)
	}

	before := client.LastID()
	if _, err := client.GetBlockCount(); err != nil {
		return err
	}
	return assertf(client.LastID() > before, "rpc id did not grow past %d",
		before)
}
