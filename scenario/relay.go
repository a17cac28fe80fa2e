package scenario

import (
	"context"
	"fmt"

	"github.com/bitcoinunlimited/qaharness/p2p"
	"github.com/bitcoinunlimited/qaharness/rpctest"
	"github.com/btcsuite/btcd/wire"
)

func init() {
	register(&Scenario{
		Name: "p2p-block-relay",
		Description: "a mini-node is announced a new block and " +
			"fetches it",
		Run: blockRelay,
	})
}

// blockRelay connects a legacy mini-node, generates a block and fetches it
// through inv and getdata.
func blockRelay(ctx context.Context, f *rpctest.Framework,
	opts *Options) error {

	client, err := f.Manager().StartNode(ctx, 0, nil)
	if err != nil {
		return err
	}

	timeout := opts.timeout()
	conn, err := f.DialP2P(ctx, 0, &p2p.Config{})
	if err != nil {
		return err
	}
	if err := conn.WaitForReady(ctx, timeout); err != nil {
		return err
	}

	hashes, err := client.Generate(1)
	if err != nil {
		return err
	}
	hash := *hashes[0]
	iv := wire.NewInvVect(wire.InvTypeBlock, &hash)

	err = conn.WaitFor(ctx, fmt.Sprintf("inv of block %v", hash), timeout,
		func() bool {
			return conn.Store().HasInv(*iv)
		},
	)
	if err != nil {
		return err
	}

	getData := wire.NewMsgGetData()
	if err := getData.AddInvVect(iv); err != nil {
		return err
	}
	if err := conn.Send(getData); err != nil {
		return err
	}

	err = conn.WaitFor(ctx, fmt.Sprintf("block %v", hash), timeout,
		func() bool {
			_, ok := conn.Store().Block(hash)
			return ok
		},
	)
	if err != nil {
		return err
	}

	block, _ := conn.Store().Block(hash)
	return assertEqual("relayed block hash", block.BlockHash(), hash)
}
