package scenario

import (
	"context"

	"github.com/bitcoinunlimited/qaharness/rpctest"
	"github.com/bitcoinunlimited/qaharness/zmqsub"
)

func init() {
	register(&Scenario{
		Name: "zmq-notifications",
		Description: "a generated block is published on the " +
			"hashblock and rawblock topics",
		Run: zmqNotifications,
	})
}

// zmqNotifications starts a node publishing block notifications and
// checks them against a generated block.
func zmqNotifications(ctx context.Context, f *rpctest.Framework,
	opts *Options) error {

	m := f.Manager()
	args, addr, err := m.ZMQArgs(zmqsub.TopicHashBlock,
		zmqsub.TopicRawBlock)
	if err != nil {
		return err
	}
	client, err := m.StartNode(ctx, 0, &rpctest.NodeOptions{Extra: args})
	if err != nil {
		return err
	}

	sub, err := f.SubscribeZMQ(addr, zmqsub.TopicHashBlock,
		zmqsub.TopicRawBlock)
	if err != nil {
		return err
	}

	hashes, err := client.Generate(1)
	if err != nil {
		return err
	}
	want := hashes[0].String()

	// Both topics may arrive in either order.
	var gotHash, gotBlock bool
	for !gotHash || !gotBlock {
		n, err := sub.WaitFor(ctx, "", opts.timeout())
		if err != nil {
			return err
		}

		switch n.Topic {
		case zmqsub.TopicHashBlock:
			hash, err := zmqsub.DecodeHash(n)
			if err != nil {
				return err
			}
			err = assertEqual("hashblock", hash.String(), want)
			if err != nil {
				return err
			}
			gotHash = true

		case zmqsub.TopicRawBlock:
			block, err := zmqsub.DecodeBlock(n)
			if err != nil {
				return err
			}
			err = assertEqual("rawblock hash",
				block.BlockHash().String(), want)
			if err != nil {
				return err
			}
			gotBlock = true
		}
	}
	return nil
}
