package scenario

import (
	"bytes"
	"context"

	"github.com/bitcoinunlimited/qaharness/p2p"
	"github.com/bitcoinunlimited/qaharness/rpctest"
	"github.com/btcsuite/btcd/wire"
)

// testExtKey is the extended version key our mini-node announces.
const testExtKey = 1000

// testExtValue is announced under testExtKey.
var testExtValue = []byte("test string")

func init() {
	register(&Scenario{
		Name: "extversion-handshake",
		Description: "the node records a custom extended version " +
			"entry of a peer",
		Run: extVersionHandshake,
	})
}

// extVersionHandshake drives the extended version handshake step by step
// and checks that the node reports our custom entry for the peer.
func extVersionHandshake(ctx context.Context, f *rpctest.Framework,
	opts *Options) error {

	client, err := f.Manager().StartNode(ctx, 0, nil)
	if err != nil {
		return err
	}

	timeout := opts.timeout()
	conn, err := f.DialP2P(ctx, 0, &p2p.Config{
		ExtVersion:      true,
		ManualHandshake: true,
		ExtValues: p2p.ExtVersionMap{
			testExtKey: testExtValue,
		},
	})
	if err != nil {
		return err
	}

	if err := conn.Send(conn.VersionMsg()); err != nil {
		return err
	}
	if err := conn.WaitForCommand(ctx, wire.CmdVersion, 1,
		timeout); err != nil {

		return err
	}
	if err := conn.WaitForCommand(ctx, p2p.CmdExtVersion, 1,
		timeout); err != nil {

		return err
	}

	if err := conn.Send(conn.ExtVersionMsg()); err != nil {
		return err
	}
	if err := conn.Send(wire.NewMsgVerAck()); err != nil {
		return err
	}
	if err := conn.WaitForReady(ctx, timeout); err != nil {
		return err
	}

	remote := conn.Remote()
	log.Debugf("Node extended version map: %v", remote.ExtVersion)
	if err := assertf(conn.ExtNegotiated(), "extended version not "+
		"negotiated"); err != nil {

		return err
	}
	if early := conn.EarlyMessages(); len(early) > 0 {
		return assertf(false, "%s received in state %v before the "+
			"handshake completed", early[0].Command, early[0].State)
	}

	// Make sure the node processed our extversion before asking it.
	if err := conn.SyncWithPing(ctx, timeout); err != nil {
		return err
	}

	peers, err := client.GetPeerInfo()
	if err != nil {
		return err
	}
	for _, p := range peers {
		v, ok := p.ExtVersionValue(testExtKey)
		if ok && bytes.Equal(v, testExtValue) {
			log.Infof("Peer %s announced %q under key %d", p.Addr,
				v, testExtKey)
			return nil
		}
	}
	return assertf(false, "no peer of node 0 carries %q under extended "+
		"version key %d", testExtValue, testExtKey)
}
