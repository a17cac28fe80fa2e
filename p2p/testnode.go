package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/bitcoinunlimited/qaharness/internal/wait"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// DefaultTestTimeout bounds each wait of SendBlocksAndTest and
// SendTxsAndTest.
const DefaultTestTimeout = 60 * time.Second

// NodeView is the part of the node's RPC interface the send helpers use
// to check the outcome.
type NodeView interface {
	GetBestBlockHash() (*chainhash.Hash, error)
	GetRawMempool() ([]*chainhash.Hash, error)
}

// TestOptions describe the expected outcome of pushing objects to the
// node.
type TestOptions struct {
	// Success expects the node to accept everything.
	Success bool

	// ForceSend pushes blocks directly instead of announcing them and
	// waiting for getdata.
	ForceSend bool

	// RejectReason, when set, must show up in the node's debug log or in
	// a reject message.
	RejectReason fn.Option[string]

	// DebugLog searches the node's debug log. It is required when
	// RejectReason is set and no reject message is expected.
	DebugLog func(substr string) (bool, error)

	// ExpectDisconnect expects the node to drop the connection.
	ExpectDisconnect bool

	// ExpectBan expects the node to drop the connection and ban our
	// address. It implies ExpectDisconnect.
	ExpectBan bool

	// Banned asks the node whether our address is banned, typically
	// through listbanned. Without it the ban is confirmed by a reconnect
	// that the node refuses or drops.
	Banned func() (bool, error)

	// Timeout bounds each wait. Zero means DefaultTestTimeout.
	Timeout time.Duration
}

func (o *TestOptions) timeout() time.Duration {
	if o.Timeout == 0 {
		return DefaultTestTimeout
	}
	return o.Timeout
}

// SendBlocksAndTest offers blocks to the node and checks the result. On
// success the node's best block must become the last block; otherwise it
// must not.
func (c *Conn) SendBlocksAndTest(ctx context.Context,
	blocks []*wire.MsgBlock, node NodeView, opts TestOptions) error {

	if len(blocks) == 0 {
		return fmt.Errorf("no blocks to send")
	}
	timeout := opts.timeout()
	last := blocks[len(blocks)-1].BlockHash()

	c.store.Offer(blocks, nil)

	if opts.ForceSend {
		for _, b := range blocks {
			if err := c.Send(b); err != nil {
				return err
			}
		}
	} else {
		inv := wire.NewMsgInv()
		for _, b := range blocks {
			hash := b.BlockHash()
			err := inv.AddInvVect(wire.NewInvVect(
				wire.InvTypeBlock, &hash,
			))
			if err != nil {
				return err
			}
		}
		if err := c.Send(inv); err != nil {
			return err
		}
		err := c.WaitFor(ctx, fmt.Sprintf("getdata for block %v",
			last), timeout, func() bool {

			return c.store.Requested(last)
		})
		if err != nil {
			return err
		}
	}

	if err := c.settle(ctx, &opts); err != nil {
		return err
	}

	if opts.Success {
		return wait.For(ctx, fmt.Sprintf("best block %v", last),
			timeout, func() (bool, interface{}, error) {
				best, err := node.GetBestBlockHash()
				if err != nil {
					return false, nil, err
				}
				return best.IsEqual(&last), best, nil
			},
		)
	}

	best, err := node.GetBestBlockHash()
	if err != nil {
		return err
	}
	if best.IsEqual(&last) {
		return fmt.Errorf("node accepted block %v that should have "+
			"been rejected", last)
	}
	return nil
}

// SendTxsAndTest pushes txs to the node and checks the result. On success
// every transaction must enter the mempool; otherwise none may.
func (c *Conn) SendTxsAndTest(ctx context.Context, txs []*wire.MsgTx,
	node NodeView, opts TestOptions) error {

	timeout := opts.timeout()
	c.store.Offer(nil, txs)

	for _, tx := range txs {
		if err := c.Send(tx); err != nil {
			return err
		}
	}

	if err := c.settle(ctx, &opts); err != nil {
		return err
	}

	inMempool := func() (map[chainhash.Hash]struct{}, error) {
		pool, err := node.GetRawMempool()
		if err != nil {
			return nil, err
		}
		set := make(map[chainhash.Hash]struct{}, len(pool))
		for _, h := range pool {
			set[*h] = struct{}{}
		}
		return set, nil
	}

	if opts.Success {
		return wait.For(ctx, fmt.Sprintf("%d transactions in mempool",
			len(txs)), timeout, func() (bool, interface{}, error) {

			set, err := inMempool()
			if err != nil {
				return false, nil, err
			}
			for _, tx := range txs {
				if _, ok := set[tx.TxHash()]; !ok {
					return false, len(set), nil
				}
			}
			return true, len(set), nil
		})
	}

	set, err := inMempool()
	if err != nil {
		return err
	}
	for _, tx := range txs {
		hash := tx.TxHash()
		if _, ok := set[hash]; ok {
			return fmt.Errorf("transaction %v entered the mempool "+
				"but should have been rejected", hash)
		}
	}
	return nil
}

// settle waits for the node to finish processing what was sent: either
// the expected disconnect or a ping round trip, followed by the expected
// reject reason.
func (c *Conn) settle(ctx context.Context, opts *TestOptions) error {
	timeout := opts.timeout()

	if opts.ExpectDisconnect || opts.ExpectBan {
		if err := c.WaitForDisconnect(ctx, timeout); err != nil {
			return err
		}
		if opts.ExpectBan {
			if err := c.checkBanned(ctx, opts); err != nil {
				return err
			}
		}
	} else if err := c.SyncWithPing(ctx, timeout); err != nil {
		return err
	}

	if opts.RejectReason.IsNone() {
		return nil
	}
	reason := opts.RejectReason.UnwrapOr("")

	return wait.For(ctx, fmt.Sprintf("reject reason %q", reason), timeout,
		func() (bool, interface{}, error) {
			if rej := c.store.LastReject(); rej != nil &&
				strings.Contains(rej.Reason, reason) {

				return true, rej.Reason, nil
			}
			if opts.DebugLog == nil {
				return false, nil, nil
			}
			found, err := opts.DebugLog(reason)
			return found, nil, err
		},
	)
}

// checkBanned confirms that the node banned us after disconnecting.
func (c *Conn) checkBanned(ctx context.Context, opts *TestOptions) error {
	timeout := opts.timeout()

	if opts.Banned != nil {
		err := wait.For(ctx, "ban", timeout,
			func() (bool, interface{}, error) {
				banned, err := opts.Banned()
				return banned, banned, err
			},
		)
		var timeoutErr *wait.TimeoutError
		if errors.As(err, &timeoutErr) {
			return fmt.Errorf("%w: %w", ErrNotBanned, err)
		}
		return err
	}

	addr := c.RemoteAddr().String()
	d := net.Dialer{Timeout: DefaultDialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return nil
	case err != nil:
		return fmt.Errorf("reconnect to %s: %w", addr, err)
	}
	defer nc.Close()

	// A node drops banned peers right after accept and never speaks
	// first, so anything but a hangup means the address is welcome.
	_ = nc.SetReadDeadline(time.Now().Add(timeout))
	_, err = nc.Read(make([]byte, 1))
	if err != nil && isRemoteClose(err) {
		return nil
	}
	return fmt.Errorf("%w: reconnect to %s stayed open", ErrNotBanned,
		addr)
}
