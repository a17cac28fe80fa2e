package scenario

import (
	"context"
	"strings"

	"github.com/bitcoinunlimited/qaharness/electrum"
	"github.com/bitcoinunlimited/qaharness/rpc/noderpc"
	"github.com/bitcoinunlimited/qaharness/rpctest"
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	// scripthashSubscribe is the index subscription method for script
	// hashes.
	scripthashSubscribe = "blockchain.scripthash.subscribe"

	// addressSubscribe is the index subscription method for addresses.
	addressSubscribe = "blockchain.address.subscribe"

	// quotaLimit is the per-connection subscription limit of the quota
	// scenario.
	quotaLimit = 5

	// aliasBytesLimit is the per-connection address alias budget of the
	// quota scenario, room for exactly the two aliasAddresses.
	aliasBytesLimit = 2 * 54
)

// aliasAddresses are subscribed by address until the alias budget is
// spent. Their network does not matter to the index.
var aliasAddresses = []string{
	"bitcoincash:ppwk8u8cg8cthr3jg0czzays6hsnysykes9amw07kv",
	"bitcoincash:qrsrvtc95gg8rrag7dge3jlnfs4j9pe0ugrmeml950",
}

var regtest = &chaincfg.RegressionNetParams

func init() {
	register(&Scenario{
		Name: "index-subscription",
		Description: "scripthash notifications follow a payment " +
			"and its confirmation",
		NeedsElectrum: true,
		Run:           indexSubscription,
	})
	register(&Scenario{
		Name: "index-quota",
		Description: "the subscription limit is enforced and freed " +
			"by unsubscribing",
		NeedsElectrum: true,
		Run:           indexQuota,
	})
}

// startIndexedNode starts node 0 with the index server and waits until the
// index has caught up.
func startIndexedNode(ctx context.Context, f *rpctest.Framework,
	opts *Options, extra ...string) (*noderpc.Client, error) {

	client, err := f.Manager().StartNode(ctx, 0, &rpctest.NodeOptions{
		Electrum: true,
		Extra:    extra,
	})
	if err != nil {
		return nil, err
	}
	err = electrum.WaitForIndexHeight(ctx, client, client, -1,
		opts.timeout())
	return client, err
}

// freshTopic returns the scripthash of a new unused address.
func freshTopic() (string, string, error) {
	addr, err := freshAddress(regtest)
	if err != nil {
		return "", "", err
	}
	topic, err := electrum.AddressToTopic(addr.EncodeAddress(), regtest)
	if err != nil {
		return "", "", err
	}
	return addr.EncodeAddress(), topic, nil
}

// checkStatus validates a notification for topic and returns its status.
func checkStatus(n *electrum.Notification, topic string) (string, error) {
	if err := assertEqual("notification topic", n.Topic(),
		topic); err != nil {

		return "", err
	}
	status, ok := n.Status()
	if err := assertf(ok, "notification for %s has no status",
		topic); err != nil {

		return "", err
	}
	err := assertf(len(status) == 64 &&
		strings.Trim(status, "0") != "", "status %q of %s is not a "+
		"nonzero digest", status, topic)
	return status, err
}

// indexSubscription pays a fresh address and follows its status through
// the payment and one confirmation, over both index transports.
func indexSubscription(ctx context.Context, f *rpctest.Framework,
	opts *Options) error {

	client, err := f.Manager().StartNode(ctx, 0, &rpctest.NodeOptions{
		Electrum: true,
	})
	if err != nil {
		return err
	}
	if _, err := client.Generate(matureBlocks); err != nil {
		return err
	}
	err = electrum.WaitForIndexHeight(ctx, client, client, -1,
		opts.timeout())
	if err != nil {
		return err
	}

	tcp, err := f.DialElectrum(ctx, 0, electrum.TransportTCP)
	if err != nil {
		return err
	}
	ws, err := f.DialElectrum(ctx, 0, electrum.TransportWebsocket)
	if err != nil {
		return err
	}

	addr, topic, err := freshTopic()
	if err != nil {
		return err
	}

	initial, sub, err := tcp.Subscribe(ctx, scripthashSubscribe, topic)
	if err != nil {
		return err
	}
	if err := assertEqual("initial status of unused address",
		string(initial), "null"); err != nil {

		return err
	}
	_, wsSub, err := ws.Subscribe(ctx, scripthashSubscribe, topic)
	if err != nil {
		return err
	}

	txid, err := client.SendToAddress(addr, opts.amount())
	if err != nil {
		return err
	}
	log.Infof("Sent %v to %s in %v", opts.amount(), addr, txid)

	n, err := sub.NextTimeout(notifyTimeout)
	if err != nil {
		return err
	}
	mempoolStatus, err := checkStatus(n, topic)
	if err != nil {
		return err
	}

	n, err = wsSub.NextTimeout(notifyTimeout)
	if err != nil {
		return err
	}
	wsStatus, err := checkStatus(n, topic)
	if err != nil {
		return err
	}
	if err := assertEqual("status over websocket", wsStatus,
		mempoolStatus); err != nil {

		return err
	}
	err = electrum.WaitForIndexMempool(ctx, client, 1, opts.timeout())
	if err != nil {
		return err
	}

	if _, err := client.Generate(1); err != nil {
		return err
	}
	n, err = sub.NextTimeout(notifyTimeout)
	if err != nil {
		return err
	}
	confirmedStatus, err := checkStatus(n, topic)
	if err != nil {
		return err
	}
	err = electrum.WaitForIndexMempool(ctx, client, 0, opts.timeout())
	if err != nil {
		return err
	}

	return assertf(confirmedStatus != mempoolStatus, "status %s did not "+
		"change after confirmation", confirmedStatus)
}

// indexQuota fills the per-connection subscription limit, checks that one
// more subscription is refused and that unsubscribing frees a slot. The
// address alias budget is then checked the same way on a second
// connection.
func indexQuota(ctx context.Context, f *rpctest.Framework,
	opts *Options) error {

	client, err := startIndexedNode(ctx, f, opts,
		rpctest.SubscriptionLimitArg(quotaLimit),
		rpctest.AliasBytesLimitArg(aliasBytesLimit))
	if err != nil {
		return err
	}

	if err := scripthashQuota(ctx, f); err != nil {
		return err
	}
	return aliasQuota(ctx, f, client)
}

// refusedAt checks that err is the index refusing subscription n with the
// limit reported by isLimit.
func refusedAt(err error, n int, isLimit func(error) bool,
	msg string) error {

	return assertf(electrum.IsCode(err, electrum.ErrCodeInvalidRequest) &&
		isLimit(err), "subscription %d returned %v, want code %d "+
		"with %q", n, err, electrum.ErrCodeInvalidRequest, msg)
}

func scripthashQuota(ctx context.Context, f *rpctest.Framework) error {
	idx, err := f.DialElectrum(ctx, 0, electrum.TransportTCP)
	if err != nil {
		return err
	}

	topics := make([]string, quotaLimit+2)
	for i := range topics {
		if _, topics[i], err = freshTopic(); err != nil {
			return err
		}
	}

	for _, topic := range topics[:quotaLimit] {
		if _, _, err := idx.Subscribe(ctx, scripthashSubscribe,
			topic); err != nil {

			return err
		}
	}

	extra := topics[quotaLimit]
	_, _, err = idx.Subscribe(ctx, scripthashSubscribe, extra)
	err = refusedAt(err, quotaLimit+1, electrum.IsSubscriptionLimit,
		electrum.SubscriptionLimitMsg)
	if err != nil {
		return err
	}

	// Repeating a held subscription does not count against the limit.
	if _, _, err := idx.Subscribe(ctx, scripthashSubscribe,
		topics[0]); err != nil {

		return err
	}

	held, err := idx.Unsubscribe(ctx, scripthashSubscribe, topics[0])
	if err != nil {
		return err
	}
	if err := assertf(held, "server did not hold subscription to %s",
		topics[0]); err != nil {

		return err
	}

	if _, _, err = idx.Subscribe(ctx, scripthashSubscribe,
		extra); err != nil {

		return err
	}

	_, _, err = idx.Subscribe(ctx, scripthashSubscribe,
		topics[quotaLimit+1])
	return refusedAt(err, quotaLimit+1, electrum.IsSubscriptionLimit,
		electrum.SubscriptionLimitMsg)
}

// aliasQuota subscribes by address until the alias byte budget is spent
// and checks the refusal and the slot freed by unsubscribing.
func aliasQuota(ctx context.Context, f *rpctest.Framework,
	client *noderpc.Client) error {

	idx, err := f.DialElectrum(ctx, 0, electrum.TransportTCP)
	if err != nil {
		return err
	}

	for _, addr := range aliasAddresses {
		if _, _, err := idx.Subscribe(ctx, addressSubscribe,
			addr); err != nil {

			return err
		}
	}

	third, err := client.GetNewAddress()
	if err != nil {
		return err
	}
	n := len(aliasAddresses) + 1
	_, _, err = idx.Subscribe(ctx, addressSubscribe, third)
	err = refusedAt(err, n, electrum.IsAliasLimit,
		electrum.AliasSubscriptionLimitMsg)
	if err != nil {
		return err
	}

	held, err := idx.Unsubscribe(ctx, addressSubscribe, aliasAddresses[0])
	if err != nil {
		return err
	}
	if err := assertf(held, "server did not hold subscription to %s",
		aliasAddresses[0]); err != nil {

		return err
	}
	if _, _, err := idx.Subscribe(ctx, addressSubscribe,
		third); err != nil {

		return err
	}

	fourth, err := client.GetNewAddress()
	if err != nil {
		return err
	}
	_, _, err = idx.Subscribe(ctx, addressSubscribe, fourth)
	return refusedAt(err, n, electrum.IsAliasLimit,
		electrum.AliasSubscriptionLimitMsg)
}
