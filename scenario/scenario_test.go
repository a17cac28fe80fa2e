package scenario

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bitcoinunlimited/qaharness/portbook"
	"github.com/bitcoinunlimited/qaharness/rpctest"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

const (
	// bitcoindEnv names the node binary the end-to-end tests run against.
	bitcoindEnv = "QAHARNESS_BITCOIND"

	// electrsEnv names the index server binary.
	electrsEnv = "QAHARNESS_ELECTRS"
)

func TestRegistry(t *testing.T) {
	names := Names()
	require.Equal(t, []string{
		"extversion-handshake",
		"index-quota",
		"index-subscription",
		"mempool-persistence",
		"p2p-block-relay",
		"port-isolation",
		"rpc-roundtrip",
		"zmq-notifications",
	}, names)

	for _, name := range names {
		s, ok := Lookup(name)
		require.True(t, ok)
		require.Equal(t, name, s.Name)
		require.NotEmpty(t, s.Description)
		require.NotNil(t, s.Run)
	}

	_, ok := Lookup("no-such-scenario")
	require.False(t, ok)

	s, _ := Lookup("index-quota")
	require.True(t, s.NeedsElectrum)
	s, _ = Lookup("port-isolation")
	require.NotZero(t, s.PortSeed)

	require.Panics(t, func() {
		register(&Scenario{Name: "rpc-roundtrip"})
	})
}

func TestOptionsDefaults(t *testing.T) {
	var nilOpts *Options
	require.Equal(t, DefaultAmount, nilOpts.amount())
	require.Equal(t, DefaultTimeout, nilOpts.timeout())

	opts := &Options{Amount: btcutil.Amount(5000), Timeout: time.Second}
	require.Equal(t, btcutil.Amount(5000), opts.amount())
	require.Equal(t, time.Second, opts.timeout())
}

func TestAssertions(t *testing.T) {
	require.NoError(t, assertf(true, "never shown"))

	err := assertf(false, "count is %d", 3)
	require.ErrorIs(t, err, ErrAssertion)
	require.Contains(t, err.Error(), "count is 3")

	require.NoError(t, assertEqual("ids", []string{"a"}, []string{"a"}))

	err = assertEqual("height", int64(1), int64(2))
	require.True(t, errors.Is(err, ErrAssertion))
	require.Contains(t, err.Error(), "height: got 1, want 2")
}

func TestFreshTopic(t *testing.T) {
	addr, topic, err := freshTopic()
	require.NoError(t, err)

	decoded, err := btcutil.DecodeAddress(addr, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.True(t, decoded.IsForNet(&chaincfg.RegressionNetParams))
	require.Len(t, topic, 64)

	addr2, topic2, err := freshTopic()
	require.NoError(t, err)
	require.NotEqual(t, addr, addr2)
	require.NotEqual(t, topic, topic2)
}

// frameworkConfig returns the configuration of an end-to-end run, skipping
// the test when no node binary is configured.
func frameworkConfig(t *testing.T, s *Scenario) rpctest.FrameworkConfig {
	t.Helper()

	bitcoind := os.Getenv(bitcoindEnv)
	if bitcoind == "" {
		t.Skipf("%s not set", bitcoindEnv)
	}
	electrs := os.Getenv(electrsEnv)
	if s.NeedsElectrum && electrs == "" {
		t.Skipf("%s not set", electrsEnv)
	}

	return rpctest.FrameworkConfig{
		Binary:         bitcoind,
		ElectrumBinary: electrs,
		TmpDir:         t.TempDir(),
		Ports:          portbook.DefaultConfig(int64(os.Getpid())),
		Report:         testWriter{t},
	}
}

// testWriter sends the failure report to the test log.
type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func TestScenarios(t *testing.T) {
	for _, name := range Names() {
		s, _ := Lookup(name)
		t.Run(name, func(t *testing.T) {
			cfg := frameworkConfig(t, s)

			ctx, cancel := context.WithTimeout(context.Background(),
				5*time.Minute)
			defer cancel()

			err := Execute(ctx, s, cfg, &Options{
				Timeout: 2 * time.Minute,
			})
			require.NoError(t, err)
		})
	}
}

// The restarted nodes must not be the ones paying, or their wallets would
// refill the mempool on restart regardless of persistence.
func TestPersistenceFleet(t *testing.T) {
	fleet := persistenceFleet()
	require.Len(t, fleet, persistFleet)

	require.Equal(t, 1, fleet[persistNode].Conf["persistmempool"])
	require.Equal(t, 0, fleet[volatileNode].Conf["persistmempool"])
	require.Nil(t, fleet[senderNode])

	require.NotEqual(t, senderNode, persistNode)
	require.NotEqual(t, senderNode, volatileNode)
}

// TestAliasBudget checks the address alias budget admits exactly the two
// fixed addresses and nothing more.
func TestAliasBudget(t *testing.T) {
	total := 0
	for _, addr := range aliasAddresses {
		total += len(addr)
	}
	require.Equal(t, aliasBytesLimit, total)
	require.Equal(t, "-electrum.rawarg=--scripthash-alias-bytes-limit=108",
		rpctest.AliasBytesLimitArg(aliasBytesLimit))
}
