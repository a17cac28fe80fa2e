package rpctest

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/bitcoinunlimited/qaharness/portbook"
	"github.com/stretchr/testify/require"
)

func TestWriteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node0", ConfFileName)

	err := WriteConfig(path, ConfValues{
		"regtest":    1,
		"server":     true,
		"listen":     false,
		"addnode":    []string{"127.0.0.1:1", "127.0.0.1:2"},
		"discover":   NoValue,
		"uacomment":  "qa",
		"maxmempool": 300,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, strings.Join([]string{
		"addnode=127.0.0.1:1",
		"addnode=127.0.0.1:2",
		"listen=0",
		"maxmempool=300",
		"regtest=1",
		"server=1",
		"uacomment=qa",
		"",
	}, "\n"), string(data))

	conf, err := ReadConfig(path)
	require.NoError(t, err)
	require.Equal(t, []string{"127.0.0.1:1", "127.0.0.1:2"},
		conf["addnode"])
	require.Equal(t, "qa", conf["uacomment"])
	require.NotContains(t, conf, "discover")
}

func TestDefaultConf(t *testing.T) {
	ports := map[portbook.Kind]int{
		portbook.KindP2P:                5001,
		portbook.KindRPC:                6001,
		portbook.KindElectrum:           7001,
		portbook.KindElectrumWS:         8001,
		portbook.KindElectrumMonitoring: 9001,
	}
	conf := DefaultConf(1, ports)

	require.Equal(t, "5001", conf["port"])
	require.Equal(t, "6001", conf["rpcport"])
	require.Equal(t, "7001", conf["electrum.port"])
	require.Equal(t, "8001", conf["electrum.ws.port"])
	require.Equal(t, "9001", conf["electrum.monitoring.port"])
	require.Equal(t, 1, conf["regtest"])
	require.Equal(t, 0, conf["discover"])
	require.Equal(t, "rpcuser1", conf["rpcuser"])

	// Scenario values win, NoValue drops a default.
	merged := conf.Merge(ConfValues{"discover": NoValue, "usecashaddr": 1})
	require.Equal(t, 1, merged["usecashaddr"])
	require.Equal(t, 0, conf["usecashaddr"])

	path := filepath.Join(t.TempDir(), ConfFileName)
	require.NoError(t, WriteConfig(path, merged))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "discover=")
	require.Contains(t, string(data), "rpcbind=127.0.0.1\n")
}

func TestRemapRewritesWrittenConfig(t *testing.T) {
	book, err := portbook.New(portbook.DefaultConfig(7))
	require.NoError(t, err)

	ports, err := book.Ports(0)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), ConfFileName)
	conf := DefaultConf(0, ports).Merge(ConfValues{
		"addnode": []string{"127.0.0.1:1"},
	})
	require.NoError(t, WriteConfig(path, conf))
	book.SetConfigFile(0, path)

	fresh, err := book.Remap(0)
	require.NoError(t, err)

	reread, err := ReadConfig(path)
	require.NoError(t, err)
	for kind, port := range fresh {
		require.Equal(t, strconv.Itoa(port), reread[kind.ConfigKey()])
	}
	require.Equal(t, "127.0.0.1:1", reread["addnode"])
	require.Equal(t, "1", reread["regtest"])
}
