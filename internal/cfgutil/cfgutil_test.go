package cfgutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

func TestAmountFlag(t *testing.T) {
	tests := []struct {
		in      string
		want    btcutil.Amount
		wantErr bool
	}{
		{in: "1", want: btcutil.SatoshiPerBitcoin},
		{in: "0.5 BTC", want: btcutil.SatoshiPerBitcoin / 2},
		{in: "1500 sat", want: 1500},
		{in: "1500sat", want: 1500},
		{in: "0", wantErr: true},
		{in: "-3 sat", wantErr: true},
		{in: "1.5 sat", wantErr: true},
		{in: "lots", wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.in, func(t *testing.T) {
			a := NewAmountFlag(7)
			err := a.UnmarshalFlag(test.in)
			if test.wantErr {
				require.Error(t, err)
				require.Equal(t, btcutil.Amount(7), a.Amount)
				return
			}
			require.NoError(t, err)
			require.Equal(t, test.want, a.Amount)
		})
	}

	a := NewAmountFlag(btcutil.SatoshiPerBitcoin)
	s, err := a.MarshalFlag()
	require.NoError(t, err)
	require.Equal(t, "1 BTC", s)
}

func TestExplicitString(t *testing.T) {
	e := NewExplicitString("bitcoind")
	require.False(t, e.ExplicitlySet())

	v, err := e.MarshalFlag()
	require.NoError(t, err)
	require.Equal(t, "bitcoind", v)

	t.Setenv("QAHARNESS_TEST_BINARY", "/env/bitcoind")
	require.Equal(t, "/env/bitcoind", e.OrEnv("QAHARNESS_TEST_BINARY"))
	t.Setenv("QAHARNESS_TEST_BINARY", "")
	require.Equal(t, "bitcoind", e.OrEnv("QAHARNESS_TEST_BINARY"))

	require.NoError(t, e.UnmarshalFlag("/opt/bu/bitcoind"))
	require.True(t, e.ExplicitlySet())
	require.Equal(t, "/opt/bu/bitcoind", e.Value)

	t.Setenv("QAHARNESS_TEST_BINARY", "/env/bitcoind")
	require.Equal(t, "/opt/bu/bitcoind", e.OrEnv("QAHARNESS_TEST_BINARY"))
}

func TestBinaryPath(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "bitcoind")
	conf := filepath.Join(dir, "bitcoin.conf")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0700))
	require.NoError(t, os.WriteFile(conf, nil, 0600))

	got, err := BinaryPath(bin)
	require.NoError(t, err)
	require.Equal(t, bin, got)

	_, err = BinaryPath(conf)
	require.ErrorContains(t, err, "not executable")

	_, err = BinaryPath(dir)
	require.ErrorContains(t, err, "is a directory")

	_, err = BinaryPath(filepath.Join(dir, "electrs"))
	require.ErrorContains(t, err, "does not exist")

	t.Setenv("PATH", dir)
	got, err = BinaryPath("bitcoind")
	require.NoError(t, err)
	require.Equal(t, bin, got)
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qaharness.conf")

	ok, err := FileExists(path)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, os.WriteFile(path, nil, 0600))
	ok, err = FileExists(path)
	require.NoError(t, err)
	require.True(t, ok)
}
