package electrum

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// ScriptToTopic returns the subscription topic of a locking script: the
// SHA-256 of the script, byte reversed, in hex.
func ScriptToTopic(script []byte) string {
	sum := sha256.Sum256(script)
	for i, j := 0, len(sum)-1; i < j; i, j = i+1, j-1 {
		sum[i], sum[j] = sum[j], sum[i]
	}
	return hex.EncodeToString(sum[:])
}

// AddressToTopic decodes addr for params and returns the topic of its
// locking script.
func AddressToTopic(addr string, params *chaincfg.Params) (string, error) {
	a, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return "", err
	}
	script, err := txscript.PayToAddrScript(a)
	if err != nil {
		return "", err
	}
	return ScriptToTopic(script), nil
}
