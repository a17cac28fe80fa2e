package scenario

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// freshAddress returns a pay-to-pubkey-hash address of a new random key.
// Nothing has ever paid to it, so its index status starts out empty.
func freshAddress(params *chaincfg.Params) (btcutil.Address, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	pkHash := btcutil.Hash160(key.PubKey().SerializeCompressed())
	return btcutil.NewAddressPubKeyHash(pkHash, params)
}
