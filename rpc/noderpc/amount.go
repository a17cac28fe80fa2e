package noderpc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
)

// decimals is the number of fractional digits of a coin value.
const decimals = 8

// AmountFromJSON converts a JSON number holding a coin value, as returned by
// the node (e.g. 0.00000001), into satoshis. The conversion is exact: the
// decimal text is parsed digit by digit and never passes through float64.
// Values with more than eight significant fractional digits are rejected.
func AmountFromJSON(n json.Number) (btcutil.Amount, error) {
	s := string(n)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if strings.ContainsAny(s, "eE") {
		return 0, fmt.Errorf("amount %q: exponent notation not "+
			"supported", s)
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}

	// Digits beyond the eighth must be zero, anything else is a sub
	// satoshi value.
	if len(frac) > decimals {
		if strings.Trim(frac[decimals:], "0") != "" {
			return 0, fmt.Errorf("amount %q has sub-satoshi "+
				"precision", string(n))
		}
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", decimals-len(frac))

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", string(n), err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", string(n), err)
	}

	if w > (btcutil.MaxSatoshi / btcutil.SatoshiPerBitcoin) {
		return 0, fmt.Errorf("amount %q out of range", string(n))
	}

	sat := w*btcutil.SatoshiPerBitcoin + f
	if neg {
		sat = -sat
	}

	return btcutil.Amount(sat), nil
}

// AmountToJSON renders a as a JSON number in the node's fixed point format.
// Passing the result as a call argument sends the literal digits.
func AmountToJSON(a btcutil.Amount) json.Number {
	sat := int64(a)
	sign := ""
	if sat < 0 {
		sign = "-"
		sat = -sat
	}

	return json.Number(fmt.Sprintf("%s%d.%08d", sign,
		sat/btcutil.SatoshiPerBitcoin, sat%btcutil.SatoshiPerBitcoin))
}

// SatoshisToJSON builds a coin amount from an integer number of satoshis.
func SatoshisToJSON(sat int64) json.Number {
	return AmountToJSON(btcutil.Amount(sat))
}
