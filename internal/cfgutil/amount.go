// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
)

// AmountFlag embeds a btcutil.Amount and implements the flags.Marshaler and
// Unmarshaler interfaces so it can be used as a config struct field.
//
// Values are coins with an optional " BTC" suffix, or whole satoshis with a
// " sat" suffix.
type AmountFlag struct {
	btcutil.Amount
}

// NewAmountFlag creates an AmountFlag with a default btcutil.Amount.
func NewAmountFlag(defaultValue btcutil.Amount) *AmountFlag {
	return &AmountFlag{defaultValue}
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (a *AmountFlag) MarshalFlag() (string, error) {
	return a.Amount.String(), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (a *AmountFlag) UnmarshalFlag(value string) error {
	value = strings.TrimSpace(value)

	if sats, ok := strings.CutSuffix(value, "sat"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(sats), 10, 64)
		if err != nil {
			return err
		}
		if n <= 0 {
			return fmt.Errorf("amount %s must be positive", value)
		}
		a.Amount = btcutil.Amount(n)
		return nil
	}

	value = strings.TrimSpace(strings.TrimSuffix(value, "BTC"))
	valueF64, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return err
	}
	amount, err := btcutil.NewAmount(valueF64)
	if err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("amount %v must be positive", amount)
	}
	a.Amount = amount
	return nil
}
