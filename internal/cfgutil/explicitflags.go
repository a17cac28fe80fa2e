// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import "os"

// ExplicitString is a flag value that remembers whether it was given on the
// command line or in the config file. Binary paths use it so that an
// environment variable such as $BITCOIND can sit between an explicit
// --bitcoind and the built-in default.
type ExplicitString struct {
	Value         string
	explicitlySet bool
}

// NewExplicitString creates a string flag with the provided default value.
func NewExplicitString(defaultValue string) *ExplicitString {
	return &ExplicitString{Value: defaultValue}
}

// ExplicitlySet returns whether the flag was parsed rather than defaulted.
func (e *ExplicitString) ExplicitlySet() bool { return e.explicitlySet }

// OrEnv returns the parsed value, else the non-empty value of the
// environment variable env, else the default.
func (e *ExplicitString) OrEnv(env string) string {
	if e.explicitlySet {
		return e.Value
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return e.Value
}

// MarshalFlag implements the flags.Marshaler interface.
func (e *ExplicitString) MarshalFlag() (string, error) { return e.Value, nil }

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (e *ExplicitString) UnmarshalFlag(value string) error {
	e.Value = value
	e.explicitlySet = true
	return nil
}
