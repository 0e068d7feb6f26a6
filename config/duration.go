// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package config

import (
	"strings"
	"time"
)

// Duration is a TOML wrapper type for time.Duration.
type Duration time.Duration

// String returns the string representation of the duration.
func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText parses a TOML value into a duration value.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = Duration(v)
	return nil
}

// MarshalText writes duration value in text format.
func (d Duration) MarshalText() (text []byte, err error) {
	return []byte(d.String()), nil
}

// Durations is a list of durations. It is written to TOML and read from
// flags and the environment as a comma separated string, and also accepts a
// TOML array of strings.
type Durations []Duration

// String implements pflag.Value.
func (ds *Durations) String() string {
	parts := make([]string, len(*ds))
	for i, d := range *ds {
		parts[i] = d.String()
	}
	return strings.Join(parts, ",")
}

// Set implements pflag.Value. It replaces the list. Empty elements are
// skipped.
func (ds *Durations) Set(s string) error {
	var out Durations
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var d Duration
		if err := d.UnmarshalText([]byte(part)); err != nil {
			return err
		}
		out = append(out, d)
	}
	*ds = out
	return nil
}

// Type implements pflag.Value.
func (ds *Durations) Type() string { return "durations" }

// MarshalText writes the list as a comma separated string.
func (ds Durations) MarshalText() ([]byte, error) {
	return []byte(ds.String()), nil
}

// UnmarshalText parses a comma separated list.
func (ds *Durations) UnmarshalText(text []byte) error {
	return ds.Set(string(text))
}
