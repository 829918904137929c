// Package dxlinkdebug provides a mechanism to configure compatibility
// and test-only knobs via the DXLINKGODEBUG environment variable.
//
// The value of DXLINKGODEBUG is a comma-separated list of key=value
// pairs, e.g. DXLINKGODEBUG=notimeout=1,foo=bar.
package dxlinkdebug

import (
	"fmt"
	"os"
	"strings"
)

const envKey = "DXLINKGODEBUG"

var params map[string]string

func init() {
	var err error
	params, err = parse(os.Getenv(envKey))
	if err != nil {
		panic(err)
	}
}

// Value returns the value of the named knob, or "" if it is not set.
func Value(key string) string {
	return params[key]
}

// NoTimeout reports whether the peer-liveness timeout has been disabled
// for this process via DXLINKGODEBUG=notimeout=1. Intended for scripted
// integration tests that drive a Connection without a real keepalive
// source.
func NoTimeout() bool {
	return Value("notimeout") == "1"
}

func parse(envValue string) (map[string]string, error) {
	if envValue == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, part := range strings.Split(envValue, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%s: invalid format: %q", envKey, part)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
