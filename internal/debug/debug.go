// Copyright 2025 The Darkhold Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package debug provides a mechanism to enable verbose frame-level tracing
// via the GODARKHOLD environment variable, modeled on the standard library's
// own GODEBUG convention.
//
// The value of GODARKHOLD is a comma-separated list of key=value pairs, e.g.
//
//	GODARKHOLD=frames=1,locks=1
package debug

import (
	"fmt"
	"os"
	"strings"
)

const envKey = "GODARKHOLD"

var params map[string]string

func init() {
	var err error
	params, err = parse(os.Getenv(envKey))
	if err != nil {
		panic(err)
	}
}

// Value returns the value of the named debug parameter, or "" if unset.
func Value(key string) string {
	return params[key]
}

// Enabled reports whether the named parameter is set to a truthy value.
func Enabled(key string) bool {
	switch Value(key) {
	case "", "0", "false":
		return false
	default:
		return true
	}
}

func parse(envValue string) (map[string]string, error) {
	if envValue == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, part := range strings.Split(envValue, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("GODARKHOLD: invalid format: %q", part)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
