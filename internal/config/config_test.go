// Copyright 2025 The Darkhold Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"net"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	c, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Bind != "127.0.0.1" || c.Port != 3275 || c.RPCPort != 3276 {
		t.Errorf("defaults = %+v, want 127.0.0.1/3275/3276", c)
	}
}

func TestParseRejectsIdenticalPorts(t *testing.T) {
	_, err := Parse([]string{"--port", "9000", "--rpc-port", "9000"})
	if err == nil {
		t.Fatal("expected an error for identical --port and --rpc-port")
	}
}

func TestParseRejectsInvalidPort(t *testing.T) {
	_, err := Parse([]string{"--port", "70000"})
	if err == nil {
		t.Fatal("expected an error for an out-of-range port")
	}
}

func TestParseRejectsInvalidCIDR(t *testing.T) {
	_, err := Parse([]string{"--allow-cidr", "not-a-cidr"})
	if err == nil {
		t.Fatal("expected an error for a malformed CIDR")
	}
}

func TestIsAllowedClientLoopbackAndTailscaleAlwaysAllowed(t *testing.T) {
	c, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"::1", true},
		{"fd7a:115c:a1e0:1234::1", true},
		{"8.8.8.8", false},
		{"2001:db8::1", false},
	}
	for _, tc := range cases {
		ip := net.ParseIP(tc.ip)
		if got := c.IsAllowedClient(ip); got != tc.want {
			t.Errorf("IsAllowedClient(%s) = %v, want %v", tc.ip, got, tc.want)
		}
	}
}

func TestIsAllowedAddrHandlesLocalhostAndHostPort(t *testing.T) {
	c, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:54321", true},
		{"localhost:54321", true},
		{"localhost", true},
		{"[::1]:54321", true},
		{"8.8.8.8:443", false},
	}
	for _, tc := range cases {
		if got := c.IsAllowedAddr(tc.addr); got != tc.want {
			t.Errorf("IsAllowedAddr(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestIsAllowedClientHonorsConfiguredCIDR(t *testing.T) {
	c, err := Parse([]string{"--allow-cidr", "10.0.0.0/8"})
	if err != nil {
		t.Fatal(err)
	}
	if !c.IsAllowedClient(net.ParseIP("10.1.2.3")) {
		t.Error("10.1.2.3 should be allowed by the configured CIDR")
	}
	if c.IsAllowedClient(net.ParseIP("11.1.2.3")) {
		t.Error("11.1.2.3 should not be allowed")
	}
}
