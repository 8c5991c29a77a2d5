// Copyright 2025 The Darkhold Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package config parses Darkhold's CLI flags and evaluates the client
// allow-list they configure.
package config

import (
	"flag"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// tailscaleULA is always permitted in addition to loopback and whatever
// CIDRs the operator configures.
const tailscaleULA = "fd7a:115c:a1e0::/48"

// Config is Darkhold's fully validated runtime configuration.
type Config struct {
	Bind     string
	Port     int
	RPCPort  int
	BasePath string

	allow []netip.Prefix
}

// cidrList collects repeated --allow-cidr flag occurrences.
type cidrList []string

func (c *cidrList) String() string { return fmt.Sprint([]string(*c)) }
func (c *cidrList) Set(v string) error {
	*c = append(*c, v)
	return nil
}

// Parse parses args (typically os.Args[1:]) into a validated Config.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("darkhold", flag.ContinueOnError)
	bind := fs.String("bind", "127.0.0.1", "address to listen on")
	port := fs.Int("port", 3275, "HTTP port for the browser-facing surface")
	rpcPort := fs.Int("rpc-port", 3276, "HTTP port for the RPC/event surface")
	basePath := fs.String("base-path", "", "restrict the filesystem browser to this subtree")
	var cidrs cidrList
	fs.Var(&cidrs, "allow-cidr", "additional IPv4/IPv6 CIDR to allow (repeatable)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := validPort(*port); err != nil {
		return nil, fmt.Errorf("config: --port: %w", err)
	}
	if err := validPort(*rpcPort); err != nil {
		return nil, fmt.Errorf("config: --rpc-port: %w", err)
	}
	if *port == *rpcPort {
		return nil, fmt.Errorf("config: --port and --rpc-port must differ")
	}

	allow, err := parseAllowList(cidrs)
	if err != nil {
		return nil, err
	}

	return &Config{
		Bind:     *bind,
		Port:     *port,
		RPCPort:  *rpcPort,
		BasePath: *basePath,
		allow:    allow,
	}, nil
}

func validPort(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%d is not a valid TCP port", p)
	}
	return nil
}

func parseAllowList(cidrs []string) ([]netip.Prefix, error) {
	ula, err := netip.ParsePrefix(tailscaleULA)
	if err != nil {
		return nil, fmt.Errorf("config: internal: %w", err)
	}
	allow := []netip.Prefix{ula}
	for _, s := range cidrs {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("config: --allow-cidr %q: %w", s, err)
		}
		allow = append(allow, p)
	}
	return allow, nil
}

// IsAllowedClient reports whether ip may reach the HTTP surface: loopback
// and the Tailscale ULA range are always permitted, plus any configured
// --allow-cidr.
func (c *Config) IsAllowedClient(ip net.IP) bool {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}
	addr = addr.Unmap()
	if addr.IsLoopback() {
		return true
	}
	for _, p := range c.allow {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsAllowedAddr reports whether a connection's RemoteAddr string (typically
// "host:port", occasionally a bare host with no port) may reach the HTTP
// surface. "localhost" is recognized by name, since it does not always
// resolve before net.SplitHostPort sees it.
func (c *Config) IsAllowedAddr(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = strings.Trim(remoteAddr, "[]")
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return c.IsAllowedClient(ip)
}
