package main

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"

	"github.com/hashforge/bnet/netcfg"
)

const (
	defaultLogFilename = "bnetd.log"
	defaultPort        = 8333
)

var defaultDataDir = btcutil.AppDataDir("bnetd", false)

// config is the command line and file surface of the daemon, mapped onto the
// library settings by settings().
type config struct {
	DataDir  string `long:"datadir" description:"Directory holding the hosts cache and logs"`
	LogLevel string `long:"loglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`

	Listen      []string `long:"listen" description:"Interface:port to accept inbound peers on; may be repeated"`
	ConnectPeer []string `long:"connect" description:"Peer host:port to maintain a persistent connection to; may be repeated"`
	Seed        []string `long:"seed" description:"DNS seed host:port used to bootstrap the address pool; may be repeated"`

	MaxInbound  int `long:"maxinbound" description:"Maximum inbound connections; 0 disables listening"`
	MaxOutbound int `long:"maxoutbound" description:"Maximum outbound connections; 0 disables dialing"`
	BatchSize   int `long:"batchsize" description:"Connectors raced per outbound slot"`
	PoolSize    int `long:"poolsize" description:"Host pool capacity; 0 disables seeding"`
	Threads     int `long:"threads" description:"Worker pool size"`

	ConnectTimeout time.Duration `long:"connecttimeout" description:"Resolve+connect budget per attempt"`
	RetryTimeout   time.Duration `long:"retrytimeout" description:"Delay before retrying a failed connect"`

	Blacklist []string `long:"blacklist" description:"IP or CIDR refused in both directions; may be repeated"`
	Whitelist []string `long:"whitelist" description:"If set, only these IPs or CIDRs are accepted; may be repeated"`

	NoIPv6    bool   `long:"noipv6" description:"Disable IPv6 peers"`
	UserAgent string `long:"useragent" description:"Advertised user agent"`
}

// defaultConfig returns the daemon defaults layered over the library
// defaults.
func defaultConfig() config {
	lib := netcfg.DefaultSettings()
	return config{
		DataDir:        defaultDataDir,
		LogLevel:       "info",
		MaxInbound:     lib.InboundConnections,
		MaxOutbound:    lib.OutboundConnections,
		BatchSize:      lib.ConnectBatchSize,
		PoolSize:       lib.HostPoolCapacity,
		Threads:        lib.Threads,
		ConnectTimeout: lib.ConnectTimeout,
		RetryTimeout:   lib.RetryTimeout,
		UserAgent:      lib.UserAgent,
	}
}

// loadConfig parses the command line over the defaults.
func loadConfig() (*config, error) {
	cfg := defaultConfig()
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// settings maps the daemon config onto library settings.
func (c *config) settings() (netcfg.Settings, error) {
	s := netcfg.DefaultSettings()

	s.Path = c.DataDir
	s.InboundConnections = c.MaxInbound
	s.OutboundConnections = c.MaxOutbound
	s.ConnectBatchSize = c.BatchSize
	s.HostPoolCapacity = c.PoolSize
	s.Threads = c.Threads
	s.ConnectTimeout = c.ConnectTimeout
	s.RetryTimeout = c.RetryTimeout
	s.Blacklists = c.Blacklist
	s.Whitelists = c.Whitelist
	s.EnableIPv6 = !c.NoIPv6
	if c.UserAgent != "" {
		s.UserAgent = c.UserAgent
	}

	var err error
	if s.Binds, err = parseEndpoints(c.Listen); err != nil {
		return s, fmt.Errorf("--listen: %w", err)
	}
	if s.Peers, err = parseEndpoints(c.ConnectPeer); err != nil {
		return s, fmt.Errorf("--connect: %w", err)
	}
	if s.Seeds, err = parseEndpoints(c.Seed); err != nil {
		return s, fmt.Errorf("--seed: %w", err)
	}

	if len(s.Binds) == 0 && c.MaxInbound > 0 {
		s.Binds = []netcfg.Endpoint{{
			Host: "0.0.0.0",
			Port: defaultPort,
		}}
	}

	return s, nil
}

// parseEndpoints converts host:port strings, defaulting the port.
func parseEndpoints(specs []string) ([]netcfg.Endpoint, error) {
	var endpoints []netcfg.Endpoint
	for _, spec := range specs {
		host, portStr, err := net.SplitHostPort(spec)
		if err != nil {
			// A bare host gets the default port.
			endpoints = append(endpoints, netcfg.Endpoint{
				Host: spec,
				Port: defaultPort,
			})
			continue
		}

		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("bad port in %q", spec)
		}

		endpoints = append(endpoints, netcfg.Endpoint{
			Host: host,
			Port: uint16(port),
		})
	}
	return endpoints, nil
}
