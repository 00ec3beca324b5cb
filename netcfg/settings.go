// Package netcfg defines the read-only runtime settings of the networking
// stack and the address admission filters derived from them. A Settings value
// is normalized once at startup and never mutated afterwards, so it is safe
// to share across strands.
package netcfg

import (
	"net"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/hashforge/bnet/addrmgr"
)

// Protocol version levels at which optional messages activate.
const (
	// VersionBIP31 is the level introducing nonced ping and pong.
	VersionBIP31 uint32 = 60001

	// VersionBIP61 is the level introducing the reject message.
	VersionBIP61 uint32 = 70002

	// VersionBIP130 is the level introducing sendheaders.
	VersionBIP130 uint32 = 70012
)

// Endpoint is a host and port pair. The host may be a name or a literal IP.
type Endpoint struct {
	Host string
	Port uint16
}

// String returns the canonical host:port form.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// Settings is the core-relevant configuration surface. Normalize adjusts
// Threads, ConnectBatchSize, ProtocolMaximum and MaximumAdvertisement; other
// zero values are kept as given.
type Settings struct {
	// Sizing.
	Threads             int
	InboundConnections  int
	OutboundConnections int
	ConnectBatchSize    int
	HostPoolCapacity    int
	MinimumAddressCount int
	MinimumBuffer       int
	RateLimit           int

	// Timing.
	RetryTimeout      time.Duration
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	SeedingTimeout    time.Duration
	ChannelHeartbeat  time.Duration
	ChannelInactivity time.Duration
	ChannelExpiration time.Duration
	MaximumSkew       time.Duration

	// Protocol.
	ProtocolMinimum uint32
	ProtocolMaximum uint32
	ServicesMinimum wire.ServiceFlag
	ServicesMaximum wire.ServiceFlag
	InvalidServices wire.ServiceFlag
	Identifier      uint32
	UserAgent       string

	EnableAddress   bool
	EnableAddressV2 bool
	EnableWitnessTx bool
	EnableCompact   bool
	EnableAlert     bool
	EnableReject    bool
	EnableRelay     bool
	EnableIPv6      bool
	EnableLoopback  bool

	ValidateChecksum bool

	// Addressing.
	Peers      []Endpoint
	Seeds      []Endpoint
	Selfs      []Endpoint
	Binds      []Endpoint
	Blacklists []string
	Whitelists []string

	// MaximumAdvertisement caps the entries of a getaddr response.
	MaximumAdvertisement int

	// Path is the directory holding the hosts cache.
	Path string

	// friends is the authority projection of Peers, initialized by
	// Normalize. Configured peers are never re-admitted through gossip.
	friends map[string]struct{}

	blacklistNets []*net.IPNet
	whitelistNets []*net.IPNet
}

// DefaultSettings returns mainnet-flavored defaults.
func DefaultSettings() Settings {
	return Settings{
		Threads:             4,
		InboundConnections:  64,
		OutboundConnections: 8,
		ConnectBatchSize:    5,
		HostPoolCapacity:    10000,
		MinimumAddressCount: 100,
		MinimumBuffer:       4096,

		RetryTimeout:      5 * time.Second,
		ConnectTimeout:    10 * time.Second,
		HandshakeTimeout:  30 * time.Second,
		SeedingTimeout:    30 * time.Second,
		ChannelHeartbeat:  5 * time.Minute,
		ChannelInactivity: 10 * time.Minute,
		ChannelExpiration: 60 * time.Minute,
		MaximumSkew:       2 * time.Hour,

		ProtocolMinimum: 31402,
		ProtocolMaximum: 70016,
		ServicesMinimum: wire.SFNodeNetwork,
		ServicesMaximum: wire.SFNodeNetwork | wire.SFNodeWitness,
		Identifier:      uint32(wire.MainNet),
		UserAgent:       "/bnet:0.1.0/",

		EnableAddress: true,
		EnableReject:  true,
		EnableRelay:   true,
		EnableIPv6:    true,

		ValidateChecksum: true,

		MaximumAdvertisement: 1000,
	}
}

// Normalize fills defaults, clamps nonsense values and precomputes the
// filter state. It must be called once before the settings are shared.
func (s *Settings) Normalize() {
	if s.Threads < 1 {
		s.Threads = 1
	}
	if s.ConnectBatchSize < 1 {
		s.ConnectBatchSize = 1
	}
	if s.ProtocolMaximum < s.ProtocolMinimum {
		s.ProtocolMaximum = s.ProtocolMinimum
	}
	if s.MaximumAdvertisement < 1 {
		s.MaximumAdvertisement = 1000
	}

	s.friends = make(map[string]struct{}, len(s.Peers))
	for _, peer := range s.Peers {
		s.friends[peer.String()] = struct{}{}
	}

	s.blacklistNets = parseNets(s.Blacklists)
	s.whitelistNets = parseNets(s.Whitelists)
}

// Witness reports whether we advertise witness service, which widens the
// payload ceiling and selects witness encoding.
func (s *Settings) Witness() bool {
	return s.ServicesMaximum&wire.SFNodeWitness != 0
}

// RequiredServices returns the bits a peer must advertise: node network,
// plus node witness when we advertise it ourselves.
func (s *Settings) RequiredServices() wire.ServiceFlag {
	required := s.ServicesMinimum | wire.SFNodeNetwork
	if s.Witness() {
		required |= wire.SFNodeWitness
	}
	return required
}

// Filters. The exclusion predicate composes them exactly as the address
// admission rule: excluded = invalid or disabled or insufficient or
// unsupported or peered or blacklisted or not whitelisted.

// Disabled reports an IPv6 address while IPv6 is off.
func (s *Settings) Disabled(addr addrmgr.Address) bool {
	return !s.EnableIPv6 && addr.IsV6()
}

// Insufficient reports an address missing the required service bits.
func (s *Settings) Insufficient(addr addrmgr.Address) bool {
	return addr.Services&s.RequiredServices() != s.RequiredServices()
}

// Unsupported reports an address advertising any invalid service bit.
func (s *Settings) Unsupported(addr addrmgr.Address) bool {
	return addr.Services&s.InvalidServices != 0
}

// Blacklisted reports an address inside a blacklisted range.
func (s *Settings) Blacklisted(ip net.IP) bool {
	return matchNets(s.blacklistNets, ip)
}

// Whitelisted reports an address admitted by the whitelist; an empty
// whitelist admits everyone.
func (s *Settings) Whitelisted(ip net.IP) bool {
	if len(s.whitelistNets) == 0 {
		return true
	}
	return matchNets(s.whitelistNets, ip)
}

// Peered reports an address that duplicates a configured peer.
func (s *Settings) Peered(addr addrmgr.Address) bool {
	_, ok := s.friends[addr.Authority()]
	return ok
}

// Excluded is the pool admission predicate.
func (s *Settings) Excluded(addr addrmgr.Address) bool {
	return !addr.IsValid() ||
		s.Disabled(addr) ||
		s.Insufficient(addr) ||
		s.Unsupported(addr) ||
		s.Peered(addr) ||
		s.Blacklisted(addr.IP) ||
		!s.Whitelisted(addr.IP)
}

// parseNets accepts CIDR ranges and bare IPs.
func parseNets(specs []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, spec := range specs {
		if _, ipnet, err := net.ParseCIDR(spec); err == nil {
			nets = append(nets, ipnet)
			continue
		}

		ip := net.ParseIP(spec)
		if ip == nil {
			continue
		}

		bits := 8 * net.IPv6len
		if ip.To4() != nil {
			ip = ip.To4()
			bits = 8 * net.IPv4len
		}
		nets = append(nets, &net.IPNet{
			IP:   ip,
			Mask: net.CIDRMask(bits, bits),
		})
	}
	return nets
}

func matchNets(nets []*net.IPNet, ip net.IP) bool {
	for _, ipnet := range nets {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}
