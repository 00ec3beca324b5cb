package addrmgr

import (
	"net"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// Address is one known peer endpoint together with its advertised service
// bits and the time it was last seen. It is the unit of exchange between the
// host pool, the address protocol and the sessions.
type Address struct {
	IP        net.IP
	Port      uint16
	Services  wire.ServiceFlag
	Timestamp time.Time
}

// Authority returns the canonical host:port identity of the address, used for
// deduplication, reservation and logging.
func (a Address) Authority() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// IsValid reports whether the address carries a routable-looking IP and a
// non-zero port. The pool refuses invalid addresses outright.
func (a Address) IsValid() bool {
	return len(a.IP) != 0 && !a.IP.IsUnspecified() && a.Port != 0
}

// IsV6 reports whether the address is IPv6 (and not a v4-mapped v6 form).
func (a Address) IsV6() bool {
	return a.IP.To4() == nil
}

// NetAddress converts to the wire representation used by addr messages.
func (a Address) NetAddress() *wire.NetAddress {
	return &wire.NetAddress{
		Timestamp: a.Timestamp,
		Services:  a.Services,
		IP:        a.IP,
		Port:      a.Port,
	}
}

// FromNetAddress converts a wire addr entry to a pool address.
func FromNetAddress(na *wire.NetAddress) Address {
	return Address{
		IP:        na.IP,
		Port:      na.Port,
		Services:  na.Services,
		Timestamp: na.Timestamp,
	}
}
