package spf

import (
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/exp/slices"
)

// RoutingTable receives the routes computed for one router.  It is called once per
// exit direction per destination.
type RoutingTable interface {
	AddHostRouteTo(dest, nextHop netip.Addr, ifIndex int)
	AddNetworkRouteTo(network, mask, nextHop netip.Addr, ifIndex int)
	AddASExternalRouteTo(network, mask, nextHop netip.Addr, ifIndex int)

	// RemoveAll drops every route and returns how many there were
	RemoveAll() int
}

// RouteKind tells how a route entered the table
type RouteKind int

const (
	HostRoute RouteKind = iota
	NetworkRoute
	ExternalRoute
)

func (rk RouteKind) String() string {
	switch rk {
	case HostRoute:
		return "host"
	case NetworkRoute:
		return "network"
	case ExternalRoute:
		return "external"
	}
	return "unknown"
}

// RouteEntry is one route held by a RouteTable
type RouteEntry struct {
	Kind    RouteKind
	Dest    netip.Addr
	Mask    netip.Addr
	NextHop netip.Addr
	IfIndex int
}

func (re RouteEntry) String() string {
	return fmt.Sprintf("%s %s/%d via %s if %d", re.Kind, re.Dest, MaskBits(re.Mask), re.NextHop, re.IfIndex)
}

// Prefix returns the destination of the route as a prefix
func (re RouteEntry) Prefix() netip.Prefix {
	return netip.PrefixFrom(re.Dest, MaskBits(re.Mask)).Masked()
}

// RouteTable is a routing table kept as a list of entries in the order they were added
type RouteTable struct {
	entries []RouteEntry
}

// CreateRouteTable is a constructor
func CreateRouteTable() *RouteTable {
	return &RouteTable{entries: make([]RouteEntry, 0)}
}

// AddHostRouteTo adds a /32 route
func (rt *RouteTable) AddHostRouteTo(dest, nextHop netip.Addr, ifIndex int) {
	rt.entries = append(rt.entries, RouteEntry{Kind: HostRoute, Dest: dest, Mask: HostMask, NextHop: nextHop, IfIndex: ifIndex})
}

// AddNetworkRouteTo adds a route to a network inside the routing domain
func (rt *RouteTable) AddNetworkRouteTo(network, mask, nextHop netip.Addr, ifIndex int) {
	rt.entries = append(rt.entries, RouteEntry{Kind: NetworkRoute, Dest: network, Mask: mask, NextHop: nextHop, IfIndex: ifIndex})
}

// AddASExternalRouteTo adds a route to a network outside the routing domain
func (rt *RouteTable) AddASExternalRouteTo(network, mask, nextHop netip.Addr, ifIndex int) {
	rt.entries = append(rt.entries, RouteEntry{Kind: ExternalRoute, Dest: network, Mask: mask, NextHop: nextHop, IfIndex: ifIndex})
}

// RemoveAll drops every route and returns how many there were
func (rt *RouteTable) RemoveAll() int {
	n := len(rt.entries)
	rt.entries = rt.entries[:0]
	return n
}

// NRoutes returns the number of routes held
func (rt *RouteTable) NRoutes() int {
	return len(rt.entries)
}

// Routes returns a copy of the routes, in the order added
func (rt *RouteTable) Routes() []RouteEntry {
	return append([]RouteEntry{}, rt.entries...)
}

// Lookup returns every route sharing the longest prefix that holds dest.  More than
// one route is returned when equal cost paths were installed.
func (rt *RouteTable) Lookup(dest netip.Addr) []RouteEntry {
	best := -1
	rtn := []RouteEntry{}
	for _, re := range rt.entries {
		pfx := re.Prefix()
		if !pfx.Contains(dest) {
			continue
		}
		switch {
		case pfx.Bits() > best:
			best = pfx.Bits()
			rtn = []RouteEntry{re}
		case pfx.Bits() == best:
			rtn = append(rtn, re)
		}
	}
	return rtn
}

// SortedRoutes returns the routes ordered by destination, mask, next hop and interface
func (rt *RouteTable) SortedRoutes() []RouteEntry {
	sorted := rt.Routes()
	slices.SortFunc(sorted, func(a, b RouteEntry) int {
		if c := a.Dest.Compare(b.Dest); c != 0 {
			return c
		}
		if c := a.Mask.Compare(b.Mask); c != 0 {
			return c
		}
		if c := a.NextHop.Compare(b.NextHop); c != 0 {
			return c
		}
		if a.IfIndex != b.IfIndex {
			return a.IfIndex - b.IfIndex
		}
		return int(a.Kind) - int(b.Kind)
	})
	return sorted
}

// String lists the routes sorted, one per line
func (rt *RouteTable) String() string {
	lines := []string{}
	for _, re := range rt.SortedRoutes() {
		lines = append(lines, re.String())
	}
	return strings.Join(lines, "\n")
}
