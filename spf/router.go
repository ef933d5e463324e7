package spf

import (
	"net/netip"
)

// Interface is one addressed interface of a Router
type Interface struct {
	Name string
	Addr netip.Addr
	Mask netip.Addr
}

// Router is the Node built from a topology description.  It advertises the LSAs
// given to it and holds its own RouteTable.
type Router struct {
	Name       string
	ID         netip.Addr
	Interfaces []Interface
	Table      *RouteTable

	advertised []*LSA
	lsas       []*LSA
}

// CreateRouter is a constructor
func CreateRouter(name string, id netip.Addr) *Router {
	rtr := new(Router)
	rtr.Name = name
	rtr.ID = id
	rtr.Interfaces = make([]Interface, 0)
	rtr.Table = CreateRouteTable()
	rtr.advertised = make([]*LSA, 0)
	rtr.lsas = make([]*LSA, 0)
	return rtr
}

// AddInterface adds an interface and returns its index
func (rtr *Router) AddInterface(name string, addr, mask netip.Addr) int {
	rtr.Interfaces = append(rtr.Interfaces, Interface{Name: name, Addr: addr, Mask: mask})
	return len(rtr.Interfaces) - 1
}

// Advertise adds an LSA to those returned by DiscoverLSAs
func (rtr *Router) Advertise(lsa *LSA) {
	rtr.advertised = append(rtr.advertised, lsa)
}

// RouterID returns the router's id
func (rtr *Router) RouterID() netip.Addr {
	return rtr.ID
}

// DiscoverLSAs refreshes the LSAs the router offers and returns how many there are
func (rtr *Router) DiscoverLSAs() int {
	rtr.lsas = rtr.lsas[:0]
	for _, lsa := range rtr.advertised {
		rtr.lsas = append(rtr.lsas, lsa.Clone())
	}
	return len(rtr.lsas)
}

// GetNumLSAs returns the number of LSAs found by the last DiscoverLSAs
func (rtr *Router) GetNumLSAs() int {
	return len(rtr.lsas)
}

// GetLSA returns a copy of the discovered LSA at position idx
func (rtr *Router) GetLSA(idx int) *LSA {
	return rtr.lsas[idx].Clone()
}

// InterfaceForPrefix returns the index of the first interface whose address matches
// addr in the bits selected by mask, or -1
func (rtr *Router) InterfaceForPrefix(addr, mask netip.Addr) int {
	want := CombineMask(addr, mask)
	for idx, intrfc := range rtr.Interfaces {
		if CombineMask(intrfc.Addr, mask) == want {
			return idx
		}
	}
	return -1
}

// RoutingTable returns the router's table
func (rtr *Router) RoutingTable() RoutingTable {
	return rtr.Table
}

// Nodes converts a list of routers into the list of nodes an Engine takes
func Nodes(routers []*Router) []Node {
	nodes := make([]Node, 0, len(routers))
	for _, rtr := range routers {
		nodes = append(nodes, rtr)
	}
	return nodes
}
