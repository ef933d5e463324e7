package spf

import (
	"errors"
	"fmt"
	"net/netip"
)

// ErrDuplicateLSA is returned when a second internal LSA is offered for an address already in the database
var ErrDuplicateLSA = errors.New("duplicate LSA")

// LSDB maps link state ids to router and network LSAs, and holds a separate
// list of AS-external LSAs.  Insertion order is remembered so that scans of the
// database are deterministic.
type LSDB struct {
	database map[netip.Addr]*LSA
	order    []netip.Addr
	external []*LSA
}

// CreateLSDB is a constructor
func CreateLSDB() *LSDB {
	lsdb := new(LSDB)
	lsdb.database = make(map[netip.Addr]*LSA)
	lsdb.order = make([]netip.Addr, 0)
	lsdb.external = make([]*LSA, 0)
	return lsdb
}

// Insert places the LSA in the database.  AS-external LSAs go to the external list;
// any other LSA is keyed by addr, at most one per address.
func (lsdb *LSDB) Insert(addr netip.Addr, lsa *LSA) error {
	if lsa.Type == ASExternalLSA {
		lsdb.external = append(lsdb.external, lsa)
		return nil
	}
	if _, present := lsdb.database[addr]; present {
		return fmt.Errorf("%w at %s", ErrDuplicateLSA, addr)
	}
	lsdb.database[addr] = lsa
	lsdb.order = append(lsdb.order, addr)
	return nil
}

// Initialize marks every internal LSA as not yet explored
func (lsdb *LSDB) Initialize() {
	for _, lsa := range lsdb.database {
		lsa.Status = NotExplored
	}
}

// GetLSA returns the LSA whose link state id is addr, or nil
func (lsdb *LSDB) GetLSA(addr netip.Addr) *LSA {
	return lsdb.database[addr]
}

// GetLSAByLinkData returns the first LSA holding a transit network link record
// whose link data (the router's own address on the network) is addr, or nil
func (lsdb *LSDB) GetLSAByLinkData(addr netip.Addr) *LSA {
	for _, id := range lsdb.order {
		lsa := lsdb.database[id]
		for _, lr := range lsa.Links {
			if lr.Type == TransitNetwork && lr.LinkData == addr {
				return lsa
			}
		}
	}
	return nil
}

// GetNumExtLSAs returns the number of AS-external LSAs held
func (lsdb *LSDB) GetNumExtLSAs() int {
	return len(lsdb.external)
}

// GetExtLSA returns the AS-external LSA at position idx
func (lsdb *LSDB) GetExtLSA(idx int) *LSA {
	return lsdb.external[idx]
}

// Size returns the number of internal LSAs held
func (lsdb *LSDB) Size() int {
	return len(lsdb.database)
}

// IDs returns the link state ids of the internal LSAs in insertion order
func (lsdb *LSDB) IDs() []netip.Addr {
	return append([]netip.Addr{}, lsdb.order...)
}
