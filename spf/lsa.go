package spf

// lsa.go holds the link state advertisement model that the SPF computation
// consumes.  A router advertises a router-LSA listing its links; the designated
// router of a multi-access (transit) network advertises a network-LSA listing the
// routers attached to it; a router that knows about destinations outside the area
// advertises one AS-external LSA per such destination.

import (
	"fmt"
	"net/netip"
	"strings"
)

// LinkType identifies the kind of a link record inside a router-LSA
type LinkType int

const (
	UnknownLink LinkType = iota
	PointToPoint
	TransitNetwork
	StubNetwork
	VirtualLink
)

var ltToStr map[LinkType]string = map[LinkType]string{UnknownLink: "unknown", PointToPoint: "p2p",
	TransitNetwork: "transit", StubNetwork: "stub", VirtualLink: "virtual"}

var strToLT map[string]LinkType = map[string]LinkType{"unknown": UnknownLink, "p2p": PointToPoint,
	"transit": TransitNetwork, "stub": StubNetwork, "virtual": VirtualLink}

func (lt LinkType) String() string {
	return ltToStr[lt]
}

// LinkRecord describes one link of a router.
//   - For a PointToPoint link, LinkID is the router id of the neighbor and
//     LinkData is the address of the local interface on the link.
//   - For a TransitNetwork link, LinkID is the address of the network's designated
//     router (the link state id of its network-LSA) and LinkData is the address of
//     the local interface on the network.
//   - For a StubNetwork link, LinkID is the network address and LinkData is its mask.
type LinkRecord struct {
	Type     LinkType
	LinkID   netip.Addr
	LinkData netip.Addr
	Metric   uint16
}

func (lr LinkRecord) String() string {
	return fmt.Sprintf("%s id %s data %s metric %d", lr.Type, lr.LinkID, lr.LinkData, lr.Metric)
}

// LSType identifies the kind of an LSA
type LSType int

const (
	UnknownLSA LSType = iota
	RouterLSA
	NetworkLSA
	SummaryLSA
	SummaryLSAASBR
	ASExternalLSA
)

var lstToStr map[LSType]string = map[LSType]string{UnknownLSA: "unknown", RouterLSA: "router",
	NetworkLSA: "network", SummaryLSA: "summary", SummaryLSAASBR: "summary-asbr", ASExternalLSA: "external"}

func (lst LSType) String() string {
	return lstToStr[lst]
}

// SPFStatus records how far an LSA has progressed in the current SPF computation
type SPFStatus int

const (
	NotExplored SPFStatus = iota
	SPFCandidate
	InSPFTree
)

// LSA is a link state advertisement
type LSA struct {
	Type LSType

	// LinkStateID is the router id for a router-LSA, the address of the
	// designated router for a network-LSA, and the destination network for
	// an AS-external LSA
	LinkStateID netip.Addr

	AdvertisingRouter netip.Addr

	// Links are the link records of a router-LSA
	Links []LinkRecord

	// NetworkMask is used by network-LSAs and AS-external LSAs
	NetworkMask netip.Addr

	// AttachedRouters lists, for a network-LSA, the interface addresses of every router on the network
	AttachedRouters []netip.Addr

	// Status is scratch state owned by the SPF computation
	Status SPFStatus
}

// CreateRouterLSA is a constructor
func CreateRouterLSA(routerID netip.Addr) *LSA {
	return &LSA{Type: RouterLSA, LinkStateID: routerID, AdvertisingRouter: routerID, Links: []LinkRecord{}}
}

// CreateNetworkLSA is a constructor.  dr is the address of the designated router's interface.
func CreateNetworkLSA(dr, mask, advertiser netip.Addr, attached []netip.Addr) *LSA {
	lsa := &LSA{Type: NetworkLSA, LinkStateID: dr, AdvertisingRouter: advertiser, NetworkMask: mask}
	lsa.AttachedRouters = append([]netip.Addr{}, attached...)
	return lsa
}

// CreateExternalLSA is a constructor
func CreateExternalLSA(network, mask, advertiser netip.Addr) *LSA {
	return &LSA{Type: ASExternalLSA, LinkStateID: network, NetworkMask: mask, AdvertisingRouter: advertiser}
}

// AddLinkRecord appends a link record to a router-LSA
func (lsa *LSA) AddLinkRecord(lr LinkRecord) {
	lsa.Links = append(lsa.Links, lr)
}

// Clone returns a deep copy of the LSA
func (lsa *LSA) Clone() *LSA {
	rtn := *lsa
	rtn.Links = append([]LinkRecord{}, lsa.Links...)
	rtn.AttachedRouters = append([]netip.Addr{}, lsa.AttachedRouters...)
	return &rtn
}

func (lsa *LSA) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s LSA %s adv %s", lsa.Type, lsa.LinkStateID, lsa.AdvertisingRouter)
	switch lsa.Type {
	case RouterLSA:
		for _, lr := range lsa.Links {
			fmt.Fprintf(&sb, "\n\t%s", lr)
		}
	case NetworkLSA:
		fmt.Fprintf(&sb, " mask %s attached", lsa.NetworkMask)
		for _, ar := range lsa.AttachedRouters {
			fmt.Fprintf(&sb, " %s", ar)
		}
	case ASExternalLSA:
		fmt.Fprintf(&sb, " mask %s", lsa.NetworkMask)
	}
	return sb.String()
}

// MaskBits returns the number of leading one bits in an IPv4 mask
func MaskBits(mask netip.Addr) int {
	bits := 0
	for _, b := range mask.AsSlice() {
		for bit := 7; bit >= 0; bit-- {
			if b&(1<<bit) == 0 {
				return bits
			}
			bits += 1
		}
	}
	return bits
}

// MaskFromBits returns the IPv4 mask with the given number of leading one bits
func MaskFromBits(bits int) netip.Addr {
	var m [4]byte
	for idx := 0; idx < bits && idx < 32; idx++ {
		m[idx/8] |= 1 << (7 - idx%8)
	}
	return netip.AddrFrom4(m)
}

// CombineMask returns addr with every bit outside the mask cleared
func CombineMask(addr, mask netip.Addr) netip.Addr {
	pfx, err := addr.Prefix(MaskBits(mask))
	if err != nil {
		return addr
	}
	return pfx.Addr()
}

// HostMask is the all-ones mask
var HostMask netip.Addr = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// ZeroAddr is 0.0.0.0, used as the next hop toward directly connected networks
// and as the destination and mask of a default route
var ZeroAddr netip.Addr = netip.IPv4Unspecified()
