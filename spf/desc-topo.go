package spf

// desc-topo.go holds the structs used to describe a routed topology in a file, and the
// methods used to build such a description in code and to turn it into Routers.
// Addresses are kept as strings in the description so that the files stay readable;
// they are parsed when the description is transformed.

import (
	"fmt"
	"net/netip"

	"github.com/iti/netcore"
)

// IntrfcDesc describes an addressed interface of a router
type IntrfcDesc struct {
	Name string `json:"name" yaml:"name"`
	Addr string `json:"addr" yaml:"addr"`
	Mask string `json:"mask" yaml:"mask"`
}

// LinkDesc describes one link record of a router-LSA.  Type is one of "p2p", "transit", or "stub".
type LinkDesc struct {
	Type     string `json:"type" yaml:"type"`
	LinkID   string `json:"linkid" yaml:"linkid"`
	LinkData string `json:"linkdata" yaml:"linkdata"`
	Metric   int    `json:"metric" yaml:"metric"`
}

// RouterDesc describes a router: its id, its interfaces, and the links it advertises
type RouterDesc struct {
	Name       string       `json:"name" yaml:"name"`
	ID         string       `json:"id" yaml:"id"`
	Interfaces []IntrfcDesc `json:"interfaces" yaml:"interfaces"`
	Links      []LinkDesc   `json:"links" yaml:"links"`
}

// NetworkDesc describes a transit network.  DR is the address of the designated router's
// interface on the network; Advertiser is the id of the router that advertises the network-LSA.
type NetworkDesc struct {
	Name       string   `json:"name" yaml:"name"`
	DR         string   `json:"dr" yaml:"dr"`
	Mask       string   `json:"mask" yaml:"mask"`
	Advertiser string   `json:"advertiser" yaml:"advertiser"`
	Attached   []string `json:"attached" yaml:"attached"`
}

// ExternalDesc describes a destination outside the routing domain reachable through Advertiser
type ExternalDesc struct {
	Network    string `json:"network" yaml:"network"`
	Mask       string `json:"mask" yaml:"mask"`
	Advertiser string `json:"advertiser" yaml:"advertiser"`
}

// Attachment names a router and its address on a transit network
type Attachment struct {
	Router string
	Addr   string
}

// TopoCfg contains all of the routers, transit networks, and external destinations
// of a topology, as they are listed in the description file.
type TopoCfg struct {
	Name      string         `json:"name" yaml:"name"`
	Routers   []RouterDesc   `json:"routers" yaml:"routers"`
	Networks  []NetworkDesc  `json:"networks" yaml:"networks"`
	Externals []ExternalDesc `json:"externals" yaml:"externals"`
}

// CreateTopoCfg is a constructor
func CreateTopoCfg(name string) *TopoCfg {
	tc := new(TopoCfg)
	tc.Name = name
	tc.Routers = make([]RouterDesc, 0)
	tc.Networks = make([]NetworkDesc, 0)
	tc.Externals = make([]ExternalDesc, 0)
	return tc
}

// DefaultIntrfcName generates a name for an interface from the name of the router
// hosting it and the interface's position
func DefaultIntrfcName(router string, idx int) string {
	return fmt.Sprintf("intrfc@%s[.%d]", router, idx)
}

// findRouter returns the description of the named router, or nil
func (tc *TopoCfg) findRouter(name string) *RouterDesc {
	for idx := range tc.Routers {
		if tc.Routers[idx].Name == name {
			return &tc.Routers[idx]
		}
	}
	return nil
}

// AddRouter adds a router with the given name and router id
func (tc *TopoCfg) AddRouter(name, id string) error {
	if tc.findRouter(name) != nil {
		return fmt.Errorf("router %s already present in topology %s", name, tc.Name)
	}
	if _, err := netip.ParseAddr(id); err != nil {
		return fmt.Errorf("router %s: %w", name, err)
	}
	tc.Routers = append(tc.Routers, RouterDesc{Name: name, ID: id, Interfaces: []IntrfcDesc{}, Links: []LinkDesc{}})
	return nil
}

// addIntrfc adds an addressed interface to the router description
func (rd *RouterDesc) addIntrfc(addr string, maskBits int) {
	name := DefaultIntrfcName(rd.Name, len(rd.Interfaces))
	rd.Interfaces = append(rd.Interfaces, IntrfcDesc{Name: name, Addr: addr, Mask: MaskFromBits(maskBits).String()})
}

// networkOf returns the network address of addr under a mask of maskBits bits
func networkOf(addr string, maskBits int) (string, error) {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return "", err
	}
	return CombineMask(a, MaskFromBits(maskBits)).String(), nil
}

// ConnectP2P joins two routers with a point-to-point link.  Each router gets an interface
// with the given address, a point-to-point link record naming the other router, and a stub
// link record for the link's subnet.
func (tc *TopoCfg) ConnectP2P(rtrA, addrA, rtrB, addrB string, maskBits, metric int) error {
	rdA, rdB := tc.findRouter(rtrA), tc.findRouter(rtrB)
	if rdA == nil || rdB == nil {
		return fmt.Errorf("point-to-point link names unknown router %s or %s", rtrA, rtrB)
	}
	network, err := networkOf(addrA, maskBits)
	if err != nil {
		return err
	}
	if _, err := netip.ParseAddr(addrB); err != nil {
		return err
	}
	mask := MaskFromBits(maskBits).String()

	rdA.addIntrfc(addrA, maskBits)
	rdA.Links = append(rdA.Links, LinkDesc{Type: "p2p", LinkID: rdB.ID, LinkData: addrA, Metric: metric})
	rdA.Links = append(rdA.Links, LinkDesc{Type: "stub", LinkID: network, LinkData: mask, Metric: metric})

	rdB.addIntrfc(addrB, maskBits)
	rdB.Links = append(rdB.Links, LinkDesc{Type: "p2p", LinkID: rdA.ID, LinkData: addrB, Metric: metric})
	rdB.Links = append(rdB.Links, LinkDesc{Type: "stub", LinkID: network, LinkData: mask, Metric: metric})
	return nil
}

// AddTransit adds a multi-access network joining the listed routers.  The first
// attachment is the designated router, whose address is the network's link state id.
func (tc *TopoCfg) AddTransit(name string, maskBits, metric int, attach []Attachment) error {
	if len(attach) < 2 {
		return fmt.Errorf("transit network %s needs at least two routers", name)
	}
	dr := attach[0].Addr
	drRtr := tc.findRouter(attach[0].Router)
	if drRtr == nil {
		return fmt.Errorf("transit network %s names unknown router %s", name, attach[0].Router)
	}

	nd := NetworkDesc{Name: name, DR: dr, Mask: MaskFromBits(maskBits).String(), Advertiser: drRtr.ID, Attached: []string{}}
	for _, at := range attach {
		rd := tc.findRouter(at.Router)
		if rd == nil {
			return fmt.Errorf("transit network %s names unknown router %s", name, at.Router)
		}
		if _, err := netip.ParseAddr(at.Addr); err != nil {
			return err
		}
		rd.addIntrfc(at.Addr, maskBits)
		rd.Links = append(rd.Links, LinkDesc{Type: "transit", LinkID: dr, LinkData: at.Addr, Metric: metric})
		nd.Attached = append(nd.Attached, at.Addr)
	}
	tc.Networks = append(tc.Networks, nd)
	return nil
}

// AddStub gives a router a leaf network, reached through an interface with the given address
func (tc *TopoCfg) AddStub(router, addr string, maskBits, metric int) error {
	rd := tc.findRouter(router)
	if rd == nil {
		return fmt.Errorf("stub network names unknown router %s", router)
	}
	network, err := networkOf(addr, maskBits)
	if err != nil {
		return err
	}
	rd.addIntrfc(addr, maskBits)
	rd.Links = append(rd.Links, LinkDesc{Type: "stub", LinkID: network, LinkData: MaskFromBits(maskBits).String(), Metric: metric})
	return nil
}

// AddExternal declares a destination outside the domain, reached through the named router
func (tc *TopoCfg) AddExternal(router, network string, maskBits int) error {
	rd := tc.findRouter(router)
	if rd == nil {
		return fmt.Errorf("external network names unknown router %s", router)
	}
	if _, err := netip.ParseAddr(network); err != nil {
		return err
	}
	tc.Externals = append(tc.Externals, ExternalDesc{Network: network, Mask: MaskFromBits(maskBits).String(), Advertiser: rd.ID})
	return nil
}

// addrParser parses addresses, remembering every failure
type addrParser struct {
	errs []error
}

func (ap *addrParser) parse(what, s string) netip.Addr {
	a, err := netip.ParseAddr(s)
	if err != nil {
		ap.errs = append(ap.errs, fmt.Errorf("%s: %w", what, err))
	}
	return a
}

// Transform builds a Router for every router description, with its interfaces and the
// LSAs it advertises: its router-LSA, the network-LSAs of networks it is designated router
// for, and the AS-external LSAs naming it.  All parse failures are reported together.
func (tc *TopoCfg) Transform() ([]*Router, error) {
	ap := new(addrParser)
	routers := make([]*Router, 0, len(tc.Routers))
	byID := make(map[netip.Addr]*Router)

	for _, rd := range tc.Routers {
		rtr := CreateRouter(rd.Name, ap.parse("router "+rd.Name, rd.ID))
		for _, id := range rd.Interfaces {
			rtr.AddInterface(id.Name, ap.parse("interface "+id.Name, id.Addr), ap.parse("interface "+id.Name, id.Mask))
		}

		rlsa := CreateRouterLSA(rtr.ID)
		for _, ld := range rd.Links {
			lt, present := strToLT[ld.Type]
			if !present {
				ap.errs = append(ap.errs, fmt.Errorf("router %s: unknown link type %s", rd.Name, ld.Type))
				continue
			}
			if ld.Metric < 0 || ld.Metric > 0xffff {
				ap.errs = append(ap.errs, fmt.Errorf("router %s: metric %d out of range", rd.Name, ld.Metric))
				continue
			}
			rlsa.AddLinkRecord(LinkRecord{Type: lt, LinkID: ap.parse("link of "+rd.Name, ld.LinkID),
				LinkData: ap.parse("link of "+rd.Name, ld.LinkData), Metric: uint16(ld.Metric)})
		}
		rtr.Advertise(rlsa)

		if _, present := byID[rtr.ID]; present {
			ap.errs = append(ap.errs, fmt.Errorf("router id %s used twice", rd.ID))
		}
		byID[rtr.ID] = rtr
		routers = append(routers, rtr)
	}

	for _, nd := range tc.Networks {
		adv := ap.parse("network "+nd.Name, nd.Advertiser)
		attached := []netip.Addr{}
		for _, at := range nd.Attached {
			attached = append(attached, ap.parse("network "+nd.Name, at))
		}
		rtr, present := byID[adv]
		if !present {
			ap.errs = append(ap.errs, fmt.Errorf("network %s advertised by unknown router %s", nd.Name, nd.Advertiser))
			continue
		}
		rtr.Advertise(CreateNetworkLSA(ap.parse("network "+nd.Name, nd.DR), ap.parse("network "+nd.Name, nd.Mask), adv, attached))
	}

	for _, ed := range tc.Externals {
		adv := ap.parse("external "+ed.Network, ed.Advertiser)
		rtr, present := byID[adv]
		if !present {
			ap.errs = append(ap.errs, fmt.Errorf("external %s advertised by unknown router %s", ed.Network, ed.Advertiser))
			continue
		}
		rtr.Advertise(CreateExternalLSA(ap.parse("external "+ed.Network, ed.Network), ap.parse("external "+ed.Network, ed.Mask), adv))
	}

	if err := netcore.ReportErrs(ap.errs); err != nil {
		return nil, err
	}
	return routers, nil
}

// FindRouter returns the router whose name or id is given, or nil
func FindRouter(routers []*Router, nameOrID string) *Router {
	for _, rtr := range routers {
		if rtr.Name == nameOrID || rtr.ID.String() == nameOrID {
			return rtr
		}
	}
	return nil
}

// WriteToFile serializes the TopoCfg and writes to the file whose name is given as an input argument.
// Extension of the file name selects whether serialization is to json or to yaml format.
func (tc *TopoCfg) WriteToFile(filename string) error {
	bytes, err := netcore.MarshalByExt(filename, *tc)
	if err != nil {
		return err
	}
	return netcore.WriteBytes(filename, bytes)
}

// ReadTopoCfg deserializes a slice of bytes into a TopoCfg.  If the input arg of bytes
// is empty, the file whose name is given as an argument is read.  Error returned if
// any part of the process generates the error.
func ReadTopoCfg(topoFileName string, useYAML bool, dict []byte) (*TopoCfg, error) {
	example := TopoCfg{}
	if err := netcore.UnmarshalDict(topoFileName, useYAML, dict, &example); err != nil {
		return nil, fmt.Errorf("topology %s: %w", topoFileName, err)
	}
	return &example, nil
}

// A TopoCfgDict holds instances of TopoCfg structures, in a map whose key is
// a name for the topology.  Used to store pre-built instances of networks
type TopoCfgDict struct {
	DictName string             `json:"dictname" yaml:"dictname"`
	Cfgs     map[string]TopoCfg `json:"cfgs" yaml:"cfgs"`
}

// CreateTopoCfgDict is a constructor. Saves the dictionary name, initializes the TopoCfg map.
func CreateTopoCfgDict(name string) *TopoCfgDict {
	tcd := new(TopoCfgDict)
	tcd.DictName = name
	tcd.Cfgs = make(map[string]TopoCfg)
	return tcd
}

// AddTopoCfg includes a TopoCfg into the dictionary, optionally returning an error
// if an TopoCfg with the same name has already been included
func (tcd *TopoCfgDict) AddTopoCfg(tc *TopoCfg, overwrite bool) error {
	if !overwrite {
		if _, present := tcd.Cfgs[tc.Name]; present {
			return fmt.Errorf("attempt to overwrite topology %s", tc.Name)
		}
	}
	tcd.Cfgs[tc.Name] = *tc
	return nil
}

// RecoverTopoCfg returns a copy (if one exists) of the TopoCfg with name equal to the input argument name.
// Returns also a flag denoting whether the identified TopoCfg has an entry in the dictionary
func (tcd *TopoCfgDict) RecoverTopoCfg(name string) (*TopoCfg, bool) {
	tc, present := tcd.Cfgs[name]
	if present {
		return &tc, true
	}
	return nil, false
}

// WriteToFile stores the TopoCfgDict struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (tcd *TopoCfgDict) WriteToFile(filename string) error {
	bytes, err := netcore.MarshalByExt(filename, *tcd)
	if err != nil {
		return err
	}
	return netcore.WriteBytes(filename, bytes)
}

// ReadTopoCfgDict deserializes a byte slice holding a representation of a TopoCfgDict struct.
// If the input argument of dict (those bytes) is empty, the file whose name is given is read
// to acquire them.
func ReadTopoCfgDict(filename string, useYAML bool, dict []byte) (*TopoCfgDict, error) {
	example := TopoCfgDict{}
	if err := netcore.UnmarshalDict(filename, useYAML, dict, &example); err != nil {
		return nil, err
	}
	return &example, nil
}
