package dot11s

// ie.go defines the information elements that mesh beacons and peer link management frames
// carry.  Element is a closed set: every kind implements the unexported encode and decode
// methods, and DecodeElement is the single place that maps a wire element id to a kind.
// On the wire each element is an id byte, a length byte, and the information field.

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gopacket/gopacket"
)

// ElementID is the first byte of an information element
type ElementID uint8

const (
	ElementMeshConfiguration ElementID = 113
	ElementMeshID            ElementID = 114
	ElementPeeringManagement ElementID = 117
	ElementBeaconTiming      ElementID = 120
)

func (eid ElementID) String() string {
	switch eid {
	case ElementMeshConfiguration:
		return "MeshConfiguration"
	case ElementMeshID:
		return "MeshID"
	case ElementPeeringManagement:
		return "PeeringManagement"
	case ElementBeaconTiming:
		return "BeaconTiming"
	}
	return fmt.Sprintf("Element(%d)", uint8(eid))
}

// Element is satisfied by the information element kinds defined in this package and no others
type Element interface {
	ElementID() ElementID

	// InformationLen is the length of the information field, without the id and length bytes
	InformationLen() int

	encodeTo(b []byte)
	decodeFrom(b []byte) error
}

// DecodeElement builds the element whose id is given from its information field
func DecodeElement(id ElementID, body []byte) (Element, error) {
	var elem Element
	switch id {
	case ElementMeshConfiguration:
		elem = new(MeshConfigurationElement)
	case ElementMeshID:
		elem = new(MeshIDElement)
	case ElementPeeringManagement:
		elem = new(PeerManagementElement)
	case ElementBeaconTiming:
		elem = new(BeaconTimingElement)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownElement, uint8(id))
	}
	if err := elem.decodeFrom(body); err != nil {
		return nil, fmt.Errorf("%s element: %w", id, err)
	}
	return elem, nil
}

// SerializedLen is the number of bytes the elements take on the wire
func SerializedLen(elems ...Element) int {
	total := 0
	for _, elem := range elems {
		total += 2 + elem.InformationLen()
	}
	return total
}

// EncodeElements writes the elements, each with its id and length bytes, into b, which
// must be at least SerializedLen(elems...) long
func EncodeElements(b []byte, elems ...Element) {
	offset := 0
	for _, elem := range elems {
		ilen := elem.InformationLen()
		b[offset] = byte(elem.ElementID())
		b[offset+1] = byte(ilen)
		elem.encodeTo(b[offset+2 : offset+2+ilen])
		offset += 2 + ilen
	}
}

// DecodeElements parses a sequence of elements.  Elements of unknown kind are skipped.
// A sequence that stops in the middle of an element is reported to df as truncated.
func DecodeElements(data []byte, df gopacket.DecodeFeedback) ([]Element, error) {
	elems := []Element{}
	for offset := 0; offset < len(data); {
		if len(data)-offset < 2 {
			df.SetTruncated()
			return elems, fmt.Errorf("element header at offset %d: %w", offset, ErrTruncated)
		}
		id := ElementID(data[offset])
		ilen := int(data[offset+1])
		if offset+2+ilen > len(data) {
			df.SetTruncated()
			return elems, fmt.Errorf("%s element at offset %d: %w", id, offset, ErrTruncated)
		}
		elem, err := DecodeElement(id, data[offset+2:offset+2+ilen])
		offset += 2 + ilen
		if err != nil {
			if errors.Is(err, ErrUnknownElement) {
				continue
			}
			return elems, err
		}
		elems = append(elems, elem)
	}
	return elems, nil
}

// PeerManagementElement drives the peer link state machine of the receiver.  The peer link
// id is present from the Confirm subtype on, and the reason code only in a Close.
type PeerManagementElement struct {
	Subtype     PeerSubtype `json:"subtype" yaml:"subtype"`
	LocalLinkID uint16      `json:"locallinkid" yaml:"locallinkid"`
	PeerLinkID  uint16      `json:"peerlinkid" yaml:"peerlinkid"`
	Reason      ReasonCode  `json:"reason" yaml:"reason"`
}

func (pme *PeerManagementElement) SubtypeIsOpen() bool    { return pme.Subtype == PeerOpen }
func (pme *PeerManagementElement) SubtypeIsConfirm() bool { return pme.Subtype == PeerConfirm }
func (pme *PeerManagementElement) SubtypeIsClose() bool   { return pme.Subtype == PeerClose }

func (pme *PeerManagementElement) ElementID() ElementID { return ElementPeeringManagement }

func (pme *PeerManagementElement) InformationLen() int {
	ilen := 3
	if pme.Subtype >= PeerConfirm {
		ilen += 2
	}
	if pme.Subtype == PeerClose {
		ilen += 2
	}
	return ilen
}

func (pme *PeerManagementElement) encodeTo(b []byte) {
	b[0] = byte(pme.Subtype)
	binary.LittleEndian.PutUint16(b[1:3], pme.LocalLinkID)
	if pme.Subtype >= PeerConfirm {
		binary.LittleEndian.PutUint16(b[3:5], pme.PeerLinkID)
	}
	if pme.Subtype == PeerClose {
		binary.LittleEndian.PutUint16(b[5:7], uint16(pme.Reason))
	}
}

func (pme *PeerManagementElement) decodeFrom(b []byte) error {
	if len(b) < 1 {
		return ErrTruncated
	}
	pme.Subtype = PeerSubtype(b[0])
	if pme.Subtype > PeerClose {
		return fmt.Errorf("peer management subtype %d not recognized", b[0])
	}
	if len(b) < pme.InformationLen() {
		return ErrTruncated
	}
	pme.LocalLinkID = binary.LittleEndian.Uint16(b[1:3])
	pme.PeerLinkID = 0
	pme.Reason = 0
	if pme.Subtype >= PeerConfirm {
		pme.PeerLinkID = binary.LittleEndian.Uint16(b[3:5])
	}
	if pme.Subtype == PeerClose {
		pme.Reason = ReasonCode(binary.LittleEndian.Uint16(b[5:7]))
	}
	return nil
}

// MeshCapability is the capability bitmask of the mesh configuration element
type MeshCapability struct {
	AcceptPeerLinks    bool `json:"acceptpeerlinks" yaml:"acceptpeerlinks"`
	MCCASupported      bool `json:"mccasupported" yaml:"mccasupported"`
	MCCAEnabled        bool `json:"mccaenabled" yaml:"mccaenabled"`
	Forwarding         bool `json:"forwarding" yaml:"forwarding"`
	BeaconTimingReport bool `json:"beacontimingreport" yaml:"beacontimingreport"`
	TBTTAdjustment     bool `json:"tbttadjustment" yaml:"tbttadjustment"`
	PowerSaveLevel     bool `json:"powersavelevel" yaml:"powersavelevel"`
}

// Bits packs the capability flags, AcceptPeerLinks in bit 0
func (mc MeshCapability) Bits() uint16 {
	flags := []bool{mc.AcceptPeerLinks, mc.MCCASupported, mc.MCCAEnabled, mc.Forwarding,
		mc.BeaconTimingReport, mc.TBTTAdjustment, mc.PowerSaveLevel}
	var bits uint16
	for idx, set := range flags {
		if set {
			bits |= 1 << idx
		}
	}
	return bits
}

// CapabilityFromBits unpacks a capability bitmask
func CapabilityFromBits(bits uint16) MeshCapability {
	isSet := func(idx int) bool { return bits&(1<<idx) != 0 }
	return MeshCapability{AcceptPeerLinks: isSet(0), MCCASupported: isSet(1), MCCAEnabled: isSet(2),
		Forwarding: isSet(3), BeaconTimingReport: isSet(4), TBTTAdjustment: isSet(5), PowerSaveLevel: isSet(6)}
}

// identifiers of the protocols and metrics advertised in a mesh configuration element
const (
	PathSelectionHWMP uint32 = 0x000fac00
	MetricAirtime     uint32 = 0x000fac00
	CongestionNull    uint32 = 0
)

// MeshConfigurationElement advertises the protocols a mesh station runs.  Two stations
// may peer only if they agree on them.
type MeshConfigurationElement struct {
	Version           uint8          `json:"version" yaml:"version"`
	PathSelection     uint32         `json:"pathselection" yaml:"pathselection"`
	Metric            uint32         `json:"metric" yaml:"metric"`
	Congestion        uint32         `json:"congestion" yaml:"congestion"`
	ChannelPrecedence uint32         `json:"channelprecedence" yaml:"channelprecedence"`
	Capability        MeshCapability `json:"capability" yaml:"capability"`
}

// DefaultMeshConfiguration describes a station running HWMP with the airtime metric that
// accepts peer links and forwards
func DefaultMeshConfiguration() MeshConfigurationElement {
	return MeshConfigurationElement{Version: 1, PathSelection: PathSelectionHWMP, Metric: MetricAirtime,
		Congestion: CongestionNull,
		Capability: MeshCapability{AcceptPeerLinks: true, Forwarding: true, BeaconTimingReport: true}}
}

// Compatible is true when the two configurations select the same path selection protocol and metric
func (mce *MeshConfigurationElement) Compatible(other *MeshConfigurationElement) bool {
	return mce.PathSelection == other.PathSelection && mce.Metric == other.Metric
}

func (mce *MeshConfigurationElement) ElementID() ElementID { return ElementMeshConfiguration }

func (mce *MeshConfigurationElement) InformationLen() int { return 19 }

// congestion mode and channel precedence are host order fields; they are written little endian
func (mce *MeshConfigurationElement) encodeTo(b []byte) {
	b[0] = mce.Version
	binary.BigEndian.PutUint32(b[1:5], mce.PathSelection)
	binary.BigEndian.PutUint32(b[5:9], mce.Metric)
	binary.LittleEndian.PutUint32(b[9:13], mce.Congestion)
	binary.LittleEndian.PutUint32(b[13:17], mce.ChannelPrecedence)
	binary.BigEndian.PutUint16(b[17:19], mce.Capability.Bits())
}

func (mce *MeshConfigurationElement) decodeFrom(b []byte) error {
	if len(b) < mce.InformationLen() {
		return ErrTruncated
	}
	mce.Version = b[0]
	mce.PathSelection = binary.BigEndian.Uint32(b[1:5])
	mce.Metric = binary.BigEndian.Uint32(b[5:9])
	mce.Congestion = binary.LittleEndian.Uint32(b[9:13])
	mce.ChannelPrecedence = binary.LittleEndian.Uint32(b[13:17])
	mce.Capability = CapabilityFromBits(binary.BigEndian.Uint16(b[17:19]))
	return nil
}

// MeshIDElement names the mesh a station belongs to
type MeshIDElement struct {
	MeshID string `json:"meshid" yaml:"meshid"`
}

// MaxMeshIDLen is the longest mesh id the element can carry
const MaxMeshIDLen = 32

func (mie *MeshIDElement) ElementID() ElementID { return ElementMeshID }

func (mie *MeshIDElement) InformationLen() int {
	if len(mie.MeshID) > MaxMeshIDLen {
		return MaxMeshIDLen
	}
	return len(mie.MeshID)
}

func (mie *MeshIDElement) encodeTo(b []byte) {
	copy(b, mie.MeshID[:mie.InformationLen()])
}

func (mie *MeshIDElement) decodeFrom(b []byte) error {
	if len(b) > MaxMeshIDLen {
		return fmt.Errorf("mesh id of %d bytes exceeds %d", len(b), MaxMeshIDLen)
	}
	mie.MeshID = string(b)
	return nil
}

// BeaconTimingUnit reports when one neighbor was last heard.  LastBeacon is in units of
// 256 microseconds, modulo 2^16, and BeaconInterval in time units.
type BeaconTimingUnit struct {
	AID            uint8  `json:"aid" yaml:"aid"`
	LastBeacon     uint16 `json:"lastbeacon" yaml:"lastbeacon"`
	BeaconInterval uint16 `json:"beaconinterval" yaml:"beaconinterval"`
}

// BeaconTimingElement lists the neighbors a station hears, so that its own neighbors can
// avoid transmitting beacons at the same time as them
type BeaconTimingElement struct {
	Units []BeaconTimingUnit `json:"units" yaml:"units"`
}

// AddNeighbour appends a unit for a neighbor heard at time lastBeacon (seconds) that
// beacons every beaconInterval seconds
func (bte *BeaconTimingElement) AddNeighbour(aid uint8, lastBeacon, beaconInterval float64) {
	bte.Units = append(bte.Units, BeaconTimingUnit{AID: aid, LastBeacon: EncodeLastBeacon(lastBeacon),
		BeaconInterval: uint16(TimeToTU(beaconInterval))})
}

// maxTimingUnits is the number of units that fit in one element
const maxTimingUnits = 255 / 5

func (bte *BeaconTimingElement) ElementID() ElementID { return ElementBeaconTiming }

func (bte *BeaconTimingElement) InformationLen() int {
	n := len(bte.Units)
	if n > maxTimingUnits {
		n = maxTimingUnits
	}
	return 5 * n
}

func (bte *BeaconTimingElement) encodeTo(b []byte) {
	for idx := 0; idx < bte.InformationLen()/5; idx++ {
		unit := bte.Units[idx]
		b[5*idx] = unit.AID
		binary.LittleEndian.PutUint16(b[5*idx+1:], unit.LastBeacon)
		binary.LittleEndian.PutUint16(b[5*idx+3:], unit.BeaconInterval)
	}
}

func (bte *BeaconTimingElement) decodeFrom(b []byte) error {
	if len(b)%5 != 0 {
		return fmt.Errorf("beacon timing field of %d bytes: %w", len(b), ErrTruncated)
	}
	bte.Units = []BeaconTimingUnit{}
	for offset := 0; offset < len(b); offset += 5 {
		bte.Units = append(bte.Units, BeaconTimingUnit{AID: b[offset],
			LastBeacon:     binary.LittleEndian.Uint16(b[offset+1:]),
			BeaconInterval: binary.LittleEndian.Uint16(b[offset+3:])})
	}
	return nil
}
