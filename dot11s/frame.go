package dot11s

// frame.go implements, as gopacket layers, the bodies of the two management frames the
// peering protocol exchanges: the self protected action frames that carry peer link
// Open, Confirm and Close, and the beacons that mesh stations broadcast periodically.
//
// A peer link frame is laid out as
//
//	category (1) | action (1) | capability (2, Open and Confirm) | aid (2, Confirm) | elements
//
// where the elements are the mesh id and mesh configuration (Open and Confirm) followed by
// the peering management element.  A beacon is
//
//	timestamp (8, microseconds) | interval (2, TU) | capability (2) | elements
//
// with the mesh id, mesh configuration and beacon timing elements.  A beacon without a mesh
// id is not a mesh beacon.  Multi-byte fixed fields are little endian.

import (
	"encoding/binary"
	"fmt"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

var (
	LayerTypePeerLinkFrame = gopacket.RegisterLayerType(
		1901,
		gopacket.LayerTypeMetadata{
			Name:    "PeerLinkFrame",
			Decoder: gopacket.DecodeFunc(decodePeerLinkFrame),
		},
	)
	LayerClassPeerLinkFrame gopacket.LayerClass = LayerTypePeerLinkFrame

	LayerTypeMeshBeacon = gopacket.RegisterLayerType(
		1902,
		gopacket.LayerTypeMetadata{
			Name:    "MeshBeacon",
			Decoder: gopacket.DecodeFunc(decodeMeshBeacon),
		},
	)
	LayerClassMeshBeacon gopacket.LayerClass = LayerTypeMeshBeacon
)

// categorySelfProtected is the action category of peer link management frames
const categorySelfProtected = 15

// action codes of the self protected category
var subtypeToAction = map[PeerSubtype]uint8{PeerOpen: 1, PeerConfirm: 2, PeerClose: 3}

// PeerLinkFrame is a peer link Open, Confirm or Close
type PeerLinkFrame struct {
	layers.BaseLayer

	Subtype    PeerSubtype
	Capability uint16
	AID        uint16
	MeshID     string
	Config     MeshConfigurationElement
	Management PeerManagementElement
}

// CreatePeerLinkFrame builds the frame carrying pme, with the fields its subtype calls for
func CreatePeerLinkFrame(pme PeerManagementElement, aid uint16, meshID string, conf MeshConfigurationElement) *PeerLinkFrame {
	plf := &PeerLinkFrame{Subtype: pme.Subtype, Management: pme}
	if pme.Subtype != PeerClose {
		plf.Capability = conf.Capability.Bits()
		plf.MeshID = meshID
		plf.Config = conf
	}
	if pme.Subtype == PeerConfirm {
		plf.AID = aid
	}
	return plf
}

func (plf *PeerLinkFrame) LayerType() gopacket.LayerType {
	return LayerTypePeerLinkFrame
}

func (plf *PeerLinkFrame) CanDecode() gopacket.LayerClass {
	return LayerClassPeerLinkFrame
}

func (plf *PeerLinkFrame) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypeZero
}

// elements returns the information elements the frame carries, in wire order
func (plf *PeerLinkFrame) elements() []Element {
	mgmt := plf.Management
	mgmt.Subtype = plf.Subtype
	if plf.Subtype == PeerClose {
		return []Element{&mgmt}
	}
	return []Element{&MeshIDElement{MeshID: plf.MeshID}, &plf.Config, &mgmt}
}

func (plf *PeerLinkFrame) fixedLen() int {
	switch plf.Subtype {
	case PeerOpen:
		return 4
	case PeerConfirm:
		return 6
	}
	return 2
}

// SerializeTo implements gopacket.SerializableLayer
func (plf *PeerLinkFrame) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	action, present := subtypeToAction[plf.Subtype]
	if !present {
		return fmt.Errorf("peer link frame subtype %d not recognized", plf.Subtype)
	}
	elems := plf.elements()
	flen := plf.fixedLen()
	bytes, err := b.PrependBytes(flen + SerializedLen(elems...))
	if err != nil {
		return err
	}
	bytes[0] = categorySelfProtected
	bytes[1] = action
	if plf.Subtype != PeerClose {
		binary.LittleEndian.PutUint16(bytes[2:4], plf.Capability)
	}
	if plf.Subtype == PeerConfirm {
		binary.LittleEndian.PutUint16(bytes[4:6], plf.AID)
	}
	EncodeElements(bytes[flen:], elems...)
	return nil
}

// DecodeFromBytes implements gopacket.DecodingLayer
func (plf *PeerLinkFrame) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < 2 {
		df.SetTruncated()
		return fmt.Errorf("peer link frame of %d bytes: %w", len(data), ErrTruncated)
	}
	if data[0] != categorySelfProtected {
		return fmt.Errorf("action category %d is not self protected", data[0])
	}
	found := false
	for subtype, action := range subtypeToAction {
		if action == data[1] {
			plf.Subtype = subtype
			found = true
		}
	}
	if !found {
		return fmt.Errorf("self protected action %d is not a peer link frame", data[1])
	}
	flen := plf.fixedLen()
	if len(data) < flen {
		df.SetTruncated()
		return fmt.Errorf("peer link %s frame of %d bytes: %w", plf.Subtype, len(data), ErrTruncated)
	}
	plf.Capability, plf.AID = 0, 0
	if plf.Subtype != PeerClose {
		plf.Capability = binary.LittleEndian.Uint16(data[2:4])
	}
	if plf.Subtype == PeerConfirm {
		plf.AID = binary.LittleEndian.Uint16(data[4:6])
	}

	elems, err := DecodeElements(data[flen:], df)
	if err != nil {
		return err
	}
	plf.MeshID = ""
	plf.Config = MeshConfigurationElement{}
	haveMgmt := false
	for _, elem := range elems {
		switch e := elem.(type) {
		case *MeshIDElement:
			plf.MeshID = e.MeshID
		case *MeshConfigurationElement:
			plf.Config = *e
		case *PeerManagementElement:
			plf.Management = *e
			haveMgmt = true
		}
	}
	if !haveMgmt {
		return fmt.Errorf("peer link %s frame carries no peering management element", plf.Subtype)
	}
	if plf.Management.Subtype != plf.Subtype {
		return fmt.Errorf("peer link %s frame carries a %s management element", plf.Subtype, plf.Management.Subtype)
	}
	plf.BaseLayer = layers.BaseLayer{Contents: data}
	return nil
}

func decodePeerLinkFrame(data []byte, pb gopacket.PacketBuilder) error {
	plf := &PeerLinkFrame{}
	err := plf.DecodeFromBytes(data, pb)
	pb.AddLayer(plf)
	return err
}

// MeshBeacon is the body of a beacon
type MeshBeacon struct {
	layers.BaseLayer

	// Timestamp is the transmission time in microseconds
	Timestamp uint64

	// Interval is the beacon interval in time units
	Interval   uint16
	Capability uint16
	MeshID     string
	Config     MeshConfigurationElement
	Timing     BeaconTimingElement
}

// IsMeshBeacon is true when the beacon was sent by a mesh station
func (mb *MeshBeacon) IsMeshBeacon() bool {
	return mb.MeshID != ""
}

func (mb *MeshBeacon) LayerType() gopacket.LayerType {
	return LayerTypeMeshBeacon
}

func (mb *MeshBeacon) CanDecode() gopacket.LayerClass {
	return LayerClassMeshBeacon
}

func (mb *MeshBeacon) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypeZero
}

// SerializeTo implements gopacket.SerializableLayer
func (mb *MeshBeacon) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	elems := []Element{}
	if mb.IsMeshBeacon() {
		elems = append(elems, &MeshIDElement{MeshID: mb.MeshID}, &mb.Config, &mb.Timing)
	}
	bytes, err := b.PrependBytes(12 + SerializedLen(elems...))
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(bytes[0:8], mb.Timestamp)
	binary.LittleEndian.PutUint16(bytes[8:10], mb.Interval)
	binary.LittleEndian.PutUint16(bytes[10:12], mb.Capability)
	EncodeElements(bytes[12:], elems...)
	return nil
}

// DecodeFromBytes implements gopacket.DecodingLayer
func (mb *MeshBeacon) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < 12 {
		df.SetTruncated()
		return fmt.Errorf("beacon of %d bytes: %w", len(data), ErrTruncated)
	}
	mb.Timestamp = binary.LittleEndian.Uint64(data[0:8])
	mb.Interval = binary.LittleEndian.Uint16(data[8:10])
	mb.Capability = binary.LittleEndian.Uint16(data[10:12])
	elems, err := DecodeElements(data[12:], df)
	if err != nil {
		return err
	}
	mb.MeshID = ""
	mb.Config = MeshConfigurationElement{}
	mb.Timing = BeaconTimingElement{}
	for _, elem := range elems {
		switch e := elem.(type) {
		case *MeshIDElement:
			mb.MeshID = e.MeshID
		case *MeshConfigurationElement:
			mb.Config = *e
		case *BeaconTimingElement:
			mb.Timing = *e
		}
	}
	mb.BaseLayer = layers.BaseLayer{Contents: data}
	return nil
}

func decodeMeshBeacon(data []byte, pb gopacket.PacketBuilder) error {
	mb := &MeshBeacon{}
	err := mb.DecodeFromBytes(data, pb)
	pb.AddLayer(mb)
	return err
}

// serializeLayer renders one layer into a fresh byte slice
func serializeLayer(layer gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, layer); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
