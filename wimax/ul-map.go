package wimax

// ul-map.go holds the uplink map: the burst profile codes (UIUCs) the base station assigns to
// uplink allocations, the allocation descriptor (UL-MAP IE), and the UL-MAP management
// message that carries one frame's descriptors, as a gopacket layer.
//
// The message is the management message type byte (3), the UCD configuration change
// count, a 32 bit allocation start time in physical slots, and then a sequence of nine byte
// information elements, all big endian:
//
//	cid(2) start(2) subchannel(1) uiuc(1) duration(2) midamble(1)
//
// The last element carries UIUCEndOfMap and a duration of zero.

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// UIUC is an uplink interval usage code
type UIUC uint8

const (
	UIUCInitialRanging    UIUC = 1
	UIUCReqRegionFull     UIUC = 2
	UIUCReqRegionFocused  UIUC = 3
	UIUCFocusedContention UIUC = 4
	UIUCBurstProfile5     UIUC = 5
	UIUCBurstProfile12    UIUC = 12
	UIUCSubchNetworkEntry UIUC = 13
	UIUCEndOfMap          UIUC = 14
)

// MgmtMsgUlMap is the management message type of the uplink map
const MgmtMsgUlMap uint8 = 3

const (
	ulMapHeaderLen = 6
	ulMapIELen     = 9
)

func (u UIUC) String() string {
	switch {
	case u == UIUCInitialRanging:
		return "initial-ranging"
	case u == UIUCReqRegionFull:
		return "request-region-full"
	case u == UIUCReqRegionFocused:
		return "request-region-focused"
	case u == UIUCFocusedContention:
		return "focused-contention"
	case u >= UIUCBurstProfile5 && u <= UIUCBurstProfile12:
		return fmt.Sprintf("burst-profile-%d", int(u))
	case u == UIUCSubchNetworkEntry:
		return "subchannel-network-entry"
	case u == UIUCEndOfMap:
		return "end-of-map"
	}
	return fmt.Sprintf("uiuc(%d)", int(u))
}

// UplinkBurstProfile maps a modulation to the UIUC of its uplink burst profile
func UplinkBurstProfile(mt ModulationType) UIUC {
	if _, present := fecBlockBytes[mt]; !present {
		panic(fmt.Errorf("invalid modulation type %d", int(mt)))
	}
	return UIUCBurstProfile5 + UIUC(mt)
}

// ModulationForBurstProfile inverts UplinkBurstProfile
func ModulationForBurstProfile(u UIUC) (ModulationType, error) {
	if u < UIUCBurstProfile5 || u > UIUCBurstProfile5+UIUC(ModulationQAM64_34) {
		return ModulationBPSK12, fmt.Errorf("%s is not a data burst profile", u)
	}
	return ModulationType(u - UIUCBurstProfile5), nil
}

// UlMapIE describes one uplink allocation.  StartTime and Duration are in OFDM symbols,
// StartTime counted from the start of the uplink subframe.
type UlMapIE struct {
	CID        CID    `json:"cid" yaml:"cid"`
	UIUC       UIUC   `json:"uiuc" yaml:"uiuc"`
	StartTime  uint32 `json:"starttime" yaml:"starttime"`
	Duration   uint32 `json:"duration" yaml:"duration"`
	Subchannel uint8  `json:"subchannel" yaml:"subchannel"`
	Midamble   uint8  `json:"midamble" yaml:"midamble"`
}

// IsEndOfMap reports whether the element terminates a map
func (ie *UlMapIE) IsEndOfMap() bool {
	return ie.UIUC == UIUCEndOfMap
}

func (ie UlMapIE) String() string {
	return fmt.Sprintf("cid=%d %s start=%d duration=%d", ie.CID, ie.UIUC, ie.StartTime, ie.Duration)
}

var errUlMapShort = errors.New("ul-map truncated")

var (
	LayerTypeUlMap = gopacket.RegisterLayerType(
		1910,
		gopacket.LayerTypeMetadata{
			Name:    "UlMap",
			Decoder: gopacket.DecodeFunc(decodeUlMap),
		},
	)
	LayerClassUlMap gopacket.LayerClass = LayerTypeUlMap
)

// UlMap is the uplink map management message
type UlMap struct {
	layers.BaseLayer

	UcdCount            uint8
	AllocationStartTime uint32
	IEs                 []UlMapIE
}

func (um *UlMap) LayerType() gopacket.LayerType {
	return LayerTypeUlMap
}

func (um *UlMap) CanDecode() gopacket.LayerClass {
	return LayerClassUlMap
}

func (um *UlMap) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypeZero
}

// SerializeTo implements gopacket.SerializableLayer
func (um *UlMap) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	for _, ie := range um.IEs {
		if ie.StartTime > 0xFFFF || ie.Duration > 0xFFFF {
			return fmt.Errorf("ul-map element %s does not fit 16 bit start and duration fields", ie)
		}
	}
	bytes, err := b.PrependBytes(ulMapHeaderLen + ulMapIELen*len(um.IEs))
	if err != nil {
		return err
	}
	bytes[0] = MgmtMsgUlMap
	bytes[1] = um.UcdCount
	binary.BigEndian.PutUint32(bytes[2:6], um.AllocationStartTime)
	for idx, ie := range um.IEs {
		field := bytes[ulMapHeaderLen+idx*ulMapIELen:]
		binary.BigEndian.PutUint16(field[0:2], uint16(ie.CID))
		binary.BigEndian.PutUint16(field[2:4], uint16(ie.StartTime))
		field[4] = ie.Subchannel
		field[5] = uint8(ie.UIUC)
		binary.BigEndian.PutUint16(field[6:8], uint16(ie.Duration))
		field[8] = ie.Midamble
	}
	return nil
}

// DecodeFromBytes implements gopacket.DecodingLayer
func (um *UlMap) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < ulMapHeaderLen {
		df.SetTruncated()
		return fmt.Errorf("ul-map header of %d bytes: %w", len(data), errUlMapShort)
	}
	if data[0] != MgmtMsgUlMap {
		return fmt.Errorf("management message type %d is not a ul-map", data[0])
	}
	if (len(data)-ulMapHeaderLen)%ulMapIELen != 0 {
		df.SetTruncated()
		return fmt.Errorf("ul-map body of %d bytes is not a whole number of elements: %w",
			len(data)-ulMapHeaderLen, errUlMapShort)
	}
	um.UcdCount = data[1]
	um.AllocationStartTime = binary.BigEndian.Uint32(data[2:6])
	n := (len(data) - ulMapHeaderLen) / ulMapIELen
	um.IEs = make([]UlMapIE, n)
	for idx := 0; idx < n; idx++ {
		field := data[ulMapHeaderLen+idx*ulMapIELen:]
		um.IEs[idx] = UlMapIE{
			CID:        CID(binary.BigEndian.Uint16(field[0:2])),
			StartTime:  uint32(binary.BigEndian.Uint16(field[2:4])),
			Subchannel: field[4],
			UIUC:       UIUC(field[5]),
			Duration:   uint32(binary.BigEndian.Uint16(field[6:8])),
			Midamble:   field[8],
		}
	}
	um.BaseLayer = layers.BaseLayer{Contents: data, Payload: nil}
	return nil
}

func decodeUlMap(data []byte, pb gopacket.PacketBuilder) error {
	um := &UlMap{}
	err := um.DecodeFromBytes(data, pb)
	pb.AddLayer(um)
	return err
}

// Bytes serializes the map
func (um *UlMap) Bytes() ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, um); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeUlMap parses a serialized map
func DecodeUlMap(bytes []byte) (*UlMap, error) {
	packet := gopacket.NewPacket(bytes, LayerTypeUlMap, gopacket.Default)
	if el := packet.ErrorLayer(); el != nil {
		return nil, el.Error()
	}
	um, ok := packet.Layer(LayerTypeUlMap).(*UlMap)
	if !ok {
		return nil, fmt.Errorf("no ul-map layer decoded")
	}
	return um, nil
}
