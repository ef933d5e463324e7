package dot11s

// mesh-header.go implements the mesh control header that precedes the payload of frames
// forwarded through the mesh, as a gopacket layer.  The header is one byte of flags whose
// low two bits give the address extension mode, a TTL byte, a little endian 32 bit sequence
// number, and then up to three extra addresses:
//
//	mode 0: none
//	mode 1: addr4
//	mode 2: addr5, addr6
//	mode 3: addr4, addr5, addr6

import (
	"encoding/binary"
	"fmt"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

var (
	LayerTypeMeshHeader = gopacket.RegisterLayerType(
		1900,
		gopacket.LayerTypeMetadata{
			Name:    "MeshHeader",
			Decoder: gopacket.DecodeFunc(decodeMeshHeader),
		},
	)
	LayerClassMeshHeader gopacket.LayerClass = LayerTypeMeshHeader
)

// MeshHeader is the mesh control header
type MeshHeader struct {
	layers.BaseLayer

	// AddressExt is the address extension mode, 0 through 3
	AddressExt uint8
	TTL        uint8
	SeqNo      uint32
	Addr4      Mac48
	Addr5      Mac48
	Addr6      Mac48
}

// HeaderLen returns the number of bytes the header occupies for its address extension mode
func (mh *MeshHeader) HeaderLen() int {
	switch mh.AddressExt & 0x3 {
	case 1:
		return 12
	case 2:
		return 18
	case 3:
		return 24
	}
	return 6
}

func (mh *MeshHeader) LayerType() gopacket.LayerType {
	return LayerTypeMeshHeader
}

func (mh *MeshHeader) CanDecode() gopacket.LayerClass {
	return LayerClassMeshHeader
}

func (mh *MeshHeader) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypePayload
}

// SerializeTo implements gopacket.SerializableLayer
func (mh *MeshHeader) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if mh.AddressExt > 3 {
		return fmt.Errorf("address extension mode %d out of range", mh.AddressExt)
	}
	bytes, err := b.PrependBytes(mh.HeaderLen())
	if err != nil {
		return err
	}
	bytes[0] = mh.AddressExt & 0x3
	bytes[1] = mh.TTL
	binary.LittleEndian.PutUint32(bytes[2:6], mh.SeqNo)
	switch mh.AddressExt {
	case 1:
		copy(bytes[6:12], mh.Addr4[:])
	case 2:
		copy(bytes[6:12], mh.Addr5[:])
		copy(bytes[12:18], mh.Addr6[:])
	case 3:
		copy(bytes[6:12], mh.Addr4[:])
		copy(bytes[12:18], mh.Addr5[:])
		copy(bytes[18:24], mh.Addr6[:])
	}
	return nil
}

// DecodeFromBytes implements gopacket.DecodingLayer
func (mh *MeshHeader) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < 6 {
		df.SetTruncated()
		return fmt.Errorf("mesh header of %d bytes: %w", len(data), ErrTruncated)
	}
	mh.AddressExt = data[0] & 0x3
	mh.TTL = data[1]
	mh.SeqNo = binary.LittleEndian.Uint32(data[2:6])
	hlen := mh.HeaderLen()
	if len(data) < hlen {
		df.SetTruncated()
		return fmt.Errorf("mesh header with address extension %d needs %d bytes, has %d: %w",
			mh.AddressExt, hlen, len(data), ErrTruncated)
	}
	mh.Addr4, mh.Addr5, mh.Addr6 = Mac48{}, Mac48{}, Mac48{}
	switch mh.AddressExt {
	case 1:
		copy(mh.Addr4[:], data[6:12])
	case 2:
		copy(mh.Addr5[:], data[6:12])
		copy(mh.Addr6[:], data[12:18])
	case 3:
		copy(mh.Addr4[:], data[6:12])
		copy(mh.Addr5[:], data[12:18])
		copy(mh.Addr6[:], data[18:24])
	}
	mh.BaseLayer = layers.BaseLayer{Contents: data[:hlen], Payload: data[hlen:]}
	return nil
}

func (mh *MeshHeader) String() string {
	return fmt.Sprintf("ext=%d ttl=%d seqno=%d addr4=%s addr5=%s addr6=%s",
		mh.AddressExt, mh.TTL, mh.SeqNo, mh.Addr4, mh.Addr5, mh.Addr6)
}

func decodeMeshHeader(data []byte, pb gopacket.PacketBuilder) error {
	mh := &MeshHeader{}
	err := mh.DecodeFromBytes(data, pb)
	pb.AddLayer(mh)
	if err != nil {
		return err
	}
	return pb.NextDecoder(gopacket.LayerTypePayload)
}
