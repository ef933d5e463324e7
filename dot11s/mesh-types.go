package dot11s

// mesh-types.go holds the small value types shared by the peering state machine, the
// peer management protocol and the wire formats: MAC addresses, reason codes carried in
// Close frames, the subtypes of peer link management frames, and conversions between
// seconds and the 1024 microsecond time units used in beacon timing.

import (
	"errors"
	"fmt"
	"math"
	"net"
)

// Mac48 is a 48 bit IEEE 802 address.  Being an array it can key a map.
type Mac48 [6]byte

// BroadcastMac48 is the all-ones address.  A peer link whose mesh point address is
// still unknown carries it.
var BroadcastMac48 = Mac48{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// String renders the address in the usual colon separated hex form
func (m Mac48) String() string {
	return net.HardwareAddr(m[:]).String()
}

// IsBroadcast is true for the all-ones address
func (m Mac48) IsBroadcast() bool {
	return m == BroadcastMac48
}

// MarshalText lets Mac48 values appear as strings in yaml and json reports
func (m Mac48) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText parses the colon separated hex form
func (m *Mac48) UnmarshalText(text []byte) error {
	parsed, err := ParseMac48(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMac48 converts a string like "00:00:00:00:00:01" to a Mac48
func ParseMac48(s string) (Mac48, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return Mac48{}, err
	}
	if len(hw) != 6 {
		return Mac48{}, fmt.Errorf("address %s is not 48 bits long", s)
	}
	var m Mac48
	copy(m[:], hw)
	return m, nil
}

// Mac48FromIndex builds a locally administered address whose low four bytes hold idx.
// Simulated interfaces are numbered this way.
func Mac48FromIndex(idx uint32) Mac48 {
	return Mac48{0x02, 0x00, byte(idx >> 24), byte(idx >> 16), byte(idx >> 8), byte(idx)}
}

// ReasonCode is carried in a Close frame to tell the peer why the link is being closed
type ReasonCode uint16

const (
	ReasonReserved                  ReasonCode = 67
	ReasonPeeringCancelled          ReasonCode = 52
	ReasonMeshMaxPeers              ReasonCode = 53
	ReasonCapabilityPolicyViolation ReasonCode = 54
	ReasonMeshCloseRcvd             ReasonCode = 55
	ReasonMeshMaxRetries            ReasonCode = 56
	ReasonMeshConfirmTimeout        ReasonCode = 57
	ReasonMeshInvalidGTK            ReasonCode = 58
	ReasonInconsistentParameters    ReasonCode = 59
	ReasonInvalidSecurityCapability ReasonCode = 60
)

var reasonToStr map[ReasonCode]string = map[ReasonCode]string{
	ReasonReserved:                  "RESERVED",
	ReasonPeeringCancelled:          "PEERING_CANCELLED",
	ReasonMeshMaxPeers:              "MESH_MAX_PEERS",
	ReasonCapabilityPolicyViolation: "CAPABILITY_POLICY_VIOLATION",
	ReasonMeshCloseRcvd:             "MESH_CLOSE_RCVD",
	ReasonMeshMaxRetries:            "MESH_MAX_RETRIES",
	ReasonMeshConfirmTimeout:        "MESH_CONFIRM_TIMEOUT",
	ReasonMeshInvalidGTK:            "MESH_INVALID_GTK",
	ReasonInconsistentParameters:    "INCONSISTENT_PARAMETERS",
	ReasonInvalidSecurityCapability: "INVALID_SECURITY_CAPABILITY",
}

func (rc ReasonCode) String() string {
	str, present := reasonToStr[rc]
	if !present {
		return fmt.Sprintf("REASON(%d)", uint16(rc))
	}
	return str
}

// PeerSubtype distinguishes the three peer link management frames
type PeerSubtype uint8

const (
	PeerOpen PeerSubtype = iota
	PeerConfirm
	PeerClose
)

func (ps PeerSubtype) String() string {
	switch ps {
	case PeerOpen:
		return "open"
	case PeerConfirm:
		return "confirm"
	case PeerClose:
		return "close"
	}
	return "unknown"
}

// ErrTruncated is returned when a buffer ends before the structure being decoded does
var ErrTruncated = errors.New("truncated")

// ErrUnknownElement is returned by DecodeElement for an element id it does not know
var ErrUnknownElement = errors.New("unknown information element")

// TU is the 802.11 time unit, 1024 microseconds, expressed in seconds
const TU = 1024e-6

// TimeToTU converts a time in seconds to whole time units, rounding down
func TimeToTU(secs float64) int64 {
	return int64(math.Floor(secs*1e6+0.5)) / 1024
}

// TUToTime converts a number of time units to seconds
func TUToTime(tu int64) float64 {
	return float64(tu) * TU
}

// micros converts seconds to whole microseconds
func micros(secs float64) int64 {
	return int64(math.Floor(secs*1e6 + 0.5))
}

// EncodeLastBeacon renders a beacon time in the 256 microsecond units, modulo 2^16, that
// a beacon timing element carries
func EncodeLastBeacon(secs float64) uint16 {
	return uint16((micros(secs) >> 8) & 0xffff)
}

// DecodeLastBeacon recovers, in units of 256 microseconds, the absolute time of a beacon
// whose encoded form is lastBeacon.  The beacon is taken to be the latest one at or
// before now having that encoding.
func DecodeLastBeacon(lastBeacon uint16, now float64) int64 {
	nowUnits := micros(now) >> 8
	back := (uint16(nowUnits&0xffff) - lastBeacon)
	return nowUnits - int64(back)
}
