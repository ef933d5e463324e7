package wimax

// phy.go holds the OFDM physical layer parameters the base station needs to size its frames,
// and the conversions between burst sizes in bytes and durations in OFDM symbols.
// Signal propagation and reception are not modeled; only the timing structure is.

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrUnknownConnection is returned when a connection id names no service flow at the base station
var ErrUnknownConnection = errors.New("unknown connection")

// ModulationType identifies a modulation and FEC coding rate combination
type ModulationType int

const (
	ModulationBPSK12 ModulationType = iota
	ModulationQPSK12
	ModulationQPSK34
	ModulationQAM16_12
	ModulationQAM16_34
	ModulationQAM64_23
	ModulationQAM64_34
)

var modToStr map[ModulationType]string = map[ModulationType]string{
	ModulationBPSK12: "BPSK-1/2", ModulationQPSK12: "QPSK-1/2", ModulationQPSK34: "QPSK-3/4",
	ModulationQAM16_12: "QAM16-1/2", ModulationQAM16_34: "QAM16-3/4",
	ModulationQAM64_23: "QAM64-2/3", ModulationQAM64_34: "QAM64-3/4"}

// fecBlockBytes is the size of one FEC block, which is also the payload of one OFDM symbol
// on 192 data subcarriers
var fecBlockBytes map[ModulationType]uint32 = map[ModulationType]uint32{
	ModulationBPSK12: 12, ModulationQPSK12: 24, ModulationQPSK34: 36,
	ModulationQAM16_12: 48, ModulationQAM16_34: 72,
	ModulationQAM64_23: 96, ModulationQAM64_34: 108}

func (mt ModulationType) String() string {
	str, present := modToStr[mt]
	if !present {
		return fmt.Sprintf("modulation(%d)", int(mt))
	}
	return str
}

// ParseModulation accepts the names produced by String, ignoring case
func ParseModulation(name string) (ModulationType, error) {
	for mt, str := range modToStr {
		if strings.EqualFold(str, name) {
			return mt, nil
		}
	}
	return ModulationBPSK12, fmt.Errorf("modulation %q is not recognized", name)
}

// frameDurations lists the frame durations, in milliseconds, the OFDM PHY permits
var frameDurations []float64 = []float64{2.5, 4, 5, 8, 10, 12.5, 20}

// OfdmPhy describes the frame timing of an OFDM PHY with 256 subcarriers and a cyclic
// prefix of one quarter of the useful symbol time
type OfdmPhy struct {
	channelBandwidth uint32  // Hz
	frameDuration    float64 // seconds
	psDuration       float64 // seconds per physical slot
	symbolDuration   float64 // seconds per OFDM symbol, cyclic prefix included
	psPerSymbol      uint32
	symbolsPerFrame  uint32
}

const (
	nfft     = 256
	gValue   = 0.25
	nCarrier = 192
)

// samplingFactor selects n from the channel bandwidth
func samplingFactor(bw uint32) (float64, error) {
	switch {
	case bw%1750000 == 0:
		return 8.0 / 7.0, nil
	case bw%1500000 == 0:
		return 86.0 / 75.0, nil
	case bw%1250000 == 0:
		return 144.0 / 125.0, nil
	case bw%2750000 == 0:
		return 316.0 / 275.0, nil
	case bw%2000000 == 0:
		return 57.0 / 50.0, nil
	}
	return 0.0, fmt.Errorf("channel bandwidth %d Hz is not an OFDM channel width", bw)
}

// CreateOfdmPhy is a constructor.  The channel bandwidth is in Hz and the frame duration in seconds.
func CreateOfdmPhy(channelBandwidth uint32, frameDuration float64) (*OfdmPhy, error) {
	if channelBandwidth == 0 {
		return nil, fmt.Errorf("channel bandwidth must be positive")
	}
	n, err := samplingFactor(channelBandwidth)
	if err != nil {
		return nil, err
	}
	permitted := false
	for _, ms := range frameDurations {
		if math.Abs(ms*1e-3-frameDuration) < 1e-9 {
			permitted = true
			break
		}
	}
	if !permitted {
		return nil, fmt.Errorf("frame duration %g s is not one of %v ms", frameDuration, frameDurations)
	}

	phy := new(OfdmPhy)
	phy.channelBandwidth = channelBandwidth
	phy.frameDuration = frameDuration

	fs := n * float64(channelBandwidth)
	phy.psDuration = 4.0 / fs
	tb := float64(nfft) / fs
	phy.symbolDuration = tb + gValue*tb
	phy.psPerSymbol = uint32(math.Round(phy.symbolDuration / phy.psDuration))
	phy.symbolsPerFrame = uint32(math.Round(frameDuration / phy.symbolDuration))
	return phy, nil
}

// ChannelBandwidth returns the channel width in Hz
func (phy *OfdmPhy) ChannelBandwidth() uint32 {
	return phy.channelBandwidth
}

// FrameDuration returns the frame length in seconds
func (phy *OfdmPhy) FrameDuration() float64 {
	return phy.frameDuration
}

// FrameDurationMs returns the frame length in whole milliseconds
func (phy *OfdmPhy) FrameDurationMs() uint32 {
	return uint32(math.Floor(phy.frameDuration*1000.0 + 1e-9))
}

func (phy *OfdmPhy) SymbolDuration() float64 {
	return phy.symbolDuration
}

func (phy *OfdmPhy) PsDuration() float64 {
	return phy.psDuration
}

func (phy *OfdmPhy) PsPerSymbol() uint32 {
	return phy.psPerSymbol
}

func (phy *OfdmPhy) SymbolsPerFrame() uint32 {
	return phy.symbolsPerFrame
}

// TTG returns the transmit/receive transition gap in physical slots
func (phy *OfdmPhy) TTG() uint32 {
	return 2 * phy.psPerSymbol
}

// RTG returns the receive/transmit transition gap in physical slots
func (phy *OfdmPhy) RTG() uint32 {
	return 2 * phy.psPerSymbol
}

// GapSymbols converts a gap in physical slots to the whole number of symbols it consumes
func (phy *OfdmPhy) GapSymbols(ps uint32) uint32 {
	return uint32(math.Ceil(float64(ps)*phy.psDuration/phy.symbolDuration - 1e-9))
}

// BytesPerSymbol is the payload carried by one symbol under modulation mt
func BytesPerSymbol(mt ModulationType) uint32 {
	bps, present := fecBlockBytes[mt]
	if !present {
		panic(fmt.Errorf("invalid modulation type %d", int(mt)))
	}
	return bps
}

// NrSymbols returns the number of symbols needed to carry size bytes.  A burst always
// fills whole FEC blocks.
func (phy *OfdmPhy) NrSymbols(size uint32, mt ModulationType) uint32 {
	bps := BytesPerSymbol(mt)
	return (size + bps - 1) / bps
}

// NrBytes returns the number of bytes that symbols symbols carry
func (phy *OfdmPhy) NrBytes(symbols uint32, mt ModulationType) uint32 {
	return symbols * BytesPerSymbol(mt)
}

// DataRate returns the bit rate under modulation mt
func (phy *OfdmPhy) DataRate(mt ModulationType) float64 {
	return float64(8*BytesPerSymbol(mt)) / phy.symbolDuration
}
