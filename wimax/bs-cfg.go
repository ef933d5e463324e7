package wimax

// bs-cfg.go holds the configuration of a base station and its uplink scheduler.  Times are in
// seconds, opportunity sizes in OFDM symbols.

import (
	"fmt"

	"github.com/iti/netcore"
)

// BSConfig holds the parameters of one base station
type BSConfig struct {
	// Scheduler selects the uplink scheduler: "simple", "rtps" or "mbqos"
	Scheduler string `json:"scheduler" yaml:"scheduler"`

	ChannelBandwidth uint32  `json:"channelbandwidth" yaml:"channelbandwidth"`
	FrameDuration    float64 `json:"frameduration" yaml:"frameduration"`

	// InitialRangingInterval is the period of the broadcast initial ranging region
	InitialRangingInterval float64 `json:"initialranginginterval" yaml:"initialranginginterval"`

	DcdInterval float64 `json:"dcdinterval" yaml:"dcdinterval"`
	UcdInterval float64 `json:"ucdinterval" yaml:"ucdinterval"`

	// RangReqOppSize is the size of one ranging opportunity: preamble, RNG-REQ and round trip
	RangReqOppSize uint32 `json:"rangreqoppsize" yaml:"rangreqoppsize"`

	// BwReqOppSize is the size of one unicast polling opportunity
	BwReqOppSize uint32 `json:"bwreqoppsize" yaml:"bwreqoppsize"`

	// RangingOpps fixes the number of initial ranging opportunities per region.
	// Zero draws it per region from [2, 9].
	RangingOpps int `json:"rangingopps" yaml:"rangingopps"`

	// DsaReqSize is the size in bytes of the grant given for the DSA exchange
	DsaReqSize uint32 `json:"dsareqsize" yaml:"dsareqsize"`

	// WindowInterval is the minimum bandwidth accounting window of the mbqos scheduler
	WindowInterval float64 `json:"windowinterval" yaml:"windowinterval"`
}

// DefaultBSConfig returns a 10 MHz channel with 10 ms frames and the simple scheduler
func DefaultBSConfig() BSConfig {
	return BSConfig{
		Scheduler:              "simple",
		ChannelBandwidth:       10000000,
		FrameDuration:          0.01,
		InitialRangingInterval: 0.05,
		DcdInterval:            3.0,
		UcdInterval:            3.0,
		RangReqOppSize:         8,
		BwReqOppSize:           6,
		RangingOpps:            0,
		DsaReqSize:             64,
		WindowInterval:         1.0,
	}
}

// Validate checks the values for consistency
func (bsc *BSConfig) Validate() error {
	errs := []error{}
	if _, present := schedulerMakers[bsc.Scheduler]; !present {
		errs = append(errs, fmt.Errorf("uplink scheduler %q is not one of simple, rtps, mbqos", bsc.Scheduler))
	}
	if _, err := CreateOfdmPhy(bsc.ChannelBandwidth, bsc.FrameDuration); err != nil {
		errs = append(errs, err)
	}
	if bsc.InitialRangingInterval < 0.0 || bsc.DcdInterval <= 0.0 || bsc.UcdInterval <= 0.0 {
		errs = append(errs, fmt.Errorf("base station intervals must be positive"))
	}
	if bsc.RangReqOppSize == 0 || bsc.BwReqOppSize == 0 {
		errs = append(errs, fmt.Errorf("ranging and bandwidth request opportunities must be at least one symbol"))
	}
	if bsc.DsaReqSize == 0 {
		errs = append(errs, fmt.Errorf("dsaReqSize must be positive"))
	}
	if bsc.RangingOpps < 0 {
		errs = append(errs, fmt.Errorf("rangingOpps %d is negative", bsc.RangingOpps))
	}
	if bsc.WindowInterval <= 0.0 {
		errs = append(errs, fmt.Errorf("windowInterval %g must be positive", bsc.WindowInterval))
	}
	return netcore.ReportErrs(errs)
}

// ApplyParams sets configuration values from experiment parameters of a BaseStation object
func (bsc *BSConfig) ApplyParams(params map[string]string) error {
	bw := int(bsc.ChannelBandwidth)
	rangOpp, bwOpp := int(bsc.RangReqOppSize), int(bsc.BwReqOppSize)
	errs := []error{
		netcore.ParamFloat(params, "frameDuration", &bsc.FrameDuration),
		netcore.ParamInt(params, "channelBandwidth", &bw),
		netcore.ParamFloat(params, "initialRangingInterval", &bsc.InitialRangingInterval),
		netcore.ParamFloat(params, "windowInterval", &bsc.WindowInterval),
		netcore.ParamFloat(params, "dcdInterval", &bsc.DcdInterval),
		netcore.ParamFloat(params, "ucdInterval", &bsc.UcdInterval),
		netcore.ParamInt(params, "rangReqOppSize", &rangOpp),
		netcore.ParamInt(params, "bwReqOppSize", &bwOpp),
		netcore.ParamInt(params, "rangingOpps", &bsc.RangingOpps),
	}
	if err := netcore.ReportErrs(errs); err != nil {
		return err
	}
	if bw < 0 || rangOpp < 0 || bwOpp < 0 {
		return fmt.Errorf("channelBandwidth and opportunity sizes must not be negative")
	}
	bsc.ChannelBandwidth, bsc.RangReqOppSize, bsc.BwReqOppSize = uint32(bw), uint32(rangOpp), uint32(bwOpp)
	return bsc.Validate()
}
