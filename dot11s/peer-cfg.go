package dot11s

// peer-cfg.go holds the configuration structs of the peering state machine and of the
// peer management protocol.  Every value is carried explicitly into the object it
// configures at construction; experiment parameter files adjust them through ApplyParams.

import (
	"fmt"

	"github.com/iti/netcore"
)

// PeerLinkConfig holds the timer and retry limits of one peer link.  Times are in seconds.
type PeerLinkConfig struct {
	// RetryTimeout is the wait for a response before an Open is sent again
	RetryTimeout float64 `json:"retrytimeout" yaml:"retrytimeout"`

	// HoldingTimeout is the time spent in HOLDING before the link returns to IDLE
	HoldingTimeout float64 `json:"holdingtimeout" yaml:"holdingtimeout"`

	// ConfirmTimeout is the wait for the peer's Open once its Confirm has arrived
	ConfirmTimeout float64 `json:"confirmtimeout" yaml:"confirmtimeout"`

	// MaxRetries is the number of times an Open is resent before giving up
	MaxRetries int `json:"maxretries" yaml:"maxretries"`

	// MaxBeaconLoss is the number of consecutive beacons that may go missing
	// before the link is cancelled
	MaxBeaconLoss int `json:"maxbeaconloss" yaml:"maxbeaconloss"`
}

// DefaultPeerLinkConfig returns forty time units for every timer, four retries and
// a loss limit of two beacons
func DefaultPeerLinkConfig() PeerLinkConfig {
	return PeerLinkConfig{
		RetryTimeout:   TUToTime(40),
		HoldingTimeout: TUToTime(40),
		ConfirmTimeout: TUToTime(40),
		MaxRetries:     4,
		MaxBeaconLoss:  2,
	}
}

// Validate checks that the timers are positive and the limits sensible
func (plc *PeerLinkConfig) Validate() error {
	errs := []error{}
	if plc.RetryTimeout <= 0.0 || plc.HoldingTimeout <= 0.0 || plc.ConfirmTimeout <= 0.0 {
		errs = append(errs, fmt.Errorf("peer link timeouts must be positive"))
	}
	if plc.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("peer link maxRetries %d is negative", plc.MaxRetries))
	}
	if plc.MaxBeaconLoss < 1 {
		errs = append(errs, fmt.Errorf("peer link maxBeaconLoss %d must be at least 1", plc.MaxBeaconLoss))
	}
	return netcore.ReportErrs(errs)
}

// ApplyParams sets configuration values from experiment parameters of a PeerLink object
func (plc *PeerLinkConfig) ApplyParams(params map[string]string) error {
	errs := []error{
		netcore.ParamFloat(params, "retryTimeout", &plc.RetryTimeout),
		netcore.ParamFloat(params, "holdingTimeout", &plc.HoldingTimeout),
		netcore.ParamFloat(params, "confirmTimeout", &plc.ConfirmTimeout),
		netcore.ParamInt(params, "maxRetries", &plc.MaxRetries),
		netcore.ParamInt(params, "maxBeaconLoss", &plc.MaxBeaconLoss),
	}
	if err := netcore.ReportErrs(errs); err != nil {
		return err
	}
	return plc.Validate()
}

// ProtocolConfig holds the parameters of a peer management protocol instance
type ProtocolConfig struct {
	// MaxNumberOfPeerLinks bounds the number of established links.  Once it is reached
	// no Open is sent and every received Open is rejected.
	MaxNumberOfPeerLinks int `json:"maxnumberofpeerlinks" yaml:"maxnumberofpeerlinks"`

	// MaxBeaconShift is the largest shift, in time units, applied to the station's own
	// beacon to avoid a collision
	MaxBeaconShift int `json:"maxbeaconshift" yaml:"maxbeaconshift"`

	// EnableBeaconCollisionAvoidance turns on the check made after each beacon sent
	EnableBeaconCollisionAvoidance bool `json:"enablebeaconcollisionavoidance" yaml:"enablebeaconcollisionavoidance"`

	// PeerLink is handed to every link the protocol creates
	PeerLink PeerLinkConfig `json:"peerlink" yaml:"peerlink"`
}

// DefaultProtocolConfig returns a limit of 32 links and a largest beacon shift of 15 TU,
// with collision avoidance on
func DefaultProtocolConfig() ProtocolConfig {
	return ProtocolConfig{
		MaxNumberOfPeerLinks:           32,
		MaxBeaconShift:                 15,
		EnableBeaconCollisionAvoidance: true,
		PeerLink:                       DefaultPeerLinkConfig(),
	}
}

// ApplyParams sets configuration values from experiment parameters of a Mesh object
func (pc *ProtocolConfig) ApplyParams(params map[string]string) error {
	errs := []error{
		netcore.ParamInt(params, "maxNumberOfPeerLinks", &pc.MaxNumberOfPeerLinks),
		netcore.ParamInt(params, "maxBeaconShiftValue", &pc.MaxBeaconShift),
		netcore.ParamBool(params, "enableBeaconCollisionAvoidance", &pc.EnableBeaconCollisionAvoidance),
	}
	if err := netcore.ReportErrs(errs); err != nil {
		return err
	}
	if pc.MaxNumberOfPeerLinks < 0 {
		return fmt.Errorf("maxNumberOfPeerLinks %d is negative", pc.MaxNumberOfPeerLinks)
	}
	if pc.MaxBeaconShift < 1 {
		return fmt.Errorf("maxBeaconShiftValue %d must be at least 1", pc.MaxBeaconShift)
	}
	return nil
}
