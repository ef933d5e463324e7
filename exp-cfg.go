package netcore

// exp-cfg.go holds the structs and methods used to describe run-time configuration
// of an experiment.  An experiment file lists ExpParameters, each of which names the kind
// of object it configures (a PeerLink, a Mesh, a Router, a BaseStation, a ServiceFlow),
// the attributes an object must have to receive the value, the parameter, and the value itself.
// Components consume the resolved parameters as a map from parameter name to string value.

import (
	"errors"
	"fmt"
	"golang.org/x/exp/slices"
	"sort"
	"strconv"
	"strings"
)

// An ExpParameter struct describes an input to experiment configuration at run-time. It specifies
//   - ParamObj identifies the kind of thing being configured : PeerLink, Mesh, Router, BaseStation, or ServiceFlow
//   - Attribute identifies a class of objects of that type to which the configuration parameter should apply.
//     May be "*" for a wild-card, may be "name%%xxyy" where "xxyy" is the object's identifier, may be
//     a comma-separated list of other attributes
type ExpParameter struct {
	// Type of thing being configured
	ParamObj string `json:"paramObj" yaml:"paramObj"`

	// attribute identifier for this parameter
	Attribute string `json:"attribute" yaml:"attribute"`

	// ParameterType, e.g., "retryTimeout", "maxPeers", "frameDuration"
	Param string `json:"param" yaml:"param"`

	// string-encoded value associated with type
	Value string `json:"value" yaml:"value"`
}

// CreateExpParameter is a constructor.  Completely fills in the struct with the [ExpParameter] attributes.
func CreateExpParameter(paramObj, attribute, param, value string) *ExpParameter {
	exptr := &ExpParameter{ParamObj: paramObj, Attribute: attribute, Param: param, Value: value}
	return exptr
}

// Eq is true when every field of the two parameters matches
func (ep *ExpParameter) Eq(other *ExpParameter) bool {
	return ep.ParamObj == other.ParamObj && ep.Attribute == other.Attribute &&
		ep.Param == other.Param && ep.Value == other.Value
}

// An ExpCfg structure holds all of the ExpParameters for a named experiment
type ExpCfg struct {
	// Name is an identifier for a group of [ExpParameters].  No particular interpretation of this string is
	// used, except as a referencing label
	Name string `json:"expname" yaml:"expname"`

	// Parameters is a list of all the [ExpParameter] objects presented to the simulator for an experiment.
	Parameters []ExpParameter `json:"parameters" yaml:"parameters"`
}

// CreateExpCfg is a constructor. Saves the offered Name and initializes the slice of ExpParameters.
func CreateExpCfg(name string) *ExpCfg {
	expcfg := &ExpCfg{Name: name, Parameters: make([]ExpParameter, 0)}
	return expcfg
}

// AddParameter accepts the four values in an ExpParameter, creates one, and adds to the ExpCfg's list.
// Returns an error if the parameters are not validated.
func (expcfg *ExpCfg) AddParameter(paramObj, attribute, param, value string) error {
	err := ValidateParameter(paramObj, attribute, param)
	if err != nil {
		return err
	}

	excp := CreateExpParameter(paramObj, attribute, param, value)
	expcfg.Parameters = append(expcfg.Parameters, *excp)
	return nil
}

// Validate checks every parameter held in the ExpCfg and reports all the failures together
func (expcfg *ExpCfg) Validate() error {
	errs := []error{}
	for _, ep := range expcfg.Parameters {
		errs = append(errs, ValidateParameter(ep.ParamObj, ep.Attribute, ep.Param))
	}
	return ReportErrs(errs)
}

// WriteToFile stores the ExpCfg struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (expcfg *ExpCfg) WriteToFile(filename string) error {
	bytes, err := MarshalByExt(filename, *expcfg)
	if err != nil {
		return err
	}
	return WriteBytes(filename, bytes)
}

// ReadExpCfg deserializes a byte slice holding a representation of an ExpCfg struct.
// If the input argument of dict (those bytes) is empty, the file whose name is given is read
// to acquire them.  The parameters read are validated before the ExpCfg is returned.
func ReadExpCfg(filename string, useYAML bool, dict []byte) (*ExpCfg, error) {
	example := ExpCfg{}
	err := UnmarshalDict(filename, useYAML, dict, &example)
	if err != nil {
		return nil, err
	}
	if verr := example.Validate(); verr != nil {
		return nil, fmt.Errorf("experiment %s: %w", example.Name, verr)
	}
	return &example, nil
}

// ExpParamObjs, ExpAttributes, and ExpParams hold descriptions of the types of objects
// that are initialized by an exp file, for each the attributes of the object that can be tested for to determine
// whether the object is to receive the configuration parameter, and the parameter types defined for each object type
var ExpParamObjs []string
var ExpAttributes map[string][]string
var ExpParams map[string][]string

// GetExpParamDesc returns ExpParamObjs, ExpAttributes, and ExpParams after ensuring that they have been built
func GetExpParamDesc() ([]string, map[string][]string, map[string][]string) {
	if ExpParamObjs == nil {
		ExpParamObjs = []string{"PeerLink", "Mesh", "Router", "BaseStation", "ServiceFlow"}
		ExpAttributes = make(map[string][]string)
		ExpAttributes["PeerLink"] = []string{"*"}
		ExpAttributes["Mesh"] = []string{"mbca", "*"}
		ExpAttributes["Router"] = []string{"stub", "transit", "*"}
		ExpAttributes["BaseStation"] = []string{"simple", "rtps", "mbqos", "*"}
		ExpAttributes["ServiceFlow"] = []string{"UGS", "rtPS", "nrtPS", "BE", "*"}
		ExpParams = make(map[string][]string)
		ExpParams["PeerLink"] = []string{"retryTimeout", "holdingTimeout", "confirmTimeout",
			"maxRetries", "maxBeaconLoss", "trace"}
		ExpParams["Mesh"] = []string{"maxNumberOfPeerLinks", "maxBeaconShiftValue", "enableBeaconCollisionAvoidance",
			"beaconInterval", "propagationDelay", "lossProbability", "meshID", "trace"}
		ExpParams["Router"] = []string{"stubShortCircuit", "trace"}
		ExpParams["BaseStation"] = []string{"frameDuration", "channelBandwidth", "initialRangingInterval",
			"windowInterval", "dcdInterval", "ucdInterval", "rangReqOppSize", "bwReqOppSize", "rangingOpps", "trace"}
		ExpParams["ServiceFlow"] = []string{"minReservedTrafficRate", "maxSustainedTrafficRate", "maxLatency",
			"toleratedJitter", "sduSize", "meanInterarrival", "packetSize", "model"}
	}

	return ExpParamObjs, ExpAttributes, ExpParams
}

// ValidateParameter returns an error if the paramObj, attribute, and param values don't
// make sense taken together within an ExpParameter.
func ValidateParameter(paramObj, attribute, param string) error {
	GetExpParamDesc()

	// the paramObj string has to be recognized as one of the permitted ones (stored in list ExpParamObjs)
	if !slices.Contains(ExpParamObjs, paramObj) {
		return fmt.Errorf("parameter paramObj %s is not recognized", paramObj)
	}

	// the type of param must be consistent with the paramObj
	if !slices.Contains(ExpParams[paramObj], param) {
		return fmt.Errorf("parameter %s is not recognized for paramObj %s", param, paramObj)
	}

	attrbList := strings.Split(attribute, ",")

	// every elemental attribute needs to be a name or "*", or recognized as a legitimate attribute
	// for the associated paramObj
	for _, attrb := range attrbList {
		// if name is present it is the only acceptable attribute in the comma-separated list
		if strings.HasPrefix(attrb, "name%%") {
			if len(attrbList) != 1 {
				return fmt.Errorf("name parameter attribute %s paramObj %s is included with more attributes", attrb, paramObj)
			}
			return nil
		}

		// likewise "*"
		if attrb == "*" {
			if len(attrbList) != 1 {
				return fmt.Errorf("parameter attribute * paramObj %s is included with more attributes", paramObj)
			}
			return nil
		}

		if !slices.Contains(ExpAttributes[paramObj], attrb) {
			return fmt.Errorf("parameter attribute %s is not recognized for paramObj %s", attrb, paramObj)
		}
	}
	return nil
}

// attrbClass places an attribute string in one of three precedence classes:
// 0 for the wildcard, 1 for a list of type attributes, 2 for a name
func attrbClass(attribute string) int {
	if attribute == "*" {
		return 0
	}
	if strings.HasPrefix(attribute, "name%%") {
		return 2
	}
	return 1
}

// reorderExpParams puts the parameters in the order they are to be applied:
// wildcards first, then attribute-selected, then those naming a specific object.
// Within a class the order is by (Attribute, Param, Value) and duplicates are removed.
func reorderExpParams(pL []ExpParameter) []ExpParameter {
	ordered := make([]ExpParameter, len(pL))
	copy(ordered, pL)

	sort.SliceStable(ordered, func(i, j int) bool {
		ci, cj := attrbClass(ordered[i].Attribute), attrbClass(ordered[j].Attribute)
		if ci != cj {
			return ci < cj
		}
		if ordered[i].Attribute != ordered[j].Attribute {
			return ordered[i].Attribute < ordered[j].Attribute
		}
		if ordered[i].Param != ordered[j].Param {
			return ordered[i].Param < ordered[j].Param
		}
		return ordered[i].Value < ordered[j].Value
	})

	// get rid of duplicates
	for idx := len(ordered) - 1; idx > 0; idx = idx - 1 {
		if ordered[idx].Eq(&ordered[idx-1]) {
			ordered = append(ordered[:idx], ordered[(idx+1):]...)
		}
	}
	return ordered
}

// matches is true if the attribute of a parameter selects an object with the given name and attributes.
// A comma-separated attribute list selects objects holding every listed attribute.
func matches(attribute, name string, attrbs []string) bool {
	switch attrbClass(attribute) {
	case 0:
		return true
	case 2:
		return strings.TrimPrefix(attribute, "name%%") == name
	}
	for _, attrb := range strings.Split(attribute, ",") {
		if !slices.Contains(attrbs, attrb) {
			return false
		}
	}
	return true
}

// ParamsFor resolves the parameters applying to the object of kind paramObj with the given
// name and attributes.  Parameters are applied from least to most specific, so that a value
// given for a named object overrides one given through its attributes, which in turn
// overrides a wildcard value.
func (expcfg *ExpCfg) ParamsFor(paramObj, name string, attrbs []string) map[string]string {
	rtn := make(map[string]string)
	if expcfg == nil {
		return rtn
	}

	selected := []ExpParameter{}
	for _, ep := range expcfg.Parameters {
		if ep.ParamObj == paramObj {
			selected = append(selected, ep)
		}
	}

	for _, ep := range reorderExpParams(selected) {
		if matches(ep.Attribute, name, attrbs) {
			rtn[ep.Param] = ep.Value
		}
	}
	return rtn
}

// ReportErrs transforms a list of errors and transforms the non-nil ones into a single error
// with comma-separated report of all the constituent errors, and returns it.
func ReportErrs(errs []error) error {
	errMsg := make([]string, 0)
	for _, err := range errs {
		if err != nil {
			errMsg = append(errMsg, err.Error())
		}
	}
	if len(errMsg) == 0 {
		return nil
	}

	return errors.New(strings.Join(errMsg, ","))
}

// ParamFloat looks up key in params and, if present, parses it into *dst.
// A missing key leaves *dst alone.
func ParamFloat(params map[string]string, key string, dst *float64) error {
	vs, present := params[key]
	if !present {
		return nil
	}
	v, err := strconv.ParseFloat(vs, 64)
	if err != nil {
		return fmt.Errorf("parameter %s: %w", key, err)
	}
	*dst = v
	return nil
}

// ParamInt looks up key in params and, if present, parses it into *dst
func ParamInt(params map[string]string, key string, dst *int) error {
	vs, present := params[key]
	if !present {
		return nil
	}
	v, err := strconv.Atoi(vs)
	if err != nil {
		return fmt.Errorf("parameter %s: %w", key, err)
	}
	*dst = v
	return nil
}

// ParamBool looks up key in params and, if present, parses it into *dst
func ParamBool(params map[string]string, key string, dst *bool) error {
	vs, present := params[key]
	if !present {
		return nil
	}
	v, err := strconv.ParseBool(vs)
	if err != nil {
		return fmt.Errorf("parameter %s: %w", key, err)
	}
	*dst = v
	return nil
}
