package wimax

// desc-bs.go holds the structs used to describe a base station, its subscriber stations and
// their service flows in a file, and the method that builds a running model from such a
// description.  Names of modulations, scheduling types and traffic models are kept as strings
// so that the files stay readable; they are parsed when the description is built.

import (
	"fmt"
	"log/slog"

	"github.com/iti/netcore"
)

// StationDesc describes a subscriber station
type StationDesc struct {
	Name       string `json:"name" yaml:"name"`
	Modulation string `json:"modulation" yaml:"modulation"`
}

// FlowDesc describes an uplink service flow of a station and the traffic offered to it.
// Type is one of "UGS", "rtPS", "nrtPS", "BE"; Model is "exp" or "const".
type FlowDesc struct {
	Name             string    `json:"name" yaml:"name"`
	Station          string    `json:"station" yaml:"station"`
	Type             string    `json:"type" yaml:"type"`
	QoS              QoSParams `json:"qos" yaml:"qos"`
	Model            string    `json:"model" yaml:"model"`
	MeanInterarrival float64   `json:"meaninterarrival" yaml:"meaninterarrival"`
	PacketSize       uint32    `json:"packetsize" yaml:"packetsize"`
}

// BSDesc describes a base station and everything attached to it
type BSDesc struct {
	Name     string        `json:"name" yaml:"name"`
	Config   BSConfig      `json:"config" yaml:"config"`
	Stations []StationDesc `json:"stations" yaml:"stations"`
	Flows    []FlowDesc    `json:"flows" yaml:"flows"`
}

// CreateBSDesc is a constructor.  The configuration starts at the defaults.
func CreateBSDesc(name string) *BSDesc {
	bsd := new(BSDesc)
	bsd.Name = name
	bsd.Config = DefaultBSConfig()
	bsd.Stations = make([]StationDesc, 0)
	bsd.Flows = make([]FlowDesc, 0)
	return bsd
}

func (bsd *BSDesc) findStation(name string) *StationDesc {
	for idx := range bsd.Stations {
		if bsd.Stations[idx].Name == name {
			return &bsd.Stations[idx]
		}
	}
	return nil
}

// AddStation adds a subscriber station using the named modulation
func (bsd *BSDesc) AddStation(name, modulation string) error {
	if bsd.findStation(name) != nil {
		return fmt.Errorf("subscriber station %s already described", name)
	}
	if _, err := ParseModulation(modulation); err != nil {
		return fmt.Errorf("subscriber station %s: %w", name, err)
	}
	bsd.Stations = append(bsd.Stations, StationDesc{Name: name, Modulation: modulation})
	return nil
}

// AddFlow adds a service flow to a station already described
func (bsd *BSDesc) AddFlow(fd FlowDesc) error {
	if bsd.findStation(fd.Station) == nil {
		return fmt.Errorf("flow %s names undescribed subscriber station %s", fd.Name, fd.Station)
	}
	for _, other := range bsd.Flows {
		if other.Name == fd.Name {
			return fmt.Errorf("flow %s already described", fd.Name)
		}
	}
	if _, err := ParseSchedulingType(fd.Type); err != nil {
		return fmt.Errorf("flow %s: %w", fd.Name, err)
	}
	if _, err := ParseTrafficModel(fd.Model); err != nil {
		return fmt.Errorf("flow %s: %w", fd.Name, err)
	}
	bsd.Flows = append(bsd.Flows, fd)
	return nil
}

// WriteToFile serializes the BSDesc and writes to the file whose name is given as an input argument.
// Extension of the file name selects whether serialization is to json or to yaml format.
func (bsd *BSDesc) WriteToFile(filename string) error {
	bytes, err := netcore.MarshalByExt(filename, *bsd)
	if err != nil {
		return err
	}
	return netcore.WriteBytes(filename, bytes)
}

// ReadBSDesc deserializes a slice of bytes into a BSDesc.  If the input arg of bytes
// is empty, the file whose name is given as an argument is read.
func ReadBSDesc(filename string, useYAML bool, dict []byte) (*BSDesc, error) {
	example := BSDesc{Config: DefaultBSConfig()}
	if err := netcore.UnmarshalDict(filename, useYAML, dict, &example); err != nil {
		return nil, fmt.Errorf("base station %s: %w", filename, err)
	}
	return &example, nil
}

// BSModel is a base station built from a description together with its traffic sources
type BSModel struct {
	BS      *BaseStation
	Sources []*TrafficSource

	// Trace is set when the experiment asks for the base station to be traced
	Trace bool
}

// Start starts the base station and every traffic source
func (bm *BSModel) Start() {
	bm.BS.Start()
	for _, ts := range bm.Sources {
		ts.Start()
	}
}

// Stop stops the traffic sources and the base station
func (bm *BSModel) Stop() {
	for _, ts := range bm.Sources {
		ts.Stop()
	}
	bm.BS.Stop()
}

// Build creates the base station, registers its stations, admits their flows and creates
// their traffic sources.  Experiment parameters, when exp is not nil, override the values of
// the description: BaseStation parameters are selected by the station's name and scheduler,
// ServiceFlow parameters by the flow's name and scheduling type.  seed prefixes the names of the
// random streams.
func (bsd *BSDesc) Build(exp *netcore.ExpCfg, sched netcore.Scheduler, seed string, logger *slog.Logger,
	metrics *netcore.Collector) (*BSModel, error) {

	cfg := bsd.Config
	params := exp.ParamsFor("BaseStation", bsd.Name, []string{cfg.Scheduler})
	if err := cfg.ApplyParams(params); err != nil {
		return nil, fmt.Errorf("base station %s: %w", bsd.Name, err)
	}
	model := new(BSModel)
	if err := netcore.ParamBool(params, "trace", &model.Trace); err != nil {
		return nil, fmt.Errorf("base station %s: %w", bsd.Name, err)
	}

	bs, err := CreateBaseStation(bsd.Name, cfg, sched, CreateRandomSource(seed+"-"+bsd.Name), logger, metrics)
	if err != nil {
		return nil, err
	}
	model.BS = bs

	ssrByName := make(map[string]*SSRecord)
	for _, sd := range bsd.Stations {
		mt, err := ParseModulation(sd.Modulation)
		if err != nil {
			return nil, fmt.Errorf("subscriber station %s: %w", sd.Name, err)
		}
		ssr, err := bs.RegisterSS(sd.Name, mt)
		if err != nil {
			return nil, err
		}
		ssrByName[sd.Name] = ssr
	}

	errs := []error{}
	for _, fd := range bsd.Flows {
		ts, err := bsd.buildFlow(exp, bs, ssrByName, fd, seed)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ts != nil {
			model.Sources = append(model.Sources, ts)
		}
	}
	if err := netcore.ReportErrs(errs); err != nil {
		return nil, err
	}
	return model, nil
}

// buildFlow admits one flow and creates its traffic source.  A flow with no packet size or
// inter-arrival time gets no source.
func (bsd *BSDesc) buildFlow(exp *netcore.ExpCfg, bs *BaseStation, ssrByName map[string]*SSRecord,
	fd FlowDesc, seed string) (*TrafficSource, error) {

	ssr, present := ssrByName[fd.Station]
	if !present {
		return nil, fmt.Errorf("flow %s names unknown subscriber station %s", fd.Name, fd.Station)
	}
	st, err := ParseSchedulingType(fd.Type)
	if err != nil {
		return nil, fmt.Errorf("flow %s: %w", fd.Name, err)
	}

	params := exp.ParamsFor("ServiceFlow", fd.Name, []string{st.String()})
	qos := fd.QoS
	meanInterarrival := fd.MeanInterarrival
	packetSize := int(fd.PacketSize)
	modelName := fd.Model
	if v, present := params["model"]; present {
		modelName = v
	}
	errs := []error{
		qos.ApplyParams(params),
		netcore.ParamFloat(params, "meanInterarrival", &meanInterarrival),
		netcore.ParamInt(params, "packetSize", &packetSize),
	}
	if err := netcore.ReportErrs(errs); err != nil {
		return nil, fmt.Errorf("flow %s: %w", fd.Name, err)
	}

	sf, err := bs.AddServiceFlow(ssr, st, qos)
	if err != nil {
		return nil, fmt.Errorf("flow %s: %w", fd.Name, err)
	}
	if packetSize <= 0 || meanInterarrival <= 0.0 {
		return nil, nil
	}
	tm, err := ParseTrafficModel(modelName)
	if err != nil {
		return nil, fmt.Errorf("flow %s: %w", fd.Name, err)
	}
	return CreateTrafficSource(bs, sf, tm, meanInterarrival, uint32(packetSize),
		CreateRandomSource(seed+"-"+fd.Name))
}
