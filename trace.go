package netcore

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strconv"

	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
)

// TraceRecordType identifies the component that produced a trace record
type TraceRecordType int

const (
	PeerLinkType TraceRecordType = iota
	RouteType
	UplinkType
)

var trtToStr map[TraceRecordType]string = map[TraceRecordType]string{PeerLinkType: "peerlink",
	RouteType: "route", UplinkType: "uplink"}

// String returns the name used in trace files for the record type
func (trt TraceRecordType) String() string {
	str, present := trtToStr[trt]
	if !present {
		return "unknown"
	}
	return str
}

// TraceRecord is satisfied by every struct that can be saved through a TraceManager
type TraceRecord interface {
	TraceType() TraceRecordType
	Serialize() string
}

type TraceInst struct {
	TraceTime string
	TraceType string
	TraceStr  string
}

// NameType is a an entry in a dictionary created for a trace
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string
	Type string
}

// TraceManager gathers information about an execution of a model: peering
// state changes, routes installed by SPF runs, uplink maps built per frame.
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each objID
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records for this experiment, indexed by the id of the object that produced them
	Traces map[int][]TraceInst `json:"traces" yaml:"traces"`
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.  By testing this
// flag we can inhibit the activity of gathering a trace when we don't want it,
// while embedding calls to its methods everywhere we need them when it is
func CreateTraceManager(ExpName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = ExpName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]TraceInst)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used.
// A nil manager is never active.
func (tm *TraceManager) Active() bool {
	return tm != nil && tm.InUse
}

// AddTrace stores a trace instance under the id of the object that produced it
func (tm *TraceManager) AddTrace(vrt vrtime.Time, objID int, trace TraceInst) {
	if !tm.Active() {
		return
	}
	tm.Traces[objID] = append(tm.Traces[objID], trace)
}

// AddRecord serializes a TraceRecord and stores it with its virtual time stamp
func (tm *TraceManager) AddRecord(vrt vrtime.Time, objID int, rec TraceRecord) {
	if !tm.Active() {
		return
	}
	traceTime := strconv.FormatFloat(vrt.Seconds(), 'f', -1, 64)
	trcInst := TraceInst{TraceTime: traceTime, TraceType: rec.TraceType().String(), TraceStr: rec.Serialize()}
	tm.AddTrace(vrt, objID, trcInst)
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if !tm.Active() {
		return
	}
	_, present := tm.NameByID[id]
	if present {
		panic("duplicated id in AddName")
	}
	tm.NameByID[id] = NameType{Name: name, Type: objDesc}
}

// Count returns the number of trace instances gathered so far
func (tm *TraceManager) Count() int {
	if tm == nil {
		return 0
	}
	cnt := 0
	for _, trcs := range tm.Traces {
		cnt += len(trcs)
	}
	return cnt
}

// WriteToFile stores the TraceManager struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (tm *TraceManager) WriteToFile(filename string) error {
	if !tm.Active() {
		return nil
	}
	bytes, err := MarshalByExt(filename, *tm)
	if err != nil {
		return err
	}
	return WriteBytes(filename, bytes)
}

// MarshalByExt serializes obj to yaml or to json, chosen by the extension of filename
func MarshalByExt(filename string, obj any) ([]byte, error) {
	switch path.Ext(filename) {
	case ".yaml", ".YAML", ".yml":
		return yaml.Marshal(obj)
	case ".json", ".JSON":
		return json.MarshalIndent(obj, "", "\t")
	}
	return nil, fmt.Errorf("unrecognized extension on output file %s", filename)
}

// UnmarshalDict fills obj from dict, or from the named file when dict is empty.
// useYAML selects the decoder.
func UnmarshalDict(filename string, useYAML bool, dict []byte, obj any) error {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return err
		}
	}
	if useYAML {
		err = yaml.Unmarshal(dict, obj)
	} else {
		err = json.Unmarshal(dict, obj)
	}
	if err != nil {
		return fmt.Errorf("decoding %s: %w", filename, err)
	}
	return nil
}

// SerializeRecord renders a trace record body as yaml
func SerializeRecord(rec any) string {
	bytes, merr := yaml.Marshal(rec)
	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// WriteBytes creates (or truncates) the named file and writes the bytes to it
func WriteBytes(filename string, bytes []byte) error {
	f, cerr := os.Create(filename)
	if cerr != nil {
		return cerr
	}
	_, werr := f.Write(bytes)
	if werr != nil {
		f.Close()
		return werr
	}
	return f.Close()
}
