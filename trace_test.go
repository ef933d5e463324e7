package netcore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/iti/evt/vrtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type testRecord struct {
	Peer  string `yaml:"peer"`
	State string `yaml:"state"`
}

func (tr *testRecord) TraceType() TraceRecordType { return PeerLinkType }
func (tr *testRecord) Serialize() string { return SerializeRecord(tr) }

func TestTraceManager(t *testing.T) {
	tm := CreateTraceManager("trial", true)
	require.True(t, tm.Active())
	tm.AddName(3, "mp3", "mesh point")
	assert.Panics(t, func() { tm.AddName(3, "again", "mesh point") })

	tm.AddRecord(vrtime.SecondsToTime(0.25), 3, &testRecord{Peer: "mp1", State: "ESTAB"})
	tm.AddRecord(vrtime.SecondsToTime(0.5), 3, &testRecord{Peer: "mp2", State: "HOLDING"})
	assert.Equal(t, 2, tm.Count())

	inst := tm.Traces[3][0]
	assert.Equal(t, "0.25", inst.TraceTime)
	assert.Equal(t, "peerlink", inst.TraceType)
	back := testRecord{}
	require.NoError(t, yaml.Unmarshal([]byte(inst.TraceStr), &back))
	assert.Equal(t, testRecord{Peer: "mp1", State: "ESTAB"}, back)

	filename := filepath.Join(t.TempDir(), "trial.yaml")
	require.NoError(t, tm.WriteToFile(filename))
	read := TraceManager{}
	require.NoError(t, UnmarshalDict(filename, true, nil, &read))
	assert.Equal(t, "trial", read.ExpName)
	assert.Equal(t, NameType{Name: "mp3", Type: "mesh point"}, read.NameByID[3])
	assert.Len(t, read.Traces[3], 2)

	assert.Error(t, tm.WriteToFile(filepath.Join(t.TempDir(), "trial.txt")))
}

func TestInactiveTraceManager(t *testing.T) {
	tm := CreateTraceManager("off", false)
	tm.AddName(1, "x", "y")
	tm.AddName(1, "x", "y")
	tm.AddRecord(vrtime.SecondsToTime(1.0), 1, &testRecord{})
	assert.Equal(t, 0, tm.Count())

	filename := filepath.Join(t.TempDir(), "off.yaml")
	require.NoError(t, tm.WriteToFile(filename))
	_, err := os.Stat(filename)
	assert.True(t, os.IsNotExist(err), "an inactive manager writes nothing")

	var none *TraceManager
	assert.False(t, none.Active())
	assert.Equal(t, 0, none.Count())
	none.AddRecord(vrtime.SecondsToTime(1.0), 1, &testRecord{})

	assert.Equal(t, "route", RouteType.String())
	assert.Equal(t, "uplink", UplinkType.String())
	assert.Equal(t, "unknown", TraceRecordType(42).String())
}
