package netcore

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateParameter(t *testing.T) {
	cases := []struct {
		obj, attrb, param string
		ok                bool
	}{
		{"Mesh", "*", "beaconInterval", true},
		{"Mesh", "mbca", "maxBeaconShiftValue", true},
		{"Mesh", "name%%mp1", "trace", true},
		{"Mesh", "*", "lossProbability", true},
		{"Mesh", "*", "meshID", true},
		{"BaseStation", "simple,mbqos", "frameDuration", true},
		{"ServiceFlow", "UGS", "sduSize", true},
		{"Switch", "*", "trace", false},
		{"Mesh", "*", "frameDuration", false},
		{"Router", "core", "trace", false},
		{"Router", "stub,*", "trace", false},
		{"Router", "stub,name%%r1", "trace", false},
	}
	for _, tc := range cases {
		err := ValidateParameter(tc.obj, tc.attrb, tc.param)
		if tc.ok {
			assert.NoError(t, err, "%s %s %s", tc.obj, tc.attrb, tc.param)
		} else {
			assert.Error(t, err, "%s %s %s", tc.obj, tc.attrb, tc.param)
		}
	}
}

func TestParamsForPrecedence(t *testing.T) {
	exp := CreateExpCfg("precedence")
	require.NoError(t, exp.AddParameter("BaseStation", "name%%bs1", "frameDuration", "0.02"))
	require.NoError(t, exp.AddParameter("BaseStation", "mbqos", "frameDuration", "0.01"))
	require.NoError(t, exp.AddParameter("BaseStation", "*", "frameDuration", "0.005"))
	require.NoError(t, exp.AddParameter("BaseStation", "*", "rangingOpps", "3"))
	require.NoError(t, exp.AddParameter("BaseStation", "simple,mbqos", "trace", "true"))
	require.NoError(t, exp.AddParameter("ServiceFlow", "*", "sduSize", "100"))
	assert.Error(t, exp.AddParameter("BaseStation", "*", "sduSize", "100"))
	assert.Len(t, exp.Parameters, 6)

	assert.Equal(t, map[string]string{"frameDuration": "0.02", "rangingOpps": "3"},
		exp.ParamsFor("BaseStation", "bs1", []string{"simple"}))
	assert.Equal(t, map[string]string{"frameDuration": "0.01", "rangingOpps": "3"},
		exp.ParamsFor("BaseStation", "bs2", []string{"mbqos"}))
	assert.Equal(t, map[string]string{"frameDuration": "0.02", "rangingOpps": "3", "trace": "true"},
		exp.ParamsFor("BaseStation", "bs1", []string{"simple", "mbqos"}))
	assert.Equal(t, map[string]string{"sduSize": "100"}, exp.ParamsFor("ServiceFlow", "f", nil))

	var none *ExpCfg
	assert.Empty(t, none.ParamsFor("Mesh", "mp1", nil))
}

func TestExpCfgFiles(t *testing.T) {
	exp := CreateExpCfg("files")
	require.NoError(t, exp.AddParameter("PeerLink", "*", "retryTimeout", "0.04"))
	require.NoError(t, exp.AddParameter("Router", "stub", "stubShortCircuit", "false"))
	dir := t.TempDir()
	for _, name := range []string{"exp.yaml", "exp.json"} {
		filename := filepath.Join(dir, name)
		require.NoError(t, exp.WriteToFile(filename))
		back, err := ReadExpCfg(filename, filepath.Ext(name) == ".yaml", nil)
		require.NoError(t, err)
		if diff := cmp.Diff(exp, back); diff != "" {
			t.Errorf("%s differs after reading back (-want +got):\n%s", name, diff)
		}
	}

	bad := []byte("expname: bad\nparameters:\n  - paramObj: Mesh\n    attribute: '*'\n    param: frames\n    value: '1'\n")
	_, err := ReadExpCfg("bad.yaml", true, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frames")
}

func TestReorderRemovesDuplicates(t *testing.T) {
	pL := []ExpParameter{
		{ParamObj: "Mesh", Attribute: "name%%a", Param: "trace", Value: "true"},
		{ParamObj: "Mesh", Attribute: "*", Param: "trace", Value: "false"},
		{ParamObj: "Mesh", Attribute: "name%%a", Param: "trace", Value: "true"},
	}
	ordered := reorderExpParams(pL)
	require.Len(t, ordered, 2)
	assert.Equal(t, "*", ordered[0].Attribute)
	assert.Equal(t, "name%%a", ordered[1].Attribute)
}

func TestParamParsers(t *testing.T) {
	params := map[string]string{"f": "2.5", "i": "7", "b": "true", "junk": "x"}
	f, i, b := 1.0, 1, false
	require.NoError(t, ParamFloat(params, "f", &f))
	require.NoError(t, ParamInt(params, "i", &i))
	require.NoError(t, ParamBool(params, "b", &b))
	assert.Equal(t, 2.5, f)
	assert.Equal(t, 7, i)
	assert.True(t, b)

	require.NoError(t, ParamFloat(params, "missing", &f))
	assert.Equal(t, 2.5, f)
	assert.Error(t, ParamFloat(params, "junk", &f))
	assert.Error(t, ParamInt(params, "junk", &i))
	assert.Error(t, ParamBool(params, "junk", &b))
}

func TestReportErrs(t *testing.T) {
	assert.NoError(t, ReportErrs(nil))
	assert.NoError(t, ReportErrs([]error{nil, nil}))
	err := ReportErrs([]error{assert.AnError, nil, assert.AnError})
	require.Error(t, err)
	assert.Equal(t, assert.AnError.Error()+","+assert.AnError.Error(), err.Error())
}
