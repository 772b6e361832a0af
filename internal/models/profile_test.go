package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xsigma/platform/gateway/internal/params"
)

func mustProfile(t *testing.T, name string) *Profile {
	t.Helper()
	p, ok := DefaultRegistry().Lookup(name)
	require.True(t, ok, name)
	return p
}

func TestCatalogueIsConsistent(t *testing.T) {
	reg := DefaultRegistry()
	routes := map[string]bool{}
	for _, p := range reg.All() {
		assert.NotEmpty(t, p.Script, p.Name)
		assert.NotEmpty(t, p.Methods, p.Name)
		assert.False(t, routes[p.Route], "duplicate route %s", p.Route)
		routes[p.Route] = true

		declared := map[string]bool{}
		for _, r := range p.Rules {
			declared[r.Name] = true
		}
		for _, name := range p.Positional {
			assert.True(t, declared[name], "%s: positional %s has no rule", p.Name, name)
		}
		if p.Style == PositionalArgs {
			assert.NotEmpty(t, p.Positional, p.Name)
		}
	}
	assert.Len(t, reg.All(), 11)
}

func TestSVIArgsAreJSON(t *testing.T) {
	p := mustProfile(t, "svi")
	set, err := p.Validate(map[string]any{"fwd": 1.0, "time": 0.333, "b": 0.1, "m": 0.01, "sigma": 0.4})
	require.NoError(t, err)

	args, err := p.Args(set)
	require.NoError(t, err)
	require.Len(t, args, 1)
	assert.JSONEq(t, `{"fwd":1,"time":0.333,"b":0.1,"m":0.01,"sigma":0.4}`, args[0])
}

func TestZabrAnalyticsAddsModelType(t *testing.T) {
	p := mustProfile(t, "zabr-mixture")
	set, err := p.Validate(map[string]any{"alpha": "0.02"})
	require.NoError(t, err)

	args, err := p.Args(set)
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(args[0]), &payload))
	assert.Equal(t, "mixture", payload["model_type"])
	assert.Equal(t, 0.02, payload["alpha"])
	assert.Equal(t, true, payload["use_vol_adjustement"])
}

func TestZabrCalibrationRequiresBeta(t *testing.T) {
	p := mustProfile(t, "zabr-calibration")
	_, err := p.Validate(map[string]any{"calibration_type": "mixture"})
	var verr *params.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, params.MissingParameter, verr.Reason)
	assert.Equal(t, "beta", verr.Param)
	assert.Contains(t, verr.Error(), "Missing required parameter: beta")
}

func TestZabrCalibrationPositionalArgs(t *testing.T) {
	p := mustProfile(t, "zabr-calibration")

	set, err := p.Validate(map[string]any{"beta": "0.5"})
	require.NoError(t, err)
	args, err := p.Args(set)
	require.NoError(t, err)
	assert.Equal(t, []string{"0.02", "30", "0.00955", "0.5", "0.373", "-0.749", "0", "1", "classical"}, args)

	set, err = p.Validate(map[string]any{"beta": "0.5", "calibration_type": "pde"})
	require.NoError(t, err)
	args, err = p.Args(set)
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "3.5"}, args[len(args)-2:])
	assert.Len(t, args, 11)
}

func TestHartmanWatsonCrossCheck(t *testing.T) {
	p := mustProfile(t, "hartman-watson")
	_, err := p.Validate(map[string]any{"x_0": "4", "x_n": "3.1"})
	var verr *params.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, params.ConstraintViolation, verr.Reason)
	assert.Equal(t, "x_0 must be less than x_n", verr.Message)

	set, err := p.Validate(nil)
	require.NoError(t, err)
	args, err := p.Args(set)
	require.NoError(t, err)
	assert.Equal(t, []string{"64", "0.5", "32", "-5", "3.1"}, args)
}

func TestHJMTimeout(t *testing.T) {
	p := mustProfile(t, "hjm")
	set, err := p.Validate(map[string]any{"test": "2"})
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, p.ResolveTimeout(set))

	set, err = p.Validate(nil)
	require.NoError(t, err)
	assert.Zero(t, p.ResolveTimeout(set))

	_, err = p.Validate(map[string]any{"test": "4"})
	var verr *params.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, params.InvalidEnum, verr.Reason)
}

func TestAnalyticalSigmaPresets(t *testing.T) {
	p := mustProfile(t, "analytical-sigma")

	set, err := p.Validate(nil)
	require.NoError(t, err)
	assert.Equal(t, 2245.0656707892695, set.Float("fwd"))
	assert.Equal(t, 17.0, set.Float("smile"))

	set, err = p.Validate(map[string]any{"Test": "1", "fwd": "3000"})
	require.NoError(t, err)
	assert.Equal(t, 3000.0, set.Float("fwd"))
	assert.Equal(t, 3.5, set.Float("skew"))

	set, err = p.Validate(map[string]any{"Test": "3"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, set.Float("fwd"))
	assert.Equal(t, 0.00317, set.Float("smile"))

	args, err := p.Args(set)
	require.NoError(t, err)
	assert.Equal(t, "200", args[0])
	assert.Equal(t, "3", args[len(args)-1])
}

func TestCalibrationRequiresEverything(t *testing.T) {
	p := mustProfile(t, "volatility-calibration")
	assert.True(t, p.Cache)

	full := map[string]any{
		"n": 50, "spot": 100.0, "expiry": 1.0, "r": 0.01, "q": 0.0,
		"beta": 0.5, "rho": -0.3, "volvol": 0.4, "computationType": "density",
	}
	set, err := p.Validate(full)
	require.NoError(t, err)
	args, err := p.Args(set)
	require.NoError(t, err)
	assert.Equal(t, []string{"50", "100", "1", "0.01", "0", "0.5", "-0.3", "0.4", "density"}, args)

	delete(full, "volvol")
	_, err = p.Validate(full)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "volvol")
}

func TestValidateDoesNotMutateInput(t *testing.T) {
	p := mustProfile(t, "analytical-sigma")
	raw := map[string]any{"n": "10"}
	_, err := p.Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": "10"}, raw)
}

func TestApplyOverrides(t *testing.T) {
	reg := DefaultRegistry()
	on := true
	err := reg.Apply(map[string]Override{
		"svi": {Timeout: 5 * time.Second, Cache: &on, Script: "svi_v2.py"},
		"hjm": {Disabled: true},
	})
	require.NoError(t, err)

	svi, ok := reg.Lookup("svi")
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, svi.Timeout)
	assert.True(t, svi.Cache)
	assert.Equal(t, "svi_v2.py", svi.Script)

	_, ok = reg.Lookup("hjm")
	assert.False(t, ok)
	assert.Len(t, reg.All(), 10)
	assert.Contains(t, reg.Names(), "hjm")

	assert.Error(t, reg.Apply(map[string]Override{"sabr": {}}))
}

func TestRegistryCopiesProfiles(t *testing.T) {
	builtin := Builtin()
	reg, err := NewRegistry(builtin)
	require.NoError(t, err)
	require.NoError(t, reg.Apply(map[string]Override{"svi": {Script: "other.py"}}))
	assert.Equal(t, "volatility_svi.py", builtin[0].Script)

	_, err = NewRegistry([]*Profile{{Name: "a"}, {Name: "a"}})
	assert.Error(t, err)
}
