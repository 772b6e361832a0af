package models

import (
	"net/http"
	"strconv"
	"time"

	"github.com/xsigma/platform/gateway/internal/params"
)

var (
	getOnly    = []string{http.MethodGet}
	postOnly   = []string{http.MethodPost}
	getAndPost = []string{http.MethodGet, http.MethodPost}
)

// analyticalSigmaTest1 is the market snapshot Test=1 prices against.
var analyticalSigmaTest1 = map[string]float64{
	"fwd":    2245.0656707892695,
	"time":   1.0,
	"ctrl_p": 0.2,
	"ctrl_c": 0.2,
	"atm":    1.1,
	"skew":   3.5,
	"smile":  17,
	"put":    0.7,
	"call":   0.06,
}

// Builtin returns the model catalogue in route order.
func Builtin() []*Profile {
	return []*Profile{
		{
			Name:        "svi",
			Description: "SVI volatility smile",
			Methods:     getAndPost,
			Route:       "/volatility/svi",
			Script:      "volatility_svi.py",
			Style:       JSONArgs,
			Rules: []params.Rule{
				params.Num("fwd", 1.0, "forward price").Between(0.1, 10),
				params.Num("time", 0.333, "time to expiry in years").Between(0.1, 2),
				params.Num("b", 0.1, "SVI b").Between(0.01, 1),
				params.Num("m", 0.01, "SVI m").Between(-5, 5),
				params.Num("sigma", 0.4, "SVI sigma").Between(0.1, 1),
			},
		},
		{
			Name:        "asv",
			Description: "Analytical sigma volatility smile",
			Methods:     getAndPost,
			Route:       "/volatility/asv",
			Script:      "volatility.py",
			Style:       JSONArgs,
			Rules: []params.Rule{
				params.Num("fwd", 1.0, "forward price").Positive(),
				params.Num("time", 0.333, "time to expiry in years").Positive(),
				params.Num("ctrl_p", 0.2, "put control"),
				params.Num("ctrl_c", 0.2, "call control"),
				params.Num("atm", 0.1929, "at-the-money volatility"),
				params.Num("skew", 0.02268, "skew"),
				params.Num("smile", 0.003, "smile"),
				params.Num("put", 0.0384, "put wing"),
				params.Num("call", 0.0001, "call wing"),
			},
		},
		{
			Name:        "analytical-sigma",
			Description: "Analytical sigma volatility with test market presets",
			Methods:     getOnly,
			Route:       "/volatility/analytical-sigma",
			Script:      "AnalyticalSigmaVolatility.py",
			Style:       PositionalArgs,
			Envelope:    true,
			Presets:     analyticalSigmaPresets,
			Rules: []params.Rule{
				params.Int("n", 200, "number of strikes").Positive(),
				params.Num("fwd", 1.0, "forward price").Positive(),
				params.Num("time", 0.333, "time to expiry in years").Positive(),
				params.Num("ctrl_p", 0.2, "put control"),
				params.Num("ctrl_c", 0.2, "call control"),
				params.Num("atm", 0.1929, "at-the-money volatility"),
				params.Num("skew", 0.02268, "skew"),
				params.Num("smile", 0.00317, "smile"),
				params.Num("put", -0.00213, "put wing"),
				params.Num("call", -0.00006, "call wing"),
				params.Int("Test", 1, "test case").OneOf("1", "2", "3", "4"),
			},
			Positional: []string{"n", "fwd", "time", "ctrl_p", "ctrl_c", "atm", "skew", "smile", "put", "call", "Test"},
		},
		{
			Name:        "volatility-calibration",
			Description: "Analytical sigma volatility calibration",
			Methods:     postOnly,
			Route:       "/volatility/calibration",
			Script:      "AnalyticalSigmaVolatilityCalibration.py",
			Style:       PositionalArgs,
			Envelope:    true,
			Cache:       true,
			Rules: []params.Rule{
				{Name: "n", Type: params.Integer, Required: true, Description: "number of points"},
				{Name: "spot", Type: params.Number, Required: true, Description: "spot price"},
				{Name: "expiry", Type: params.Number, Required: true, Description: "expiry in years"},
				{Name: "r", Type: params.Number, Required: true, Description: "risk-free rate"},
				{Name: "q", Type: params.Number, Required: true, Description: "dividend yield"},
				{Name: "beta", Type: params.Number, Required: true, Description: "SABR beta"},
				{Name: "rho", Type: params.Number, Required: true, Description: "correlation"},
				{Name: "volvol", Type: params.Number, Required: true, Description: "volatility of volatility"},
				params.Rule{Name: "computationType", Type: params.String, Required: true, Description: "what to compute"}.
					OneOf("volatility_asv", "density", "volatility_svi"),
			},
			Positional: []string{"n", "spot", "expiry", "r", "q", "beta", "rho", "volvol", "computationType"},
		},
		{
			Name:        "zabr-classical",
			Description: "ZABR classical expansion",
			Methods:     getOnly,
			Route:       "/zabr/classical",
			Script:      "zabr_analytics.py",
			Style:       JSONArgs,
			Fixed:       map[string]any{"model_type": "classical"},
			Rules: []params.Rule{
				params.Num("expiry", 10.0, "expiry in years").Positive(),
				params.Num("forward", 0.0325, "forward rate"),
				params.Num("alpha", 0.0873, "initial volatility"),
				params.Num("beta", 0.7, "CEV exponent").Between(0, 1),
				params.Num("nu", 0.47, "volatility of volatility"),
				params.Num("rho", -0.48, "correlation").Between(-1, 1),
				params.Num("shift", 0.0, "shift"),
				params.Num("gamma", 1.0, "ZABR gamma"),
				params.Flag("use_vol_adjustement", true, "apply the volatility adjustment"),
			},
		},
		{
			Name:        "zabr-mixture",
			Description: "ZABR mixture model",
			Methods:     getOnly,
			Route:       "/zabr/mixture",
			Script:      "zabr_analytics.py",
			Style:       JSONArgs,
			Fixed:       map[string]any{"model_type": "mixture"},
			Rules: []params.Rule{
				params.Num("expiry", 30, "expiry in years").Positive(),
				params.Num("forward", -0.0007, "forward rate"),
				params.Num("alpha", 0.0132, "initial volatility"),
				params.Num("beta1", 0.2, "first CEV exponent"),
				params.Num("beta2", 1.25, "second CEV exponent"),
				params.Num("d", 0.2, "mixture weight"),
				params.Num("nu", 0.1978, "volatility of volatility"),
				params.Num("rho", -0.444, "correlation").Between(-1, 1),
				params.Num("gamma", 1.0, "ZABR gamma"),
				params.Flag("use_vol_adjustement", true, "apply the volatility adjustment"),
				params.Num("high_strike", 0.1, "high strike"),
				params.Num("vol_low", 0.0001, "low volatility floor"),
				params.Num("low_strike", 0.02, "low strike"),
				params.Num("forward_cut_off", 0.02, "forward cut-off"),
				params.Num("smothing_factor", 0.001, "smoothing factor"),
			},
		},
		{
			Name:        "zabr-pde",
			Description: "ZABR PDE solver",
			Methods:     getOnly,
			Route:       "/zabr/pde",
			Script:      "zabr_analytics.py",
			Style:       JSONArgs,
			Fixed:       map[string]any{"model_type": "pde"},
			Rules: []params.Rule{
				params.Num("expiry", 30.0, "expiry in years").Positive(),
				params.Num("forward", 0.02, "forward rate"),
				params.Num("alpha", 0.035, "initial volatility"),
				params.Num("beta", 0.25, "CEV exponent").Between(0, 1),
				params.Num("nu", 1.0, "volatility of volatility"),
				params.Num("rho", -0.1, "correlation").Between(-1, 1),
				params.Num("shift", 0.0, "shift"),
				params.Int("N", 100, "grid size").Positive(),
				params.Int("timesteps", 5, "time steps").Positive(),
				params.Int("nd", 5, "number of standard deviations").Positive(),
			},
		},
		{
			Name:        "zabr-calibration",
			Description: "ZABR calibration",
			Methods:     getOnly,
			Route:       "/zabr/calibration",
			Script:      "zabr_calibration.py",
			Style:       PositionalArgs,
			Envelope:    true,
			Rules: []params.Rule{
				params.Num("forward", 0.02, "forward rate"),
				params.Num("expiry", 30, "expiry in years").Positive(),
				params.Num("alpha", 0.00955, "initial volatility"),
				params.Rule{Name: "beta", Type: params.Number, Description: "CEV exponent between 0 and 1"}.
					Between(0, 1).MustProvide(),
				params.Num("vol_of_vol", 0.373, "volatility of volatility"),
				params.Num("rho", -0.749, "correlation").Between(-1, 1),
				params.Num("shift", 0.0, "shift"),
				params.Num("gamma", 1.0, "ZABR gamma"),
				params.Str("calibration_type", "classical", "calibration method").OneOf("classical", "pde", "mixture"),
				params.Num("dt", 5.0, "PDE time step"),
				params.Num("nd", 3.5, "PDE number of standard deviations"),
			},
			Positional: []string{"forward", "expiry", "alpha", "beta", "vol_of_vol", "rho", "shift", "gamma", "calibration_type"},
			Trailing: func(set *params.Set) []string {
				if set.String("calibration_type") != "pde" {
					return nil
				}
				return []string{set.Text("dt"), set.Text("nd")}
			},
		},
		{
			Name:        "hartman-watson",
			Description: "Hartman-Watson distribution",
			Methods:     getOnly,
			Route:       "/models/hartman-watson",
			Script:      "HW_distribution.py",
			Style:       PositionalArgs,
			Envelope:    true,
			Rules: []params.Rule{
				params.Int("n", 64, "number of points").Positive(),
				params.Num("t", 0.5, "time").Positive(),
				params.Int("size_roots", 32, "number of roots").Positive(),
				params.Num("x_0", -5, "grid start"),
				params.Num("x_n", 3.1, "grid end"),
			},
			Positional: []string{"n", "t", "size_roots", "x_0", "x_n"},
			Check: func(set *params.Set) error {
				if set.Float("x_0") >= set.Float("x_n") {
					return params.Constraint("x_0", "x_0 must be less than x_n")
				}
				return nil
			},
		},
		{
			Name:        "hjm",
			Description: "HJM interest rate model",
			Methods:     getOnly,
			Route:       "/models/hjm",
			Script:      "HJM.py",
			Style:       PositionalArgs,
			Envelope:    true,
			Rules: []params.Rule{
				params.Int("test", 1, "test case").OneOf("1", "2", "3"),
			},
			Positional: []string{"test"},
			TimeoutFor: func(set *params.Set) time.Duration {
				if set.Int("test") == 2 {
					return 120 * time.Second
				}
				return 0
			},
		},
		{
			Name:        "fx-mhjm",
			Description: "Lognormal FX with multi-factor HJM rates",
			Methods:     getOnly,
			Route:       "/models/fx-mhjm",
			Script:      "LognormalFXWithMHJMRates.py",
			Style:       PositionalArgs,
			Envelope:    true,
			Rules: []params.Rule{
				params.Int("test", 1, "test case").OneOf("1", "2"),
			},
			Positional: []string{"test"},
		},
	}
}

// analyticalSigmaPresets swaps in the Test=1 market snapshot for any value the
// caller left out. Other test cases use the rule defaults.
func analyticalSigmaPresets(raw map[string]any) {
	if test, ok := raw["Test"]; ok {
		if f, err := strconv.ParseFloat(params.Stringify(test), 64); err == nil && f != 1 {
			return
		}
	}
	for name, v := range analyticalSigmaTest1 {
		if cur, present := raw[name]; !present || cur == nil || params.Stringify(cur) == "" {
			raw[name] = v
		}
	}
}

// DefaultRegistry builds a registry from the built-in catalogue.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(Builtin())
	if err != nil {
		panic(err)
	}
	return r
}
