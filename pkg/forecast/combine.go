package forecast

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/brendanplayford/nwp-trader/pkg/market"
	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

// ModelInput is one model's forecast for a market, in the market's
// canonical unit (°F for temperature, mm for precipitation).
type ModelInput struct {
	Model        weather.Model
	Value        float64
	HorizonHours float64
	Source       weather.Source
}

// Result is the combined probabilistic view of a market outcome.
type Result struct {
	Probability  float64 // P(YES) after clamping to [0, 1]
	Mean         float64
	Sigma        float64
	IsGuaranteed bool
	ModelsUsed   []weather.Model
}

// Combiner turns one or more bias-corrected model values into a posterior
// probability via inverse-variance weighting.
type Combiner struct {
	log      zerolog.Logger
	profiles map[weather.Model]ModelProfile

	biasCorrection   bool
	horizonWeighting bool
	spreadMultiplier float64 // lambda on the squared model spread
	certaintySigma   float64 // distance (in sigmas) treated as guaranteed
	weightFloor      float64
}

// CombinerOption mutates a Combiner during construction.
type CombinerOption func(*Combiner)

// WithProfiles overrides the built-in model calibration.
func WithProfiles(p map[weather.Model]ModelProfile) CombinerOption {
	return func(c *Combiner) { c.profiles = p }
}

// WithBiasCorrection toggles per-model bias removal.
func WithBiasCorrection(on bool) CombinerOption {
	return func(c *Combiner) { c.biasCorrection = on }
}

// WithHorizonWeighting toggles horizon-distance decay on model weights.
func WithHorizonWeighting(on bool) CombinerOption {
	return func(c *Combiner) { c.horizonWeighting = on }
}

// WithSpreadMultiplier sets the weight on model disagreement in the
// combined variance.
func WithSpreadMultiplier(lambda float64) CombinerOption {
	return func(c *Combiner) { c.spreadMultiplier = lambda }
}

// WithCertaintySigma sets how many metric sigmas past the threshold a
// single-model value is treated as a settled outcome.
func WithCertaintySigma(sigmas float64) CombinerOption {
	return func(c *Combiner) {
		if sigmas > 0 {
			c.certaintySigma = sigmas
		}
	}
}

// NewCombiner builds a Combiner with the default calibration.
func NewCombiner(log zerolog.Logger, opts ...CombinerOption) *Combiner {
	c := &Combiner{
		log:              log.With().Str("component", "combiner").Logger(),
		profiles:         DefaultProfiles(),
		biasCorrection:   true,
		horizonWeighting: true,
		spreadMultiplier: 0.5,
		certaintySigma:   3.0,
		weightFloor:      0.1,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Combine produces the posterior for a market from the given model inputs.
// Returns a zero-value Result with no models when inputs is empty.
func (c *Combiner) Combine(m market.Market, family VarFamily, inputs []ModelInput) Result {
	if len(inputs) == 0 {
		return Result{Probability: 0.5}
	}

	corrected := make([]float64, len(inputs))
	var sumW, sumWV float64
	models := make([]weather.Model, 0, len(inputs))
	for i, in := range inputs {
		v := in.Value
		if c.biasCorrection {
			v = CorrectBias(c.profiles, in.Model, family, v, in.HorizonHours)
		}
		corrected[i] = v

		w := c.modelWeight(in.Model, family, in.HorizonHours)
		W := w / BaseVariance(family, in.HorizonHours)
		sumW += W
		sumWV += W * v
		models = append(models, in.Model)
	}

	mean := sumWV / sumW

	variance := 1 / sumW
	if len(corrected) > 1 {
		variance += c.spreadMultiplier * spread(corrected) * spread(corrected)
	}
	sigma := math.Sqrt(variance)

	res := Result{Mean: mean, Sigma: sigma, ModelsUsed: models}

	// A single model far enough from the threshold is a settled outcome;
	// skip the posterior and trade it as certain.
	if len(inputs) == 1 && m.Comparison != market.ComparisonRange {
		metricSigma := math.Sqrt(BaseVariance(family, inputs[0].HorizonHours))
		dist := corrected[0] - m.Threshold
		if math.Abs(dist) >= c.certaintySigma*metricSigma {
			res.IsGuaranteed = true
			if (m.Comparison == market.ComparisonAbove) == (dist > 0) {
				res.Probability = 1
			} else {
				res.Probability = 0
			}
			return res
		}
	}

	switch m.Comparison {
	case market.ComparisonAbove:
		res.Probability = 1 - phi((m.Threshold-mean)/sigma)
	case market.ComparisonBelow:
		res.Probability = phi((m.Threshold - mean) / sigma)
	case market.ComparisonRange:
		res.Probability = phi((m.MaxThreshold-mean)/sigma) - phi((m.MinThreshold-mean)/sigma)
	default:
		res.Probability = 0.5
	}
	res.Probability = clamp01(res.Probability)

	c.log.Debug().
		Str("market_id", m.ID).
		Float64("mean", mean).
		Float64("sigma", sigma).
		Float64("probability", res.Probability).
		Int("models", len(models)).
		Msg("combined forecast")
	return res
}

// modelWeight is the horizon- and skill-derived relative weight, floored so
// no contributing model is silenced entirely.
func (c *Combiner) modelWeight(m weather.Model, family VarFamily, horizonHours float64) float64 {
	p, ok := c.profiles[m]
	if !ok {
		return c.weightFloor
	}
	skill := p.Skill[family]
	if skill <= 0 {
		skill = c.weightFloor
	}
	hw := 1.0
	if c.horizonWeighting && p.OptimalHorizon > 0 {
		d := horizonHours - p.OptimalHorizon
		hw = math.Exp(-p.DecayRate * d * d / p.OptimalHorizon)
	}
	w := math.Sqrt(hw * skill)
	if w < c.weightFloor {
		w = c.weightFloor
	}
	return w
}

// spread is the sample standard deviation of the corrected model values.
func spread(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	var ss float64
	for _, v := range vals {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(vals)-1))
}

// phi is the standard normal CDF.
func phi(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func clamp01(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
