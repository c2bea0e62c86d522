// Package confidence scores how likely a cluster is a genuine subscription.
package confidence

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/recur/internal/frequency"
)

// Weights are the relative contributions of each signal. They need not
// sum to one; Score normalizes by their total.
type Weights struct {
	Occurrence float64
	Regularity float64
	Amount     float64
	Merchant   float64
}

func (w Weights) total() float64 {
	return w.Occurrence + w.Regularity + w.Amount + w.Merchant
}

// Config tunes scoring and promotion.
type Config struct {
	Weights Weights
	// Saturation is the occurrence count at which the occurrence factor
	// reaches 1.
	Saturation int
	// ProvisionalFactor scales the score of single-delta clusters.
	ProvisionalFactor float64
	Threshold         float64
	MinOccurrences    int
}

// DefaultConfig returns weights .3/.3/.2/.2, saturation 4, provisional
// factor 0.8 and promotion threshold 0.6 at two occurrences.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Occurrence: 0.30,
			Regularity: 0.30,
			Amount:     0.20,
			Merchant:   0.20,
		},
		Saturation:        4,
		ProvisionalFactor: 0.8,
		Threshold:         0.6,
		MinOccurrences:    2,
	}
}

// Input is the evidence for one cluster.
type Input struct {
	Occurrences        int
	Regularity         float64
	Amounts            []decimal.Decimal
	MerchantConfidence float64
	Provisional        bool
}

// Scorer computes detection confidence. It is stateless.
type Scorer struct {
	cfg Config
}

// NewScorer creates a Scorer.
func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Config returns the scorer's configuration.
func (s *Scorer) Config() Config {
	return s.cfg
}

// Score returns the detection confidence in [0,1], rounded to four places
// so that persisted values compare equal across runs.
func (s *Scorer) Score(in Input) float64 {
	w := s.cfg.Weights
	total := w.total()
	if total <= 0 {
		return 0
	}
	sum := w.Occurrence*s.OccurrenceFactor(in.Occurrences) +
		w.Regularity*frequency.Clamp01(in.Regularity) +
		w.Amount*AmountConsistency(in.Amounts) +
		w.Merchant*frequency.Clamp01(in.MerchantConfidence)
	score := sum / total
	if in.Provisional {
		score *= s.cfg.ProvisionalFactor
	}
	return round4(frequency.Clamp01(score))
}

// OccurrenceFactor is min(count/saturation, 1).
func (s *Scorer) OccurrenceFactor(count int) float64 {
	if s.cfg.Saturation <= 0 {
		return 1
	}
	return frequency.Clamp01(float64(count) / float64(s.cfg.Saturation))
}

// Promote reports whether a cluster with the given score and size may
// become or stay an active subscription.
func (s *Scorer) Promote(score float64, occurrences int) bool {
	return occurrences >= s.cfg.MinOccurrences && score >= s.cfg.Threshold
}

// AmountConsistency is 1 - (stddev / mean) of the amounts, clamped to [0,1].
// A single amount is perfectly consistent.
func AmountConsistency(amounts []decimal.Decimal) float64 {
	if len(amounts) == 0 {
		return 0
	}
	values := make([]float64, len(amounts))
	for i, a := range amounts {
		values[i] = a.Abs().InexactFloat64()
	}
	mean, sd := frequency.MeanStdDev(values)
	if mean <= 0 {
		return 0
	}
	return frequency.Clamp01(1 - sd/mean)
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
