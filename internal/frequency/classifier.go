// Package frequency infers a billing interval from the spacing of charge dates.
package frequency

import (
	"math"
	"sort"
	"time"

	"github.com/cleared-dev/recur/internal/model"
)

// Window is the accepted band around a nominal billing interval.
type Window struct {
	Frequency model.Frequency
	Days      int
	Tolerance int
}

// Contains reports whether delta falls inside the window.
func (w Window) Contains(delta int) bool {
	d := delta - w.Days
	if d < 0 {
		d = -d
	}
	return d <= w.Tolerance
}

// Config controls classification.
type Config struct {
	Windows []Window
	// EntropyThreshold is the maximum Shannon entropy (bits) of the
	// per-delta vote distribution before a series counts as irregular.
	EntropyThreshold float64
}

// DefaultConfig returns the stock windows: 7±2, 14±2, 30±4, 91±7, 365±15.
func DefaultConfig() Config {
	return Config{
		Windows: []Window{
			{Frequency: model.FrequencyWeekly, Days: 7, Tolerance: 2},
			{Frequency: model.FrequencyBiweekly, Days: 14, Tolerance: 2},
			{Frequency: model.FrequencyMonthly, Days: 30, Tolerance: 4},
			{Frequency: model.FrequencyQuarterly, Days: 91, Tolerance: 7},
			{Frequency: model.FrequencyYearly, Days: 365, Tolerance: 15},
		},
		EntropyThreshold: 0.5,
	}
}

// Result is the outcome of classifying one date series.
type Result struct {
	Frequency  model.Frequency
	Regularity float64
	Deltas     []int
	// Votes counts deltas per window; unmatched deltas are counted under
	// model.FrequencyIrregular.
	Votes   map[model.Frequency]int
	Entropy float64
	// Provisional is set when the classification rests on a single delta.
	Provisional bool
	// Ambiguous is set when deltas disagree too much to pick a frequency.
	Ambiguous bool
}

// Classifier maps date series to frequencies. It is stateless and safe
// for concurrent use.
type Classifier struct {
	cfg     Config
	windows []Window
}

// NewClassifier creates a Classifier. Windows are ordered by interval so
// ties resolve towards the shorter period.
func NewClassifier(cfg Config) *Classifier {
	windows := append([]Window(nil), cfg.Windows...)
	sort.SliceStable(windows, func(i, j int) bool { return windows[i].Days < windows[j].Days })
	return &Classifier{cfg: cfg, windows: windows}
}

// Interval returns the nominal interval in days for f, or 0.
func (c *Classifier) Interval(f model.Frequency) int {
	for _, w := range c.windows {
		if w.Frequency == f {
			return w.Days
		}
	}
	return 0
}

// Intervals returns the nominal interval of every configured frequency.
func (c *Classifier) Intervals() map[model.Frequency]int {
	out := make(map[model.Frequency]int, len(c.windows))
	for _, w := range c.windows {
		out[w.Frequency] = w.Days
	}
	return out
}

// Classify infers the frequency of the given charge dates. Order does not
// matter; same-day repeats are ignored.
func (c *Classifier) Classify(dates []time.Time) Result {
	deltas := Deltas(dates)
	res := Result{
		Frequency: model.FrequencyUnknown,
		Deltas:    deltas,
		Votes:     make(map[model.Frequency]int),
	}
	if len(deltas) == 0 {
		return res
	}

	matched := make([]model.Frequency, len(deltas))
	for i, d := range deltas {
		f := c.nearest(d)
		matched[i] = f
		res.Votes[f]++
	}
	res.Entropy = entropy(res.Votes, len(deltas))
	res.Provisional = len(deltas) == 1

	winner, best := model.FrequencyUnknown, 0
	for _, w := range c.windows {
		if n := res.Votes[w.Frequency]; n > best {
			winner, best = w.Frequency, n
		}
	}

	switch {
	case best == 0, res.Votes[model.FrequencyIrregular] >= best, res.Entropy > c.cfg.EntropyThreshold:
		res.Frequency = model.FrequencyIrregular
		res.Ambiguous = true
		res.Regularity = regularity(toFloats(deltas))
		return res
	}

	res.Frequency = winner
	nominal := float64(c.Interval(winner))
	snapped := make([]float64, len(deltas))
	for i, d := range deltas {
		// Jitter inside the winning window is billing-calendar noise.
		if matched[i] == winner {
			snapped[i] = nominal
		} else {
			snapped[i] = float64(d)
		}
	}
	res.Regularity = regularity(snapped)
	return res
}

func (c *Classifier) nearest(delta int) model.Frequency {
	best := model.FrequencyIrregular
	bestDist := math.MaxInt
	for _, w := range c.windows {
		if !w.Contains(delta) {
			continue
		}
		dist := delta - w.Days
		if dist < 0 {
			dist = -dist
		}
		if dist < bestDist {
			best, bestDist = w.Frequency, dist
		}
	}
	return best
}

// Deltas returns the positive day gaps between consecutive distinct dates.
func Deltas(dates []time.Time) []int {
	days := make([]time.Time, len(dates))
	for i, d := range dates {
		days[i] = model.DayOf(d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	var out []int
	for i := 1; i < len(days); i++ {
		if d := model.DaysBetween(days[i-1], days[i]); d > 0 {
			out = append(out, d)
		}
	}
	return out
}

func entropy(votes map[model.Frequency]int, total int) float64 {
	var h float64
	for _, n := range votes {
		if n == 0 {
			continue
		}
		p := float64(n) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}

// regularity is 1 - coefficient of variation, clamped to [0,1].
func regularity(values []float64) float64 {
	mean, sd := MeanStdDev(values)
	if mean <= 0 {
		return 0
	}
	return Clamp01(1 - sd/mean)
}

// MeanStdDev returns the mean and population standard deviation.
func MeanStdDev(values []float64) (mean, sd float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		sd += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sd / float64(len(values)))
}

// Clamp01 clamps v to [0,1].
func Clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}

func toFloats(ints []int) []float64 {
	out := make([]float64, len(ints))
	for i, v := range ints {
		out[i] = float64(v)
	}
	return out
}
