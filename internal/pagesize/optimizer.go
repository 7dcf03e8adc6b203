// Package pagesize implements the adaptive row-scan page-size
// optimizer: it grows the recommended page size while observed query
// latency stays safely below the per-query timeout budget, and backs
// off sharply the moment a page times out.
package pagesize

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Sample is one observed (page size, elapsed) pair, or a timeout
// marker for a given size.
type Sample struct {
	Size    int
	Elapsed time.Duration
	Timeout bool
	At      time.Time
}

// Config bounds the optimizer.
type Config struct {
	Initial int
	Max     int
	// TimeoutBudget is the per-query timeout the caller enforces; the
	// optimizer targets headroom under this, not up to it.
	TimeoutBudget time.Duration
}

// Optimizer maintains a single recommended page size, grown or shrunk
// from observed timing samples. Safe for concurrent use: size() is
// called from the owner goroutine between fetches, while record calls
// land from the same goroutine after a fetch completes — but an
// internal mutex makes it safe even if a caller ever calls it from the
// off-owner fetch goroutines directly.
type Optimizer struct {
	mu      sync.Mutex
	cfg     Config
	current int
	cap     int // hard ceiling: cfg.Max until a timeout, then the size that timed out; timing samples never raise it
	history []Sample

	// ratios holds the elapsed/budget ratio of the last historyWindow
	// samples since the last regime change (timeout or startup), used
	// to compute a smoothed mean and a volatility measure so a single
	// slow sample doesn't whipsaw the recommended size and a noisy
	// source table doesn't trigger runaway growth.
	ratios []float64
}

// historyWindow bounds how many recent ratio samples feed the mean and
// standard deviation used to decide whether to grow.
const historyWindow = 8

// targetHeadroom is the fraction of the timeout budget the optimizer
// tries to stay under while growing.
const targetHeadroom = 0.5

// volatilityCeiling is the maximum standard deviation of recent ratio
// samples tolerated before growth is paused; past this the timing
// signal is too noisy to trust as headroom.
const volatilityCeiling = 0.25

// growthFactor is how aggressively the optimizer grows page size when
// comfortably under budget.
const growthFactor = 1.5

// backoffFactor is how sharply the optimizer shrinks after a timeout.
const backoffFactor = 0.5

// New builds an Optimizer from cfg, clamping Initial into [1, Max].
func New(cfg Config) *Optimizer {
	initial := cfg.Initial
	if initial < 1 {
		initial = 1
	}
	if cfg.Max > 0 && initial > cfg.Max {
		initial = cfg.Max
	}
	return &Optimizer{
		cfg:     cfg,
		current: initial,
		cap:     cfg.Max,
	}
}

// Size returns the current recommended page size.
func (o *Optimizer) Size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// RecordTiming feeds an observed elapsed time at the given page size.
// Callers must feed the slower of Stage-1/Stage-2 elapsed times, never
// the faster leg, or the optimizer will grow the page size until the
// unfed stage starts timing out.
func (o *Optimizer) RecordTiming(size int, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.history = append(o.history, Sample{Size: size, Elapsed: elapsed, At: time.Now()})

	if o.cfg.TimeoutBudget <= 0 {
		return
	}
	ratio := float64(elapsed) / float64(o.cfg.TimeoutBudget)
	o.ratios = append(o.ratios, ratio)
	if len(o.ratios) > historyWindow {
		o.ratios = o.ratios[len(o.ratios)-historyWindow:]
	}
	mean := stat.Mean(o.ratios, nil)
	var stddev float64
	if len(o.ratios) > 1 {
		stddev = stat.StdDev(o.ratios, nil)
	}

	switch {
	case mean < targetHeadroom && stddev < volatilityCeiling:
		grown := int(float64(size) * growthFactor)
		if grown <= size {
			grown = size + 1
		}
		o.setCurrentLocked(grown)
	case mean >= 1.0:
		// A sample this slow without an explicit timeout error (the
		// caller raced the deadline) — treat like a timeout.
		o.applyTimeoutLocked(size)
	default:
		// Comfortable but not growing, or too volatile to trust; hold
		// steady at the observed size so we don't oscillate near the
		// budget line.
		o.setCurrentLocked(size)
	}
}

// RecordTimeout records that a query at the given page size exceeded
// its timeout budget. The optimizer treats size as an upper cap and
// backs off below it.
func (o *Optimizer) RecordTimeout(size int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, Sample{Size: size, Timeout: true, At: time.Now()})
	o.applyTimeoutLocked(size)
}

func (o *Optimizer) applyTimeoutLocked(size int) {
	o.cap = size
	backedOff := int(float64(size) * backoffFactor)
	if backedOff < 1 {
		backedOff = 1
	}
	o.ratios = nil
	o.setCurrentLocked(backedOff)
}

func (o *Optimizer) setCurrentLocked(size int) {
	if size < 1 {
		size = 1
	}
	if o.cap > 0 && size > o.cap {
		size = o.cap
	}
	if o.cfg.Max > 0 && size > o.cfg.Max {
		size = o.cfg.Max
	}
	o.current = size
}

// History returns a copy of every sample recorded so far, oldest
// first.
func (o *Optimizer) History() []Sample {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Sample, len(o.history))
	copy(out, o.history)
	return out
}
