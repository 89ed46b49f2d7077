package initiative

import (
	"testing"
	"time"
)

// fixedRNG returns a canned sequence of Float64 values and performs no
// shuffling, so selection order is deterministic.
type fixedRNG struct {
	vals []float64
	i    int
}

func (r *fixedRNG) Float64() float64 {
	if r.i >= len(r.vals) {
		return 0.999999
	}
	v := r.vals[r.i]
	r.i++
	return v
}

func (r *fixedRNG) Shuffle(n int, swap func(i, j int)) {}

func TestRequiredInterval(t *testing.T) {
	t.Parallel()
	cases := []struct {
		minGap    time.Duration
		maxPerDay int
		want      time.Duration
	}{
		{30 * time.Minute, 24, time.Hour},
		{2 * time.Hour, 24, 2 * time.Hour},
		{30 * time.Minute, 1, 24 * time.Hour},
		{time.Hour, 0, time.Hour},
	}
	for _, c := range cases {
		if got := requiredInterval(c.minGap, c.maxPerDay); got != c.want {
			t.Errorf("requiredInterval(%v, %d) = %v, want %v", c.minGap, c.maxPerDay, got, c.want)
		}
	}
}

func TestEvenDue(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	minGap := 30 * time.Minute
	maxPerDay := 24 // implied interval 1h

	if !evenDue(now, time.Time{}, false, minGap, maxPerDay) {
		t.Error("never posted should be immediately due")
	}
	if evenDue(now, now.Add(-59*time.Minute), true, minGap, maxPerDay) {
		t.Error("59 minutes since last post should not be due")
	}
	if !evenDue(now, now.Add(-61*time.Minute), true, minGap, maxPerDay) {
		t.Error("61 minutes since last post should be due")
	}
}

func TestSpontaneousSeedRoll(t *testing.T) {
	t.Parallel()
	now := time.Now()
	tick := time.Minute

	// Threshold with spontaneity 0.5 is 0.05 + 0.5*0.12 = 0.11.
	under := &fixedRNG{vals: []float64{0.10}}
	if !spontaneousDue(now, time.Time{}, false, 30*time.Minute, 24, 0.5, 0, tick, under) {
		t.Error("roll under seed threshold should post")
	}
	over := &fixedRNG{vals: []float64{0.12}}
	if spontaneousDue(now, time.Time{}, false, 30*time.Minute, 24, 0.5, 0, tick, over) {
		t.Error("roll over seed threshold should not post")
	}
}

func TestSpontaneousMinGapFloor(t *testing.T) {
	t.Parallel()
	now := time.Now()
	rng := &fixedRNG{vals: []float64{0.0}}
	if spontaneousDue(now, now.Add(-10*time.Minute), true, 30*time.Minute, 24, 1.0, 0, time.Minute, rng) {
		t.Error("inside the minimum gap nothing should post, even with a zero roll")
	}
}

func TestSpontaneousForceAfter(t *testing.T) {
	t.Parallel()
	now := time.Now()
	minGap := 30 * time.Minute
	maxPerDay := 24 // average interval 1h

	fa := forceAfter(minGap, maxPerDay, 0)
	if fa < 95*time.Minute || fa > 97*time.Minute {
		t.Fatalf("forceAfter = %v, want about 1h36m", fa)
	}

	// Past the force threshold the dice are ignored entirely.
	rng := &fixedRNG{vals: []float64{0.999999}}
	if !spontaneousDue(now, now.Add(-fa), true, minGap, maxPerDay, 0, 0, time.Minute, rng) {
		t.Error("elapsed past forceAfter must post unconditionally")
	}
}

func TestSpontaneousCapPressureDerate(t *testing.T) {
	t.Parallel()
	now := time.Now()
	minGap := 30 * time.Minute
	maxPerDay := 10 // average interval 2h24m
	last := now.Add(-averageInterval(minGap, maxPerDay)) // full ramp, chance at peak

	// At zero pressure with spontaneity 0 the peak chance is 0.10.
	free := &fixedRNG{vals: []float64{0.09}}
	if !spontaneousDue(now, last, true, minGap, maxPerDay, 0, 0, time.Minute, free) {
		t.Error("0.09 roll should pass the 0.10 peak chance at zero pressure")
	}

	// At 9/10 posts the same chance is derated to 0.10*(1-0.6*0.9)=0.046.
	loaded := &fixedRNG{vals: []float64{0.09}}
	if spontaneousDue(now, last, true, minGap, maxPerDay, 0, 9, time.Minute, loaded) {
		t.Error("0.09 roll should fail the derated chance near the cap")
	}
	squeaker := &fixedRNG{vals: []float64{0.04}}
	if !spontaneousDue(now, last, true, minGap, maxPerDay, 0, 9, time.Minute, squeaker) {
		t.Error("0.04 roll should still pass the derated chance")
	}
}
