package initiative

import "time"

// RNG is the random source behind spontaneous pacing and channel
// selection. *rand.Rand satisfies it; tests inject fixed sequences.
type RNG interface {
	Float64() float64
	Shuffle(n int, swap func(i, j int))
}

const (
	// seedBase/seedSpont shape the roll for the very first post ever.
	seedBase  = 0.05
	seedSpont = 0.12

	// Per-tick chance ramp for spontaneous pacing.
	baseChance      = 0.02
	peakChanceFloor = 0.10
	peakChanceSpont = 0.25

	// Cap pressure derates the chance down to 40% of nominal at the cap.
	capDerateSpan = 0.6

	// forceFactor targets roughly 1.6x the average interval, compressed
	// toward 1.0x as spontaneity rises.
	forceFactorBase  = 1.6
	forceFactorSpont = 0.6
)

// averageInterval is the nominal gap between posts implied by the daily
// cap, floored at the configured minimum gap.
func averageInterval(minGap time.Duration, maxPerDay int) time.Duration {
	if maxPerDay <= 0 {
		return minGap
	}
	avg := 24 * time.Hour / time.Duration(maxPerDay)
	if avg < minGap {
		avg = minGap
	}
	return avg
}

// requiredInterval is the even-pacing gap: max(minGap, 24h/maxPerDay).
func requiredInterval(minGap time.Duration, maxPerDay int) time.Duration {
	return averageInterval(minGap, maxPerDay)
}

// evenDue reports whether an even-paced post is due.
func evenDue(now, last time.Time, hasPosted bool, minGap time.Duration, maxPerDay int) bool {
	if !hasPosted {
		return true
	}
	return now.Sub(last) > requiredInterval(minGap, maxPerDay)
}

// forceAfter is the hard starvation bound: past it, spontaneous pacing
// posts unconditionally regardless of the dice.
func forceAfter(minGap time.Duration, maxPerDay int, spontaneity float64) time.Duration {
	avg := averageInterval(minGap, maxPerDay)
	factor := forceFactorBase - forceFactorSpont*clamp01(spontaneity)
	d := time.Duration(float64(avg) * factor)
	if d < minGap {
		d = minGap
	}
	return d
}

// spontaneousDue rolls the probabilistic pacing model.
//
// The per-tick chance ramps linearly from baseChance to a spontaneity-
// scaled peak as elapsed time progresses through the window between the
// minimum gap and the average interval, then gets derated by how close
// today's post count is to the daily cap.
func spontaneousDue(now, last time.Time, hasPosted bool,
	minGap time.Duration, maxPerDay int, spontaneity float64,
	postsToday int, tick time.Duration, rng RNG) bool {

	spontaneity = clamp01(spontaneity)
	if !hasPosted {
		return rng.Float64() < seedBase+spontaneity*seedSpont
	}

	elapsed := now.Sub(last)
	if elapsed < minGap {
		return false
	}
	if elapsed >= forceAfter(minGap, maxPerDay, spontaneity) {
		return true
	}

	avg := averageInterval(minGap, maxPerDay)
	ramp := avg - minGap
	if ramp < tick {
		ramp = tick
	}
	progress := float64(elapsed-minGap) / float64(ramp)
	progress = clamp01(progress)

	peak := peakChanceFloor + peakChanceSpont*spontaneity
	chance := baseChance + (peak-baseChance)*progress

	if maxPerDay > 0 {
		pressure := float64(postsToday) / float64(maxPerDay)
		chance *= 1 - capDerateSpan*clamp01(pressure)
	}

	return rng.Float64() < chance
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
