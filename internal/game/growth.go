package game

import (
	"math"
	"time"
)

// DefaultGrowthRate is k in floor(100 * e^(k*ms)).
const DefaultGrowthRate = 0.00006

// maxMultiplier caps the float to int conversion far above any crash point.
const maxMultiplier = math.MaxInt64 / 2

// MultiplierAt returns the multiplier in hundredths after elapsed running
// time, never below 100.
func MultiplierAt(elapsed time.Duration, k float64) int64 {
	ms := float64(elapsed.Milliseconds())
	if ms <= 0 {
		return 100
	}
	v := math.Floor(100 * math.Exp(k*ms))
	switch {
	case v < 100:
		return 100
	case v >= maxMultiplier || math.IsInf(v, 1):
		return maxMultiplier
	}
	return int64(v)
}

// ElapsedFor returns the running time after which the multiplier reaches at.
func ElapsedFor(at int64, k float64) time.Duration {
	if at <= 100 || k <= 0 {
		return 0
	}
	ms := math.Ceil(math.Log(float64(at)/100) / k)
	return time.Duration(ms) * time.Millisecond
}
