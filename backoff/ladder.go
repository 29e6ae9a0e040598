// Package backoff builds the reconnect delay ladder shared by all pair workers.
package backoff

import (
	"math"
	"time"
)

// Ladder is a strictly ascending sequence of retry delays.
type Ladder []time.Duration

// Generate builds the ladder between minSeconds and maxSeconds. The last step
// is the maximum, each earlier step halves the next one while it stays above
// the minimum, and the first step is the minimum itself. Intermediate steps are
// rounded to hundredths of a second, half to even.
//
// Generate(5, 1800) yields 5s, 7.03s, 14.06s, 28.12s, 56.25s, 112.5s, 225s,
// 450s, 900s, 1800s.
func Generate(minSeconds, maxSeconds int) Ladder {
	minDelay := time.Duration(minSeconds) * time.Second
	if maxSeconds <= minSeconds {
		return Ladder{minDelay}
	}

	var descending []time.Duration
	for v := float64(maxSeconds); v > float64(minSeconds); v /= 2 {
		d := roundCentiseconds(v)
		if d <= minDelay {
			break
		}
		descending = append(descending, d)
	}

	ladder := make(Ladder, 0, len(descending)+1)
	ladder = append(ladder, minDelay)
	for i := len(descending) - 1; i >= 0; i-- {
		ladder = append(ladder, descending[i])
	}
	return ladder
}

func roundCentiseconds(seconds float64) time.Duration {
	centis := int64(math.RoundToEven(seconds * 100))
	return time.Duration(centis*10) * time.Millisecond
}

// Min is the first step.
func (l Ladder) Min() time.Duration {
	if len(l) == 0 {
		return 0
	}
	return l[0]
}

// Max is the last step.
func (l Ladder) Max() time.Duration {
	if len(l) == 0 {
		return 0
	}
	return l[len(l)-1]
}

// At returns the delay at index i, clamped to the ladder bounds.
func (l Ladder) At(i int) time.Duration {
	if len(l) == 0 {
		return 0
	}
	if i < 0 {
		i = 0
	}
	if i >= len(l) {
		i = len(l) - 1
	}
	return l[i]
}

// Next returns the index of the first step strictly greater than step i,
// or the last index when i is already at the top.
func (l Ladder) Next(i int) int {
	current := l.At(i)
	for j := i + 1; j < len(l); j++ {
		if l[j] > current {
			return j
		}
	}
	if len(l) == 0 {
		return 0
	}
	return len(l) - 1
}

// IsMax reports whether index i points at the maximum delay.
func (l Ladder) IsMax(i int) bool {
	return len(l) > 0 && i >= len(l)-1
}

// Milliseconds returns the ladder as whole milliseconds.
func (l Ladder) Milliseconds() []int64 {
	ms := make([]int64, len(l))
	for i, d := range l {
		ms[i] = d.Milliseconds()
	}
	return ms
}
