// Package window tracks telemetry extremes over a rolling time window.
package window

import (
	"math"
	"time"
)

const buckets = 60

// bucket holds the extremes seen during one absolute minute
type bucket struct {
	minute   int // -1 when unused
	min, max float64
}

func emptyBucket() bucket {
	return bucket{minute: -1, min: math.Inf(1), max: math.Inf(-1)}
}

// MinMax tracks the minimum and maximum of a signal over the last hour
// using one bucket per minute of the hour.
//
// Each bucket remembers which minute it holds, so a bucket left over from an
// earlier hour is ignored no matter how long the signal was silent.
type MinMax struct {
	buckets [buckets]bucket
	minute  int // absolute minute of the newest bucket, -1 before the first update
}

// NewMinMax creates an empty MinMax
func NewMinMax() *MinMax {
	m := &MinMax{minute: -1}
	for i := range m.buckets {
		m.buckets[i] = emptyBucket()
	}
	return m
}

func minuteOf(at time.Time) int {
	return int(at.Unix() / 60)
}

// Update records a value observed at the given time.
// Values older than the newest bucket are folded into the newest bucket.
func (m *MinMax) Update(value float64, at time.Time) {
	m.updateAt(value, minuteOf(at))
}

// updateAt records a value for an absolute minute number
func (m *MinMax) updateAt(value float64, minute int) {
	minute = max(minute, m.minute)
	m.minute = minute

	b := &m.buckets[minute%buckets]
	if b.minute != minute {
		*b = bucket{minute: minute, min: value, max: value}
		return
	}
	b.min = min(b.min, value)
	b.max = max(b.max, value)
}

// Seen reports whether any value was ever recorded
func (m *MinMax) Seen() bool {
	return m.minute >= 0
}

// extremes returns the min and max of the buckets in the hour ending at minute
func (m *MinMax) extremes(minute int) (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, b := range m.buckets {
		if b.minute < 0 || b.minute <= minute-buckets || b.minute > minute {
			continue
		}
		lo = min(lo, b.min)
		hi = max(hi, b.max)
		ok = true
	}
	return lo, hi, ok
}

// readMinute is the end of the window for a read at minute.
// Reads never look earlier than the newest update.
func (m *MinMax) readMinute(minute int) int {
	return max(minute, m.minute)
}

// Min returns the smallest value in the hour ending at the newest update,
// or 0 if nothing was recorded
func (m *MinMax) Min() float64 {
	return m.minAt(m.minute)
}

// Max returns the largest value in the hour ending at the newest update,
// or 0 if nothing was recorded
func (m *MinMax) Max() float64 {
	return m.maxAt(m.minute)
}

// MinAt returns the smallest value in the hour ending at the given time,
// or 0 if nothing was recorded in that hour
func (m *MinMax) MinAt(at time.Time) float64 {
	return m.minAt(minuteOf(at))
}

// MaxAt returns the largest value in the hour ending at the given time,
// or 0 if nothing was recorded in that hour
func (m *MinMax) MaxAt(at time.Time) float64 {
	return m.maxAt(minuteOf(at))
}

func (m *MinMax) minAt(minute int) float64 {
	lo, _, ok := m.extremes(m.readMinute(minute))
	if !ok {
		return 0
	}
	return lo
}

func (m *MinMax) maxAt(minute int) float64 {
	_, hi, ok := m.extremes(m.readMinute(minute))
	if !ok {
		return 0
	}
	return hi
}
