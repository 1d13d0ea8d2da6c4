// Package bucket derives fixed-width time bucket keys. Every bucket key in the
// module goes through Align so the aggregator and the classifier never drift.
package bucket

import "time"

// Align floors t to the start of its interval, in UTC.
func Align(t time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return t.UTC()
	}
	return t.UTC().Truncate(interval)
}

// Range lists every bucket start from Align(start) to Align(end), both inclusive.
// An empty slice is returned when start lies after end.
func Range(start, end time.Time, interval time.Duration) []time.Time {
	if interval <= 0 {
		return nil
	}
	from := Align(start, interval)
	to := Align(end, interval)
	if from.After(to) {
		return nil
	}

	out := make([]time.Time, 0, int(to.Sub(from)/interval)+1)
	for b := from; !b.After(to); b = b.Add(interval) {
		out = append(out, b)
	}
	return out
}

// Next returns the bucket immediately after the one containing t.
func Next(t time.Time, interval time.Duration) time.Time {
	return Align(t, interval).Add(interval)
}

// End returns the last instant that still belongs to bucket b.
func End(b time.Time, interval time.Duration) time.Time {
	return b.Add(interval - time.Millisecond)
}
