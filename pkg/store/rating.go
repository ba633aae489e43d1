package store

import "math"

// roundedRating converts a mean score into the integer rating exposed on
// titles. Halfway values round to even (so 7.5 -> 8, 6.5 -> 6), which
// keeps repeated aggregates bias-free. Nil in, nil out.
func roundedRating(avg *float64) *int {
	if avg == nil {
		return nil
	}
	rating := int(math.RoundToEven(*avg))
	return &rating
}
