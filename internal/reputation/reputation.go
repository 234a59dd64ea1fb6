// Package reputation implements the worker rating fold.
//
// A worker's score is a weighted running average of the 1-5 star
// ratings clients leave at job completion. The weight is the worker's
// completed-job count capped at 50, so early ratings move the score
// quickly while a long track record damps single outliers.
package reputation

import "math"

// WeightCap bounds how much history shields a score from new ratings.
const WeightCap = 50

// ValidRating reports whether r is an acceptable 1-5 star rating.
func ValidRating(r int) bool {
	return r >= 1 && r <= 5
}

// Next folds one rating into the current score. completed is the
// worker's completed-job count before this job is counted. The result
// is rounded to 2 decimals and clamped to [0.00, 5.00].
func Next(current float64, completed int64, rating int) float64 {
	if completed <= 0 {
		return clamp(round2(float64(rating)))
	}
	w := float64(min(completed, WeightCap))
	return clamp(round2((current*w + float64(rating)) / (w + 1)))
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

func clamp(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 5 {
		return 5
	}
	return x
}
