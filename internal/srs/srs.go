// Package srs implements the SM-2 spaced-repetition scheduler. The same code
// runs on the client for offline reviews and on the server for confirmed
// reviews, so both paths produce identical card states for identical inputs.
package srs

import (
	"math"
	"time"

	"github.com/atinyakov/FlashKeeper/internal/models"
)

// Rating is the quality of a recall, from 0 (complete blackout) to 5.
type Rating int

// Quality buckets offered by the study screen.
const (
	Again Rating = 0
	Hard  Rating = 3
	Good  Rating = 4
	Easy  Rating = 5
)

// Day is the length of one scheduling interval unit.
const Day = 24 * time.Hour

// Valid reports whether r is within the SM-2 quality range.
func (r Rating) Valid() bool {
	return r >= 0 && r <= 5
}

// Passed reports whether the rating counts as a successful recall.
func (r Rating) Passed() bool {
	return r >= 3
}

// Schedule returns the card state after a review rated r at now. The input
// card is not modified. Ratings outside 0..5 are clamped.
func Schedule(card models.Card, r Rating, now time.Time) models.Card {
	r = clamp(r)
	next := card.Clone()

	if !r.Passed() {
		next.Repetitions = 0
		next.IntervalDays = 1
	} else {
		next.Repetitions++
		switch next.Repetitions {
		case 1:
			next.IntervalDays = 1
		case 2:
			next.IntervalDays = 6
		default:
			next.IntervalDays = int(math.Round(float64(card.IntervalDays) * card.Easiness))
		}
	}

	next.Easiness = NextEasiness(card.Easiness, r)
	next.NextDue = now.Add(time.Duration(next.IntervalDays) * Day)
	next.LastModified = now
	return next
}

// NextEasiness applies the SM-2 easiness adjustment with the 1.3 floor.
func NextEasiness(easiness float64, r Rating) float64 {
	q := float64(5 - clamp(r))
	delta := 0.1 - q*(0.08+q*0.02)
	return math.Max(models.MinEasiness, easiness+delta)
}

func clamp(r Rating) Rating {
	if r < 0 {
		return 0
	}
	if r > 5 {
		return 5
	}
	return r
}
