package srs

import (
	"slices"
	"sort"
	"time"

	"github.com/atinyakov/FlashKeeper/internal/models"
	"github.com/samber/lo"
)

// recentFailures bounds how many failed reviews are considered when topping
// up a schedule that has fewer due cards than requested.
const recentFailures = 50

// Recommend selects up to n cards to study at now. Due cards come first,
// oldest due date first. When fewer than n are due, the list is filled with
// cards from the most recent failed reviews (ease <= 2), newest first.
// A non-nil collection restricts the selection to its members.
func Recommend(cards []models.Card, logs []models.StudyLog, n int, now time.Time, collection *models.ID) []models.Card {
	if n <= 0 {
		return []models.Card{}
	}

	pool := cards
	if collection != nil {
		pool = lo.Filter(cards, func(c models.Card, _ int) bool { return c.InCollection(*collection) })
	}

	due := lo.Filter(pool, func(c models.Card, _ int) bool { return !c.NextDue.After(now) })
	sort.SliceStable(due, func(i, j int) bool { return due[i].NextDue.Before(due[j].NextDue) })
	if len(due) >= n {
		return cloneAll(due[:n])
	}

	failed := lo.Filter(logs, func(l models.StudyLog, _ int) bool { return l.Ease <= 2 })
	sort.SliceStable(failed, func(i, j int) bool { return failed[i].Timestamp.After(failed[j].Timestamp) })
	if len(failed) > recentFailures {
		failed = failed[:recentFailures]
	}

	picked := lo.SliceToMap(due, func(c models.Card) (models.ID, struct{}) { return c.ID, struct{}{} })
	out := slices.Clone(due)
	for _, l := range failed {
		if len(out) >= n {
			break
		}
		if _, ok := picked[l.CardID]; ok {
			continue
		}
		card, ok := lo.Find(pool, func(c models.Card) bool { return c.ID == l.CardID })
		if !ok {
			continue
		}
		picked[card.ID] = struct{}{}
		out = append(out, card)
	}
	return cloneAll(out)
}

func cloneAll(cards []models.Card) []models.Card {
	return lo.Map(cards, func(c models.Card, _ int) models.Card { return c.Clone() })
}
