package models

import (
	"slices"
	"time"
)

// Card is a flashcard together with its SM-2 scheduling state.
type Card struct {
	ID                ID        `json:"id"`
	OwnerID           int64     `json:"owner_id"`
	Simplified        string    `json:"simplified" validate:"required"`
	Pinyin            string    `json:"pinyin"`
	Meanings          []string  `json:"meanings"`
	Examples          []string  `json:"examples"`
	Tags              []string  `json:"tags"`
	CreatedFromDictID *int64    `json:"created_from_dict_id,omitempty"`
	Easiness          float64   `json:"easiness" validate:"gte=1.3"`
	IntervalDays      int       `json:"interval_days" validate:"gte=0"`
	Repetitions       int       `json:"repetitions" validate:"gte=0"`
	NextDue           time.Time `json:"next_due"`
	CollectionIDs     []ID      `json:"collection_ids"`
	LastModified      time.Time `json:"last_modified"`
}

// Clone returns a copy of the card that shares no slices with the original.
func (c Card) Clone() Card {
	out := c
	out.Meanings = slices.Clone(c.Meanings)
	out.Examples = slices.Clone(c.Examples)
	out.Tags = slices.Clone(c.Tags)
	out.CollectionIDs = slices.Clone(c.CollectionIDs)
	if c.CreatedFromDictID != nil {
		v := *c.CreatedFromDictID
		out.CreatedFromDictID = &v
	}
	return out
}

// InCollection reports whether the card is a member of the collection.
func (c Card) InCollection(id ID) bool {
	return slices.Contains(c.CollectionIDs, id)
}

// Collection groups cards under a name.
type Collection struct {
	ID           ID        `json:"id"`
	OwnerID      int64     `json:"owner_id"`
	Name         string    `json:"name" validate:"required,max=200"`
	Description  string    `json:"description"`
	LastModified time.Time `json:"last_modified"`
}

// StudyLog records a single review. Logs are never modified after creation.
type StudyLog struct {
	ID             ID        `json:"id"`
	CardID         ID        `json:"card_id"`
	UserID         int64     `json:"user_id"`
	Timestamp      time.Time `json:"timestamp"`
	Ease           int       `json:"ease" validate:"gte=0,lte=5"`
	Correct        bool      `json:"correct"`
	ResponseTimeMs int64     `json:"response_time_ms" validate:"gte=0"`
	LastModified   time.Time `json:"last_modified"`
}

// NewStudyLog builds a log entry for a review of cardID with the given ease.
func NewStudyLog(id, cardID ID, userID int64, ease int, responseTimeMs int64, at time.Time) StudyLog {
	return StudyLog{
		ID:             id,
		CardID:         cardID,
		UserID:         userID,
		Timestamp:      at,
		Ease:           ease,
		Correct:        ease >= 3,
		ResponseTimeMs: responseTimeMs,
		LastModified:   at,
	}
}
