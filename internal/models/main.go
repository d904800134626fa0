// Package models defines the core data structures shared by the client and
// the server: users, cards, collections, study logs and the sync protocol.
package models

import (
	"slices"
	"time"
)

// DefaultEasiness is the easiness factor assigned to new cards.
const DefaultEasiness = 2.5

// MinEasiness is the lowest easiness factor a card can reach.
const MinEasiness = 1.3

// User is the public profile of an account as mirrored on the client.
type User struct {
	// ID is the server identifier of the user.
	ID int64 `json:"id"`
	// Username is the login name chosen by the user.
	Username string `json:"username"`
	// Settings holds user preferences.
	Settings Settings `json:"settings"`
}

// Account is the server-side user record including credentials.
type Account struct {
	User
	// PasswordHash is the bcrypt hash of the user's password.
	PasswordHash []byte `json:"-"`
	// LastModified is bumped whenever the profile or settings change.
	LastModified time.Time `json:"-"`
}

// Settings holds user preferences synchronized with the server.
type Settings struct {
	// Datasets is the current dictionary dataset selection.
	Datasets *DatasetSelection `json:"datasets,omitempty"`
}

// DatasetSelection is the set of dictionary datasets the user enabled.
type DatasetSelection struct {
	Selected  []string  `json:"selected"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserSnapshot is the full local mirror of a user's data.
type UserSnapshot struct {
	User         User         `json:"user"`
	Collections  []Collection `json:"collections"`
	Cards        []Card       `json:"cards"`
	StudyLogs    []StudyLog   `json:"study_logs"`
	LastModified time.Time    `json:"last_modified"`
}

// NewSnapshot returns an empty snapshot with non-nil slices.
func NewSnapshot() UserSnapshot {
	return UserSnapshot{
		Collections: []Collection{},
		Cards:       []Card{},
		StudyLogs:   []StudyLog{},
	}
}

// Clone returns a deep copy of the snapshot.
func (s UserSnapshot) Clone() UserSnapshot {
	out := s
	if s.User.Settings.Datasets != nil {
		ds := *s.User.Settings.Datasets
		ds.Selected = slices.Clone(ds.Selected)
		out.User.Settings.Datasets = &ds
	}
	out.Collections = slices.Clone(s.Collections)
	out.Cards = make([]Card, len(s.Cards))
	for i, c := range s.Cards {
		out.Cards[i] = c.Clone()
	}
	out.StudyLogs = slices.Clone(s.StudyLogs)
	if out.Collections == nil {
		out.Collections = []Collection{}
	}
	if out.StudyLogs == nil {
		out.StudyLogs = []StudyLog{}
	}
	return out
}

// CardIndex returns the position of the card with the given id, or -1.
func (s *UserSnapshot) CardIndex(id ID) int {
	return slices.IndexFunc(s.Cards, func(c Card) bool { return c.ID == id })
}

// CollectionIndex returns the position of the collection with the given id, or -1.
func (s *UserSnapshot) CollectionIndex(id ID) int {
	return slices.IndexFunc(s.Collections, func(c Collection) bool { return c.ID == id })
}

// UpsertCard replaces the card with the same id or appends it.
func (s *UserSnapshot) UpsertCard(card Card) {
	if i := s.CardIndex(card.ID); i >= 0 {
		s.Cards[i] = card
		return
	}
	s.Cards = append(s.Cards, card)
}

// UpsertCollection replaces the collection with the same id or appends it.
func (s *UserSnapshot) UpsertCollection(col Collection) {
	if i := s.CollectionIndex(col.ID); i >= 0 {
		s.Collections[i] = col
		return
	}
	s.Collections = append(s.Collections, col)
}

// RemoveCard drops the card with the given id and its study logs. It
// reports whether the card existed.
func (s *UserSnapshot) RemoveCard(id ID) bool {
	i := s.CardIndex(id)
	if i < 0 {
		return false
	}
	s.Cards = slices.Delete(s.Cards, i, i+1)
	s.StudyLogs = slices.DeleteFunc(s.StudyLogs, func(l StudyLog) bool { return l.CardID == id })
	return true
}

// RemoveCollection drops the collection and its memberships. It reports
// whether the collection existed.
func (s *UserSnapshot) RemoveCollection(id ID) bool {
	i := s.CollectionIndex(id)
	if i < 0 {
		return false
	}
	s.Collections = slices.Delete(s.Collections, i, i+1)
	for j := range s.Cards {
		s.Cards[j].CollectionIDs = slices.DeleteFunc(s.Cards[j].CollectionIDs, func(c ID) bool { return c == id })
	}
	return true
}
