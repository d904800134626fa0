package queue

import (
	"encoding/json"
	"slices"

	"github.com/atinyakov/FlashKeeper/internal/models"
)

// Replay applies the mutations in items on top of snap, oldest first.
// It is used after a refresh so that changes the server has not seen yet
// stay visible, including entities that still carry placeholder ids.
// Items with undecodable payloads are skipped.
func Replay(snap *models.UserSnapshot, items []models.SyncQueueItem) {
	for _, item := range ordered(items) {
		switch item.Type {
		case models.ActionCreateCard, models.ActionUpdateCard:
			var card models.Card
			if json.Unmarshal(item.Payload, &card) == nil {
				snap.UpsertCard(card)
			}
		case models.ActionCreateCollection, models.ActionUpdateCollection:
			var col models.Collection
			if json.Unmarshal(item.Payload, &col) == nil {
				snap.UpsertCollection(col)
			}
		case models.ActionDeleteCard:
			var del models.DeletePayload
			if json.Unmarshal(item.Payload, &del) == nil {
				snap.RemoveCard(del.ID)
			}
		case models.ActionDeleteCollection:
			var del models.DeletePayload
			if json.Unmarshal(item.Payload, &del) == nil {
				snap.RemoveCollection(del.ID)
			}
		case models.ActionStudy:
			var log models.StudyLog
			if json.Unmarshal(item.Payload, &log) != nil {
				continue
			}
			if !slices.ContainsFunc(snap.StudyLogs, func(l models.StudyLog) bool { return l.ID == log.ID }) {
				snap.StudyLogs = append(snap.StudyLogs, log)
			}
		case models.ActionDatasetSelection:
			var sel models.DatasetSelection
			if json.Unmarshal(item.Payload, &sel) == nil {
				snap.User.Settings.Datasets = &sel
			}
		}
	}
	pruneMemberships(snap)
}

// pruneMemberships drops card memberships of collections that are not in
// snap.
func pruneMemberships(snap *models.UserSnapshot) {
	for i := range snap.Cards {
		snap.Cards[i].CollectionIDs = slices.DeleteFunc(snap.Cards[i].CollectionIDs, func(id models.ID) bool {
			return snap.CollectionIndex(id) < 0
		})
	}
}

// PendingCards returns the ids of cards that have a queued create, update
// or delete.
func PendingCards(items []models.SyncQueueItem) map[models.ID]bool {
	out := make(map[models.ID]bool)
	for _, item := range items {
		switch item.Type {
		case models.ActionCreateCard, models.ActionUpdateCard, models.ActionDeleteCard:
			// Card and DeletePayload both carry the id under "id".
			var ref models.DeletePayload
			if json.Unmarshal(item.Payload, &ref) == nil {
				out[ref.ID] = true
			}
		}
	}
	return out
}

// Remap rewrites placeholder ids inside item payloads using remap. It
// returns only the items that changed.
func Remap(items []models.SyncQueueItem, remap models.IDRemap) []models.SyncQueueItem {
	if remap.Empty() {
		return nil
	}
	var changed []models.SyncQueueItem
	for _, item := range items {
		payload, ok := remapPayload(item, remap)
		if !ok {
			continue
		}
		item.Payload = payload
		changed = append(changed, item)
	}
	return changed
}

func remapPayload(item models.SyncQueueItem, remap models.IDRemap) (json.RawMessage, bool) {
	switch item.Type {
	case models.ActionCreateCard, models.ActionUpdateCard:
		var card models.Card
		if json.Unmarshal(item.Payload, &card) != nil {
			return nil, false
		}
		if !RemapCard(&card, remap) {
			return nil, false
		}
		return encode(card)
	case models.ActionCreateCollection, models.ActionUpdateCollection:
		var col models.Collection
		if json.Unmarshal(item.Payload, &col) != nil {
			return nil, false
		}
		next := remap.Collections.Resolve(col.ID)
		if next == col.ID {
			return nil, false
		}
		col.ID = next
		return encode(col)
	case models.ActionDeleteCard, models.ActionDeleteCollection:
		var del models.DeletePayload
		if json.Unmarshal(item.Payload, &del) != nil {
			return nil, false
		}
		table := remap.Cards
		if item.Type == models.ActionDeleteCollection {
			table = remap.Collections
		}
		next := table.Resolve(del.ID)
		if next == del.ID {
			return nil, false
		}
		return encode(models.DeletePayload{ID: next})
	case models.ActionStudy:
		var log models.StudyLog
		if json.Unmarshal(item.Payload, &log) != nil {
			return nil, false
		}
		next := remap.Cards.Resolve(log.CardID)
		if next == log.CardID {
			return nil, false
		}
		log.CardID = next
		return encode(log)
	}
	return nil, false
}

// StripCollection removes collection id from the memberships carried by
// queued card creates and updates. It returns only the items that changed.
func StripCollection(items []models.SyncQueueItem, id models.ID) []models.SyncQueueItem {
	var changed []models.SyncQueueItem
	for _, item := range items {
		if item.Type != models.ActionCreateCard && item.Type != models.ActionUpdateCard {
			continue
		}
		var card models.Card
		if json.Unmarshal(item.Payload, &card) != nil || !slices.Contains(card.CollectionIDs, id) {
			continue
		}
		card.CollectionIDs = slices.DeleteFunc(card.CollectionIDs, func(c models.ID) bool { return c == id })
		payload, ok := encode(card)
		if !ok {
			continue
		}
		item.Payload = payload
		changed = append(changed, item)
	}
	return changed
}

// RemapCard rewrites the card id and its collection memberships. It reports
// whether anything changed.
func RemapCard(card *models.Card, remap models.IDRemap) bool {
	changed := false
	if next := remap.Cards.Resolve(card.ID); next != card.ID {
		card.ID = next
		changed = true
	}
	for i, cid := range card.CollectionIDs {
		if next := remap.Collections.Resolve(cid); next != cid {
			card.CollectionIDs[i] = next
			changed = true
		}
	}
	return changed
}

func encode(v any) (json.RawMessage, bool) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return b, true
}
