// Package queue turns the client's pending mutation log into the requests
// that flush it. Two grouping strategies apply:
//
//   - dataset_selection is latest-wins: only the newest item is sent and all
//     selection items are acknowledged together.
//   - card and collection mutations are reduced by identity (last write wins)
//     and sent with every study log in one atomic sync batch.
package queue

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/atinyakov/FlashKeeper/internal/models"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// NewItem encodes payload into a queue item of the given type.
func NewItem(typ models.ActionType, payload any, now time.Time) (models.SyncQueueItem, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return models.SyncQueueItem{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return models.SyncQueueItem{
		ID:        uuid.NewString(),
		Type:      typ,
		Payload:   b,
		CreatedAt: now,
	}, nil
}

// SelectionGroup is the latest-wins part of a flush.
type SelectionGroup struct {
	// Latest is the payload of the newest dataset_selection item.
	Latest models.DatasetSelection
	// ItemIDs lists every dataset_selection item resolved by sending Latest.
	ItemIDs []string
}

// BatchGroup is the reduce-by-identity part of a flush.
type BatchGroup struct {
	Request models.SyncRequest
	ItemIDs []string
}

// Plan describes how a queue snapshot is flushed.
type Plan struct {
	Selection *SelectionGroup
	Batch     *BatchGroup
	// Invalid lists items whose payload could not be decoded. They can
	// never be sent and should be dropped.
	Invalid []string
}

// Empty reports whether there is nothing to send or drop.
func (p Plan) Empty() bool {
	return p.Selection == nil && p.Batch == nil && len(p.Invalid) == 0
}

// Build groups items into a Plan. lastModified is the snapshot high-water
// mark sent along with the batch.
func Build(items []models.SyncQueueItem, lastModified time.Time) Plan {
	var (
		plan      Plan
		selection *SelectionGroup
		latestAt  time.Time
		batch     = newReducer()
	)

	for _, item := range ordered(items) {
		if item.Type == models.ActionDatasetSelection {
			var sel models.DatasetSelection
			if err := json.Unmarshal(item.Payload, &sel); err != nil {
				plan.Invalid = append(plan.Invalid, item.ID)
				continue
			}
			if selection == nil {
				selection = &SelectionGroup{}
			}
			selection.ItemIDs = append(selection.ItemIDs, item.ID)
			if len(selection.ItemIDs) == 1 || !item.CreatedAt.Before(latestAt) {
				selection.Latest = sel
				latestAt = item.CreatedAt
			}
			continue
		}
		if err := batch.add(item); err != nil {
			plan.Invalid = append(plan.Invalid, item.ID)
		}
	}

	plan.Selection = selection
	if len(batch.itemIDs) > 0 {
		req := batch.request()
		req.LastModified = lastModified
		plan.Batch = &BatchGroup{Request: req, ItemIDs: batch.itemIDs}
	}
	return plan
}

// ordered returns items sorted by CreatedAt, keeping insertion order for ties.
func ordered(items []models.SyncQueueItem) []models.SyncQueueItem {
	out := slices.Clone(items)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// reducer folds entity mutations by identity, keeping first-seen order.
type reducer struct {
	cards              map[models.ID]models.Card
	cardOrder          []models.ID
	collections        map[models.ID]models.Collection
	collectionOrder    []models.ID
	deletedCards       []models.ID
	deletedCollections []models.ID
	logs               []models.StudyLog
	itemIDs            []string
}

func newReducer() *reducer {
	return &reducer{
		cards:       make(map[models.ID]models.Card),
		collections: make(map[models.ID]models.Collection),
	}
}

func (r *reducer) add(item models.SyncQueueItem) error {
	switch item.Type {
	case models.ActionCreateCard, models.ActionUpdateCard:
		var card models.Card
		if err := json.Unmarshal(item.Payload, &card); err != nil {
			return err
		}
		if _, ok := r.cards[card.ID]; !ok {
			r.cardOrder = append(r.cardOrder, card.ID)
		}
		r.cards[card.ID] = card
		r.deletedCards = lo.Without(r.deletedCards, card.ID)
	case models.ActionCreateCollection, models.ActionUpdateCollection:
		var col models.Collection
		if err := json.Unmarshal(item.Payload, &col); err != nil {
			return err
		}
		if _, ok := r.collections[col.ID]; !ok {
			r.collectionOrder = append(r.collectionOrder, col.ID)
		}
		r.collections[col.ID] = col
		r.deletedCollections = lo.Without(r.deletedCollections, col.ID)
	case models.ActionDeleteCard:
		var del models.DeletePayload
		if err := json.Unmarshal(item.Payload, &del); err != nil {
			return err
		}
		delete(r.cards, del.ID)
		r.cardOrder = lo.Without(r.cardOrder, del.ID)
		if !del.ID.IsLocal() && !slices.Contains(r.deletedCards, del.ID) {
			r.deletedCards = append(r.deletedCards, del.ID)
		}
	case models.ActionDeleteCollection:
		var del models.DeletePayload
		if err := json.Unmarshal(item.Payload, &del); err != nil {
			return err
		}
		delete(r.collections, del.ID)
		r.collectionOrder = lo.Without(r.collectionOrder, del.ID)
		if !del.ID.IsLocal() && !slices.Contains(r.deletedCollections, del.ID) {
			r.deletedCollections = append(r.deletedCollections, del.ID)
		}
	case models.ActionStudy:
		var log models.StudyLog
		if err := json.Unmarshal(item.Payload, &log); err != nil {
			return err
		}
		r.logs = append(r.logs, log)
	default:
		return fmt.Errorf("unknown action type %q", item.Type)
	}
	r.itemIDs = append(r.itemIDs, item.ID)
	return nil
}

func (r *reducer) request() models.SyncRequest {
	req := models.SyncRequest{
		Cards:              make([]models.Card, 0, len(r.cardOrder)),
		Collections:        make([]models.Collection, 0, len(r.collectionOrder)),
		StudyLogs:          r.logs,
		DeletedCards:       r.deletedCards,
		DeletedCollections: r.deletedCollections,
	}
	for _, id := range r.cardOrder {
		req.Cards = append(req.Cards, r.cards[id])
	}
	for _, id := range r.collectionOrder {
		req.Collections = append(req.Collections, r.collections[id])
	}
	if req.StudyLogs == nil {
		req.StudyLogs = []models.StudyLog{}
	}
	return req
}
