package models

import (
	"encoding/json"
	"time"
)

// ActionType is the kind of mutation carried by a SyncQueueItem.
type ActionType string

const (
	ActionCreateCard       ActionType = "create_card"
	ActionUpdateCard       ActionType = "update_card"
	ActionDeleteCard       ActionType = "delete_card"
	ActionCreateCollection ActionType = "create_collection"
	ActionUpdateCollection ActionType = "update_collection"
	ActionDeleteCollection ActionType = "delete_collection"
	ActionStudy            ActionType = "study"
	ActionDatasetSelection ActionType = "dataset_selection"
)

// SyncQueueItem is a pending local mutation awaiting server application.
type SyncQueueItem struct {
	// ID is a client-generated stable identifier.
	ID string `json:"id"`
	// Type selects how Payload is decoded and grouped.
	Type ActionType `json:"type"`
	// Payload is the JSON encoded entity or selection.
	Payload json.RawMessage `json:"payload"`
	// CreatedAt orders the queue and arbitrates latest-wins types.
	CreatedAt time.Time `json:"created_at"`
}

// DeletePayload identifies the entity removed by a delete action.
type DeletePayload struct {
	ID ID `json:"id"`
}

// SyncRequest is the batched payload of the sync endpoint.
type SyncRequest struct {
	Cards              []Card       `json:"cards"`
	Collections        []Collection `json:"collections"`
	StudyLogs          []StudyLog   `json:"study_logs"`
	DeletedCards       []ID         `json:"deleted_cards,omitempty"`
	DeletedCollections []ID         `json:"deleted_collections,omitempty"`
	LastModified       time.Time    `json:"last_modified"`
}

// Empty reports whether the request carries nothing to apply.
func (r SyncRequest) Empty() bool {
	return len(r.Cards) == 0 && len(r.Collections) == 0 && len(r.StudyLogs) == 0 &&
		len(r.DeletedCards) == 0 && len(r.DeletedCollections) == 0
}

// SyncCounts reports how many entities of each kind the server received.
type SyncCounts struct {
	Cards       int `json:"cards"`
	Collections int `json:"collections"`
	StudyLogs   int `json:"study_logs"`
	Deleted     int `json:"deleted"`
}

// IDRemap holds the placeholder to server identity tables of a sync.
type IDRemap struct {
	Cards       IDMap `json:"cards"`
	Collections IDMap `json:"collections"`
}

// Empty reports whether the remap has no entries.
func (r IDRemap) Empty() bool {
	return len(r.Cards) == 0 && len(r.Collections) == 0
}

// SyncResponse is the result of the sync endpoint.
type SyncResponse struct {
	Received SyncCounts `json:"received"`
	IDMap    IDRemap    `json:"id_map"`
}

// ScheduleResponse lists the cards the server recommends for study.
type ScheduleResponse struct {
	GeneratedAt time.Time `json:"generated_at"`
	Count       int       `json:"count"`
	Cards       []Card    `json:"cards"`
}

// StudyResponseRequest submits a single review to the server.
type StudyResponseRequest struct {
	CardID         ID    `json:"card_id"`
	Quality        int   `json:"q" validate:"gte=0,lte=5"`
	ResponseTimeMs int64 `json:"response_time_ms" validate:"gte=0"`
}

// StudyResponse is the server's answer to a review submission.
type StudyResponse struct {
	Card     Card      `json:"card"`
	LoggedAt time.Time `json:"logged_at"`
}

// DatasetSelectionRequest replaces the user's dataset selection.
type DatasetSelectionRequest struct {
	Selected []string `json:"selected"`
}

// ImportRequest uploads cards for a server-side bulk import.
type ImportRequest struct {
	Cards []Card `json:"cards"`
}

// ImportJob reports the progress of a server-side import.
type ImportJob struct {
	JobID      string     `json:"job_id"`
	Status     string     `json:"status"`
	Progress   int        `json:"progress"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Import job states.
const (
	JobQueued  = "queued"
	JobRunning = "running"
	JobDone    = "done"
	JobError   = "error"
)

// Terminal reports whether the job has finished, successfully or not.
func (j ImportJob) Terminal() bool {
	return j.Status == JobDone || j.Status == JobError
}
