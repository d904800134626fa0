package models

import "time"

// DictEntry is a dictionary word shipped in a dataset pack.
type DictEntry struct {
	ID               int64    `json:"id"`
	Simplified       string   `json:"simplified"`
	Traditional      string   `json:"traditional"`
	Pinyin           string   `json:"pinyin"`
	PinyinNormalized string   `json:"pinyin_normalized"`
	Meanings         []string `json:"meanings"`
	Examples         []string `json:"examples"`
	Tags             []string `json:"tags"`
	HSKLevel         *int     `json:"hsk_level,omitempty"`
	POS              string   `json:"pos,omitempty"`
	Frequency        *int     `json:"frequency,omitempty"`
}

// DatasetPack is one page of a dataset download.
type DatasetPack struct {
	DatasetID string      `json:"dataset_id"`
	Total     int         `json:"total"`
	Offset    int         `json:"offset"`
	Limit     int         `json:"limit"`
	Items     []DictEntry `json:"items"`
}

// DatasetMeta describes a dataset stored on the client.
type DatasetMeta struct {
	DatasetID    string    `json:"dataset_id"`
	Total        int       `json:"total"`
	Downloaded   int       `json:"downloaded"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// Complete reports whether every entry of the dataset has been stored.
func (m DatasetMeta) Complete() bool {
	return m.Total > 0 && m.Downloaded >= m.Total
}
