package storage

const schema = `
CREATE TABLE IF NOT EXISTS app (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS queue (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT NOT NULL UNIQUE,
    type       TEXT NOT NULL,
    payload    TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dataset_meta (
    dataset_id    TEXT PRIMARY KEY,
    total         INTEGER NOT NULL DEFAULT 0,
    downloaded    INTEGER NOT NULL DEFAULT 0,
    downloaded_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dataset_entries (
    dataset_id        TEXT NOT NULL,
    entry_id          INTEGER NOT NULL,
    simplified        TEXT NOT NULL,
    traditional       TEXT NOT NULL,
    pinyin_normalized TEXT NOT NULL,
    entry             TEXT NOT NULL,
    PRIMARY KEY (dataset_id, entry_id)
);

CREATE INDEX IF NOT EXISTS idx_entries_simplified ON dataset_entries (dataset_id, simplified);
CREATE INDEX IF NOT EXISTS idx_entries_traditional ON dataset_entries (dataset_id, traditional);
CREATE INDEX IF NOT EXISTS idx_entries_pinyin ON dataset_entries (dataset_id, pinyin_normalized);
`

const (
	keySnapshot = "snapshot"
	keyTokens   = "tokens"
)
