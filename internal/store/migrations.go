package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "bonds: scarce user-agent relationships",
		SQL: `
CREATE TABLE bonds (
    id                  TEXT PRIMARY KEY,
    user_id             TEXT NOT NULL,
    agent_id            TEXT NOT NULL,
    tier                INTEGER NOT NULL CHECK (tier BETWEEN 1 AND 5),
    status              TEXT NOT NULL CHECK (status IN ('active', 'at_risk', 'released')),

    -- Metrics
    message_quality     REAL NOT NULL DEFAULT 0,
    consistency_score   REAL NOT NULL DEFAULT 0,
    mutual_disclosure   REAL NOT NULL DEFAULT 0,
    emotional_resonance REAL NOT NULL DEFAULT 0,
    shared_experiences  INTEGER NOT NULL DEFAULT 0,

    -- Rarity
    rarity_score        REAL NOT NULL DEFAULT 0,
    rarity_tier         TEXT NOT NULL,
    peak_rarity_score   REAL NOT NULL DEFAULT 0,
    peak_rarity_tier    TEXT NOT NULL,

    -- Decay
    affinity_level      REAL NOT NULL DEFAULT 0,
    affinity_base       REAL NOT NULL DEFAULT 0,
    last_interaction_at INTEGER NOT NULL,

    slot_number         INTEGER NOT NULL,
    milestones          TEXT NOT NULL DEFAULT '[]',
    created_at          INTEGER NOT NULL,
    released_at         INTEGER,
    release_reason      TEXT,
    version             INTEGER NOT NULL DEFAULT 1
);

CREATE UNIQUE INDEX idx_bonds_alive_pair ON bonds(user_id, agent_id) WHERE status != 'released';
CREATE INDEX idx_bonds_user   ON bonds(user_id);
CREATE INDEX idx_bonds_status ON bonds(status);
CREATE INDEX idx_bonds_rank   ON bonds(rarity_score DESC, affinity_level DESC, created_at ASC);
`,
	},
	{
		Version:     2,
		Description: "slots: occupied and reserved slots per pool, capacity overrides",
		SQL: `
CREATE TABLE pools (
    agent_id   TEXT NOT NULL,
    tier       INTEGER NOT NULL,
    capacity   INTEGER NOT NULL CHECK (capacity >= 0),
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (agent_id, tier)
);

CREATE TABLE slots (
    agent_id     TEXT NOT NULL,
    tier         INTEGER NOT NULL,
    slot_number  INTEGER NOT NULL,
    state        TEXT NOT NULL CHECK (state IN ('occupied', 'reserved')),
    user_id      TEXT NOT NULL,
    bond_id      TEXT,

    -- Offer snapshot, set while reserved
    metrics      TEXT,
    requested_at INTEGER,
    offered_at   INTEGER,
    expires_at   INTEGER,

    PRIMARY KEY (agent_id, tier, slot_number)
);

CREATE UNIQUE INDEX idx_slots_bond  ON slots(bond_id) WHERE bond_id IS NOT NULL;
CREATE UNIQUE INDEX idx_slots_offer ON slots(user_id, agent_id) WHERE state = 'reserved';
CREATE INDEX idx_slots_expires      ON slots(expires_at) WHERE state = 'reserved';
`,
	},
	{
		Version:     3,
		Description: "queue_entries: FIFO admission queue",
		SQL: `
CREATE TABLE queue_entries (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id      TEXT NOT NULL,
    agent_id     TEXT NOT NULL,
    tier         INTEGER NOT NULL,
    metrics      TEXT NOT NULL,
    requested_at INTEGER NOT NULL,
    UNIQUE (user_id, agent_id)
);

CREATE INDEX idx_queue_pool ON queue_entries(agent_id, tier, requested_at, seq);
`,
	},
	{
		Version:     4,
		Description: "legacy_badges: permanent record of released bonds",
		SQL: `
CREATE TABLE legacy_badges (
    id                TEXT PRIMARY KEY,
    bond_id           TEXT NOT NULL UNIQUE,
    user_id           TEXT NOT NULL,
    agent_id          TEXT NOT NULL,
    tier              INTEGER NOT NULL,
    peak_rarity_score REAL NOT NULL,
    peak_rarity_tier  TEXT NOT NULL,
    duration_seconds  INTEGER NOT NULL,
    reason            TEXT NOT NULL CHECK (reason IN ('voluntary', 'decay', 'admin')),
    bond_created_at   INTEGER NOT NULL,
    released_at       INTEGER NOT NULL,
    FOREIGN KEY (bond_id) REFERENCES bonds(id)
);

CREATE INDEX idx_badges_user ON legacy_badges(user_id, released_at DESC);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
