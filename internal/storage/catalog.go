// Copyright 2024 AgentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
)

const SchemaVersion = "1"

// Default busy_timeout in milliseconds (30 seconds)
const DefaultBusyTimeout = 30000

// EnvBusyTimeout overrides the catalog busy_timeout in milliseconds.
const EnvBusyTimeout = "AGENTFS_BUSY_TIMEOUT"

// GetBusyTimeout returns the busy_timeout for catalog connections.
func GetBusyTimeout() int {
	if val := os.Getenv(EnvBusyTimeout); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil && timeout > 0 {
			return timeout
		}
	}
	return DefaultBusyTimeout
}

// BuildDSN builds the libsql DSN for a local catalog file.
func BuildDSN(path string) string {
	return "file:" + path
}

// Catalog is the sqlite database recording persisted snapshots of a
// host-backed store.
type Catalog struct {
	path  string
	db    *sql.DB
	bunDB *BunDB
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets connection PRAGMAs explicitly; libsql ignores
// DSN-based _pragma parameters.
func applyPragmas(db *sql.DB) error {
	// busy_timeout first so journal_mode=WAL waits instead of failing.
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", GetBusyTimeout())); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA cache_size = -8000"); err != nil {
		return fmt.Errorf("failed to set cache_size: %w", err)
	}
	return nil
}

// OpenCatalog opens or creates the catalog at path.
func OpenCatalog(path string) (*Catalog, error) {
	db, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	bunDB := NewBunDB(db)
	ctx := context.Background()
	if err := bunDB.CreateSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create catalog schema: %w", err)
	}
	version, err := bunDB.GetSchemaInfo(ctx, "version")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema info: %w", err)
	}
	switch version {
	case "":
		if err := bunDB.SetSchemaInfo(ctx, "version", SchemaVersion); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to write schema info: %w", err)
		}
	case SchemaVersion:
	default:
		db.Close()
		return nil, fmt.Errorf("catalog %s has schema version %s, want %s", path, version, SchemaVersion)
	}

	return &Catalog{path: path, db: db, bunDB: bunDB}, nil
}

// Path returns the file path
func (c *Catalog) Path() string { return c.path }

// BunDB returns the query wrapper.
func (c *Catalog) BunDB() *BunDB { return c.bunDB }

// SaveSnapshot persists a snapshot record with its entries.
func (c *Catalog) SaveSnapshot(ctx context.Context, snap SnapshotModel, entries []SnapshotEntryModel) error {
	for i := range entries {
		entries[i].SnapshotID = snap.ID
	}
	if err := c.bunDB.InsertSnapshot(ctx, &snap, entries); err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// ListSnapshots returns all persisted snapshots oldest first.
func (c *Catalog) ListSnapshots(ctx context.Context) ([]SnapshotModel, error) {
	snaps, err := c.bunDB.ListSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return snaps, nil
}

// LoadEntries returns the entries of a snapshot, parents first.
func (c *Catalog) LoadEntries(ctx context.Context, snapshotID string) ([]SnapshotEntryModel, error) {
	entries, err := c.bunDB.GetSnapshotEntries(ctx, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", snapshotID, err)
	}
	return entries, nil
}

// DeleteSnapshot removes a persisted snapshot.
func (c *Catalog) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	if err := c.bunDB.DeleteSnapshot(ctx, snapshotID); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", snapshotID, err)
	}
	return nil
}

// Close checkpoints the WAL into the main database and closes it.
func (c *Catalog) Close() error {
	if c.db == nil {
		return nil
	}
	rows, err := c.db.Query("PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		log.Warnf("[CATALOG] WAL checkpoint failed: %v", err)
	} else {
		rows.Close()
	}
	err = c.db.Close()
	c.db = nil
	if err != nil {
		return err
	}
	os.Remove(c.path + "-wal")
	os.Remove(c.path + "-shm")
	return nil
}
