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
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"agentfs/internal/util"
)

// insertBatch bounds the rows per INSERT so one statement stays under
// sqlite's variable limit.
const insertBatch = 500

// BunDB wraps a Bun database instance for type-safe queries.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	bunDB := bun.NewDB(sqlDB, sqlitedialect.New())
	return &BunDB{DB: bunDB}
}

// --- Schema ---

// CreateSchema creates the catalog tables if missing.
func (db *BunDB) CreateSchema(ctx context.Context) error {
	models := []interface{}{
		(*SchemaInfoModel)(nil),
		(*SnapshotModel)(nil),
		(*SnapshotEntryModel)(nil),
	}
	for _, m := range models {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	if _, err := db.NewCreateIndex().
		Model((*SnapshotModel)(nil)).
		Index("idx_snapshots_seq").
		Column("seq").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

// GetSchemaInfo retrieves a schema_info value by key.
func (db *BunDB) GetSchemaInfo(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := db.NewSelect().Model(&info).Where("key = ?", key).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Value, nil
}

// SetSchemaInfo upserts a schema_info value.
func (db *BunDB) SetSchemaInfo(ctx context.Context, key, value string) error {
	_, err := db.NewInsert().
		Model(&SchemaInfoModel{Key: key, Value: value}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

// --- Snapshot Operations ---

// InsertSnapshot stores a snapshot and its entries in one transaction.
// Uses retry logic for transient "database is locked" errors.
func (db *BunDB) InsertSnapshot(ctx context.Context, snap *SnapshotModel, entries []SnapshotEntryModel) error {
	return util.Retry(ctx, func() error {
		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.NewInsert().Model(snap).Exec(ctx); err != nil {
				return fmt.Errorf("failed to insert snapshot: %w", err)
			}
			for start := 0; start < len(entries); start += insertBatch {
				end := start + insertBatch
				if end > len(entries) {
					end = len(entries)
				}
				batch := entries[start:end]
				if _, err := tx.NewInsert().Model(&batch).Exec(ctx); err != nil {
					return fmt.Errorf("failed to insert snapshot entries: %w", err)
				}
			}
			return nil
		})
	}, util.DatabaseRetryOptions(ctx)...)
}

// ListSnapshots returns snapshots oldest first.
func (db *BunDB) ListSnapshots(ctx context.Context) ([]SnapshotModel, error) {
	var snaps []SnapshotModel
	if err := db.NewSelect().Model(&snaps).Order("seq ASC").Scan(ctx); err != nil {
		return nil, err
	}
	return snaps, nil
}

// GetSnapshotEntries returns the entries of one snapshot ordered by path,
// so parents precede their children.
func (db *BunDB) GetSnapshotEntries(ctx context.Context, snapshotID string) ([]SnapshotEntryModel, error) {
	var entries []SnapshotEntryModel
	err := db.NewSelect().
		Model(&entries).
		Where("snapshot_id = ?", snapshotID).
		Order("path ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// DeleteSnapshot removes a snapshot and its entries.
func (db *BunDB) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	return util.Retry(ctx, func() error {
		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.NewDelete().
				Model((*SnapshotEntryModel)(nil)).
				Where("snapshot_id = ?", snapshotID).
				Exec(ctx); err != nil {
				return fmt.Errorf("failed to delete snapshot entries: %w", err)
			}
			res, err := tx.NewDelete().
				Model((*SnapshotModel)(nil)).
				Where("id = ?", snapshotID).
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to delete snapshot: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				log.Debugf("[CATALOG] delete: snapshot %s not present", snapshotID)
			}
			return nil
		})
	}, util.DatabaseRetryOptions(ctx)...)
}
