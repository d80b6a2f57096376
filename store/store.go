// Package store persists normalized ERC-20 transfer events and sync
// cursors in a local SQLite database. Event saves are idempotent on the
// (txHash, logIndex) primary key and cursor advances are monotonic, so
// overlapping backfill and live ingestion never corrupt either table.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	_ "github.com/mattn/go-sqlite3"
)

// Well-known cursor rows. The batch cursor tracks contiguous backfill
// progress and is the only cursor consulted on restart; the realtime
// cursor tracks the push path and exists for observability. The two are
// intentionally never merged.
const (
	BatchCursor    = "batch-sync"
	RealtimeCursor = "realtime-sync"
)

const (
	createEventsTable = `CREATE TABLE IF NOT EXISTS transfer_events (
	tx_hash      TEXT NOT NULL,
	log_index    INTEGER NOT NULL,
	block_number INTEGER NOT NULL,
	block_time   INTEGER NOT NULL,
	from_addr    TEXT NOT NULL,
	to_addr      TEXT NOT NULL,
	value        TEXT NOT NULL,
	indexed_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (tx_hash, log_index)
)`
	createBlockIndex = `CREATE INDEX IF NOT EXISTS idx_transfer_events_block ON transfer_events(block_number)`
	createFromIndex  = `CREATE INDEX IF NOT EXISTS idx_transfer_events_from ON transfer_events(from_addr)`
	createToIndex    = `CREATE INDEX IF NOT EXISTS idx_transfer_events_to ON transfer_events(to_addr)`

	createCursorsTable = `CREATE TABLE IF NOT EXISTS sync_cursors (
	id                TEXT PRIMARY KEY,
	last_synced_block INTEGER NOT NULL,
	last_synced_at    DATETIME NOT NULL
)`

	insertEventStmt = `INSERT OR IGNORE INTO transfer_events
	(tx_hash, log_index, block_number, block_time, from_addr, to_addr, value)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	// The conditional upsert makes cursor advancement monotonic even when
	// two writers race: the losing writer's lower block is a no-op.
	advanceCursorStmt = `INSERT INTO sync_cursors (id, last_synced_block, last_synced_at)
	VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		last_synced_block = excluded.last_synced_block,
		last_synced_at    = excluded.last_synced_at
	WHERE excluded.last_synced_block > sync_cursors.last_synced_block`
)

// Store wraps the SQLite database holding events and cursors.
type Store struct {
	db  *sql.DB
	log log.Logger
}

// Open opens (creating if necessary) the database at path and ensures the
// schema exists. WAL mode keeps readers unblocked while the indexer writes.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	s := &Store{
		db:  db,
		log: log.New("component", "store"),
	}
	if err := s.setup(); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Debug("Event store opened", "path", path)
	return s, nil
}

func (s *Store) setup() error {
	for _, stmt := range []string{
		createEventsTable,
		createBlockIndex,
		createFromIndex,
		createToIndex,
		createCursorsTable,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveEvents inserts the given events in one transaction, skipping rows
// whose (txHash, logIndex) key is already present. It reports how many
// rows were newly inserted and how many were ignored as duplicates.
// Saving an empty batch succeeds without touching the database.
func (s *Store) SaveEvents(ctx context.Context, events []*TransferEvent) (inserted, ignored int, err error) {
	if len(events) == 0 {
		return 0, 0, nil
	}
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertEventStmt)
	if err != nil {
		return 0, 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		res, err := stmt.ExecContext(ctx,
			lowerHex(ev.TxHash),
			ev.LogIndex,
			ev.BlockNumber,
			ev.BlockTime,
			lowerHex(ev.From),
			lowerHex(ev.To),
			ev.Value,
		)
		if err != nil {
			return 0, 0, fmt.Errorf("insert event %s/%d: %w", ev.TxHash, ev.LogIndex, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, 0, err
		}
		if n > 0 {
			inserted++
		} else {
			ignored++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit save: %w", err)
	}

	eventInsertMeter.Mark(int64(inserted))
	eventIgnoreMeter.Mark(int64(ignored))
	saveTimer.UpdateSince(start)
	return inserted, ignored, nil
}

// CreateCursor inserts the cursor row if it does not exist and returns the
// block the cursor holds afterwards. When two callers race, the loser
// adopts the winner's block.
func (s *Store) CreateCursor(ctx context.Context, id string, block uint64) (uint64, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sync_cursors (id, last_synced_block, last_synced_at) VALUES (?, ?, ?)`,
		id, block, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("create cursor %s: %w", id, err)
	}
	current, ok, err := s.Cursor(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("cursor %s missing after create", id)
	}
	return current, nil
}

// AdvanceCursor moves the cursor to block, creating the row if needed.
// A block at or below the stored one leaves the cursor untouched, so
// concurrent writers can only move it forward.
func (s *Store) AdvanceCursor(ctx context.Context, id string, block uint64) error {
	_, err := s.db.ExecContext(ctx, advanceCursorStmt, id, block, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("advance cursor %s: %w", id, err)
	}
	return nil
}

// Cursor returns the cursor's block, with ok reporting whether the row
// exists.
func (s *Store) Cursor(ctx context.Context, id string) (uint64, bool, error) {
	var block uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_synced_block FROM sync_cursors WHERE id = ?`, id).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read cursor %s: %w", id, err)
	}
	return block, true, nil
}

// Events returns one page of events matching q, newest block first with
// logs in execution order inside each block, together with the total
// number of matching rows.
func (s *Store) Events(ctx context.Context, q EventQuery) ([]*TransferEvent, int, error) {
	q = q.withDefaults()
	defer func(start time.Time) { queryTimer.UpdateSince(start) }(time.Now())

	var (
		where []string
		args  []interface{}
	)
	if q.From != "" {
		where = append(where, "from_addr = ?")
		args = append(args, lowerHex(q.From))
	}
	if q.To != "" {
		where = append(where, "to_addr = ?")
		args = append(args, lowerHex(q.To))
	}
	if q.StartBlock != nil {
		where = append(where, "block_number >= ?")
		args = append(args, *q.StartBlock)
	}
	if q.EndBlock != nil {
		where = append(where, "block_number <= ?")
		args = append(args, *q.EndBlock)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transfer_events"+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	query := `SELECT tx_hash, log_index, block_number, block_time, from_addr, to_addr, value, indexed_at
	FROM transfer_events` + cond + `
	ORDER BY block_number DESC, log_index ASC
	LIMIT ? OFFSET ?`
	args = append(args, q.PageSize, (q.Page-1)*q.PageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := make([]*TransferEvent, 0, q.PageSize)
	for rows.Next() {
		ev := new(TransferEvent)
		if err := rows.Scan(&ev.TxHash, &ev.LogIndex, &ev.BlockNumber, &ev.BlockTime,
			&ev.From, &ev.To, &ev.Value, &ev.IndexedAt); err != nil {
			return nil, 0, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// Stats reports the total number of stored events and the exact sum of
// their values. The sum is accumulated with big integers over the stored
// decimal strings; token amounts routinely exceed both uint64 and the
// range where floats stay exact.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{TotalValue: new(big.Int)}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transfer_events`).Scan(&stats.TotalEvents); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT value FROM transfer_events`)
	if err != nil {
		return nil, fmt.Errorf("sum values: %w", err)
	}
	defer rows.Close()

	var v big.Int
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		if _, ok := v.SetString(raw, 10); !ok {
			return nil, fmt.Errorf("corrupt value %q in transfer_events", raw)
		}
		stats.TotalValue.Add(stats.TotalValue, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}

// lowerHex normalizes hex identifiers to the canonical stored form.
// Inputs arrive both checksummed (EIP-55) and lowercased; comparisons
// only work if exactly one form ever reaches the database.
func lowerHex(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
