package bucket

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/lib/pq"

	"github.com/stratadb/strata/internal/core"
	"github.com/stratadb/strata/internal/database"
)

// ReindexResult reports one batch of reindexing work.
type ReindexResult struct {
	// Processed is the number of rows whose index columns were
	// recomputed in this batch.
	Processed int

	// Remaining is true while rows behind the current schema version
	// still exist.
	Remaining bool
}

// ReindexBatch recomputes index columns for up to count rows that were
// written before the bucket's current schema version. Rows are locked
// for the duration of the transaction so concurrent writes cannot race
// the recomputation. A batch that finds no stale rows clears the
// bucket's pending-reindex state, at which point the queued attributes
// become trusted for filtering.
func (s *Store) ReindexBatch(ctx context.Context, e Executor, name string, count int) (*ReindexResult, error) {
	if count <= 0 {
		return nil, &core.InvocationError{Op: "reindexObjects", Reason: "count must be positive"}
	}

	b, err := s.getForUpdate(ctx, e, name)
	if err != nil {
		return nil, err
	}
	if !b.Reindexing() {
		return &ReindexResult{}, nil
	}

	version := 0
	for v := range b.ReindexActive {
		if v > version {
			version = v
		}
	}

	rows, err := e.Query(ctx, fmt.Sprintf(
		"SELECT _key, _value FROM %s WHERE _rver IS NULL OR _rver < $1 LIMIT $2 FOR UPDATE",
		pq.QuoteIdentifier(name)), version, count)
	if err != nil {
		return nil, database.TranslateError(err)
	}

	type staleRow struct {
		key   string
		value string
	}
	var stale []staleRow
	for rows.Next() {
		var r staleRow
		if err := rows.Scan(&r.key, &r.value); err != nil {
			rows.Close()
			return nil, database.TranslateError(err)
		}
		stale = append(stale, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, database.TranslateError(err)
	}
	rows.Close()

	if len(stale) == 0 {
		// Drained: the queued attributes are now fully indexed.
		b.ReindexActive = nil
		if err := s.SaveReindexState(ctx, e, b); err != nil {
			return nil, err
		}
		log.Printf("[REINDEX] bucket %s drained at version %d", name, version)
		return &ReindexResult{}, nil
	}

	attrs := IndexColumns(b)
	for _, r := range stale {
		var value map[string]any
		if err := json.Unmarshal([]byte(r.value), &value); err != nil {
			// A row whose value no longer parses is left behind with
			// NULL index columns rather than wedging the drain.
			value = nil
		}
		cols := ProjectValue(b, value)

		sets := make([]string, 0, len(attrs)+1)
		args := make([]any, 0, len(attrs)+2)
		for i, attr := range attrs {
			sets = append(sets, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(attr), i+1))
			args = append(args, cols[i])
		}
		sets = append(sets, fmt.Sprintf("_rver = $%d", len(args)+1))
		args = append(args, version)
		args = append(args, r.key)

		stmt := fmt.Sprintf("UPDATE %s SET %s WHERE _key = $%d",
			pq.QuoteIdentifier(name), strings.Join(sets, ", "), len(args))
		if _, err := e.Exec(ctx, stmt, args...); err != nil {
			return nil, database.TranslateError(err)
		}
	}

	log.Printf("[REINDEX] bucket %s: recomputed %d rows at version %d", name, len(stale), version)
	return &ReindexResult{Processed: len(stale), Remaining: true}, nil
}

// PendingCount reports how many rows still await reindexing. Zero when
// the bucket has no pending reindex state.
func (s *Store) PendingCount(ctx context.Context, e Executor, name string) (int64, error) {
	b, err := s.Get(ctx, e, name, true)
	if err != nil {
		return 0, err
	}
	if !b.Reindexing() {
		return 0, nil
	}
	version := 0
	for v := range b.ReindexActive {
		if v > version {
			version = v
		}
	}

	rows, err := e.Query(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE _rver IS NULL OR _rver < $1",
		pq.QuoteIdentifier(name)), version)
	if err != nil {
		return 0, database.TranslateError(err)
	}
	defer rows.Close()

	var count int64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, database.TranslateError(err)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, database.TranslateError(err)
	}
	return count, nil
}
