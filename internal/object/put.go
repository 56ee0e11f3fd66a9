package object

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/stratadb/strata/internal/bucket"
	"github.com/stratadb/strata/internal/core"
	"github.com/stratadb/strata/internal/database"
)

// putRequest is the mutable context shared by the put pipeline's steps.
type putRequest struct {
	engine *Engine
	x      Executor

	bucketName string
	key        string
	value      map[string]interface{}
	opts       WriteOptions

	bucket     *core.Bucket
	existing   *existingRow
	serialized []byte
	etag       string
	txnSnap    *int64
	id         int64
}

type existingRow struct {
	id   int64
	etag string
}

// Put writes one object, inserting or updating by key. The existing row
// (if any) is selected under row lock first so concurrent writers on
// the same key serialize. Returns the new etag.
func (e *Engine) Put(ctx context.Context, x Executor, bucketName, key string, value map[string]interface{}, opts WriteOptions) (string, error) {
	r := &putRequest{
		engine:     e,
		x:          x,
		bucketName: bucketName,
		key:        key,
		value:      value,
		opts:       opts,
	}
	err := runPipeline(ctx, "put", []step{
		{"loadBucket", r.loadBucket},
		{"selectForUpdate", r.selectForUpdate},
		{"runPreTriggers", r.runPreTriggers},
		{"checkEtag", r.checkEtag},
		{"serialize", r.serialize},
		{"takeWriteSequence", r.takeWriteSequence},
		{"writeRow", r.writeRow},
		{"runPostTriggers", r.runPostTriggers},
	})
	if err != nil {
		return "", err
	}
	e.purgeCache(ctx, r.bucketName, r.key)
	return r.etag, nil
}

func (r *putRequest) loadBucket(ctx context.Context) error {
	b, err := r.engine.loadBucket(ctx, r.x, r.bucketName, false)
	if err != nil {
		return err
	}
	r.bucket = b
	return nil
}

// selectForUpdate locks the existing row for this key, if one exists,
// for the remainder of the transaction.
func (r *putRequest) selectForUpdate(ctx context.Context) error {
	row, err := selectExisting(ctx, r.x, r.bucket.Name, r.key)
	if err != nil {
		return err
	}
	r.existing = row
	return nil
}

func selectExisting(ctx context.Context, x Executor, bucketName, key string) (*existingRow, error) {
	rows, err := x.Query(ctx, fmt.Sprintf(
		"SELECT _id, _etag FROM %s WHERE _key = $1 FOR UPDATE",
		pq.QuoteIdentifier(bucketName)), key)
	if err != nil {
		return nil, database.TranslateError(err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, database.TranslateError(err)
		}
		return nil, nil
	}
	var row existingRow
	if err := rows.Scan(&row.id, &row.etag); err != nil {
		return nil, database.TranslateError(err)
	}
	row.etag = strings.TrimSpace(row.etag)
	return &row, nil
}

// runPreTriggers lets the bucket's pre chain rewrite the key and value
// before the write is indexed.
func (r *putRequest) runPreTriggers(ctx context.Context) error {
	if len(r.bucket.Pre) == 0 {
		return nil
	}
	args := &core.PreTriggerArgs{Bucket: r.bucket, Key: r.key, Value: r.value}
	if err := r.engine.buckets.Triggers().RunPre(ctx, r.bucket.Pre, args); err != nil {
		return err
	}
	r.key = args.Key
	r.value = args.Value
	return nil
}

func (r *putRequest) checkEtag(ctx context.Context) error {
	switch r.opts.Etag {
	case EtagAny:
		return nil
	case EtagAbsent:
		if r.existing != nil {
			return &core.EtagConflictError{
				Bucket: r.bucket.Name, Key: r.key,
				Expected: "null", Actual: r.existing.etag,
			}
		}
		return nil
	default:
		if r.existing == nil {
			return &core.EtagConflictError{
				Bucket: r.bucket.Name, Key: r.key,
				Expected: r.opts.EtagValue, Actual: "",
			}
		}
		if r.existing.etag != r.opts.EtagValue {
			return &core.EtagConflictError{
				Bucket: r.bucket.Name, Key: r.key,
				Expected: r.opts.EtagValue, Actual: r.existing.etag,
			}
		}
		return nil
	}
}

func (r *putRequest) serialize(ctx context.Context) error {
	raw, err := json.Marshal(r.value)
	if err != nil {
		return &core.InvocationError{Op: "putObject", Reason: "value is not serializable"}
	}
	r.serialized = raw
	r.etag = computeEtag(raw)
	return nil
}

// takeWriteSequence read-modify-writes the bucket's single-row locking
// table, serializing all writes to the bucket and assigning this one a
// strictly increasing ordinal.
func (r *putRequest) takeWriteSequence(ctx context.Context) error {
	if !r.bucket.Options.GuaranteeOrder {
		return nil
	}
	snap, err := nextWriteSequence(ctx, r.x, r.bucket.Name)
	if err != nil {
		return err
	}
	r.txnSnap = &snap
	return nil
}

func nextWriteSequence(ctx context.Context, x Executor, bucketName string) (int64, error) {
	table := pq.QuoteIdentifier(bucket.LockingSerialTable(bucketName))
	rows, err := x.Query(ctx, fmt.Sprintf("SELECT id FROM %s FOR UPDATE", table))
	if err != nil {
		return 0, database.TranslateError(err)
	}
	var snap int64
	if !rows.Next() {
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, database.TranslateError(err)
		}
		return 0, &core.InternalError{Cause: fmt.Errorf("locking serial for %s is empty", bucketName)}
	}
	if err := rows.Scan(&snap); err != nil {
		rows.Close()
		return 0, database.TranslateError(err)
	}
	rows.Close()

	if _, err := x.Exec(ctx, fmt.Sprintf("UPDATE %s SET id = id + 1", table)); err != nil {
		return 0, database.TranslateError(err)
	}
	return snap, nil
}

func (r *putRequest) writeRow(ctx context.Context) error {
	if r.existing == nil {
		return r.insertRow(ctx)
	}
	return r.updateRow(ctx)
}

func (r *putRequest) insertRow(ctx context.Context) error {
	cols := []string{"_key", "_value", "_etag", "_mtime", "_vnode"}
	args := []interface{}{r.key, string(r.serialized), r.etag, time.Now().UnixMilli(), r.opts.Vnode}

	if r.bucket.Options.GuaranteeOrder {
		cols = append(cols, "_txn_snap")
		args = append(args, r.txnSnap)
	}
	if r.bucket.Reindexing() {
		cols = append(cols, "_rver")
		args = append(args, r.bucket.Options.Version)
	}
	projected := bucket.ProjectValue(r.bucket, r.value)
	for i, attr := range bucket.IndexColumns(r.bucket) {
		cols = append(cols, pq.QuoteIdentifier(attr))
		args = append(args, projected[i])
	}

	holes := make([]string, len(args))
	for i := range args {
		holes[i] = fmt.Sprintf("$%d", i+1)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING _id",
		pq.QuoteIdentifier(r.bucket.Name), strings.Join(cols, ", "), strings.Join(holes, ", "))

	return r.scanReturnedID(ctx, stmt, args)
}

func (r *putRequest) updateRow(ctx context.Context) error {
	sets := []string{}
	args := []interface{}{}
	add := func(col string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	add("_value", string(r.serialized))
	add("_etag", r.etag)
	add("_mtime", time.Now().UnixMilli())
	add("_vnode", r.opts.Vnode)
	if r.bucket.Options.TrackModification {
		sets = append(sets, fmt.Sprintf("_id = nextval('%s')", r.bucket.Name+"_serial"))
	}
	if r.bucket.Options.GuaranteeOrder {
		add("_txn_snap", r.txnSnap)
	}
	if r.bucket.Reindexing() {
		add("_rver", r.bucket.Options.Version)
	}
	projected := bucket.ProjectValue(r.bucket, r.value)
	for i, attr := range bucket.IndexColumns(r.bucket) {
		add(pq.QuoteIdentifier(attr), projected[i])
	}

	args = append(args, r.key)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE _key = $%d RETURNING _id",
		pq.QuoteIdentifier(r.bucket.Name), strings.Join(sets, ", "), len(args))

	return r.scanReturnedID(ctx, stmt, args)
}

func (r *putRequest) scanReturnedID(ctx context.Context, stmt string, args []interface{}) error {
	rows, err := r.x.Query(ctx, stmt, args...)
	if err != nil {
		return database.TranslateError(err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return database.TranslateError(err)
		}
		return &core.InternalError{Cause: fmt.Errorf("write to %s returned no row", r.bucket.Name)}
	}
	if err := rows.Scan(&r.id); err != nil {
		return database.TranslateError(err)
	}
	return nil
}

func (r *putRequest) runPostTriggers(ctx context.Context) error {
	if len(r.bucket.Post) == 0 {
		return nil
	}
	return r.engine.buckets.Triggers().RunPost(ctx, r.bucket.Post, &core.PostTriggerArgs{
		Bucket:    r.bucket,
		Key:       r.key,
		Value:     r.value,
		Operation: "put",
		ID:        r.id,
		Etag:      r.etag,
	})
}
