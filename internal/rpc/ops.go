package rpc

import (
	"context"
	"encoding/json"

	"github.com/stratadb/strata/internal/core"
	"github.com/stratadb/strata/internal/object"
)

// operation pairs an argument schema with its handler. Handlers emit
// their own frames: streaming operations send data frames before the
// terminal end/error frame.
type operation struct {
	args []argSpec
	run  func(ctx context.Context, c *conn, req *Request, d *decodedArgs)
}

var operations = map[string]operation{
	"createBucket": {
		args: []argSpec{{"name", argString}, {"config", argObject}, {"options", argOptions}},
		run:  opCreateBucket,
	},
	"updateBucket": {
		args: []argSpec{{"name", argString}, {"config", argObject}, {"options", argOptions}},
		run:  opUpdateBucket,
	},
	"getBucket": {
		args: []argSpec{{"name", argString}, {"options", argOptions}},
		run:  opGetBucket,
	},
	"listBuckets": {
		args: []argSpec{{"options", argOptions}},
		run:  opListBuckets,
	},
	"delBucket": {
		args: []argSpec{{"name", argString}, {"options", argOptions}},
		run:  opDelBucket,
	},
	"putObject": {
		args: []argSpec{{"bucket", argString}, {"key", argString}, {"value", argObject}, {"options", argOptions}},
		run:  opPutObject,
	},
	"getObject": {
		args: []argSpec{{"bucket", argString}, {"key", argString}, {"options", argOptions}},
		run:  opGetObject,
	},
	"delObject": {
		args: []argSpec{{"bucket", argString}, {"key", argString}, {"options", argOptions}},
		run:  opDelObject,
	},
	"findObjects": {
		args: []argSpec{{"bucket", argString}, {"filter", argString}, {"options", argOptions}},
		run:  opFindObjects,
	},
	"updateObjects": {
		args: []argSpec{{"bucket", argString}, {"fields", argObject}, {"filter", argString}, {"options", argOptions}},
		run:  opUpdateObjects,
	},
	"deleteMany": {
		args: []argSpec{{"bucket", argString}, {"filter", argString}, {"options", argOptions}},
		run:  opDeleteMany,
	},
	"batch": {
		args: []argSpec{{"requests", argRequests}, {"options", argOptions}},
		run:  opBatch,
	},
	"reindexObjects": {
		args: []argSpec{{"bucket", argString}, {"count", argInteger}, {"options", argOptions}},
		run:  opReindexObjects,
	},
	"sql": {
		args: []argSpec{{"statement", argString}, {"params", argArray}, {"options", argOptions}},
		run:  opSQL,
	},
	"ping": {
		args: []argSpec{{"options", argOptions}},
		run:  opPing,
	},
	"getVersion": {
		args: []argSpec{{"options", argOptions}},
		run:  opGetVersion,
	},
	"listen": {
		args: []argSpec{{"channel", argString}, {"options", argOptions}},
		run:  opListen,
	},
	"unlisten": {
		args: []argSpec{{"requestId", argInteger}, {"options", argOptions}},
		run:  opUnlisten,
	},
}

// bucketConfig is the wire shape of a bucket's configuration argument.
type bucketConfig struct {
	Index   map[string]core.IndexField `json:"index"`
	Pre     []string                   `json:"pre"`
	Post    []string                   `json:"post"`
	Options core.BucketOptions         `json:"options"`
}

func decodeBucketArg(op, name string, raw json.RawMessage) (*core.Bucket, error) {
	var cfg bucketConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, &core.InvocationError{Op: op, Reason: "config must be a bucket configuration object"}
	}
	return &core.Bucket{
		Name:    name,
		Index:   cfg.Index,
		Pre:     cfg.Pre,
		Post:    cfg.Post,
		Options: cfg.Options,
	}, nil
}

func opCreateBucket(ctx context.Context, c *conn, req *Request, d *decodedArgs) {
	b, err := decodeBucketArg("createBucket", d.strings["name"], d.objects["config"])
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	_, err = c.srv.withTx(ctx, d.options, true, func(x object.Executor) (interface{}, error) {
		return nil, c.srv.buckets.Create(ctx, x, b)
	})
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	c.end(req.ID, nil)
}

func opUpdateBucket(ctx context.Context, c *conn, req *Request, d *decodedArgs) {
	b, err := decodeBucketArg("updateBucket", d.strings["name"], d.objects["config"])
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	_, err = c.srv.withTx(ctx, d.options, true, func(x object.Executor) (interface{}, error) {
		return nil, c.srv.buckets.Update(ctx, x, b)
	})
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	if b.Reindexing() && c.srv.drainers != nil {
		c.srv.drainers.Ensure(ctx, b.Name)
	}
	c.end(req.ID, nil)
}

func opGetBucket(ctx context.Context, c *conn, req *Request, d *decodedArgs) {
	res, err := c.srv.withTx(ctx, d.options, false, func(x object.Executor) (interface{}, error) {
		return c.srv.buckets.Get(ctx, x, d.strings["name"], d.options.NoBucketCache)
	})
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	c.end(req.ID, res)
}

func opListBuckets(ctx context.Context, c *conn, req *Request, d *decodedArgs) {
	res, err := c.srv.withTx(ctx, d.options, false, func(x object.Executor) (interface{}, error) {
		return c.srv.buckets.List(ctx, x)
	})
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	for _, b := range res.([]*core.Bucket) {
		c.data(req.ID, b)
	}
	c.end(req.ID, nil)
}

func opDelBucket(ctx context.Context, c *conn, req *Request, d *decodedArgs) {
	name := d.strings["name"]
	_, err := c.srv.withTx(ctx, d.options, true, func(x object.Executor) (interface{}, error) {
		return nil, c.srv.buckets.Delete(ctx, x, name)
	})
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	if c.srv.drainers != nil {
		c.srv.drainers.Remove(name)
	}
	c.end(req.ID, nil)
}

func opPutObject(ctx context.Context, c *conn, req *Request, d *decodedArgs) {
	var value map[string]interface{}
	if err := json.Unmarshal(d.objects["value"], &value); err != nil {
		c.fail(req.ID, &core.InvocationError{Op: "putObject", Reason: "value must be an object"})
		return
	}
	wo, err := d.options.writeOptions("putObject")
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	res, err := c.srv.withTx(ctx, d.options, true, func(x object.Executor) (interface{}, error) {
		etag, err := c.srv.engine.Put(ctx, x, d.strings["bucket"], d.strings["key"], value, wo)
		if err != nil {
			return nil, err
		}
		return map[string]string{"etag": etag}, nil
	})
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	c.end(req.ID, res)
}

func opGetObject(ctx context.Context, c *conn, req *Request, d *decodedArgs) {
	pool, err := c.srv.topo.Acquire(ctx)
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	rec, err := c.srv.engine.Get(ctx, pool, d.strings["bucket"], d.strings["key"], object.GetOptions{
		NoCache:       d.options.NoCache,
		NoBucketCache: d.options.NoBucketCache,
	})
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	c.end(req.ID, rec)
}

func opDelObject(ctx context.Context, c *conn, req *Request, d *decodedArgs) {
	wo, err := d.options.writeOptions("delObject")
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	_, err = c.srv.withTx(ctx, d.options, true, func(x object.Executor) (interface{}, error) {
		return nil, c.srv.engine.Delete(ctx, x, d.strings["bucket"], d.strings["key"], wo)
	})
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	c.end(req.ID, nil)
}

// opFindObjects streams matches inside a transaction that is always
// rolled back; find mutates nothing.
func opFindObjects(ctx context.Context, c *conn, req *Request, d *decodedArgs) {
	_, err := c.srv.withTx(ctx, d.options, false, func(x object.Executor) (interface{}, error) {
		return nil, c.srv.engine.Find(ctx, x, d.strings["bucket"], d.strings["filter"], object.FindOptions{
			Sort:          d.options.Sort,
			Limit:         d.options.Limit,
			Offset:        d.options.Offset,
			NoBucketCache: d.options.NoBucketCache,
		}, func(rec *core.ObjectRecord) error {
			c.data(req.ID, rec)
			return nil
		})
	})
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	c.end(req.ID, nil)
}

func opUpdateObjects(ctx context.Context, c *conn, req *Request, d *decodedArgs) {
	var fields map[string]interface{}
	if err := json.Unmarshal(d.objects["fields"], &fields); err != nil {
		c.fail(req.ID, &core.InvocationError{Op: "updateObjects", Reason: "fields must be an object"})
		return
	}
	res, err := c.srv.withTx(ctx, d.options, true, func(x object.Executor) (interface{}, error) {
		return c.srv.engine.UpdateMany(ctx, x, d.strings["bucket"], fields, d.strings["filter"])
	})
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	c.end(req.ID, res)
}

func opDeleteMany(ctx context.Context, c *conn, req *Request, d *decodedArgs) {
	res, err := c.srv.withTx(ctx, d.options, true, func(x object.Executor) (interface{}, error) {
		return c.srv.engine.DeleteMany(ctx, x, d.strings["bucket"], d.strings["filter"])
	})
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	c.end(req.ID, res)
}

func opBatch(ctx context.Context, c *conn, req *Request, d *decodedArgs) {
	res, err := c.srv.withTx(ctx, d.options, true, func(x object.Executor) (interface{}, error) {
		results, err := c.srv.engine.Batch(ctx, x, d.requests)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"etags": results}, nil
	})
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	c.end(req.ID, res)
}

func opReindexObjects(ctx context.Context, c *conn, req *Request, d *decodedArgs) {
	bucketName := d.strings["bucket"]
	count := int(d.integers["count"])
	res, err := c.srv.withTx(ctx, d.options, true, func(x object.Executor) (interface{}, error) {
		batch, err := c.srv.buckets.ReindexBatch(ctx, x, bucketName, count)
		if err != nil {
			return nil, err
		}
		out := map[string]interface{}{"processed": batch.Processed}
		if !d.options.NoCount {
			remaining, err := c.srv.buckets.PendingCount(ctx, x, bucketName)
			if err != nil {
				return nil, err
			}
			out["remaining"] = remaining
		}
		return out, nil
	})
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	c.end(req.ID, res)
}

// opSQL is the privileged escape hatch: it bypasses bucket semantics
// entirely and streams raw rows.
func opSQL(ctx context.Context, c *conn, req *Request, d *decodedArgs) {
	var params []interface{}
	if err := json.Unmarshal(d.arrays["params"], &params); err != nil {
		c.fail(req.ID, &core.InvocationError{Op: "sql", Reason: "params must be an array"})
		return
	}

	pool, err := c.srv.topo.Acquire(ctx)
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	rows, err := pool.Query(ctx, d.strings["statement"], params...)
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		dest := make([]interface{}, len(cols))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			c.fail(req.ID, err)
			return
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = vals[i]
			}
		}
		c.data(req.ID, row)
	}
	if err := rows.Err(); err != nil {
		c.fail(req.ID, err)
		return
	}
	c.end(req.ID, nil)
}

func opPing(ctx context.Context, c *conn, req *Request, d *decodedArgs) {
	if _, err := c.srv.topo.Acquire(ctx); err != nil {
		c.fail(req.ID, err)
		return
	}
	c.end(req.ID, nil)
}

func opGetVersion(ctx context.Context, c *conn, req *Request, d *decodedArgs) {
	c.end(req.ID, map[string]int{"version": Version})
}

// opListen opens a standing subscription to backend notifications on a
// channel and streams them until unlisten or client disconnect. The
// request never ends on its own; the terminal frame is sent when the
// subscription closes.
func opListen(ctx context.Context, c *conn, req *Request, d *decodedArgs) {
	url, err := c.srv.topo.PrimaryURL()
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	l, err := c.srv.newListener(url, d.strings["channel"])
	if err != nil {
		c.fail(req.ID, err)
		return
	}

	c.listenMu.Lock()
	c.listeners[req.ID] = l
	c.listenMu.Unlock()

	go func() {
		for n := range l.Notifications() {
			c.data(req.ID, map[string]string{
				"channel": n.Channel,
				"payload": n.Payload,
			})
		}
		c.listenMu.Lock()
		_, active := c.listeners[req.ID]
		delete(c.listeners, req.ID)
		c.listenMu.Unlock()
		if active {
			c.end(req.ID, nil)
		}
	}()
}

func opUnlisten(ctx context.Context, c *conn, req *Request, d *decodedArgs) {
	id := uint64(d.integers["requestId"])

	c.listenMu.Lock()
	l, ok := c.listeners[id]
	delete(c.listeners, id)
	c.listenMu.Unlock()

	if ok {
		l.Close()
		c.end(id, nil)
	}
	c.end(req.ID, nil)
}
