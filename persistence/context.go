// Package persistence implements a run's persistence context: three
// logical ordered key/value namespaces (status, records, steps) opened
// under a run directory, with atomic single-key and multi-key writes, a
// write-through cache for the hot record/step path, and a range scan over
// records for retry and the run summary.
//
// The backing store is go.etcd.io/bbolt: an embedded, ordered,
// single-file B+tree whose buckets, cursors, and single-writer
// transactions map directly onto the namespaces and atomicity the engine
// needs.
package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/flowforge/stepflow/internal/logs"
)

var bg = context.Background()

var logger logs.Logger = logs.NewLogger(os.Stdout, logLevelFromEnv(), "BATCH-ENGINE:PERSISTANCE")

func logLevelFromEnv() logs.LogLevel {
	if os.Getenv("BATCH_ENGINE_PERSISTENCE_DEBUG") != "" {
		return logs.Debug
	}
	return logs.Info
}

// SetLogger overrides the persistence context's logger.
func SetLogger(l logs.Logger) {
	logger = l
}

var (
	bucketStatus  = []byte("status")
	bucketRecords = []byte("records")
	bucketSteps   = []byte("steps")
)

// Context is one run's Persistence Context: a single bbolt file under the
// run directory, holding the three logical namespaces as buckets, plus a
// write-through cache over records and steps.
type Context struct {
	dir        string
	db         *bolt.DB
	recordsMem *writeThroughCache
	stepsMem   *writeThroughCache
}

// RunDirName builds the run directory name
// "{name}-[{exec_type}]-{iso_timestamp}".
func RunDirName(name string, execType string, now time.Time) string {
	return fmt.Sprintf("%s-[%s]-%s", name, execType, now.UTC().Format("2006-01-02T15:04:05.000000000Z"))
}

// Open creates a fresh run directory under baseDir and opens its backing
// store. The caller is responsible for eventually calling Close.
func Open(baseDir, runDirName string) (*Context, error) {
	dir := filepath.Join(baseDir, runDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persistence: create run dir %s: %w", dir, err)
	}
	return openAt(filepath.Join(dir, "engine.db"), dir)
}

// OpenExisting opens a prior run's directory read-mostly, used by retry to
// scan the previous run's records/steps namespaces.
func OpenExisting(dir string) (*Context, error) {
	path := filepath.Join(dir, "engine.db")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("persistence: open prior run dir %s: %w", dir, err)
	}
	return openAt(path, dir)
}

func openAt(path, dir string) (*Context, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", path, err)
	}
	// Throughput over durability: puts are not fsync'd on every commit.
	db.NoSync = true
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketStatus, bucketRecords, bucketSteps} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: init buckets: %w", err)
	}
	ctx := &Context{
		dir:        dir,
		db:         db,
		recordsMem: newWriteThroughCache(),
		stepsMem:   newWriteThroughCache(),
	}
	if err := ctx.warmCaches(); err != nil {
		db.Close()
		return nil, err
	}
	return ctx, nil
}

func (c *Context) warmCaches() error {
	return c.db.View(func(tx *bolt.Tx) error {
		records := make(map[string][]byte)
		if err := tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			records[string(k)] = append([]byte(nil), v...)
			return nil
		}); err != nil {
			return err
		}
		c.recordsMem.load(records)

		steps := make(map[string][]byte)
		if err := tx.Bucket(bucketSteps).ForEach(func(k, v []byte) error {
			steps[string(k)] = append([]byte(nil), v...)
			return nil
		}); err != nil {
			return err
		}
		c.stepsMem.load(steps)
		return nil
	})
}

// Dir returns the run directory this context was opened against.
func (c *Context) Dir() string {
	return c.dir
}

// PutStatus writes a single status-namespace key.
func (c *Context) PutStatus(key string, value []byte) error {
	return c.putOne(bucketStatus, key, value)
}

// PutManyStatus writes several status-namespace keys in one atomic
// transaction: either all are visible or none are, so the on-disk status
// snapshot is never torn.
func (c *Context) PutManyStatus(kvs map[string][]byte) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStatus)
		for k, v := range kvs {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Error(bg, "put_many_status failed, keys:%v, err:%v", keysOf(kvs), err)
		return fmt.Errorf("persistence: put_many_status: %w", err)
	}
	return nil
}

func keysOf(kvs map[string][]byte) []string {
	ks := make([]string, 0, len(kvs))
	for k := range kvs {
		ks = append(ks, k)
	}
	return ks
}

// GetStatus returns (value, true, nil) if present, (nil, false, nil) if
// absent, distinguishing absence from error.
func (c *Context) GetStatus(key string) ([]byte, bool, error) {
	var val []byte
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketStatus).Get([]byte(key))
		if v != nil {
			val = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("persistence: get_status %s: %w", key, err)
	}
	return val, found, nil
}

func (c *Context) putOne(bucket []byte, key string, value []byte) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), value)
	})
	if err != nil {
		logger.Error(bg, "put failed, bucket:%s, key:%v, err:%v", bucket, key, err)
		return fmt.Errorf("persistence: put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// PutRecord writes the record-namespace entry for id. The write-through
// cache is updated first so an immediately-following GetRecord observes
// the new value even before the disk write is durable.
func (c *Context) PutRecord(id string, value []byte) error {
	c.recordsMem.put(id, value)
	if err := c.putOne(bucketRecords, id, value); err != nil {
		return err
	}
	logger.Debug(bg, "put_record id:%s", id)
	return nil
}

// GetRecord is the hot path: served from the write-through cache.
func (c *Context) GetRecord(id string) ([]byte, bool) {
	return c.recordsMem.get(id)
}

// DelRecord removes the record-namespace entry for id. The cache entry is
// removed before the disk delete is scheduled: a concurrent GetRecord
// never observes a value that disk deletion hasn't caught up with yet,
// only its absence.
func (c *Context) DelRecord(id string) error {
	c.recordsMem.del(id)
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).Delete([]byte(id))
	})
	if err != nil {
		logger.Error(bg, "del_record failed, id:%s, err:%v", id, err)
		return fmt.Errorf("persistence: del_record %s: %w", id, err)
	}
	logger.Debug(bg, "del_record id:%s", id)
	return nil
}

// PutStep writes a SER snapshot under its publication id.
func (c *Context) PutStep(id string, value []byte) error {
	c.stepsMem.put(id, value)
	if err := c.putOne(bucketSteps, id, value); err != nil {
		return err
	}
	logger.Debug(bg, "put_step id:%s", id)
	return nil
}

// GetStep is the hot path: served from the write-through cache.
func (c *Context) GetStep(id string) ([]byte, bool) {
	return c.stepsMem.get(id)
}

// DelStep removes a SER snapshot, keeping the steps namespace garbage-free
// as newer checkpoints supersede it.
func (c *Context) DelStep(id string) error {
	if id == "" {
		return nil
	}
	c.stepsMem.del(id)
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSteps).Delete([]byte(id))
	})
	if err != nil {
		logger.Error(bg, "del_step failed, id:%s, err:%v", id, err)
		return fmt.Errorf("persistence: del_step %s: %w", id, err)
	}
	logger.Debug(bg, "del_step id:%s", id)
	return nil
}

// ScanRecords iterates the records namespace in key order, used by retry
// and the run summary. Iteration stops and returns fn's error if fn
// returns non-nil.
func (c *Context) ScanRecords(fn func(id string, value []byte) error) error {
	return c.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketRecords).Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			if err := fn(string(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetStepFromDisk fetches a step snapshot directly from a (typically
// previous-run, read-only) context, bypassing the cache. Used by retry
// when reading the prior run's steps namespace.
func (c *Context) GetStepFromDisk(id string) ([]byte, bool, error) {
	var val []byte
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSteps).Get([]byte(id))
		if v != nil {
			val = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("persistence: get_step %s: %w", id, err)
	}
	return val, found, nil
}

// Close flushes and releases the backing store. Idempotent.
func (c *Context) Close() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}
