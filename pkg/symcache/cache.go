// Package symcache keeps resolved inline chains keyed by (orig_elf, offset,
// build_id). The in-process tier is sharded for concurrent workers; the
// optional durable tier is a bbolt file read once at Open and written once per
// Flush.
package symcache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/glog"
	"github.com/vietanhduong/crashsym/pkg/syms"
	bolt "go.etcd.io/bbolt"
)

const numShards = 64

var bucketName = []byte("symbols")

type Stats struct {
	Loaded int64
	Hits   int64
	Misses int64
	Puts   int64
}

type Cache struct {
	shards [numShards]shard

	path string
	db   *bolt.DB

	loaded, hits, misses, puts atomic.Int64
}

type shard struct {
	mu sync.RWMutex
	m  map[syms.CacheKey]*entry
}

type entry struct {
	chain []syms.InlineEntry
	dirty bool
}

// New returns a cache without persistence.
func New() *Cache {
	this := &Cache{}
	for i := range this.shards {
		this.shards[i].m = make(map[syms.CacheKey]*entry)
	}
	return this
}

// Open loads the durable store at path. An empty path, or a store that cannot
// be opened or read, yields a cache without persistence; the problem is logged
// and never returned.
func Open(path string) *Cache {
	this := New()
	if path == "" {
		return this
	}
	db, err := openDB(path)
	if err != nil {
		glog.Warningf("Symbol cache %s unusable, continuing without persistence: %v", path, err)
		return this
	}
	if err := this.load(db); err != nil {
		glog.Warningf("Symbol cache %s unreadable, continuing without persistence: %v", path, err)
		db.Close()
		this.reset()
		return this
	}
	this.path = path
	this.db = db
	glog.Infof("Loaded %d cached symbols from %s", this.loaded.Load(), path)
	return this
}

func openDB(path string) (db *bolt.DB, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("open bolt db: %v", r)
		}
	}()
	db, err = bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return db, nil
}

func (c *Cache) load(db *bolt.DB) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("read bolt db: %v", r)
		}
	}()
	var in interner
	return db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return errors.New("missing bucket")
		}
		return b.ForEach(func(k, v []byte) error {
			key, err := decodeKey(k)
			if err != nil {
				glog.Warningf("Skip cache entry %q: %v", k, err)
				return nil
			}
			var chain []syms.InlineEntry
			if err := json.Unmarshal(v, &chain); err != nil || len(chain) == 0 {
				glog.Warningf("Skip cache entry %s: bad value", key)
				return nil
			}
			for i := range chain {
				chain[i].Func = in.do(chain[i].Func)
				chain[i].File = in.do(chain[i].File)
			}
			key.OrigElf = in.do(key.OrigElf)
			c.shard(key).m[key] = &entry{chain: chain}
			c.loaded.Add(1)
			return nil
		})
	})
}

func (c *Cache) reset() {
	for i := range c.shards {
		c.shards[i].m = make(map[syms.CacheKey]*entry)
	}
	c.loaded.Store(0)
}

func (c *Cache) Get(key syms.CacheKey) ([]syms.InlineEntry, bool) {
	key.BuildID = syms.NormalizeBuildID(key.BuildID)
	s := c.shard(key)
	s.mu.RLock()
	e, ok := s.m[key]
	var chain []syms.InlineEntry
	if ok {
		chain = clone(e.chain)
	}
	s.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return chain, true
}

// Put records a resolved chain. Empty chains are not cached.
func (c *Cache) Put(key syms.CacheKey, chain []syms.InlineEntry) {
	if len(chain) == 0 {
		return
	}
	key.BuildID = syms.NormalizeBuildID(key.BuildID)
	e := &entry{chain: clone(chain), dirty: true}
	s := c.shard(key)
	s.mu.Lock()
	s.m[key] = e
	s.mu.Unlock()
	c.puts.Add(1)
}

// Flush writes every entry added since the last Flush to the durable store in
// a single transaction. It is a no-op without persistence.
func (c *Cache) Flush() error {
	if c.db == nil {
		return nil
	}
	type item struct {
		key   syms.CacheKey
		entry *entry
	}
	var items []item
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for k, e := range s.m {
			if e.dirty {
				e.dirty = false
				items = append(items, item{k, e})
			}
		}
		s.mu.Unlock()
	}
	if len(items) == 0 {
		return nil
	}

	err := c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		for _, it := range items {
			v, err := json.Marshal(it.entry.chain)
			if err != nil {
				return fmt.Errorf("marshal %s: %w", it.key, err)
			}
			if err := b.Put(encodeKey(it.key), v); err != nil {
				return fmt.Errorf("put %s: %w", it.key, err)
			}
		}
		return nil
	})
	if err != nil {
		for _, it := range items {
			s := c.shard(it.key)
			s.mu.Lock()
			if s.m[it.key] == it.entry {
				it.entry.dirty = true
			}
			s.mu.Unlock()
		}
		return fmt.Errorf("flush symbol cache %s: %w", c.path, err)
	}
	glog.V(1).Infof("Flushed %d symbols to %s", len(items), c.path)
	return nil
}

func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	if err != nil {
		return fmt.Errorf("close symbol cache %s: %w", c.path, err)
	}
	return nil
}

// Persistent reports whether Flush writes to a durable store.
func (c *Cache) Persistent() bool { return c.db != nil }

func (c *Cache) Len() int {
	var n int
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

func (c *Cache) Stats() Stats {
	return Stats{
		Loaded: c.loaded.Load(),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Puts:   c.puts.Load(),
	}
}

func (c *Cache) shard(key syms.CacheKey) *shard {
	return &c.shards[xxhash.Sum64(encodeKey(key))%numShards]
}

func encodeKey(key syms.CacheKey) []byte {
	b := make([]byte, 0, len(key.OrigElf)+len(key.BuildID)+18)
	b = append(b, key.OrigElf...)
	b = append(b, 0)
	b = append(b, key.BuildID...)
	b = append(b, 0)
	return fmt.Appendf(b, "%016x", key.Offset)
}

func decodeKey(b []byte) (syms.CacheKey, error) {
	parts := bytes.Split(b, []byte{0})
	if len(parts) != 3 {
		return syms.CacheKey{}, fmt.Errorf("want 3 key parts, got %d", len(parts))
	}
	off, err := strconv.ParseUint(string(parts[2]), 16, 64)
	if err != nil {
		return syms.CacheKey{}, fmt.Errorf("parse offset: %w", err)
	}
	return syms.CacheKey{OrigElf: string(parts[0]), BuildID: string(parts[1]), Offset: off}, nil
}

func clone(chain []syms.InlineEntry) []syms.InlineEntry {
	return append([]syms.InlineEntry(nil), chain...)
}

// interner deduplicates the file and function names repeated across many
// cached chains.
type interner struct {
	m map[string]string
}

func (in *interner) do(s string) string {
	if in.m == nil {
		in.m = make(map[string]string)
	}
	if v, ok := in.m[s]; ok {
		return v
	}
	in.m[s] = s
	return s
}
