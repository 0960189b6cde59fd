package core

import (
	"TermLedger/internal/observability"
	"container/list"

	"github.com/rs/zerolog"
)

// DBIdempotencyChecker is the durable dedup tier, backed by the persisted
// output log.
type DBIdempotencyChecker interface {
	IsDuplicate(instruction string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker deduplicates commands in two tiers: an in-memory LRU of
// recent keys, then the durable store.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	// replaying skips dbChecker: the commands being replayed are in it.
	replaying bool
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics, logger zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    logger,
	}
}

func compositeKey(instruction, key string) string {
	return instruction + ":" + key
}

// IsDuplicate reports whether the command was already applied. A failing
// durable tier is logged and treated as not-duplicate so a database outage
// does not stop the engine.
func (ic *IdempotencyChecker) IsDuplicate(instruction string, key string) bool {
	ck := compositeKey(instruction, key)
	if ic.lru.Contains(ck) {
		ic.recordDuplicate("lru")
		return true
	}
	if ic.dbChecker == nil || ic.replaying {
		return false
	}

	dup, err := ic.dbChecker.IsDuplicate(instruction, key)
	if err != nil {
		ic.logger.Warn().Err(err).Str("instruction", instruction).Msg("durable dedup lookup failed")
		return false
	}
	if dup {
		ic.recordDuplicate("postgres")
		ic.lru.Add(ck)
		return true
	}
	return false
}

// MarkProcessed records the key after the command committed.
func (ic *IdempotencyChecker) MarkProcessed(instruction string, key string) {
	ic.lru.Add(compositeKey(instruction, key))
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

// Keys returns the cached composite keys, most recent first.
func (ic *IdempotencyChecker) Keys() []string { return ic.lru.Keys() }

// Warm loads composite keys returned by Keys.
func (ic *IdempotencyChecker) Warm(keys []string) { ic.lru.WarmFromKeys(keys) }

func (ic *IdempotencyChecker) recordDuplicate(tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(tier).Inc()
	}
}

// --- LRU ---

// IdempotencyLRU is a bounded set of keys. Not safe for concurrent use; the
// engine mutex guards it.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains checks for key and promotes it.
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, ok := lru.cache[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

func (lru *IdempotencyLRU) Add(key string) {
	if elem, ok := lru.cache[key]; ok {
		lru.order.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.order.PushFront(key)
	if lru.order.Len() > lru.capacity {
		oldest := lru.order.Back()
		lru.order.Remove(oldest)
		delete(lru.cache, oldest.Value.(string))
	}
}

// WarmFromKeys inserts keys given most recent first, keeping that order.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		lru.Add(keys[i])
	}
}

// Keys lists entries most recent first.
func (lru *IdempotencyLRU) Keys() []string {
	keys := make([]string, 0, lru.order.Len())
	for e := lru.order.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}

func (lru *IdempotencyLRU) Size() int { return lru.order.Len() }
