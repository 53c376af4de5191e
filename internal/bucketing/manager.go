package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"phone-auth-service/internal/config"
)

// BucketingManager spreads accounts and audit events over a fixed number of
// partitions using murmur3.
type BucketingManager struct {
	accountBuckets int
	eventBuckets   int
	hasherPool     sync.Pool
}

func NewBucketingManager(cfg config.BucketingConfig) *BucketingManager {
	bm := &BucketingManager{
		accountBuckets: positive(cfg.AccountBuckets),
		eventBuckets:   positive(cfg.EventBuckets),
	}

	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// AccountBucket returns the partition for an account id, in [0, AccountBuckets).
func (bm *BucketingManager) AccountBucket(accountID string) int {
	return bm.getBucket(accountID, bm.accountBuckets)
}

// EventBucket returns the partition for an audit event key.
func (bm *BucketingManager) EventBucket(key string) int {
	return bm.getBucket(key, bm.eventBuckets)
}

// DateBucket is the UTC day used to partition events.
func (bm *BucketingManager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) AccountBuckets() int {
	return bm.accountBuckets
}

func (bm *BucketingManager) EventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(key))
	return hasher.Sum64()
}

func positive(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
