package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"otp-notification-service/internal/config"
)

// Manager assigns stable buckets to contacts and rate-limit windows.
// Contact buckets partition OTP records so hot contacts spread across
// shards; time buckets anchor fixed rate-limit windows.
type Manager struct {
	contactBuckets int
	hasherPool     sync.Pool
	config         *config.Config
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		contactBuckets: cfg.Bucketing.ContactBuckets,
		config:         cfg,
	}

	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return m
}

// ContactBucket returns a consistent bucket for a contact address
// (0 to contactBuckets-1). The same contact always lands in the same
// bucket, so active-OTP lookups stay single-partition.
func (m *Manager) ContactBucket(contact string) int {
	return m.bucket(contact, m.contactBuckets)
}

// TimeBucket returns the start of the fixed window containing at, in
// unix seconds. Rate-limit keys embed this so a window's counter and
// its key expire together.
func (m *Manager) TimeBucket(at time.Time, window time.Duration) int64 {
	seconds := int64(window.Seconds())
	if seconds <= 0 {
		return at.Unix()
	}
	return at.Unix() / seconds * seconds
}

func (m *Manager) ContactBuckets() int {
	return m.contactBuckets
}

func (m *Manager) bucket(key string, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}
	return int(m.hash(key) % uint64(numBuckets))
}

func (m *Manager) hash(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
