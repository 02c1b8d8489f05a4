package httpcache

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCaches  = []byte("caches")
	bucketEntries = []byte("entries")
	bucketIndex   = []byte("index")
)

// ErrNoPartition is returned for operations on a partition that does not exist.
var ErrNoPartition = errors.New("cache partition does not exist")

// Entry is a stored response.
type Entry struct {
	Key      string      `json:"key"`
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`

	// overflow holds the unread rest of a body too large to buffer.
	overflow io.ReadCloser
}

// PartitionStats describes one cache partition.
type PartitionStats struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

// Storage holds cache partitions in a bbolt file. Each partition keeps its
// entries in insertion order under a sequence key, with an index from the
// request key to that sequence.
type Storage struct {
	db *bolt.DB
}

// OpenStorage opens or creates the cache database at path.
func OpenStorage(path string) (*Storage, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCaches, bucketSyncQueue} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db}, nil
}

// Close releases the database.
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func countKeys(b *bolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

// Put stores e in partition, creating the partition if needed. Replacing
// an existing key moves it to the newest position.
func (s *Storage) Put(partition string, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		p, err := tx.Bucket(bucketCaches).CreateBucketIfNotExists([]byte(partition))
		if err != nil {
			return fmt.Errorf("create partition %s: %w", partition, err)
		}
		entries, err := p.CreateBucketIfNotExists(bucketEntries)
		if err != nil {
			return err
		}
		index, err := p.CreateBucketIfNotExists(bucketIndex)
		if err != nil {
			return err
		}

		if old := index.Get([]byte(e.Key)); old != nil {
			if err := entries.Delete(old); err != nil {
				return err
			}
		}

		seq, err := entries.NextSequence()
		if err != nil {
			return err
		}
		k := seqKey(seq)
		if err := entries.Put(k, data); err != nil {
			return fmt.Errorf("store entry: %w", err)
		}
		return index.Put([]byte(e.Key), k)
	})
}

// Match returns the entry stored under key, or nil when absent.
func (s *Storage) Match(partition, key string) (*Entry, error) {
	var e *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		p := tx.Bucket(bucketCaches).Bucket([]byte(partition))
		if p == nil {
			return nil
		}
		k := p.Bucket(bucketIndex).Get([]byte(key))
		if k == nil {
			return nil
		}
		data := p.Bucket(bucketEntries).Get(k)
		if data == nil {
			return nil
		}
		e = &Entry{}
		return json.Unmarshal(data, e)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Keys returns the request keys of partition, oldest first.
func (s *Storage) Keys(partition string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		p := tx.Bucket(bucketCaches).Bucket([]byte(partition))
		if p == nil {
			return nil
		}
		return p.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			keys = append(keys, e.Key)
			return nil
		})
	})
	return keys, err
}

// Delete removes key from partition.
func (s *Storage) Delete(partition, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		p := tx.Bucket(bucketCaches).Bucket([]byte(partition))
		if p == nil {
			return nil
		}
		index := p.Bucket(bucketIndex)
		k := index.Get([]byte(key))
		if k == nil {
			return nil
		}
		if err := p.Bucket(bucketEntries).Delete(k); err != nil {
			return err
		}
		return index.Delete([]byte(key))
	})
}

// Count returns the number of entries in partition.
func (s *Storage) Count(partition string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		p := tx.Bucket(bucketCaches).Bucket([]byte(partition))
		if p == nil {
			return nil
		}
		n = countKeys(p.Bucket(bucketIndex))
		return nil
	})
	return n, err
}

// Trim evicts the oldest entries until partition holds at most max.
// It returns the number evicted.
func (s *Storage) Trim(partition string, max int) (int, error) {
	if max < 0 {
		max = 0
	}
	evicted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		p := tx.Bucket(bucketCaches).Bucket([]byte(partition))
		if p == nil {
			return nil
		}
		entries, index := p.Bucket(bucketEntries), p.Bucket(bucketIndex)

		excess := countKeys(index) - max
		if excess <= 0 {
			return nil
		}

		var victims [][]byte
		var victimKeys []string
		c := entries.Cursor()
		for k, v := c.First(); k != nil && len(victims) < excess; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			victims = append(victims, append([]byte(nil), k...))
			victimKeys = append(victimKeys, e.Key)
		}
		for i, k := range victims {
			if err := entries.Delete(k); err != nil {
				return err
			}
			if err := index.Delete([]byte(victimKeys[i])); err != nil {
				return err
			}
			evicted++
		}
		return nil
	})
	return evicted, err
}

// Partitions returns the names of every existing partition, sorted.
func (s *Storage) Partitions() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCaches).ForEachBucket(func(k []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	sort.Strings(names)
	return names, err
}

// DeletePartition removes a partition and all of its entries.
func (s *Storage) DeletePartition(partition string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketCaches).DeleteBucket([]byte(partition))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("%w: %s", ErrNoPartition, partition)
		}
		return err
	})
}

// Stats reports entry counts and body sizes per partition.
func (s *Storage) Stats() ([]PartitionStats, error) {
	var stats []PartitionStats
	err := s.db.View(func(tx *bolt.Tx) error {
		caches := tx.Bucket(bucketCaches)
		return caches.ForEachBucket(func(name []byte) error {
			st := PartitionStats{Name: string(name)}
			err := caches.Bucket(name).Bucket(bucketEntries).ForEach(func(_, v []byte) error {
				var e Entry
				if err := json.Unmarshal(v, &e); err != nil {
					return err
				}
				st.Entries++
				st.Bytes += int64(len(e.Body))
				return nil
			})
			stats = append(stats, st)
			return err
		})
	})
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats, err
}
