// Package cuckoo implements the metadata cache backing file and directory
// lookups on the backend hot path: a two-function cuckoo hash mapping a
// 64-bit key to a fixed-size value.
//
// Readers are lock-free. Every element carries an occupancy mark that a
// writer raises around in-place mutation; readers skip marked elements and
// retry through the second bucket. Writers are serialized by the control
// plane dispatcher, so at most one mutation is in flight at a time.
package cuckoo

import (
	"encoding/binary"
	"errors"
	"io"
	"math/bits"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const (
	// BucketSize is the number of elements per bucket.
	BucketSize = 4

	// ValueSize is the fixed payload size of a cache item.
	ValueSize = 16

	// ItemSize is the packed on-disk size of one preload item.
	ItemSize = 8 + ValueSize

	// preloadChunkItems is the batch size used when streaming a preload
	// file.
	preloadChunkItems = 1000
)

// hash2Seed separates the second hash function from the first.
const hash2Seed = 0x9E3779B97F4A7C15

var (
	// ErrTableFull is returned when a bounded eviction walk fails to place
	// an item; the table is restored to its prior state first.
	ErrTableFull = errors.New("cuckoo: table full")

	// ErrBadBucketCount rejects bucket counts that are not powers of two.
	ErrBadBucketCount = errors.New("cuckoo: bucket count must be a power of two")

	// ErrBadPreload is returned when a preload stream is not a whole number
	// of packed items.
	ErrBadPreload = errors.New("cuckoo: preload stream truncated")
)

// Value is the fixed-size payload of a cache item.
type Value [ValueSize]byte

// Item is one key/value pair.
type Item struct {
	Key   uint64
	Value Value
}

type element struct {
	occ   atomic.Uint32
	hash1 uint32
	hash2 uint32
	item  Item
}

type bucket struct {
	// hashes mirrors the stored hash1 of each element; zero means vacant.
	hashes [BucketSize]atomic.Uint32
	elems  [BucketSize]element
}

// Table is the cuckoo hash table.
type Table struct {
	buckets  []bucket
	mask     uint32
	maxDepth int
	count    atomic.Int64
}

// New creates a table with the given power-of-two bucket count. The eviction
// depth is bounded by min(capacity, 4*log2(bucketCount)).
func New(bucketCount uint32) (*Table, error) {
	if bucketCount == 0 || bucketCount&(bucketCount-1) != 0 {
		return nil, ErrBadBucketCount
	}
	power := bits.TrailingZeros32(bucketCount)
	maxDepth := 4 * power
	capacity := int(bucketCount) * BucketSize
	if maxDepth > capacity {
		maxDepth = capacity
	}
	if maxDepth == 0 {
		maxDepth = 1
	}
	return &Table{
		buckets:  make([]bucket, bucketCount),
		mask:     bucketCount - 1,
		maxDepth: maxDepth,
	}, nil
}

// Len returns the number of stored items.
func (t *Table) Len() int { return int(t.count.Load()) }

func hashPair(key uint64) (h1, h2 uint32) {
	var kb [8]byte
	binary.LittleEndian.PutUint64(kb[:], key)
	h1 = fold(xxhash.Sum64(kb[:]))
	d := xxhash.NewWithSeed(hash2Seed)
	_, _ = d.Write(kb[:])
	h2 = fold(d.Sum64())
	if h1 == h2 {
		h2 = ^h1
	}
	return h1, h2
}

// fold compresses a 64-bit hash into the nonzero 32-bit space; zero marks a
// vacant slot.
func fold(h uint64) uint32 {
	v := uint32(h>>32) ^ uint32(h)
	if v == 0 {
		v = 1
	}
	return v
}

type carrier struct {
	item  Item
	hash1 uint32
	hash2 uint32
}

// Insert adds or updates an item. On a full eviction walk the path is
// unwound, the table is restored to its state before the call, and
// ErrTableFull is returned.
func (t *Table) Insert(item Item) error {
	h1, h2 := hashPair(item.Key)

	// An existing key is updated in place, in whichever of its two buckets
	// holds it.
	for _, h := range [2]uint32{h1, h2} {
		b := &t.buckets[h&t.mask]
		for e := 0; e < BucketSize; e++ {
			el := &b.elems[e]
			if b.hashes[e].Load() == h && el.item.Key == item.Key {
				el.occ.Store(1)
				el.item.Value = item.Value
				el.occ.Store(0)
				return nil
			}
		}
	}

	cur := carrier{item: item, hash1: h1, hash2: h2}

	offset := uint32(0)
	for depth := 0; depth < t.maxDepth; depth++ {
		b := &t.buckets[cur.hash1&t.mask]

		for e := 0; e < BucketSize; e++ {
			stored := b.hashes[e].Load()
			if stored == 0 {
				el := &b.elems[e]
				el.occ.Store(1)
				el.item = cur.item
				el.hash1 = cur.hash1
				el.hash2 = cur.hash2
				b.hashes[e].Store(cur.hash1)
				el.occ.Store(0)
				t.count.Add(1)
				return nil
			}
			if stored == cur.hash1 {
				el := &b.elems[e]
				if el.item.Key == cur.item.Key {
					el.occ.Store(1)
					el.item.Value = cur.item.Value
					el.occ.Store(0)
					return nil
				}
			}
		}

		// Bucket full: evict the element at the running offset and carry
		// it to its alternate bucket.
		el := &b.elems[offset]
		el.occ.Store(1)
		victim := carrier{item: el.item, hash1: el.hash2, hash2: el.hash1}
		el.item = cur.item
		el.hash1 = cur.hash1
		el.hash2 = cur.hash2
		b.hashes[offset].Store(cur.hash1)
		el.occ.Store(0)

		cur = victim
		offset++
		if offset == BucketSize {
			offset = 0
		}
	}

	// No slot found: unwind along the same path, offsets reversed and
	// hashes re-swapped, restoring the table.
	for depth := 0; depth < t.maxDepth; depth++ {
		b := &t.buckets[cur.hash2&t.mask]

		if offset == 0 {
			offset = BucketSize
		}
		offset--

		el := &b.elems[offset]
		cur.hash1, cur.hash2 = cur.hash2, cur.hash1
		el.occ.Store(1)
		// The displaced element keeps its hash orientation; the swap at the
		// top of the next iteration routes it back to its previous bucket.
		victim := carrier{item: el.item, hash1: el.hash1, hash2: el.hash2}
		el.item = cur.item
		el.hash1 = cur.hash1
		el.hash2 = cur.hash2
		b.hashes[offset].Store(cur.hash1)
		el.occ.Store(0)

		cur = victim
	}

	return ErrTableFull
}

// Lookup returns the value stored under key. Readers skip elements whose
// occupancy mark is raised.
func (t *Table) Lookup(key uint64) (Value, bool) {
	h1, h2 := hashPair(key)

	if v, ok := t.probe(key, h1); ok {
		return v, true
	}
	return t.probe(key, h2)
}

func (t *Table) probe(key uint64, h uint32) (Value, bool) {
	b := &t.buckets[h&t.mask]
	for e := 0; e < BucketSize; e++ {
		if b.hashes[e].Load() != h {
			continue
		}
		el := &b.elems[e]
		if el.occ.Load() != 0 {
			continue
		}
		if el.item.Key == key {
			return el.item.Value, true
		}
	}
	return Value{}, false
}

// Delete removes the item stored under key, clearing both the element and
// its hash slot.
func (t *Table) Delete(key uint64) bool {
	h1, h2 := hashPair(key)
	if t.remove(key, h1) {
		return true
	}
	return t.remove(key, h2)
}

func (t *Table) remove(key uint64, h uint32) bool {
	b := &t.buckets[h&t.mask]
	for e := 0; e < BucketSize; e++ {
		if b.hashes[e].Load() != h {
			continue
		}
		el := &b.elems[e]
		if el.item.Key != key {
			continue
		}
		el.occ.Store(1)
		el.item = Item{}
		el.hash1 = 0
		el.hash2 = 0
		b.hashes[e].Store(0)
		el.occ.Store(0)
		t.count.Add(-1)
		return true
	}
	return false
}

// MarshalItem packs an item into b.
func MarshalItem(b []byte, item Item) {
	binary.LittleEndian.PutUint64(b, item.Key)
	copy(b[8:ItemSize], item.Value[:])
}

// UnmarshalItem unpacks an item from b.
func UnmarshalItem(b []byte) Item {
	var it Item
	it.Key = binary.LittleEndian.Uint64(b)
	copy(it.Value[:], b[8:ItemSize])
	return it
}

// Preload streams tightly packed items from r into the table in fixed-size
// chunks and returns the number of items loaded.
func (t *Table) Preload(r io.Reader) (int, error) {
	buf := make([]byte, ItemSize*preloadChunkItems)
	total := 0
	for {
		n, err := io.ReadFull(r, buf)
		if err == io.EOF {
			return total, nil
		}
		if err == io.ErrUnexpectedEOF {
			if n%ItemSize != 0 {
				return total, ErrBadPreload
			}
		} else if err != nil {
			return total, err
		}
		for off := 0; off < n; off += ItemSize {
			if insErr := t.Insert(UnmarshalItem(buf[off : off+ItemSize])); insErr != nil {
				return total, insErr
			}
			total++
		}
		if err == io.ErrUnexpectedEOF {
			return total, nil
		}
	}
}
