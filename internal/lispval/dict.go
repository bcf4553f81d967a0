package lispval

import (
	"encoding/binary"
	"unsafe"

	corerr "stickylisp/internal/errors"
	"stickylisp/internal/heapimpl"
	"stickylisp/internal/tagged"

	"modernc.org/mathutil"
)

// tombstoneHash is the reserved sentinel marking a deleted slot; an
// empty slot instead carries hash == 0.
const tombstoneHash = ^uint64(0)

type dictEntry struct {
	hash  uint64
	key   tagged.TaggedCellPtr
	value tagged.TaggedCellPtr
}

var dictEntrySize = unsafe.Sizeof(dictEntry{})

// Dict is the open-addressed, symbol-or-integer-keyed hash table. used
// counts occupied slots including tombstones; length counts only live
// entries, so length <= used always.
type Dict struct {
	Hdr        heapimpl.Header
	h          *heapimpl.Heap
	entries    []dictEntry
	used       int
	length     int
	loadFactor float64
}

func (d *Dict) HeapHeader() *heapimpl.Header { return &d.Hdr }

// NewDict constructs an empty Dict with the given initial capacity and
// the spec's default 0.75 load factor.
func NewDict(h *heapimpl.Heap, initialCapacity int) (*Dict, error) {
	if initialCapacity <= 0 {
		initialCapacity = 8
	}
	return heapimpl.Alloc(h, heapimpl.TagDict, uintptr(initialCapacity)*dictEntrySize, func() *Dict {
		return &Dict{h: h, entries: make([]dictEntry, initialCapacity), loadFactor: 0.75}
	})
}

func (d *Dict) Capacity() int { return len(d.entries) }
func (d *Dict) Length() int   { return d.length }
func (d *Dict) Used() int     { return d.used }

func fnv1a(data []byte) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for _, b := range data {
		h ^= uint64(b)
		h *= prime64
	}
	if h == tombstoneHash {
		h--
	}
	if h == 0 {
		h = 1
	}
	return h
}

// hashKey computes the FNV-1a hash of a key's canonical byte form.
// Hashable keys are restricted to Symbol and inline Integer, matching
// the component design's restriction.
func hashKey(key tagged.TaggedPtr) (uint64, error) {
	switch key.TagOf() {
	case tagged.TagInt:
		v, _ := key.AsInt()
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		return fnv1a(buf[:]), nil
	case tagged.TagSymbol:
		ref, _ := key.AsObject()
		sym, ok := ref.(*Symbol)
		if !ok {
			return 0, corerr.TypeMismatchf("dict key tagged SYMBOL but header does not resolve to a Symbol")
		}
		return fnv1a([]byte(sym.Name)), nil
	default:
		return 0, corerr.TypeMismatchf("dict keys must be Symbol or Integer, got %s", key.TagOf())
	}
}

// findSlot implements find_entry: linear probe from hash mod capacity,
// returning an exact hash match, or the first tombstone seen if no
// match is found before an empty slot, or the empty slot itself.
// Two keys with identical hashes are policy-treated as equal.
func findSlot(entries []dictEntry, hash uint64, capacity int) int {
	idx := int(hash % uint64(capacity))
	tombstoneIdx := -1
	for {
		e := &entries[idx]
		if e.hash == hash {
			return idx
		}
		if e.hash == 0 {
			if tombstoneIdx >= 0 {
				return tombstoneIdx
			}
			return idx
		}
		if e.hash == tombstoneHash && tombstoneIdx < 0 {
			tombstoneIdx = idx
		}
		idx = (idx + 1) % capacity
	}
}

// Lookup returns the value bound to key, if any.
func (d *Dict) Lookup(key tagged.TaggedPtr) (tagged.TaggedPtr, bool, error) {
	hash, err := hashKey(key)
	if err != nil {
		return tagged.TaggedPtr{}, false, err
	}
	idx := findSlot(d.entries, hash, len(d.entries))
	e := &d.entries[idx]
	if e.hash != hash {
		return tagged.TaggedPtr{}, false, nil
	}
	return e.value.Get(), true, nil
}

// Insert binds key to value, rehashing into a new backing (capacity
// doubled, minimum 8) when the insertion would push used past
// capacity * loadFactor. Rehashing drops tombstones, so used resets to
// exactly the number of live entries.
func (d *Dict) Insert(key, value tagged.TaggedPtr) error {
	hash, err := hashKey(key)
	if err != nil {
		return err
	}

	idx := findSlot(d.entries, hash, len(d.entries))
	e := &d.entries[idx]

	if e.hash == hash {
		e.value.Set(value)
		return nil
	}

	if float64(d.used+1) > d.loadFactor*float64(len(d.entries)) {
		if err := d.rehash(mathutil.Max(len(d.entries)*2, 8)); err != nil {
			return err
		}
		idx = findSlot(d.entries, hash, len(d.entries))
		e = &d.entries[idx]
	}

	wasTombstone := e.hash == tombstoneHash
	e.hash = hash
	e.key.Set(key)
	e.value.Set(value)
	d.length++
	if !wasTombstone {
		d.used++
	}
	return nil
}

// Remove marks key's slot as a tombstone, decrementing length but
// leaving used unchanged (the slot stays occupied-for-probing purposes
// until the next rehash). Removing an absent key is a no-op reporting
// false.
func (d *Dict) Remove(key tagged.TaggedPtr) (bool, error) {
	hash, err := hashKey(key)
	if err != nil {
		return false, err
	}
	idx := findSlot(d.entries, hash, len(d.entries))
	e := &d.entries[idx]
	if e.hash != hash {
		return false, nil
	}
	e.hash = tombstoneHash
	e.key.Set(tagged.Nil)
	e.value.Set(tagged.Nil)
	d.length--
	return true, nil
}

func (d *Dict) rehash(newCapacity int) error {
	if _, err := d.h.Reserve(heapimpl.TagByteArray, uintptr(newCapacity)*dictEntrySize); err != nil {
		return err
	}
	old := d.entries
	d.entries = make([]dictEntry, newCapacity)
	d.used = 0
	for _, e := range old {
		if e.hash == 0 || e.hash == tombstoneHash {
			continue
		}
		idx := findSlot(d.entries, e.hash, newCapacity)
		d.entries[idx] = e
		d.used++
	}
	return nil
}
