// Package swiss provides an open-addressing hash set based on Abseil's
// flat_hash_set, backed by ordinary Go slices. The tralloc heap uses it to
// track outstanding payload addresses when pointer checks are armed; it
// cannot live on the heap it polices, so it allocates from the Go runtime.
package swiss

import (
	"github.com/dolthub/maphash"
)

const maxLoadFactor = float32(maxAvgGroupLoad) / float32(groupSize)

// Set is an open-addressing hash set.
type Set[K comparable] struct {
	ctrl     []metadata
	groups   [][groupSize]K
	hash     maphash.Hasher[K]
	resident uint32
	dead     uint32
	limit    uint32
}

// metadata is the h2 metadata array for a group.
// find operations first probe the controls bytes
// to filter candidates before matching keys
type metadata [groupSize]int8

const (
	groupSize       = 8
	maxAvgGroupLoad = 7

	h1Mask    uint64 = 0xffff_ffff_ffff_ff80
	h2Mask    uint64 = 0x0000_0000_0000_007f
	empty     int8   = -128 // 0b1000_0000
	tombstone int8   = -2   // 0b1111_1110
)

// h1 is a 57 bit hash prefix
type h1 uint64

// h2 is a 7 bit hash suffix
type h2 int8

// NewSet constructs a Set sized for sz elements.
func NewSet[K comparable](sz uint32) *Set[K] {
	groups := numGroups(sz)

	s := &Set[K]{
		ctrl:   make([]metadata, groups),
		groups: make([][groupSize]K, groups),
		hash:   maphash.NewHasher[K](),
		limit:  groups * maxAvgGroupLoad,
	}

	for i := range s.ctrl {
		s.ctrl[i] = newEmptyMetadata()
	}

	return s
}

// Has returns true if |key| is present in |s|.
func (s *Set[K]) Has(key K) (ok bool) {
	hi, lo := splitHash(s.hash.Hash(key))
	g := probeStart(hi, len(s.groups))
	for { // inlined find loop
		matches := metaMatchH2(&s.ctrl[g], lo)
		for matches != 0 {
			i := nextMatch(&matches)
			if key == s.groups[g][i] {
				return true
			}
		}
		// |key| is not in group |g|,
		// stop probing if we see an empty slot
		if metaMatchEmpty(&s.ctrl[g]) != 0 {
			return false
		}
		g += 1 // linear probing
		if g >= uint32(len(s.groups)) {
			g = 0
		}
	}
}

// Add inserts |key| into the set. Adding a key already present is a no-op.
func (s *Set[K]) Add(key K) {
	if s.resident >= s.limit {
		s.rehash(s.nextSize())
	}
	hi, lo := splitHash(s.hash.Hash(key))
	g := probeStart(hi, len(s.groups))
	for { // inlined find loop
		matches := metaMatchH2(&s.ctrl[g], lo)
		for matches != 0 {
			i := nextMatch(&matches)
			if key == s.groups[g][i] { // already present
				return
			}
		}
		// |key| is not in group |g|,
		// stop probing if we see an empty slot
		matches = metaMatchEmpty(&s.ctrl[g])
		if matches != 0 { // insert
			i := nextMatch(&matches)
			s.groups[g][i] = key
			s.ctrl[g][i] = int8(lo)
			s.resident++
			return
		}
		g += 1 // linear probing
		if g >= uint32(len(s.groups)) {
			g = 0
		}
	}
}

// Delete attempts to remove |key|, returns true if it was present.
func (s *Set[K]) Delete(key K) (ok bool) {
	hi, lo := splitHash(s.hash.Hash(key))
	g := probeStart(hi, len(s.groups))
	for {
		matches := metaMatchH2(&s.ctrl[g], lo)
		for matches != 0 {
			i := nextMatch(&matches)
			if key == s.groups[g][i] {
				// optimization: if |s.ctrl[g]| contains any empty
				// metadata bytes, we can physically delete |key|
				// rather than placing a tombstone.
				// The observation is that any probes into group |g|
				// would already be terminated by the existing empty
				// slot, and therefore reclaiming slot |i| will not
				// cause premature termination of probes into |g|.
				if metaMatchEmpty(&s.ctrl[g]) != 0 {
					s.ctrl[g][i] = empty
					s.resident--
				} else {
					s.ctrl[g][i] = tombstone
					s.dead++
				}
				var k K
				s.groups[g][i] = k
				return true
			}
		}
		// |key| is not in group |g|,
		// stop probing if we see an empty slot
		if metaMatchEmpty(&s.ctrl[g]) != 0 { // |key| absent
			return false
		}
		g += 1 // linear probing
		if g >= uint32(len(s.groups)) {
			g = 0
		}
	}
}

// Count returns the number of elements in the Set.
func (s *Set[K]) Count() int {
	return int(s.resident - s.dead)
}

func (s *Set[K]) nextSize() (n uint32) {
	n = uint32(len(s.groups)) * 2
	if s.dead >= (s.resident / 2) {
		n = uint32(len(s.groups))
	}
	return
}

func (s *Set[K]) rehash(n uint32) {
	groups, ctrl := s.groups, s.ctrl
	s.groups = make([][groupSize]K, n)
	s.ctrl = make([]metadata, n)
	for i := range s.ctrl {
		s.ctrl[i] = newEmptyMetadata()
	}
	s.hash = maphash.NewSeed(s.hash)
	s.limit = n * maxAvgGroupLoad
	s.resident, s.dead = 0, 0
	for g := range ctrl {
		for i := range ctrl[g] {
			c := ctrl[g][i]
			if c == empty || c == tombstone {
				continue
			}
			s.Add(groups[g][i])
		}
	}
}

// numGroups returns the minimum number of groups needed to store |n| elems.
func numGroups(n uint32) (groups uint32) {
	groups = (n + maxAvgGroupLoad - 1) / maxAvgGroupLoad
	if groups == 0 {
		groups = 1
	}
	return
}

func newEmptyMetadata() (meta metadata) {
	for i := range meta {
		meta[i] = empty
	}
	return
}

func splitHash(h uint64) (h1, h2) {
	return h1((h & h1Mask) >> 7), h2(h & h2Mask)
}

func probeStart(hi h1, groups int) uint32 {
	return fastModN(uint32(hi), uint32(groups))
}

// lemire.me/blog/2016/06/27/a-fast-alternative-to-the-modulo-reduction/
func fastModN(x, n uint32) uint32 {
	return uint32((uint64(x) * uint64(n)) >> 32)
}
