package doubleratchet

import (
	"container/list"

	"e2ee_core/internal/cryptographic/memzero"
)

type skippedID struct {
	pub   [32]byte
	index uint32
}

type skippedEntry struct {
	id  skippedID
	key []byte
}

// skippedKeys caches message keys that were derived ahead of their message,
// indexed by (ratchet public key, chain index). Capacity is fixed; inserting
// beyond it evicts and zeroizes the oldest entry.
type skippedKeys struct {
	capacity int
	order    *list.List // front = oldest
	entries  map[skippedID]*list.Element
}

func newSkippedKeys(capacity int) *skippedKeys {
	return &skippedKeys{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[skippedID]*list.Element),
	}
}

func (s *skippedKeys) put(pub [32]byte, index uint32, key []byte) {
	id := skippedID{pub: pub, index: index}
	if el, ok := s.entries[id]; ok {
		old := el.Value.(*skippedEntry)
		memzero.Zero(old.key)
		old.key = key
		s.order.MoveToBack(el)
		return
	}
	if s.order.Len() >= s.capacity {
		oldest := s.order.Front()
		entry := oldest.Value.(*skippedEntry)
		memzero.Zero(entry.key)
		delete(s.entries, entry.id)
		s.order.Remove(oldest)
	}
	s.entries[id] = s.order.PushBack(&skippedEntry{id: id, key: key})
}

// peek returns the cached key for (pub, index) without consuming it.
func (s *skippedKeys) peek(pub [32]byte, index uint32) ([]byte, bool) {
	el, ok := s.entries[skippedID{pub: pub, index: index}]
	if !ok {
		return nil, false
	}
	return el.Value.(*skippedEntry).key, true
}

// remove zeroizes and drops the cached key for (pub, index).
func (s *skippedKeys) remove(pub [32]byte, index uint32) {
	id := skippedID{pub: pub, index: index}
	if el, ok := s.entries[id]; ok {
		memzero.Zero(el.Value.(*skippedEntry).key)
		delete(s.entries, id)
		s.order.Remove(el)
	}
}

func (s *skippedKeys) len() int {
	return s.order.Len()
}

// purge zeroizes and drops every cached key.
func (s *skippedKeys) purge() {
	for el := s.order.Front(); el != nil; el = el.Next() {
		memzero.Zero(el.Value.(*skippedEntry).key)
	}
	s.order.Init()
	s.entries = make(map[skippedID]*list.Element)
}
