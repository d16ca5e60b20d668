package tracker

import "sync"

// Table is the unlocked view of the torrent index handed to Index callbacks.
// It must not be retained after the callback returns, and a Table obtained
// from Read must not be mutated.
type Table interface {
	Lookup(ih InfoHash) *Torrent
	// Insert adds or replaces the entry for ih.
	Insert(ih InfoHash, t *Torrent)
	Remove(ih InfoHash) bool
	// Walk visits entries in key order (canonical key, then version).
	Walk(fn func(InfoHash, *Torrent) bool)
	// WalkFrom is Walk starting at the first entry >= from.
	WalkFrom(from InfoHash, fn func(InfoHash, *Torrent) bool)
	Len() int
	Clear()
}

// Index owns a Table and the locking discipline around it. Callbacks run
// with the lock held and it is released on every exit path.
type Index interface {
	Read(fn func(Table))
	Write(fn func(Table))
}

// TrieIndex guards a single trie with one RWMutex. A mutation on one
// torrent blocks reads of every other torrent; a sharded Index can replace
// it without touching Database.
type TrieIndex struct {
	mu  sync.RWMutex
	tab trieTable
}

func NewTrieIndex() *TrieIndex {
	return &TrieIndex{tab: trieTable{t: newTrie[*Torrent]()}}
}

func (ix *TrieIndex) Read(fn func(Table)) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	fn(ix.tab)
}

func (ix *TrieIndex) Write(fn func(Table)) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	fn(ix.tab)
}

type trieTable struct {
	t *trie[*Torrent]
}

func (tt trieTable) Lookup(ih InfoHash) *Torrent {
	t, _ := tt.t.lookup(ih.indexKey())
	return t
}

func (tt trieTable) Insert(ih InfoHash, t *Torrent) {
	tt.t.insert(ih.indexKey(), t)
}

func (tt trieTable) Remove(ih InfoHash) bool {
	return tt.t.remove(ih.indexKey())
}

func (tt trieTable) Walk(fn func(InfoHash, *Torrent) bool) {
	tt.t.walk(nil, func(key []byte, t *Torrent) bool {
		return fn(infoHashFromIndexKey(key), t)
	})
}

func (tt trieTable) WalkFrom(from InfoHash, fn func(InfoHash, *Torrent) bool) {
	tt.t.walk(from.indexKey(), func(key []byte, t *Torrent) bool {
		return fn(infoHashFromIndexKey(key), t)
	})
}

func (tt trieTable) Len() int {
	return tt.t.len()
}

func (tt trieTable) Clear() {
	tt.t.clear()
}
