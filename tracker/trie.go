package tracker

import (
	"bytes"
	"sort"
)

// trie is a compressed prefix tree keyed by raw bytes. It does no locking.
// Keys handed to walk callbacks are only valid for the duration of the call.
type trie[V any] struct {
	root trieNode[V]
	size int
}

type trieNode[V any] struct {
	prefix   []byte
	children []*trieNode[V] // sorted by prefix[0]
	value    V
	leaf     bool
}

func newTrie[V any]() *trie[V] {
	return &trie[V]{}
}

func (t *trie[V]) len() int {
	return t.size
}

func (t *trie[V]) clear() {
	t.root = trieNode[V]{}
	t.size = 0
}

// insert adds key or replaces its value.
func (t *trie[V]) insert(key []byte, v V) {
	n := &t.root
	for {
		if len(key) == 0 {
			if !n.leaf {
				t.size++
			}
			n.value, n.leaf = v, true
			return
		}

		i, found := n.childIndex(key[0])
		if !found {
			n.insertChild(i, &trieNode[V]{prefix: bytes.Clone(key), value: v, leaf: true})
			t.size++
			return
		}

		c := n.children[i]
		common := commonPrefixLen(c.prefix, key)
		if common < len(c.prefix) {
			split := &trieNode[V]{
				prefix:   c.prefix[:common:common],
				children: []*trieNode[V]{c},
			}
			c.prefix = c.prefix[common:]
			n.children[i] = split
			c = split
		}
		n = c
		key = key[common:]
	}
}

func (t *trie[V]) lookup(key []byte) (V, bool) {
	var zero V
	n := &t.root
	for len(key) > 0 {
		i, found := n.childIndex(key[0])
		if !found {
			return zero, false
		}
		c := n.children[i]
		if !bytes.HasPrefix(key, c.prefix) {
			return zero, false
		}
		key = key[len(c.prefix):]
		n = c
	}
	if !n.leaf {
		return zero, false
	}
	return n.value, true
}

// remove deletes key and reports whether it was present.
func (t *trie[V]) remove(key []byte) bool {
	var parent *trieNode[V]
	idx := 0
	n := &t.root
	for len(key) > 0 {
		i, found := n.childIndex(key[0])
		if !found {
			return false
		}
		c := n.children[i]
		if !bytes.HasPrefix(key, c.prefix) {
			return false
		}
		key = key[len(c.prefix):]
		parent, idx, n = n, i, c
	}
	if !n.leaf {
		return false
	}

	var zero V
	n.value, n.leaf = zero, false
	t.size--

	if parent == nil {
		return true
	}
	switch len(n.children) {
	case 0:
		parent.children = append(parent.children[:idx], parent.children[idx+1:]...)
		if parent != &t.root && !parent.leaf && len(parent.children) == 1 {
			parent.mergeChild()
		}
	case 1:
		n.mergeChild()
	}
	return true
}

// walk calls fn for every key >= from in lexicographic order until fn
// returns false. A nil from visits everything.
func (t *trie[V]) walk(from []byte, fn func(key []byte, v V) bool) {
	t.root.walk(nil, from, from != nil, fn)
}

func (n *trieNode[V]) walk(path, rest []byte, bounded bool, fn func([]byte, V) bool) bool {
	if n.leaf && (!bounded || len(rest) == 0) {
		if !fn(path, n.value) {
			return false
		}
	}
	if bounded && len(rest) == 0 {
		bounded = false
	}

	for _, c := range n.children {
		childBounded := false
		var childRest []byte
		if bounded {
			m := min(len(c.prefix), len(rest))
			cmp := bytes.Compare(c.prefix[:m], rest[:m])
			if cmp < 0 {
				continue
			}
			// on a tie the child is still bounded unless rest is a proper
			// prefix of the edge, in which case every key below is larger
			if cmp == 0 && len(c.prefix) <= len(rest) {
				childBounded, childRest = true, rest[len(c.prefix):]
			}
		}
		if !c.walk(append(path, c.prefix...), childRest, childBounded, fn) {
			return false
		}
	}
	return true
}

func (n *trieNode[V]) childIndex(b byte) (int, bool) {
	i := sort.Search(len(n.children), func(i int) bool {
		return n.children[i].prefix[0] >= b
	})
	return i, i < len(n.children) && n.children[i].prefix[0] == b
}

func (n *trieNode[V]) insertChild(i int, c *trieNode[V]) {
	n.children = append(n.children, nil)
	copy(n.children[i+1:], n.children[i:])
	n.children[i] = c
}

// mergeChild folds a single child into n.
func (n *trieNode[V]) mergeChild() {
	c := n.children[0]
	prefix := make([]byte, 0, len(n.prefix)+len(c.prefix))
	prefix = append(prefix, n.prefix...)
	n.prefix = append(prefix, c.prefix...)
	n.children = c.children
	n.value, n.leaf = c.value, c.leaf
}

func commonPrefixLen(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
