// Package seqindex compresses arbitrary sequence identifiers (video IDs,
// recording names) into dense integers in first-seen order.
package seqindex

// NoGroup is stored for rows that carry no sequence identifier.
const NoGroup int32 = -1

// Indexer assigns each distinct key the number of distinct keys seen before
// it. Indices never change once assigned.
type Indexer struct {
	index map[string]int
	keys  []string
}

func New() *Indexer {
	return &Indexer{index: make(map[string]int)}
}

// Resolve returns the index of key, appending it if unseen. The second
// result reports whether the key was new.
func (ix *Indexer) Resolve(key string) (int, bool) {
	if i, ok := ix.index[key]; ok {
		return i, false
	}
	i := len(ix.keys)
	ix.index[key] = i
	ix.keys = append(ix.keys, key)
	return i, true
}

// Lookup returns the index of key without assigning one.
func (ix *Indexer) Lookup(key string) (int, bool) {
	i, ok := ix.index[key]
	return i, ok
}

func (ix *Indexer) Len() int {
	return len(ix.keys)
}

// Keys returns the keys in index order.
func (ix *Indexer) Keys() []string {
	out := make([]string, len(ix.keys))
	copy(out, ix.keys)
	return out
}
