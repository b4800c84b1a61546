package kv

import "bytes"

// Pair is a struct for key value pairs.
type Pair struct {
	Key   []byte
	Value []byte
}

// staticCursor implements the Cursor interface for a slice of
// static key value pairs.
type staticCursor struct {
	idx   int
	pairs []Pair
}

// NewStaticCursor returns an instance of a StaticCursor. It
// destructively sorts the provided pairs to be in ascending order.
func NewStaticCursor(pairs []Pair) Cursor {
	sortPairs(pairs)
	return &staticCursor{
		pairs: pairs,
	}
}

func sortPairs(pairs []Pair) {
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && bytes.Compare(pairs[j-1].Key, pairs[j].Key) > 0; j-- {
			pairs[j-1], pairs[j] = pairs[j], pairs[j-1]
		}
	}
}

// Seek searches the slice for the first key with the provided prefix.
func (c *staticCursor) Seek(prefix []byte) ([]byte, []byte) {
	for i, pair := range c.pairs {
		if bytes.HasPrefix(pair.Key, prefix) {
			c.idx = i
			return pair.Key, pair.Value
		}
	}
	return nil, nil
}

func (c *staticCursor) getValueAtIndex() ([]byte, []byte) {
	if c.idx < 0 || c.idx >= len(c.pairs) {
		return nil, nil
	}

	pair := c.pairs[c.idx]
	return pair.Key, pair.Value
}

// First retrieves the first element in the cursor.
func (c *staticCursor) First() ([]byte, []byte) {
	c.idx = 0
	return c.getValueAtIndex()
}

// Last retrieves the last element in the cursor.
func (c *staticCursor) Last() ([]byte, []byte) {
	c.idx = len(c.pairs) - 1
	return c.getValueAtIndex()
}

// Next retrieves the next entry in the cursor.
func (c *staticCursor) Next() ([]byte, []byte) {
	if c.idx < len(c.pairs) {
		k, v := c.getValueAtIndex()
		c.idx++
		return k, v
	}
	return nil, nil
}

// Prev retrieves the previous entry in the cursor.
func (c *staticCursor) Prev() ([]byte, []byte) {
	if c.idx >= 0 {
		k, v := c.getValueAtIndex()
		c.idx--
		return k, v
	}
	return nil, nil
}

// staticForwardCursor is a ForwardCursor over a static set of pairs.
type staticForwardCursor struct {
	idx   int
	pairs []Pair
}

// NewStaticForwardCursor returns a ForwardCursor over the sorted pairs
// starting from the first key at or after seek.
func NewStaticForwardCursor(pairs []Pair, seek []byte) ForwardCursor {
	sortPairs(pairs)
	idx := 0
	if len(seek) > 0 {
		for idx < len(pairs) && bytes.Compare(pairs[idx].Key, seek) < 0 {
			idx++
		}
	}
	return &staticForwardCursor{idx: idx, pairs: pairs}
}

func (c *staticForwardCursor) Next() ([]byte, []byte) {
	if c.idx < len(c.pairs) {
		pair := c.pairs[c.idx]
		c.idx++
		return pair.Key, pair.Value
	}
	return nil, nil
}

func (c *staticForwardCursor) Err() error { return nil }

func (c *staticForwardCursor) Close() error { return nil }
