package audit

import (
	"errors"
	"sync"
)

var ErrCorruptChain = errors.New("operations log corruption detected")

// Chain is an append-only, hash-chained operations log. Each record links
// to its predecessor's hash; Verify recomputes the whole chain.
type Chain struct {
	mu      sync.Mutex
	records []Record
	last    string
}

func NewChain() *Chain {
	return &Chain{last: "GENESIS"}
}

func (c *Chain) Append(r Record) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r.Seq = int64(len(c.records)) + 1
	r.HashPrev = c.last
	r.HashCurr = ComputeHash(c.last, r)

	if len(c.records) > 0 {
		prev := c.records[len(c.records)-1]
		if ComputeHash(prev.HashPrev, prev) != prev.HashCurr {
			return Record{}, ErrCorruptChain
		}
	}

	c.records = append(c.records, r)
	c.last = r.HashCurr
	return r, nil
}

func (c *Chain) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

// Verify walks the chain from genesis and reports the first broken link.
func (c *Chain) Verify() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := "GENESIS"
	for _, r := range c.records {
		if r.HashPrev != prev {
			return ErrCorruptChain
		}
		if ComputeHash(prev, r) != r.HashCurr {
			return ErrCorruptChain
		}
		prev = r.HashCurr
	}
	return nil
}
