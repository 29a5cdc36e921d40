package domain

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Tagger assigns every cart to one of n projection partitions. The hash is fixed so a cart
// keeps its tag across restarts and releases.
type Tagger struct {
	n int
}

func NewTagger(n int) Tagger {
	if n <= 0 {
		n = 1
	}
	return Tagger{n: n}
}

func (t Tagger) Tags() int {
	if t.n <= 0 {
		return 1
	}
	return t.n
}

func (t Tagger) Tag(cartID string) int {
	return int(xxhash.Sum64String(cartID) % uint64(t.Tags()))
}

func TagName(tag int) string {
	return "carts-" + strconv.Itoa(tag)
}
