// Package fairness implements the provably fair hash chain and the crash
// formula derived from it.
//
// The chain is generated backwards from a secret seed: the hash for round n
// is SHA256 of the hash for round n+1. Rounds are played in increasing id
// order, so every revealed hash can be checked against the one revealed
// before it, down to the public genesis anchor.
package fairness

import (
	"errors"
	"fmt"
)

const (
	// GenesisID is the id of the anchor. The first playable round is GenesisID+1.
	GenesisID int64 = 999999
	// GenesisHash is the published anchor of the production chain.
	GenesisHash = "c1cfa8e28fc38999eaa888487e443bad50a65e0b710f649affa6718cfbfada4d"
)

// ErrChainExhausted means no hash was provisioned for the requested id.
var ErrChainExhausted = errors.New("hash chain exhausted")

// HashSource yields the committed hash of a round.
type HashSource interface {
	HashFor(id int64) (string, error)
}

// Chain is a fully precomputed chain held in memory.
type Chain struct {
	genesis int64
	hashes  []string // hashes[i] belongs to id genesis+i, hashes[0] is the anchor
}

// Generate derives length playable hashes above genesis from seed.
func Generate(seed string, genesis int64, length int) (*Chain, error) {
	if seed == "" {
		return nil, errors.New("empty chain seed")
	}
	if length <= 0 {
		return nil, fmt.Errorf("invalid chain length %d", length)
	}

	hashes := make([]string, length+1)
	h := Next(seed)
	for i := length; i >= 0; i-- {
		hashes[i] = h
		h = Next(h)
	}
	return &Chain{genesis: genesis, hashes: hashes}, nil
}

// HashFor returns the hash committed for round id.
func (c *Chain) HashFor(id int64) (string, error) {
	i := id - c.genesis
	if i <= 0 || i >= int64(len(c.hashes)) {
		return "", fmt.Errorf("%w: no hash for round %d", ErrChainExhausted, id)
	}
	return c.hashes[i], nil
}

func (c *Chain) Anchor() string { return c.hashes[0] }

func (c *Chain) Genesis() int64 { return c.genesis }

// Horizon is the highest round id the chain can serve.
func (c *Chain) Horizon() int64 { return c.genesis + int64(len(c.hashes)) - 1 }

// Each calls fn for every playable id in increasing order.
func (c *Chain) Each(fn func(id int64, hash string) error) error {
	for i := 1; i < len(c.hashes); i++ {
		if err := fn(c.genesis+int64(i), c.hashes[i]); err != nil {
			return err
		}
	}
	return nil
}
