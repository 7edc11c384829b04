// Package sealed provides the deterministic substitutes for live I/O
// that make shadow execution replayable: sealed reads, a seeded random
// source, a logical clock, and a fixed input response table. Two
// contexts built from the same configuration answer every request
// identically.
package sealed

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// Config fixes everything a sealed context may observe.
type Config struct {
	// Seed namespaces the derived random stream.
	Seed string `cbor:"seed"`
	// Reads are the values sealed_read(key) returns.
	Reads map[string]interface{} `cbor:"reads"`
	// Inputs are consumed in order by INPUT.
	Inputs []interface{} `cbor:"inputs"`
}

// Context services sealed opcodes. Safe for concurrent use.
type Context struct {
	mu sync.Mutex

	reads  map[string]interface{}
	inputs []interface{}
	next   int

	rng   *rand.Rand
	clock int64

	seedDigest [32]byte
}

var canonicalEnc cbor.EncMode

func init() {
	var err error
	canonicalEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// NewContext derives a context from the configuration. The random
// seed is the SHA-256 of the canonical CBOR encoding of the whole
// config, so any observable change to the sealed world changes the
// stream.
func NewContext(cfg Config) (*Context, error) {
	encoded, err := canonicalEnc.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "sealed: encode config")
	}
	digest := sha256.Sum256(encoded)

	reads := make(map[string]interface{}, len(cfg.Reads))
	for k, v := range cfg.Reads {
		reads[k] = v
	}
	inputs := make([]interface{}, len(cfg.Inputs))
	copy(inputs, cfg.Inputs)

	seed := int64(binary.BigEndian.Uint64(digest[:8]))
	return &Context{
		reads:      reads,
		inputs:     inputs,
		rng:        rand.New(rand.NewSource(seed)),
		seedDigest: digest,
	}, nil
}

// SeedDigest identifies the sealed world this context was built from.
func (c *Context) SeedDigest() [32]byte {
	return c.seedDigest
}

// Read returns the sealed value for key.
func (c *Context) Read(key string) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.reads[key]
	if !ok {
		return nil, fmt.Errorf("sealed: no value for key %q", key)
	}
	return v, nil
}

// Random returns the next value of the seeded stream.
func (c *Context) Random() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Float64()
}

// Clock returns the logical time, which advances by one per call.
// Sealed programs observe time as a counter, never the wall clock.
func (c *Context) Clock() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock++
	return c.clock
}

// NextInput consumes the next entry of the input table.
func (c *Context) NextInput() (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next >= len(c.inputs) {
		return nil, fmt.Errorf("sealed: input table exhausted after %d reads", c.next)
	}
	v := c.inputs[c.next]
	c.next++
	return v, nil
}
