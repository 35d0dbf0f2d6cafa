package opaque

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/example/private-dispatch/internal/models"
)

const (
	envelopeVersion = 1
	handleSize      = 32
	nonceSize       = 16
)

type handle [handleSize]byte

type envelope struct {
	Version uint8  `cbor:"1,keyasint"`
	Nonce   []byte `cbor:"2,keyasint"`
	Handle  []byte `cbor:"3,keyasint"`
}

// Clear is the non-confidential reference backend. Plaintexts stay in
// a table inside the backend and callers only ever see CBOR envelopes
// naming a keyed blake3 handle. It is a stand-in for a real
// homomorphic scheme with the same observable contract.
type Clear struct {
	mu      sync.RWMutex
	hasher  *blake3.Hasher
	counter uint64
	values  map[handle]int64
	acl     map[handle]map[models.Principal]struct{}
}

// NewClear returns a backend with a fresh random handle key.
func NewClear() (*Clear, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, err
	}
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		return nil, err
	}
	return &Clear{
		hasher: h,
		values: make(map[handle]int64),
		acl:    make(map[handle]map[models.Principal]struct{}),
	}, nil
}

func (c *Clear) FromPlaintext(v int64) (models.Ciphertext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store(v)
}

// store must be called with c.mu held for writing.
func (c *Clear) store(v int64) (models.Ciphertext, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	c.counter++
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], c.counter)

	c.hasher.Reset()
	c.hasher.Write(nonce)
	c.hasher.Write(ctr[:])
	var h handle
	copy(h[:], c.hasher.Sum(nil))

	b, err := Marshal(envelope{Version: envelopeVersion, Nonce: nonce, Handle: h[:]})
	if err != nil {
		return nil, err
	}
	c.values[h] = v
	return b, nil
}

func decodeHandle(ct models.Ciphertext) (handle, error) {
	var h handle
	if ct.Empty() {
		return h, ErrMalformed
	}
	var env envelope
	if err := Unmarshal(ct, &env); err != nil {
		return h, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Version != envelopeVersion || len(env.Handle) != handleSize {
		return h, ErrMalformed
	}
	copy(h[:], env.Handle)
	return h, nil
}

// lookup must be called with c.mu held.
func (c *Clear) lookup(ct models.Ciphertext) (int64, error) {
	h, err := decodeHandle(ct)
	if err != nil {
		return 0, err
	}
	v, ok := c.values[h]
	if !ok {
		return 0, ErrUnknownCiphertext
	}
	return v, nil
}

func (c *Clear) combine(a, b models.Ciphertext, op func(x, y int64) (int64, error)) (models.Ciphertext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	x, err := c.lookup(a)
	if err != nil {
		return nil, err
	}
	y, err := c.lookup(b)
	if err != nil {
		return nil, err
	}
	r, err := op(x, y)
	if err != nil {
		return nil, err
	}
	return c.store(r)
}

func (c *Clear) Add(a, b models.Ciphertext) (models.Ciphertext, error) {
	return c.combine(a, b, func(x, y int64) (int64, error) { return x + y, nil })
}

func (c *Clear) Sub(a, b models.Ciphertext) (models.Ciphertext, error) {
	return c.combine(a, b, func(x, y int64) (int64, error) { return x - y, nil })
}

func (c *Clear) Mul(a, b models.Ciphertext) (models.Ciphertext, error) {
	return c.combine(a, b, func(x, y int64) (int64, error) { return x * y, nil })
}

func (c *Clear) DivScalar(a models.Ciphertext, d uint64) (models.Ciphertext, error) {
	if d == 0 {
		return nil, ErrDivideByZero
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	x, err := c.lookup(a)
	if err != nil {
		return nil, err
	}
	return c.store(x / int64(d))
}

func (c *Clear) LE(a, b models.Ciphertext) (models.Ciphertext, error) {
	return c.combine(a, b, func(x, y int64) (int64, error) { return boolInt(x <= y), nil })
}

func (c *Clear) GT(a, b models.Ciphertext) (models.Ciphertext, error) {
	return c.combine(a, b, func(x, y int64) (int64, error) { return boolInt(x > y), nil })
}

func (c *Clear) Select(cond, a, b models.Ciphertext) (models.Ciphertext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.lookup(cond)
	if err != nil {
		return nil, err
	}
	x, err := c.lookup(a)
	if err != nil {
		return nil, err
	}
	y, err := c.lookup(b)
	if err != nil {
		return nil, err
	}
	if f != 0 {
		return c.store(x)
	}
	return c.store(y)
}

func (c *Clear) Grant(v models.Ciphertext, p models.Principal) error {
	if p.IsZero() {
		return fmt.Errorf("opaque: grant to null principal")
	}
	h, err := decodeHandle(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.values[h]; !ok {
		return ErrUnknownCiphertext
	}
	set, ok := c.acl[h]
	if !ok {
		set = make(map[models.Principal]struct{})
		c.acl[h] = set
	}
	set[p] = struct{}{}
	return nil
}

func (c *Clear) Allowed(v models.Ciphertext, p models.Principal) bool {
	h, err := decodeHandle(v)
	if err != nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.acl[h][p]
	return ok
}

func (c *Clear) Reveal(v models.Ciphertext) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookup(v)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
