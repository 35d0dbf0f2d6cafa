// Package opaque is the contract between the dispatch engine and the
// confidential-computation backend. The engine only threads
// models.Ciphertext values through the Backend; it never inspects
// their plaintext.
package opaque

import (
	"errors"

	"github.com/example/private-dispatch/internal/models"
)

var (
	ErrUnknownCiphertext = errors.New("opaque: unknown ciphertext")
	ErrMalformed         = errors.New("opaque: malformed ciphertext")
	ErrDivideByZero      = errors.New("opaque: divide by zero")
	ErrAccessDenied      = errors.New("opaque: principal has no grant for value")
)

// Backend is implemented by the encryption collaborator. Booleans are
// encoded as opaque 0 or 1.
type Backend interface {
	FromPlaintext(v int64) (models.Ciphertext, error)

	Add(a, b models.Ciphertext) (models.Ciphertext, error)
	Sub(a, b models.Ciphertext) (models.Ciphertext, error)
	Mul(a, b models.Ciphertext) (models.Ciphertext, error)
	DivScalar(a models.Ciphertext, d uint64) (models.Ciphertext, error)

	LE(a, b models.Ciphertext) (models.Ciphertext, error)
	GT(a, b models.Ciphertext) (models.Ciphertext, error)
	Select(cond, a, b models.Ciphertext) (models.Ciphertext, error)

	Grant(v models.Ciphertext, p models.Principal) error
	Allowed(v models.Ciphertext, p models.Principal) bool
}

// Revealer is the decryption side of a backend. Only the disclosure
// broker holds one.
type Revealer interface {
	Reveal(v models.Ciphertext) (int64, error)
}

// GrantAll grants p access to every non-empty value in vs.
func GrantAll(b Backend, p models.Principal, vs ...models.Ciphertext) error {
	for _, v := range vs {
		if v.Empty() {
			continue
		}
		if err := b.Grant(v, p); err != nil {
			return err
		}
	}
	return nil
}
