package opaque

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/example/private-dispatch/internal/models"
)

// encMode uses Core Deterministic Encoding so equal envelopes always
// produce identical bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("opaque: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("opaque: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// DisclosureRequest is what the gateway forwards to the disclosure broker.
type DisclosureRequest struct {
	ID         string            `cbor:"1,keyasint"`
	Requester  models.Principal  `cbor:"2,keyasint"`
	Ciphertext models.Ciphertext `cbor:"3,keyasint"`
}

// DisclosureResult is the broker's reply.
type DisclosureResult struct {
	ID    string `cbor:"1,keyasint"`
	Value int64  `cbor:"2,keyasint"`
}

// KeyResponse is the in-process key authority's reply.
type KeyResponse struct {
	KeyID string `cbor:"1,keyasint"`
}
