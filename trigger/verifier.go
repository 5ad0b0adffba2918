package trigger

import (
	"crypto/hmac"

	"github.com/fluxion-io/fluxion/model"
)

// SharedSecretVerifier accepts a webhook when its signature equals the secret
// configured for the source. Production deployments can swap in a signature
// scheme by providing their own Verifier.
type SharedSecretVerifier struct {
	secrets map[string]string // source -> shared secret
}

var _ Verifier = new(SharedSecretVerifier)

func NewSharedSecretVerifier(secrets map[string]string) *SharedSecretVerifier {
	return &SharedSecretVerifier{secrets: secrets}
}

func (v *SharedSecretVerifier) Verify(event model.Event) bool {
	secret, ok := v.secrets[event.Source]
	if !ok {
		return false
	}
	return hmac.Equal([]byte(secret), []byte(event.Signature))
}
