package nostr

// Verifier checks event signatures. The relay worker takes this as an
// interface so deployments can swap in batched or remote verification.
type Verifier interface {
	Verify(ev *Event) error
}

// SchnorrVerifier verifies BIP-340 signatures in-process.
type SchnorrVerifier struct{}

func (SchnorrVerifier) Verify(ev *Event) error {
	return ev.CheckSignature()
}
