package auth

import (
	"github.com/golang-jwt/jwt/v5"

	"rentalflow/identity"
)

// InstructionClaims is the JWT payload carrying one encoded instruction.
// Subject is the signer identity in its checksummed text form and ID is a
// random uuid.
type InstructionClaims struct {
	Instruction string `json:"ins"`
	jwt.RegisteredClaims
}

// Envelope is a verified instruction together with who signed it.
type Envelope struct {
	Signer      identity.ID
	Instruction []byte
	ID          string
	// Digest is the blake2b-256 of the signer and jti and identifies the
	// token for replay detection.
	Digest [32]byte
}

// Signed reports whether id signed the envelope. An envelope carries exactly
// one signature.
func (e Envelope) Signed(id identity.ID) bool {
	return !e.Signer.IsZero() && e.Signer == id
}
