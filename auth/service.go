// Package auth signs and verifies instruction envelopes. The wire form is a
// compact EdDSA JWT whose key is the signer's identity itself, so a verifier
// needs no key registry.
package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"rentalflow/identity"
)

var (
	// ErrInvalidToken signals a token that failed parsing, signature or
	// expiry checks.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrEmptyInstruction signals a token without an instruction payload.
	ErrEmptyInstruction = errors.New("auth: empty instruction")
)

// DefaultTTL bounds how long a signed instruction stays acceptable.
const DefaultTTL = 5 * time.Minute

// Signer produces instruction tokens for one key.
type Signer struct {
	key ed25519.PrivateKey
	id  identity.ID
	ttl time.Duration
	now func() time.Time
}

// NewSigner creates a signer for key. A non-positive ttl falls back to
// DefaultTTL.
func NewSigner(key ed25519.PrivateKey, ttl time.Duration) (*Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("auth: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key))
	}
	id, err := identity.FromPublicKey(key.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{key: key, id: id, ttl: ttl, now: time.Now}, nil
}

// Identity returns the identity tokens from this signer verify as.
func (s *Signer) Identity() identity.ID {
	return s.id
}

// Sign wraps data in a signed token.
func (s *Signer) Sign(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyInstruction
	}
	now := s.now()
	claims := InstructionClaims{
		Instruction: base64.RawURLEncoding.EncodeToString(data),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.id.String(),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verifier checks instruction tokens.
type Verifier struct {
	leeway      time.Duration
	maxLifetime time.Duration
	now         func() time.Time
}

// NewVerifier returns a verifier tolerating leeway of clock skew on iat/exp.
func NewVerifier(leeway time.Duration) *Verifier {
	return &Verifier{leeway: leeway, now: time.Now}
}

// WithMaxLifetime rejects tokens whose exp is more than d after iat. Zero
// disables the check.
func (v *Verifier) WithMaxLifetime(d time.Duration) *Verifier {
	v.maxLifetime = d
	return v
}

// Verify parses tokenString and returns the envelope it carries.
func (v *Verifier) Verify(tokenString string) (Envelope, error) {
	var claims InstructionClaims
	var signer identity.ID

	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		sub, err := token.Claims.GetSubject()
		if err != nil {
			return nil, err
		}
		signer, err = identity.Parse(sub)
		if err != nil {
			return nil, fmt.Errorf("subject: %w", err)
		}
		return signer.PublicKey(), nil
	},
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithStrictDecoding(),
	)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Envelope{}, ErrInvalidToken
	}

	if claims.ID == "" {
		return Envelope{}, fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}
	if v.maxLifetime > 0 {
		if claims.IssuedAt == nil || claims.ExpiresAt.Sub(claims.IssuedAt.Time) > v.maxLifetime {
			return Envelope{}, fmt.Errorf("%w: lifetime exceeds %s", ErrInvalidToken, v.maxLifetime)
		}
	}

	data, err := base64.RawURLEncoding.DecodeString(claims.Instruction)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: instruction encoding: %w", ErrInvalidToken, err)
	}
	if len(data) == 0 {
		return Envelope{}, ErrEmptyInstruction
	}

	return Envelope{
		Signer:      signer,
		Instruction: data,
		ID:          claims.ID,
		Digest:      replayDigest(signer, claims.ID),
	}, nil
}

// replayDigest keys a token by its signed fields only, so re-encodings of
// the same token collide.
func replayDigest(signer identity.ID, jti string) [32]byte {
	buf := make([]byte, 0, identity.Size+len(jti))
	buf = append(buf, signer[:]...)
	buf = append(buf, jti...)
	return blake2b.Sum256(buf)
}
