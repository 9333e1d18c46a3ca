package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Typed verification failures. The subscribe handler maps all of them to
// a policy-violation close; the distinction feeds logs and metrics.
var (
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrMalformedToken   = errors.New("malformed token")
)

// Claims is the token payload Courier understands. The identity service
// mints these; Courier is purely a verifier.
type Claims struct {
	UserID        string `json:"user_id"`
	WalletAddress string `json:"wallet_address,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens against a shared symmetric secret.
// It consults no external store; expiry is the only time-based check.
type Verifier struct {
	secret []byte
	method jwt.SigningMethod
	leeway time.Duration
}

// NewVerifier creates a verifier for the given HMAC algorithm
// (HS256, HS384, or HS512). leeway relaxes the expiry check for clock
// skew; deployments default to zero (strict).
func NewVerifier(secret string, algorithm string, leeway time.Duration) (*Verifier, error) {
	method := jwt.GetSigningMethod(algorithm)
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unsupported signing algorithm %q", algorithm)
	}
	return &Verifier{
		secret: []byte(secret),
		method: method,
		leeway: leeway,
	}, nil
}

// Verify parses and validates tokenString, returning the claims on
// success or one of the typed failures.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(v.leeway))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
	}
	if !token.Valid {
		return nil, ErrMalformedToken
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user_id claim", ErrMalformedToken)
	}
	return claims, nil
}
