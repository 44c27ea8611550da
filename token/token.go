// Package token issues and verifies the signed session tokens handed to
// users after a successful login.
//
// Tokens are stateless JWTs: the subject claim carries the user id and the
// expiration claim bounds the session. Nothing is kept on the server, so a
// token stays valid until it expires.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type (
	Issuer struct {
		key      []byte
		method   jwt.SigningMethod
		validity time.Duration
		now      func() time.Time
	}

	Option func(*Issuer)
)

const (
	DefaultValidity  = 30 * 24 * time.Hour
	DefaultAlgorithm = "HS256"
)

var (
	ErrInvalidSignature = errors.New("token: invalid signature")
	ErrExpired          = errors.New("token: expired")
	ErrMalformedClaims  = errors.New("token: malformed claims")
)

// WithClock replaces time.Now, tests use it to move time forward.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

func WithValidity(d time.Duration) Option {
	return func(i *Issuer) {
		i.validity = d
	}
}

// NewIssuer returns an Issuer that signs with secret using one of the HMAC
// algorithms (HS256, HS384 or HS512).
func NewIssuer(secret []byte, algorithm string, opts ...Option) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: empty signing secret")
	}
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	method, ok := jwt.GetSigningMethod(algorithm).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("token: unsupported algorithm %q", algorithm)
	}
	i := &Issuer{
		key:      append([]byte(nil), secret...),
		method:   method,
		validity: DefaultValidity,
		now:      time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	if i.validity <= 0 {
		return nil, fmt.Errorf("token: validity must be positive, got %v", i.validity)
	}
	return i, nil
}

func (i *Issuer) Validity() time.Duration { return i.validity }

func (i *Issuer) Issue(subject int64) (string, error) {
	now := i.now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(subject, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.validity)),
	}
	signed, err := jwt.NewWithClaims(i.method, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("token: unable to sign, cause %w", err)
	}
	return signed, nil
}

// Verify checks the token and returns the subject it was issued to.
// Errors are always one of ErrInvalidSignature, ErrExpired or
// ErrMalformedClaims.
func (i *Issuer) Verify(token string) (int64, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return i.key, nil
	},
		jwt.WithValidMethods([]string{i.method.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return 0, classify(err)
	}
	if claims.Subject == "" {
		return 0, fmt.Errorf("%w: missing subject", ErrMalformedClaims)
	}
	sub, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: subject %q is not an id", ErrMalformedClaims, claims.Subject)
	}
	return sub, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %v", ErrMalformedClaims, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenInvalidClaims):
		return fmt.Errorf("%w: %v", ErrMalformedClaims, err)
	}
	return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
}
