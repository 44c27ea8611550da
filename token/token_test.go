package token

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time { return f.t }

func newTestIssuer(t *testing.T, secret string, clock *fakeClock) *Issuer {
	iss, err := NewIssuer([]byte(secret), "HS256", WithClock(clock.Now))
	require.NoError(t, err)
	return iss
}

func TestIssueVerify(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	iss := newTestIssuer(t, "super-secret", clock)

	tk, err := iss.Issue(42)
	require.NoError(t, err)

	sub, err := iss.Verify(tk)
	require.NoError(t, err)
	assert.Equal(t, int64(42), sub)

	clock.t = clock.t.Add(DefaultValidity - time.Second)
	_, err = iss.Verify(tk)
	require.NoError(t, err)

	clock.t = clock.t.Add(time.Second)
	_, err = iss.Verify(tk)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyOtherSecret(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	tk, err := newTestIssuer(t, "secret-a", clock).Issue(42)
	require.NoError(t, err)
	_, err = newTestIssuer(t, "secret-b", clock).Verify(tk)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyOtherAlgorithm(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	other, err := NewIssuer([]byte("secret"), "HS512", WithClock(clock.Now))
	require.NoError(t, err)
	tk, err := other.Issue(1)
	require.NoError(t, err)
	_, err = newTestIssuer(t, "secret", clock).Verify(tk)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyGarbage(t *testing.T) {
	iss := newTestIssuer(t, "secret", &fakeClock{t: time.Now()})
	for _, tk := range []string{"", "abc", "a.b.c", "eyJhbGciOiJIUzI1NiJ9.e30."} {
		_, err := iss.Verify(tk)
		assert.ErrorIs(t, err, ErrInvalidSignature, "token %q", tk)
	}
}

func TestVerifyMalformedClaims(t *testing.T) {
	now := time.Now()
	iss := newTestIssuer(t, "secret", &fakeClock{t: now})
	sign := func(c jwt.Claims) string {
		tk, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte("secret"))
		require.NoError(t, err)
		return tk
	}
	exp := jwt.NewNumericDate(now.Add(time.Hour))
	cases := map[string]string{
		"no subject":      sign(jwt.RegisteredClaims{ExpiresAt: exp}),
		"non int subject": sign(jwt.RegisteredClaims{Subject: "alice", ExpiresAt: exp}),
		"no expiration":   sign(jwt.RegisteredClaims{Subject: "42"}),
	}
	for name, tk := range cases {
		_, err := iss.Verify(tk)
		assert.True(t, errors.Is(err, ErrMalformedClaims), "%v: got %v", name, err)
	}
}

func TestNewIssuerValidation(t *testing.T) {
	_, err := NewIssuer(nil, "HS256")
	assert.Error(t, err)
	_, err = NewIssuer([]byte("secret"), "RS256")
	assert.Error(t, err)
	_, err = NewIssuer([]byte("secret"), "none")
	assert.Error(t, err)
	_, err = NewIssuer([]byte("secret"), "HS256", WithValidity(0))
	assert.Error(t, err)
	iss, err := NewIssuer([]byte("secret"), "")
	require.NoError(t, err)
	assert.Equal(t, DefaultValidity, iss.Validity())
}

func TestSecretFromEnv(t *testing.T) {
	const name = "AUTHBOX_TEST_SECRET"
	os.Setenv(name, "from-env")
	secret, err := SecretFromEnv(name, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("from-env"), secret)
	if os.Getenv(name) != "" {
		t.Fatal("reading the secret should remove it from the environment")
	}
	_, err = SecretFromEnv(name, nil, nil)
	assert.Error(t, err)
}
