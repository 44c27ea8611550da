package password

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPolicy(t *testing.T) {
	for _, plain := range []string{"secret", "ñandúes", strings.Repeat("p", MaxLength)} {
		assert.NoError(t, CheckPolicy(plain), "%q should be accepted", plain)
	}
	for _, plain := range []string{"", "short", strings.Repeat("p", MaxLength+1), strings.Repeat("ü", 40)} {
		err := CheckPolicy(plain)
		var violation PolicyViolation
		assert.True(t, errors.As(err, &violation), "%q should be rejected, got %v", plain, err)
	}
}

func TestHashRejectsLongPasswords(t *testing.T) {
	for scheme, h := range fastHashers(t) {
		t.Run(string(scheme), func(t *testing.T) {
			_, err := h.Hash(strings.Repeat("p", 80))
			var violation PolicyViolation
			require.True(t, errors.As(err, &violation), "got %v", err)

			hash, err := h.Hash(strings.Repeat("p", MaxLength))
			require.NoError(t, err)
			assert.True(t, h.Verify(strings.Repeat("p", MaxLength), hash))
		})
	}
}
