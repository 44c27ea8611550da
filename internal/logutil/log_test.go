package logutil

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Setup("warn", false, &buf)
	require.NoError(t, err)
	ctx := WithLogger(context.Background(), logger)
	lg := GetOrDefault(ctx)
	lg.Info().Msg("hidden")
	lg.Warn().Msg("visible")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")

	_, err = Setup("loud", false, &buf)
	assert.Error(t, err, "invalid levels should be rejected")
}
