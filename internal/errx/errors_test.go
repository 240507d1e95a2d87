package errx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errSentinel = errors.New("open store")
	errCause    = errors.New("permission denied")
)

func TestWrap(t *testing.T) {
	err := Wrap(errSentinel, errCause)
	require.Error(t, err)

	assert.ErrorIs(t, err, errSentinel)
	assert.ErrorIs(t, err, errCause)
	assert.Equal(t, "open store: permission denied", err.Error())
}

func TestWith(t *testing.T) {
	err := With(errSentinel, " %q", "/tmp/db")
	require.Error(t, err)

	assert.ErrorIs(t, err, errSentinel)
	assert.Equal(t, `open store "/tmp/db"`, err.Error())
}

func TestWith_EmbeddedWrap(t *testing.T) {
	err := With(errSentinel, " %q: %w", "/tmp/db", errCause)

	assert.ErrorIs(t, err, errSentinel)
	assert.ErrorIs(t, err, errCause, "embedded %%w must stay matchable")
}
