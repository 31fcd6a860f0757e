//go:build !occa

package occa

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWithoutTag(t *testing.T) {
	_, err := New(DefaultMode)
	require.ErrorIs(t, err, ErrUnavailable)
}
