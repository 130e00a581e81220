package persistence

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/progress/internal/domain"
)

func TestCursorRoundTrip(t *testing.T) {
	in := &domain.Cursor{SavedAt: time.Date(2025, time.October, 27, 20, 0, 0, 123, time.UTC), ID: "rec:1"}

	token := EncodeCursor(in)
	require.NotContains(t, token, "=")
	require.NotContains(t, token, "+")

	out, err := DecodeCursor(token)
	require.NoError(t, err)
	require.True(t, in.SavedAt.Equal(out.SavedAt))
	require.Equal(t, "rec:1", out.ID)
}

func TestDecodeCursorEmpty(t *testing.T) {
	c, err := DecodeCursor("  ")
	require.NoError(t, err)
	require.Nil(t, c)
	require.Empty(t, EncodeCursor(nil))
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, token := range []string{
		"%%%",
		base64.RawURLEncoding.EncodeToString([]byte("no-separator")),
		base64.RawURLEncoding.EncodeToString([]byte("yesterday:rec-1")),
		base64.RawURLEncoding.EncodeToString([]byte("1700000000:")),
	} {
		_, err := DecodeCursor(token)
		require.ErrorIs(t, err, ErrInvalidCursor, token)
	}
}
