package geminiweb

import (
	"fmt"
	"io"
	"strings"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func framedBody(payloads ...string) string {
	var b strings.Builder
	b.WriteString(")]}'\n\n")
	for _, p := range payloads {
		// Length markers count UTF-16 code units, the way the frontend
		// emits them.
		b.WriteString(fmt.Sprintf("%d\n%s\n", len(utf16.Encode([]rune(p))), p))
	}
	return b.String()
}

func TestFrameScanner(t *testing.T) {
	t.Run("yields payloads in order", func(t *testing.T) {
		first := `[["wrb.fr",null,"one"]]`
		second := `[["wrb.fr",null,"two"]]`
		s := newFrameScanner(strings.NewReader(framedBody(first, second)))

		p1, err := s.Next()
		require.NoError(t, err)
		assert.Equal(t, first, p1)
		p2, err := s.Next()
		require.NoError(t, err)
		assert.Equal(t, second, p2)
		_, err = s.Next()
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("multibyte payloads survive the length markers", func(t *testing.T) {
		first := `[["wrb.fr",null,"你好，世界 📹"]]`
		second := `[["wrb.fr",null,"plain"]]`
		s := newFrameScanner(strings.NewReader(framedBody(first, second)))

		p1, err := s.Next()
		require.NoError(t, err)
		assert.Equal(t, first, p1)
		p2, err := s.Next()
		require.NoError(t, err)
		assert.Equal(t, second, p2)
		_, err = s.Next()
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("does not wait for the whole body", func(t *testing.T) {
		payload := `[["wrb.fr",null,"early"]]`
		pr, pw := io.Pipe()
		s := newFrameScanner(pr)
		go func() {
			_, _ = pw.Write([]byte(framedBody(payload)))
			// The writer hangs here; the reader must already have the
			// first payload.
		}()
		got, err := s.Next()
		require.NoError(t, err)
		assert.Equal(t, payload, got)
		_ = pw.Close()
	})

	t.Run("unrecognized line is a desync", func(t *testing.T) {
		s := newFrameScanner(strings.NewReader(")]}'\n\n<html>oops</html>\n"))
		_, err := s.Next()
		var desync *ProtocolDesyncError
		require.ErrorAs(t, err, &desync)
		assert.Contains(t, desync.Detail, "unrecognized line")
	})

	t.Run("garbage after a length marker is a desync", func(t *testing.T) {
		s := newFrameScanner(strings.NewReader(")]}'\n\n500\ntoo short"))
		_, err := s.Next()
		var desync *ProtocolDesyncError
		require.ErrorAs(t, err, &desync)
	})

	t.Run("payload truncated mid body is a desync", func(t *testing.T) {
		s := newFrameScanner(strings.NewReader(")]}'\n\n24\n[[\"wrb.fr\",null,\"cut of"))
		_, err := s.Next()
		var desync *ProtocolDesyncError
		require.ErrorAs(t, err, &desync)
	})

	t.Run("clean end of body", func(t *testing.T) {
		s := newFrameScanner(strings.NewReader(")]}'\n\n"))
		_, err := s.Next()
		assert.ErrorIs(t, err, io.EOF)
	})
}

func TestInnerFrames(t *testing.T) {
	t.Run("extracts wrb frames and skips the rest", func(t *testing.T) {
		payload := `[["wrb.fr",null,"inner-a"],["di",42],["wrb.fr",null,"inner-b"],["e",4,null,null,131]]`
		frames := innerFrames(payload)
		assert.Equal(t, []string{"inner-a", "inner-b"}, frames)
	})

	t.Run("skips frames with null content", func(t *testing.T) {
		payload := `[["wrb.fr",null,null],["wrb.fr",null,"kept"]]`
		assert.Equal(t, []string{"kept"}, innerFrames(payload))
	})

	t.Run("tolerates non-array payloads", func(t *testing.T) {
		assert.Nil(t, innerFrames(`{"unexpected":"shape"}`))
	})
}

func TestPayloadErrorCode(t *testing.T) {
	payload := `[["wrb.fr",null,null,null,null,[null,null,[[null,[1037]]]]]]`
	code, ok := payloadErrorCode(payload)
	require.True(t, ok)
	assert.Equal(t, 1037, code)

	_, ok = payloadErrorCode(`[["wrb.fr",null,"fine"]]`)
	assert.False(t, ok)
}
