package httputil

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBodyStrict(t *testing.T) {
	t.Run("reads body within limit", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", strings.NewReader("hello"))
		w := httptest.NewRecorder()

		body, err := ReadBodyStrict(w, r, 1024)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), body)
	})

	t.Run("rejects oversized body", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 100)))
		w := httptest.NewRecorder()

		_, err := ReadBodyStrict(w, r, 10)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrPayloadTooLarge)
	})

	t.Run("rejects empty body", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", strings.NewReader(""))
		w := httptest.NewRecorder()

		_, err := ReadBodyStrict(w, r, 1024)
		assert.Error(t, err)
	})
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	err := WriteJSON(w, 200, map[string]bool{"received": true})
	require.NoError(t, err)

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"received":true}`, w.Body.String())
}

func TestClientIP(t *testing.T) {
	t.Run("prefers X-Forwarded-For", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		assert.Equal(t, "203.0.113.7", ClientIP(r))
	})

	t.Run("falls back to RemoteAddr", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "192.0.2.1:1234"
		assert.Equal(t, "192.0.2.1:1234", ClientIP(r))
	})
}
