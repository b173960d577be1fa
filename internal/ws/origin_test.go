package ws

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckOrigin(t *testing.T) {
	check := makeCheckOrigin([]string{"http://localhost:5173", " HTTPS://Chat.Example.com "})

	cases := map[string]bool{
		"":                             true,
		"http://localhost:5173":        true,
		"https://chat.example.com":     true,
		"https://chat.example.com/app": true,
		"https://evil.example":         false,
		"not a url":                    false,
		"http://localhost:5174":        false,
	}
	for origin, want := range cases {
		r := httptest.NewRequest("GET", "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		assert.Equal(t, want, check(r), origin)
	}
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", extractToken(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "bearer, xyz")
	assert.Equal(t, "xyz", extractToken(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "chat")
	assert.Empty(t, extractToken(r))
}
