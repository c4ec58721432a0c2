package resilience

import (
	"fmt"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit transient", NewTransientError(eris.New("throttled"), 429), true},
		{"transient wrapped deeper", fmt.Errorf("fetch: %w", NewTransientError(eris.New("bad gateway"), 502)), true},
		{"connection reset errno", fmt.Errorf("dial: %w", syscall.ECONNRESET), true},
		{"reset by message", eris.New("read tcp: connection reset by peer"), true},
		{"dns by message", eris.New("lookup example.com: no such host"), true},
		{"plain failure", eris.New("row not found"), false},
		{"auth failure", eris.New("401 unauthorized"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 301, 400, 401, 403, 404, 422, 501} {
		assert.False(t, IsTransientHTTPStatus(code), "status %d", code)
	}
}

func TestTransientErrorUnwrap(t *testing.T) {
	inner := eris.New("slow down")
	te := NewTransientError(inner, 429)

	assert.Equal(t, "slow down", te.Error())
	assert.Equal(t, inner, te.Unwrap())
	assert.Equal(t, 429, te.StatusCode)
}
