package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("invalid payload"), false},
		{"explicit", NewTransientError(errors.New("busy"), 503), true},
		{"wrapped explicit", fmt.Errorf("analyze: %w", NewTransientError(errors.New("busy"), 429)), true},
		{"net timeout", timeoutErr{}, true},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"message", errors.New("dial tcp: lookup oauth.reddit.com: no such host"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestRetryableStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, RetryableStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		assert.False(t, RetryableStatus(code), code)
	}
}

func TestStatusError(t *testing.T) {
	err := StatusError("newsapi", 429, []byte(`{"status":"error","code":"rateLimited"}`))
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "newsapi: unexpected status 429")

	var te *TransientError
	assert.True(t, errors.As(err, &te))
	assert.Equal(t, 429, te.StatusCode)

	err = StatusError("newsapi", 401, []byte("unauthorized"))
	assert.False(t, IsTransient(err))

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	err = StatusError("model", 400, long)
	assert.Less(t, len(err.Error()), 400)
}
