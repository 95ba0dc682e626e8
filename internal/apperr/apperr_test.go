package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{name: "nil", err: nil, want: ""},
		{name: "application", err: ErrDuplicateBet, want: DuplicateBet},
		{name: "wrapped application", err: fmt.Errorf("place bet: %w", ErrWrongPhase), want: WrongPhase},
		{name: "internal", err: errors.New("connection reset by peer"), want: Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClientCode(tt.err))
		})
	}
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("cash out: %w", &Error{Code: AlreadySettled})

	assert.True(t, errors.Is(err, ErrAlreadySettled))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.True(t, IsApplication(err))
	assert.False(t, IsApplication(errors.New("boom")))
}
