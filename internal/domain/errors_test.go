package domain

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"bookingsync/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestErrorTaxonomy(t *testing.T) {
	t.Run("ValidationError", func(t *testing.T) {
		err := Invalid("end", models.ErrEndBeforeStart)
		assert.ErrorIs(t, err, ErrValidation)
		assert.ErrorIs(t, err, models.ErrEndBeforeStart)
		assert.Contains(t, err.Error(), "end")

		var ve *ValidationError
		assert.True(t, errors.As(fmt.Errorf("stop: %w", err), &ve))
		assert.Equal(t, "end", ve.Field)
	})

	t.Run("InvalidTransition", func(t *testing.T) {
		assert.ErrorIs(t, ErrInvalidTransition, ErrValidation)
	})

	t.Run("Transport", func(t *testing.T) {
		err := TransportError("get current booking", io.ErrUnexpectedEOF)
		assert.ErrorIs(t, err, ErrTransport)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		assert.True(t, Retryable(err))
		assert.False(t, Retryable(ErrConflict))
	})
}
