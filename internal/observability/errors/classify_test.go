package errors

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/quillworks/quill-jobs/internal/errors"
)

func TestClassify(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.Empty(t, Classify(nil))
	})

	t.Run("taxonomy errors tag with their code", func(t *testing.T) {
		assert.Equal(t, "invalid_transition",
			Classify(apperrors.InvalidTransitionf("job %s is completed", "j1")))
		assert.Equal(t, "infrastructure",
			Classify(apperrors.Infrastructure("store unavailable")))
	})

	t.Run("wrapped taxonomy errors keep the code", func(t *testing.T) {
		err := fmt.Errorf("cancel job: %w", apperrors.Infrastructure("store unavailable"))
		assert.Equal(t, "infrastructure", Classify(err))
	})

	t.Run("other errors tag with the innermost type", func(t *testing.T) {
		err := fmt.Errorf("dial: %w", &net.OpError{Op: "dial", Err: fmt.Errorf("refused")})
		got := Classify(err)
		assert.NotEmpty(t, got)
		assert.NotContains(t, got, "*")
	})
}
