package extractor_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/kjmarlow/hoard/internal/extractor"
	"github.com/stretchr/testify/assert"
)

func TestErrorClassificationHelpers(t *testing.T) {
	base := errors.New("connection reset by peer")

	transient := extractor.Transient(base)
	assert.True(t, extractor.IsTransient(transient))
	assert.False(t, extractor.IsPermanent(transient))
	assert.ErrorIs(t, transient, base)

	permanent := extractor.Permanent(base)
	assert.True(t, extractor.IsPermanent(permanent))
	assert.False(t, extractor.IsTransient(permanent))
	assert.ErrorIs(t, permanent, base)
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	inner := extractor.Permanent(errors.New("requested format is not available"))
	wrapped := fmt.Errorf("fetch attempt 2: %w", inner)

	assert.True(t, extractor.IsPermanent(wrapped))
	assert.False(t, extractor.IsTransient(wrapped))
}

func TestUnclassifiedErrorIsNeither(t *testing.T) {
	err := errors.New("some unknown failure")
	assert.False(t, extractor.IsTransient(err))
	assert.False(t, extractor.IsPermanent(err))
}
