package kernelerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHigherPrecedence(t *testing.T) {
	require.Equal(t, CategoryFatal, Higher(CategoryFatal, CategoryPermanent))
	require.Equal(t, CategoryPermanent, Higher(CategoryRetriable, CategoryPermanent))
	require.Equal(t, CategoryRetriable, Higher(CategoryTransient, CategoryRetriable))
	require.Equal(t, CategoryTransient, Higher(CategoryTransient, CategoryTransient))
}

func TestNewWrapsUnderlyingError(t *testing.T) {
	cause := errors.New("boom")
	err := New("op.do", CategoryTransient, "step-1", cause)

	require.True(t, errors.Is(err, cause))
	require.Contains(t, err.Error(), "step-1")
	require.Contains(t, err.Error(), "boom")
}

func TestNewfFormatsMessageWithoutWrapping(t *testing.T) {
	err := Newf("op.do", CategoryFatal, "step-2", "bad thing: %s", "reason")
	require.Contains(t, err.Error(), "bad thing: reason")
	require.Nil(t, err.Err)
}

func TestCategoryOfDefaultsToPermanentForUnclassifiedError(t *testing.T) {
	require.Equal(t, CategoryPermanent, CategoryOf(errors.New("plain")))
}

func TestCategoryOfExtractsWrappedCategory(t *testing.T) {
	err := New("op.do", CategoryRetriable, "", errors.New("x"))
	require.Equal(t, CategoryRetriable, CategoryOf(err))
}

func TestIsFatal(t *testing.T) {
	require.True(t, IsFatal(New("op", CategoryFatal, "", errors.New("x"))))
	require.False(t, IsFatal(New("op", CategoryPermanent, "", errors.New("x"))))
}

func TestErrorsAsRecoversKernelError(t *testing.T) {
	var ke *KernelError
	err := New("op.do", CategoryTransient, "s", ErrCircuitOpen)
	require.True(t, errors.As(err, &ke))
	require.Equal(t, "op.do", ke.Op)
}
