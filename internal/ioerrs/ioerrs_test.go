package ioerrs_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/badu/pipehttp/internal/ioerrs"
)

func TestEnsureOK(t *testing.T) {
	require.NoError(t, ioerrs.Ensure(true, errors.New("unused")))
}

func TestEnsureNotOK(t *testing.T) {
	sentinel := errors.New("boom")
	require.ErrorIs(t, ioerrs.Ensure(false, sentinel), sentinel)
}

func TestEnsureValOK(t *testing.T) {
	v, err := ioerrs.EnsureVal(42, true, nil)
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestEnsureValNotOK(t *testing.T) {
	v, err := ioerrs.EnsureVal(42, false, nil)
	require.Error(t, err)
	require.Zero(t, v)
}
