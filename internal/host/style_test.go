package host

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingCompiler struct{}

func (failingCompiler) Compile(source string) (string, error) {
	return "", errors.New("bad css")
}

func TestStyleStorePassthrough(t *testing.T) {
	s := NewStyleStore(nil, nil)

	require.NoError(t, s.Set(".a { color: red; }"))
	assert.Equal(t, ".a { color: red; }", s.Source())
	assert.Equal(t, ".a { color: red; }", s.CSS())
}

func TestStyleStoreKeepsPreviousOnFailure(t *testing.T) {
	s := NewStyleStore(Passthrough{}, nil)
	require.NoError(t, s.Set(".ok {}"))

	failing := NewStyleStore(failingCompiler{}, nil)
	assert.Error(t, failing.Set(".broken"))
	assert.Empty(t, failing.CSS())

	// A store whose compiler starts failing keeps the last good output.
	s.compiler = failingCompiler{}
	assert.Error(t, s.Set(".new"))
	assert.Equal(t, ".ok {}", s.CSS())
	assert.Equal(t, ".ok {}", s.Source())
}
