package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevErrorFormatting(t *testing.T) {
	tests := []struct {
		name     string
		err      *DevError
		expected string
	}{
		{
			name:     "message only",
			err:      &DevError{Message: "boom"},
			expected: "boom",
		},
		{
			name:     "code and op",
			err:      NewBuildError(CodeNoSources, "no sources matched", nil).WithOp("compile"),
			expected: "[BUILD_NO_SOURCES] compile: no sources matched",
		},
		{
			name:     "with cause",
			err:      NewServerError(CodeListenFailed, "listen", fmt.Errorf("address already in use")),
			expected: "[SERVER_LISTEN_FAILED] listen: address already in use",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestFatality(t *testing.T) {
	assert.False(t, IsFatal(NewBuildError(CodeCompileFailed, "compile", nil)))
	assert.True(t, IsFatal(NewServerError(CodeListenFailed, "listen", nil)))
	assert.False(t, IsFatal(NewServerError(CodeRenderFailed, "render", nil)))
	assert.True(t, IsFatal(NewProcessError(CodeSpawnFailed, "spawn", nil)))
	assert.True(t, IsFatal(NewConfigError("bad port", nil)))
	assert.False(t, IsFatal(errors.New("plain")))
	assert.False(t, IsFatal(nil))
}

func TestWrapKeepsChain(t *testing.T) {
	base := NewServerError(CodeListenFailed, "listen", errors.New("in use"))
	wrapped := Wrap(base, ErrorTypeInternal, CodeStageFailed, "stage serve failed")
	require.Error(t, wrapped)

	assert.True(t, IsFatal(wrapped), "fatality propagates through Wrap")
	assert.True(t, errors.Is(wrapped, &DevError{Type: ErrorTypeServer, Code: CodeListenFailed}))
	assert.Equal(t, ErrorTypeInternal, GetType(wrapped))

	assert.Nil(t, Wrap(nil, ErrorTypeBuild, CodeCompileFailed, "nothing"))
}

func TestIsBuildError(t *testing.T) {
	err := fmt.Errorf("rebuild: %w", NewBuildError(CodeCompileFailed, "elm make failed", nil))
	assert.True(t, IsBuildError(err))
	assert.False(t, IsBuildError(errors.New("other")))
}

func TestHasCodeSearchesChain(t *testing.T) {
	base := NewBuildError(CodeNoSources, "no sources matched elm/**/*.elm", nil)
	wrapped := Wrap(fmt.Errorf("compile: %w", base), ErrorTypeInternal, CodeStageFailed, "stage compile failed")

	assert.True(t, HasCode(wrapped, CodeStageFailed))
	assert.True(t, HasCode(wrapped, CodeNoSources))
	assert.False(t, HasCode(wrapped, CodeListenFailed))
	assert.False(t, HasCode(errors.New("plain"), CodeNoSources))
	assert.False(t, HasCode(nil, CodeNoSources))
}
