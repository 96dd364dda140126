package lam

import (
	"errors"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsOutOfMemory(t *testing.T) {
	assert.False(t, IsOutOfMemory(nil))
	assert.False(t, IsOutOfMemory(errors.New("invalid input name")))
	assert.True(t, IsOutOfMemory(errors.New("CUDA failure 2: out of memory")))
	assert.True(t, IsOutOfMemory(errors.New("Failed to allocate memory for requested buffer")))
	assert.True(t, IsOutOfMemory(errors.New("std::bad_alloc")))
}

func TestDefaultLibraryPath(t *testing.T) {
	p := DefaultLibraryPath()
	assert.True(t, strings.HasPrefix(p, "./lib/onnxruntime"))
	if runtime.GOOS == "windows" {
		assert.Equal(t, "./lib/onnxruntime.dll", p)
	}
}

func TestOnnxConfigRequiresLibPath(t *testing.T) {
	cfg := &OnnxConfig{}
	assert.Error(t, cfg.New())
	cfg.Destroy()
}
