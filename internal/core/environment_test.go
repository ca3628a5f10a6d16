package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEnvironment(t *testing.T) {
	tests := map[string]Environment{
		"production": Production,
		" PROD ":     Production,
		"test":       Testing,
		"Testing":    Testing,
		"staging":    Development,
		"":           Development,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseEnvironment(in), in)
	}
	assert.True(t, Production.IsProduction())
	assert.False(t, Development.IsProduction())
}
