package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeAction(t *testing.T) {
	tests := []struct {
		provider string
		wire     string
		want     string
	}{
		{"playwright", "browser_navigate", "browser_navigate"},
		{"filesystem", "filesystem_read_file", "read_file"},
		{"filesystem", "filesystem__read_file", "read_file"},
		{"shell", "shell_", "shell_"},
		{"memory", "memorize", "memorize"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeAction(tt.provider, tt.wire), "provider=%s wire=%s", tt.provider, tt.wire)
	}
}

func TestFlattenEnv(t *testing.T) {
	got := flattenEnv(map[string]string{"B": "2", "A": "1"})
	assert.Equal(t, []string{"A=1", "B=2"}, got)
}

func TestIsTransportDead(t *testing.T) {
	assert.True(t, isTransportDead(errEOF{}))
	assert.False(t, isTransportDead(errOther{}))
}

type errEOF struct{}

func (errEOF) Error() string { return "request failed: unexpected EOF" }

type errOther struct{}

func (errOther) Error() string { return "tool returned invalid arguments" }
