package updater

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsNewer(t *testing.T) {
	tests := []struct {
		current string
		latest  string
		want    bool
	}{
		{"v1.0.0", "v1.0.1", true},
		{"v1.0.1", "v1.0.0", false},
		{"v1.0.0", "v1.0.0", false},
		{"1.0.0", "v1.1.0", true},
		{"v2.0.0", "1.9.9", false},
		{"dev", "v0.0.1", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsNewer(tt.current, tt.latest), "%s -> %s", tt.current, tt.latest)
	}
}
