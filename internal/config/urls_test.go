package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestURLDirname(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"http://localhost:8001/control", "http://localhost:8001"},
		{"https://example.com/a/b/control", "https://example.com/a/b"},
		{"http://localhost:8001/control?api=1", "http://localhost:8001"},
		{"http://localhost:8001/control#frag", "http://localhost:8001"},
		{"http://localhost:8001/", "http://localhost:8001"},
		{"http://localhost:8001", "http://localhost:8001"},
		{"bad url", ""},
		{"", ""},
		{"/relative/control", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, URLDirname(tt.input), "input %q", tt.input)
	}
}
