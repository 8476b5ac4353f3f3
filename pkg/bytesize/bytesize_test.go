package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"64MB", 64 * MB},
		{"64mb", 64 * MB},
		{"5Mi", 5 * MB},
		{"1.5 GB", 3 * GB / 2},
		{"8MiB", 8 * MB},
		{" 2K ", 2 * KB},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"", "abc", "-5MB", "10XB", "1.2.3MB"} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "512 B", Format(512))
	assert.Equal(t, "64.00 MB", Format(64*MB))
	assert.Equal(t, "1.50 GB", Format(3*GB/2))
}

func TestSizeUnmarshalYAML(t *testing.T) {
	var cfg struct {
		A Size `yaml:"a"`
		B Size `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 16MB\nb: 4096\n"), &cfg))
	assert.Equal(t, 16*MB, cfg.A.Bytes())
	assert.Equal(t, int64(4096), cfg.B.Bytes())
	assert.Equal(t, "16.00 MB", cfg.A.String())

	err := yaml.Unmarshal([]byte("a: lots\n"), &cfg)
	assert.ErrorContains(t, err, "invalid size")
}
