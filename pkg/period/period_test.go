package period

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"30m", 30 * time.Minute},
		{"2h", 2 * time.Hour},
		{"1d", 24 * time.Hour},
		{"8w", 8 * Week},
		{"10y", 10 * Year},
		{"5H", 5 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "30", "h", "0s", "1.5h", "3x", "-2m", "99999999999y"} {
		_, err := Parse(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestPeriod_UnmarshalYAML(t *testing.T) {
	var cfg map[string]Period
	require.NoError(t, yaml.Unmarshal([]byte("default: 10y\nCHECKSUM_MATCH: 8w\n"), &cfg))
	assert.Equal(t, 10*Year, cfg["default"].Duration())
	assert.Equal(t, 8*Week, cfg["CHECKSUM_MATCH"].Duration())

	assert.Error(t, yaml.Unmarshal([]byte("default: forever\n"), &cfg))
}
