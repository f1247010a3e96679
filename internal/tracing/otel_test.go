package tracing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSampleRatio(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  float64
	}{
		{"unset records everything", "", 1},
		{"valid ratio", "0.25", 0.25},
		{"zero disables sampling", "0", 0},
		{"above one falls back", "2.5", 1},
		{"negative falls back", "-0.5", 1},
		{"garbage falls back", "lots", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PIVOT_TRACE_SAMPLE", tt.value)
			assert.Equal(t, tt.want, sampleRatio())
		})
	}
}
