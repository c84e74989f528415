//go:build linux

package physmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodePagemapEntry(t *testing.T) {
	tests := []struct {
		name        string
		entry       uint64
		expected    Addr
		containsErr string
	}{
		{
			name:        "not present",
			entry:       0x1234,
			containsErr: "not present",
		},
		{
			name:        "hidden frame",
			entry:       pagemapPresent,
			containsErr: "hidden",
		},
		{
			name:     "present",
			entry:    pagemapPresent | 1<<61 | 0x1a2b3,
			expected: 0x1a2b3000,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pa, err := decodePagemapEntry(tt.entry)
			if tt.containsErr != "" {
				assert.ErrorContains(t, err, tt.containsErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, pa)
		})
	}
}
