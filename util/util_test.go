// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextPowerOfTwo(t *testing.T) {
	assert.Equal(t, uint32(1), NextPowerOfTwo(0))
	assert.Equal(t, uint32(1), NextPowerOfTwo(1))
	assert.Equal(t, uint32(4), NextPowerOfTwo(3))
	assert.Equal(t, uint32(4), NextPowerOfTwo(4))
	assert.Equal(t, uint32(128), NextPowerOfTwo(65))
}

func TestParseCPUSet(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected []int
		wantErr  bool
	}{
		"single":     {input: "0", expected: []int{0}},
		"range":      {input: "0-3\n", expected: []int{0, 1, 2, 3}},
		"mixed":      {input: "0,2-4,8", expected: []int{0, 2, 3, 4, 8}},
		"bad":        {input: "x-3", wantErr: true},
		"descending": {input: "4-2", wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cpus, err := ParseCPUSet(tc.input)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, cpus)
		})
	}
}
