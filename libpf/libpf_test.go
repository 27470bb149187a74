// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package libpf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameSymbol(t *testing.T) {
	tests := map[string]struct {
		frame    Frame
		resolved bool
		symbol   string
	}{
		"resolved": {
			frame: Frame{
				Kind:         NativeFrame,
				Address:      0x55d3f4e210a0,
				Module:       "libc.so.6",
				FunctionName: "malloc",
			},
			resolved: true,
			symbol:   "malloc",
		},
		"unresolved": {
			frame: Frame{
				Kind:    NativeFrame,
				Address: 0xdeadbeef,
			},
			resolved: false,
			symbol:   "[unknown] 0xdeadbeef",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.resolved, tc.frame.Resolved())
			assert.Equal(t, tc.symbol, tc.frame.Symbol())
		})
	}
}

func TestHashCallchain(t *testing.T) {
	a := HashCallchain([]uint64{0x1000, 0x2000, 0x3000})
	b := HashCallchain([]uint64{0x1000, 0x2000, 0x3000})
	c := HashCallchain([]uint64{0x1000, 0x2000})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, HashCallchain(nil))
}

func TestSymbolMap(t *testing.T) {
	symmap := NewSymbolMap(3)
	symmap.Add(Symbol{Name: "func1", Address: 0x1000, Size: 0x100})
	symmap.Add(Symbol{Name: "func2", Address: 0x2000, Size: 0x100})
	symmap.Add(Symbol{Name: "func3", Address: 0x3000, Size: 0})
	symmap.Finalize()

	require.Equal(t, 3, symmap.Len())

	name, offset, ok := symmap.LookupByAddress(0x1010)
	require.True(t, ok)
	assert.Equal(t, SymbolName("func1"), name)
	assert.Equal(t, Address(0x10), offset)

	// Size-bounded symbols do not cover addresses past their end.
	_, _, ok = symmap.LookupByAddress(0x2200)
	assert.False(t, ok)

	// Zero-sized symbols cover everything up to the next symbol.
	name, _, ok = symmap.LookupByAddress(0x4000)
	require.True(t, ok)
	assert.Equal(t, SymbolName("func3"), name)

	_, _, ok = symmap.LookupByAddress(0x10)
	assert.False(t, ok)

	addr, err := symmap.LookupSymbolAddress("func2")
	require.NoError(t, err)
	assert.Equal(t, SymbolValue(0x2000), addr)

	_, err = symmap.LookupSymbolAddress("nosuchfunc")
	require.Error(t, err)
}
