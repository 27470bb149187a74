// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package proc

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfprobe/perfprobe/libpf"
)

func assertSymbol(t *testing.T, symmap *libpf.SymbolMap, name libpf.SymbolName,
	expectedAddress libpf.SymbolValue) {
	addr, err := symmap.LookupSymbolAddress(name)
	require.NoError(t, err)
	assert.Equal(t, expectedAddress, addr)
}

func TestGetKallsyms(t *testing.T) {
	// Zero addresses, as seen without CAP_SYSLOG.
	symmap, err := GetKallsyms("testdata/kallsyms_0")
	require.Error(t, err)
	require.Nil(t, symmap)

	symmap, err = GetKallsyms("testdata/kallsyms_invalid")
	require.Error(t, err)
	require.Nil(t, symmap)

	symmap, err = GetKallsyms("testdata/kallsyms")
	require.NoError(t, err)
	require.NotNil(t, symmap)

	assertSymbol(t, symmap, "cpu_tss_rw", 0x6000)
	assertSymbol(t, symmap, "hid_add_device", 0xffffffffc033e550)

	// Address-to-name resolution for an address inside a function.
	name, offset, ok := symmap.LookupByAddress(0xffffffff81002d15)
	require.True(t, ok)
	assert.Equal(t, libpf.SymbolName("do_one_initcall"), name)
	assert.Equal(t, libpf.Address(0x5), offset)
}

func TestGetKernelModules(t *testing.T) {
	kernelSymbols, err := GetKallsyms("testdata/kallsyms")
	require.NoError(t, err)

	modules, err := GetKernelModules("testdata/modules", kernelSymbols)
	require.NoError(t, err)

	assertSymbol(t, modules, "vmlinux", 0xffffffff81000000)
	assertSymbol(t, modules, "hid", 0xffffffffc0330000)

	name, offset, ok := modules.LookupByAddress(0xffffffffc033e550)
	require.True(t, ok)
	assert.Equal(t, libpf.SymbolName("hid"), name)
	assert.Equal(t, libpf.Address(0xe550), offset)
}

func TestListPIDs(t *testing.T) {
	pids, err := ListPIDs()
	require.NoError(t, err)

	self := libpf.PID(os.Getpid())
	assert.Contains(t, pids, self)
}

func TestIsPIDLive(t *testing.T) {
	live, err := IsPIDLive(libpf.PID(os.Getpid()))
	require.NoError(t, err)
	assert.True(t, live)
}
