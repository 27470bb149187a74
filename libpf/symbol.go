// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "github.com/perfprobe/perfprobe/libpf"

import (
	"fmt"
	"sort"
)

// SymbolValue represents the value associated with a symbol, e.g. either an
// offset or an absolute address.
type SymbolValue uint64

// SymbolName represents the name of a symbol.
type SymbolName string

// SymbolValueInvalid is the value returned by SymbolMap functions when symbol was not found.
const SymbolValueInvalid = SymbolValue(0)

// SymbolNameUnknown is the value returned by SymbolMap functions when address has no symbol info.
const SymbolNameUnknown = ""

// Symbol represents a single symbol.
type Symbol struct {
	Name    SymbolName
	Address SymbolValue
	Size    uint64
}

// SymbolMap represents a collection of symbols that can be resolved or
// reverse mapped.
type SymbolMap struct {
	nameToSymbol    map[SymbolName]*Symbol
	addressToSymbol []Symbol
}

func NewSymbolMap(capacity int) *SymbolMap {
	return &SymbolMap{
		addressToSymbol: make([]Symbol, 0, capacity),
	}
}

// Add a symbol to the map.
func (symmap *SymbolMap) Add(s Symbol) {
	symmap.addressToSymbol = append(symmap.addressToSymbol, s)
}

// Finalize symbol map by sorting and constructing the nameToSymbol table after
// all symbols are inserted via Add() calls.
func (symmap *SymbolMap) Finalize() {
	// Adjust the overcommitted capacity
	a := make([]Symbol, len(symmap.addressToSymbol))
	copy(a, symmap.addressToSymbol)
	symmap.addressToSymbol = a

	sort.Slice(symmap.addressToSymbol,
		func(i, j int) bool {
			return symmap.addressToSymbol[i].Address > symmap.addressToSymbol[j].Address
		})

	symmap.nameToSymbol = make(map[SymbolName]*Symbol, len(symmap.addressToSymbol))
	for i, s := range symmap.addressToSymbol {
		symmap.nameToSymbol[s.Name] = &symmap.addressToSymbol[i]
	}
}

// LookupSymbolAddress returns the address of a symbol.
// Returns SymbolValueInvalid and error if not found.
func (symmap *SymbolMap) LookupSymbolAddress(symbolName SymbolName) (SymbolValue, error) {
	if sym, ok := symmap.nameToSymbol[symbolName]; ok {
		return sym.Address, nil
	}
	return SymbolValueInvalid, fmt.Errorf("symbol %v not present in map", symbolName)
}

// LookupByAddress translates the address to symbolic information. Returns empty
// string and absolute address if it did not match any symbol.
func (symmap *SymbolMap) LookupByAddress(val SymbolValue) (SymbolName, Address, bool) {
	i := sort.Search(len(symmap.addressToSymbol),
		func(i int) bool {
			return val >= symmap.addressToSymbol[i].Address
		})
	if i < len(symmap.addressToSymbol) &&
		(symmap.addressToSymbol[i].Size == 0 ||
			val < symmap.addressToSymbol[i].Address+
				SymbolValue(symmap.addressToSymbol[i].Size)) {
		return symmap.addressToSymbol[i].Name,
			Address(val - symmap.addressToSymbol[i].Address),
			true
	}
	return SymbolNameUnknown, Address(val), false
}

// Len returns the number of elements in the map.
func (symmap *SymbolMap) Len() int {
	return len(symmap.addressToSymbol)
}
