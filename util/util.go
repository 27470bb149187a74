// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

// Package util contains convenience helpers shared across packages.
package util // import "github.com/perfprobe/perfprobe/util"

import (
	"fmt"
	"math/bits"
	"os"
	"strconv"
	"strings"
)

// HexToUint64 is a convenience function to extract a hex string to a uint64 and
// not worry about errors. Essentially a "mustConvertHexToUint64".
func HexToUint64(str string) uint64 {
	v, err := strconv.ParseUint(str, 16, 64)
	if err != nil {
		panic(fmt.Sprintf("failure to hex-convert %s to uint64: %v", str, err))
	}
	return v
}

// NextPowerOfTwo returns input value if it's a power of two,
// otherwise it returns the next power of two.
func NextPowerOfTwo(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	return 1 << bits.Len32(v-1)
}

// OnDiskFileIdentifier can be used as unique identifier for a file.
// It is a structure to identify a particular file on disk by
// deviceID and inode number.
type OnDiskFileIdentifier struct {
	DeviceID uint64 // dev_t as reported by stat.
	InodeNum uint64 // ino_t should fit into 64 bits
}

func (odfi OnDiskFileIdentifier) Hash32() uint32 {
	return uint32(odfi.InodeNum) + uint32(odfi.DeviceID)
}

// ParseCPUSet parses a CPU list in the kernel's sysfs list format,
// e.g. "0-7" or "0,2-4,8", into the individual CPU numbers.
func ParseCPUSet(s string) ([]int, error) {
	var cpus []int
	for _, part := range strings.Split(strings.TrimSpace(s), ",") {
		if part == "" {
			continue
		}
		lo, hi, hasRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid cpu list entry '%s': %v", part, err)
		}
		end := start
		if hasRange {
			if end, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("invalid cpu list entry '%s': %v", part, err)
			}
		}
		if end < start {
			return nil, fmt.Errorf("invalid cpu range '%s'", part)
		}
		for cpu := start; cpu <= end; cpu++ {
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}

// OnlineCPUs returns the list of CPUs that are currently online.
func OnlineCPUs() ([]int, error) {
	data, err := os.ReadFile("/sys/devices/system/cpu/online")
	if err != nil {
		return nil, fmt.Errorf("failed to read online CPUs: %v", err)
	}
	return ParseCPUSet(string(data))
}
