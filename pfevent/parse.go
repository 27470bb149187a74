// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package pfevent // import "github.com/perfprobe/perfprobe/pfevent"

import (
	"fmt"
	"strings"
)

// ParseEventSpec parses a symbolic event specification of the form
// "event[:modifiers]" into a Descriptor. The event is either a name from
// the hardware/software tables ("cycles", "page-faults", ...) or a
// tracepoint in "category:name" notation ("sched:sched_switch").
//
// Supported modifiers follow the usual perf convention:
//
//	u  count in user space only
//	k  count in kernel space only
//	h  count in hypervisor only
//	I  do not count when idle
//	G  count in KVM guests
//	H  count on the host
//	p  constrain skid; may be repeated up to "ppp"
//	P  use maximum detected precise level
//
// Sampling mode and scope are not part of the spec syntax and are left at
// their zero values for the caller to fill in.
func ParseEventSpec(spec string) (*Descriptor, error) {
	if spec == "" {
		return nil, fmt.Errorf("%w: empty event spec", ErrUnsupportedEvent)
	}

	name := spec
	modifiers := ""

	// Tracepoint specs contain a category separator; their optional
	// modifier part is the third colon-separated field.
	parts := strings.Split(spec, ":")
	var desc *Descriptor
	switch {
	case len(parts) >= 2 && isTracepointSpec(parts[0], parts[1]):
		desc = &Descriptor{
			Name: parts[0] + ":" + parts[1],
			Kind: TracepointEvent,
		}
		if len(parts) > 2 {
			modifiers = parts[2]
		}
		if len(parts) > 3 {
			return nil, fmt.Errorf("%w: malformed tracepoint spec '%s'",
				ErrUnsupportedEvent, spec)
		}
	default:
		if len(parts) > 2 {
			return nil, fmt.Errorf("%w: malformed event spec '%s'",
				ErrUnsupportedEvent, spec)
		}
		if len(parts) == 2 {
			name, modifiers = parts[0], parts[1]
		}
		info, ok := lookupEventName(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown event '%s'", ErrUnsupportedEvent, name)
		}
		desc = &Descriptor{
			Name:   spec,
			Kind:   info.Kind,
			Config: info.Config,
		}
	}

	if err := applyModifiers(desc, modifiers); err != nil {
		return nil, err
	}
	return desc, nil
}

// isTracepointSpec decides whether "a:b" names a tracepoint rather than an
// "event:modifiers" pair. A tracepoint category is never a known event name,
// and tracepoint names are longer than any modifier run.
func isTracepointSpec(category, name string) bool {
	if _, ok := lookupEventName(category); ok {
		return false
	}
	return name != "" && !isModifierRun(name)
}

func isModifierRun(s string) bool {
	for _, c := range s {
		if !strings.ContainsRune("ukhIGHpP", c) {
			return false
		}
	}
	return true
}

func applyModifiers(desc *Descriptor, modifiers string) error {
	if modifiers == "" {
		return nil
	}

	// Explicit exclusion modifiers invert the default of counting
	// everywhere: naming one space means counting only there.
	excludeSeen := false
	excludeUser, excludeKernel, excludeHV := true, true, true

	for _, c := range modifiers {
		switch c {
		case 'u':
			excludeSeen, excludeUser = true, false
		case 'k':
			excludeSeen, excludeKernel = true, false
		case 'h':
			excludeSeen, excludeHV = true, false
		case 'I':
			desc.ExcludeIdle = true
		case 'G':
			// Guest counting is the kernel default; nothing to flip.
		case 'H':
			// Host counting likewise.
		case 'p':
			if desc.PreciseIP >= 3 {
				return fmt.Errorf("precise level limit exceeded in '%s'", desc.Name)
			}
			desc.PreciseIP++
		case 'P':
			desc.PreciseIP = 3
		default:
			return fmt.Errorf("%w: invalid modifier '%c' in '%s'",
				ErrUnsupportedEvent, c, desc.Name)
		}
	}

	if excludeSeen {
		desc.ExcludeUser = excludeUser
		desc.ExcludeKernel = excludeKernel
		desc.ExcludeHV = excludeHV
	}
	return nil
}
