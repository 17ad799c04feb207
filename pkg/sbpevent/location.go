// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package sbpevent

import "github.com/parca-dev/parca-sideband/pkg/sideband"

// location is where the decoder believes the traced CPU is executing.
type location uint8

const (
	locationUnknown location = iota
	locationInKernel
	locationInUser
	locationLikelyInKernel
	locationLikelyInUser
)

func (l location) String() string {
	switch l {
	case locationInKernel:
		return "kernel"
	case locationInUser:
		return "user"
	case locationLikelyInKernel:
		return "likely-kernel"
	case locationLikelyInUser:
		return "likely-user"
	default:
		return "unknown"
	}
}

// opposite is the location after leaving l for an unknown destination.
func (l location) opposite() location {
	switch l {
	case locationInKernel, locationLikelyInKernel:
		return locationLikelyInUser
	case locationInUser, locationLikelyInUser:
		return locationLikelyInKernel
	default:
		return locationUnknown
	}
}

// mayCommit reports whether a context switch may take effect at l. Switches
// happen in the kernel, or before we know anything.
func (l location) mayCommit() bool {
	return l == locationInKernel || l == locationLikelyInKernel || l == locationUnknown
}

func (d *Decoder) locationOf(ip uint64) location {
	kernelStart := d.cfg.KernelStart
	if kernelStart == 0 {
		// Without a configured start, the kernel owns the upper half of
		// the canonical address space.
		if int64(ip) < 0 {
			return locationInKernel
		}
		return locationInUser
	}
	if ip >= kernelStart {
		return locationInKernel
	}
	return locationInUser
}

// track returns the location after ev given the location prev before it.
func (d *Decoder) track(prev location, ev *sideband.Event) location {
	switch ev.Type {
	case sideband.EventPaging, sideband.EventAsyncPaging:
		return locationLikelyInKernel

	case sideband.EventAsyncDisabled:
		from := d.locationOf(ev.At)
		if ev.IPSuppressed {
			return from.opposite()
		}
		return d.locationOf(ev.IP)
	}

	if !ev.Type.HasIP() {
		return prev
	}
	if ev.IPSuppressed {
		return prev.opposite()
	}
	return d.locationOf(ev.IP)
}
