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

package sideband

// EventType is the kind of a hardware trace event.
type EventType uint8

const (
	EventEnabled EventType = iota
	EventDisabled
	EventAsyncDisabled
	EventAsyncBranch
	EventPaging
	EventAsyncPaging
	EventOverflow
	EventExecMode
	EventTSX
	EventStop
	EventVMCS
	EventAsyncVMCS
	EventExstop
	EventMwait
	EventPwre
	EventPwrx
	EventPtwrite
	EventTick
	EventCBR
	EventMnt
)

var eventTypeNames = [...]string{
	EventEnabled:       "enabled",
	EventDisabled:      "disabled",
	EventAsyncDisabled: "async-disabled",
	EventAsyncBranch:   "async-branch",
	EventPaging:        "paging",
	EventAsyncPaging:   "async-paging",
	EventOverflow:      "overflow",
	EventExecMode:      "exec-mode",
	EventTSX:           "tsx",
	EventStop:          "stop",
	EventVMCS:          "vmcs",
	EventAsyncVMCS:     "async-vmcs",
	EventExstop:        "exstop",
	EventMwait:         "mwait",
	EventPwre:          "pwre",
	EventPwrx:          "pwrx",
	EventPtwrite:       "ptwrite",
	EventTick:          "tick",
	EventCBR:           "cbr",
	EventMnt:           "mnt",
}

func (t EventType) String() string {
	if int(t) < len(eventTypeNames) {
		return eventTypeNames[t]
	}
	return "unknown"
}

// HasIP reports whether events of type t carry an instruction pointer.
// The IP may still be suppressed on individual events.
func (t EventType) HasIP() bool {
	switch t {
	case EventEnabled, EventDisabled, EventAsyncDisabled, EventAsyncBranch,
		EventOverflow, EventExecMode, EventTSX, EventExstop, EventPtwrite, EventTick:
		return true
	default:
		return false
	}
}

// Event is a hardware trace event as decoded from the trace.
type Event struct {
	Type EventType

	TSC    uint64
	HasTSC bool

	// IPSuppressed is set if IP is not valid.
	IPSuppressed bool
	IP           uint64

	// At is the source address of asynchronous events: the address at
	// which tracing was disabled or the branch was taken.
	At uint64
}
