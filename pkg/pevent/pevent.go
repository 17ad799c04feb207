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

// Package pevent reads and writes single perf-event records as they appear
// in a perf sideband stream. See man 2 perf_event_open for the layout.
package pevent

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RecordType is the type of a perf-event record.
type RecordType uint32

// Known record types.
const (
	RecordTypeMmap          RecordType = unix.PERF_RECORD_MMAP
	RecordTypeLost          RecordType = unix.PERF_RECORD_LOST
	RecordTypeComm          RecordType = unix.PERF_RECORD_COMM
	RecordTypeExit          RecordType = unix.PERF_RECORD_EXIT
	RecordTypeThrottle      RecordType = unix.PERF_RECORD_THROTTLE
	RecordTypeUnthrottle    RecordType = unix.PERF_RECORD_UNTHROTTLE
	RecordTypeFork          RecordType = unix.PERF_RECORD_FORK
	RecordTypeMmap2         RecordType = unix.PERF_RECORD_MMAP2
	RecordTypeAux           RecordType = unix.PERF_RECORD_AUX
	RecordTypeItraceStart   RecordType = unix.PERF_RECORD_ITRACE_START
	RecordTypeLostSamples   RecordType = unix.PERF_RECORD_LOST_SAMPLES
	RecordTypeSwitch        RecordType = unix.PERF_RECORD_SWITCH
	RecordTypeSwitchCPUWide RecordType = unix.PERF_RECORD_SWITCH_CPU_WIDE
)

var recordTypeNames = map[RecordType]string{
	RecordTypeMmap:          "PERF_RECORD_MMAP",
	RecordTypeLost:          "PERF_RECORD_LOST",
	RecordTypeComm:          "PERF_RECORD_COMM",
	RecordTypeExit:          "PERF_RECORD_EXIT",
	RecordTypeThrottle:      "PERF_RECORD_THROTTLE",
	RecordTypeUnthrottle:    "PERF_RECORD_UNTHROTTLE",
	RecordTypeFork:          "PERF_RECORD_FORK",
	RecordTypeMmap2:         "PERF_RECORD_MMAP2",
	RecordTypeAux:           "PERF_RECORD_AUX",
	RecordTypeItraceStart:   "PERF_RECORD_ITRACE_START",
	RecordTypeLostSamples:   "PERF_RECORD_LOST_SAMPLES",
	RecordTypeSwitch:        "PERF_RECORD_SWITCH",
	RecordTypeSwitchCPUWide: "PERF_RECORD_SWITCH_CPU_WIDE",
}

func (rt RecordType) String() string {
	if name, ok := recordTypeNames[rt]; ok {
		return name
	}
	return fmt.Sprintf("PERF_RECORD_UNKNOWN(%d)", uint32(rt))
}

func (rt RecordType) known() bool {
	_, ok := recordTypeNames[rt]
	return ok
}

// SampleType selects the sample fields trailing each record. Only the bits
// that take part in the sample_id_all tail are interpreted.
type SampleType uint64

const (
	SampleTID        SampleType = unix.PERF_SAMPLE_TID
	SampleTime       SampleType = unix.PERF_SAMPLE_TIME
	SampleID         SampleType = unix.PERF_SAMPLE_ID
	SampleStreamID   SampleType = unix.PERF_SAMPLE_STREAM_ID
	SampleCPU        SampleType = unix.PERF_SAMPLE_CPU
	SampleIdentifier SampleType = unix.PERF_SAMPLE_IDENTIFIER

	sampleMask = SampleTID | SampleTime | SampleID | SampleStreamID | SampleCPU | SampleIdentifier
)

// Bits of the record header's misc field.
const (
	MiscCPUModeMask = 0x7

	MiscMmapData         = 1 << 13 // PERF_RECORD_MISC_MMAP_DATA
	MiscCommExec         = 1 << 13 // PERF_RECORD_MISC_COMM_EXEC
	MiscSwitchOut        = 1 << 13 // PERF_RECORD_MISC_SWITCH_OUT
	MiscSwitchOutPreempt = 1 << 14 // PERF_RECORD_MISC_SWITCH_OUT_PREEMPT
)

// CPUMode is the processor mode a record was generated in.
type CPUMode uint8

const (
	CPUModeUnknown     CPUMode = 0
	CPUModeKernel      CPUMode = 1
	CPUModeUser        CPUMode = 2
	CPUModeHypervisor  CPUMode = 3
	CPUModeGuestKernel CPUMode = 4
	CPUModeGuestUser   CPUMode = 5
)

// AuxFlag describes an update of the AUX area.
type AuxFlag uint64

const (
	AuxTruncated AuxFlag = 0x01 // record was truncated to fit
	AuxOverwrite AuxFlag = 0x02 // snapshot from overwrite mode
	AuxPartial   AuxFlag = 0x04 // record contains gaps
	AuxCollision AuxFlag = 0x08 // sample collided with another
)

// Event is one decoded record.
//
// Variable length fields of Record are views into the buffer the event was
// read from. They stay valid as long as that buffer does.
type Event struct {
	Type   RecordType
	Misc   uint16
	Record Record
	Sample Sample
}

// CPUMode returns the processor mode encoded in ev's misc field.
func (ev *Event) CPUMode() CPUMode {
	return CPUMode(ev.Misc & MiscCPUModeMask)
}

// IsCommExec reports whether a PERF_RECORD_COMM was caused by exec(2).
func (ev *Event) IsCommExec() bool {
	return ev.Type == RecordTypeComm && ev.Misc&MiscCommExec != 0
}

// IsSwitchOut reports whether a context switch record describes a switch
// out of the sampled process.
func (ev *Event) IsSwitchOut() bool {
	return ev.Misc&MiscSwitchOut != 0
}

// Sample holds the sample_id_all fields of a record. Which of them are
// present depends on the sample type the stream was recorded with.
type Sample struct {
	Pid        uint32
	Tid        uint32
	Time       uint64
	ID         uint64
	StreamID   uint64
	CPU        uint32
	Identifier uint64

	// TSC is Time converted to the trace's time stamp counter domain. It
	// is present whenever Time is.
	TSC uint64

	present SampleType
}

// Has reports whether all fields selected by st are present.
func (s *Sample) Has(st SampleType) bool {
	return s.present&st == st
}

// SetTID sets the process and thread id and marks them present.
func (s *Sample) SetTID(pid, tid uint32) {
	s.Pid, s.Tid = pid, tid
	s.present |= SampleTID
}

// SetTime sets the perf time stamp and marks it present.
func (s *Sample) SetTime(time uint64) {
	s.Time = time
	s.present |= SampleTime
}

// SetID sets the event id and marks it present.
func (s *Sample) SetID(id uint64) {
	s.ID = id
	s.present |= SampleID
}

// SetStreamID sets the stream id and marks it present.
func (s *Sample) SetStreamID(id uint64) {
	s.StreamID = id
	s.present |= SampleStreamID
}

// SetCPU sets the cpu and marks it present.
func (s *Sample) SetCPU(cpu uint32) {
	s.CPU = cpu
	s.present |= SampleCPU
}

// SetIdentifier sets the identifier and marks it present.
func (s *Sample) SetIdentifier(id uint64) {
	s.Identifier = id
	s.present |= SampleIdentifier
}

// Record is implemented by every record body.
type Record interface {
	Type() RecordType

	size() int
	decode(f *fields)
	encode(f *fields)
}

var newRecordFuncs = map[RecordType]func() Record{
	RecordTypeMmap:          func() Record { return &Mmap{} },
	RecordTypeLost:          func() Record { return &Lost{} },
	RecordTypeComm:          func() Record { return &Comm{} },
	RecordTypeExit:          func() Record { return &Exit{} },
	RecordTypeThrottle:      func() Record { return &Throttle{} },
	RecordTypeUnthrottle:    func() Record { return &Unthrottle{} },
	RecordTypeFork:          func() Record { return &Fork{} },
	RecordTypeMmap2:         func() Record { return &Mmap2{} },
	RecordTypeAux:           func() Record { return &Aux{} },
	RecordTypeItraceStart:   func() Record { return &ItraceStart{} },
	RecordTypeLostSamples:   func() Record { return &LostSamples{} },
	RecordTypeSwitch:        func() Record { return &Switch{} },
	RecordTypeSwitchCPUWide: func() Record { return &SwitchCPUWide{} },
}

// Mmap (PERF_RECORD_MMAP) records an executable mapping.
type Mmap struct {
	Pid      uint32
	Tid      uint32
	Addr     uint64
	Len      uint64
	Pgoff    uint64
	Filename []byte
}

func (*Mmap) Type() RecordType { return RecordTypeMmap }
func (r *Mmap) size() int      { return 32 + stringSize(r.Filename) }

func (r *Mmap) decode(f *fields) {
	f.uint32(&r.Pid, &r.Tid)
	f.uint64(&r.Addr)
	f.uint64(&r.Len)
	f.uint64(&r.Pgoff)
	f.string(&r.Filename)
}

func (r *Mmap) encode(f *fields) {
	f.putUint32(r.Pid, r.Tid)
	f.putUint64(r.Addr)
	f.putUint64(r.Len)
	f.putUint64(r.Pgoff)
	f.putString(r.Filename)
}

// Lost (PERF_RECORD_LOST) reports dropped records.
type Lost struct {
	ID   uint64
	Lost uint64
}

func (*Lost) Type() RecordType { return RecordTypeLost }
func (*Lost) size() int        { return 16 }

func (r *Lost) decode(f *fields) {
	f.uint64(&r.ID)
	f.uint64(&r.Lost)
}

func (r *Lost) encode(f *fields) {
	f.putUint64(r.ID)
	f.putUint64(r.Lost)
}

// Comm (PERF_RECORD_COMM) reports a change of the process name.
type Comm struct {
	Pid  uint32
	Tid  uint32
	Comm []byte
}

func (*Comm) Type() RecordType { return RecordTypeComm }
func (r *Comm) size() int      { return 8 + stringSize(r.Comm) }

func (r *Comm) decode(f *fields) {
	f.uint32(&r.Pid, &r.Tid)
	f.string(&r.Comm)
}

func (r *Comm) encode(f *fields) {
	f.putUint32(r.Pid, r.Tid)
	f.putString(r.Comm)
}

// Exit (PERF_RECORD_EXIT) reports a process or thread exit.
type Exit struct {
	Pid  uint32
	Ppid uint32
	Tid  uint32
	Ptid uint32
	Time uint64
}

func (*Exit) Type() RecordType { return RecordTypeExit }
func (*Exit) size() int        { return 24 }

func (r *Exit) decode(f *fields) { decodeTask(f, &r.Pid, &r.Ppid, &r.Tid, &r.Ptid, &r.Time) }
func (r *Exit) encode(f *fields) { encodeTask(f, r.Pid, r.Ppid, r.Tid, r.Ptid, r.Time) }

// Fork (PERF_RECORD_FORK) reports process or thread creation.
type Fork struct {
	Pid  uint32
	Ppid uint32
	Tid  uint32
	Ptid uint32
	Time uint64
}

func (*Fork) Type() RecordType { return RecordTypeFork }
func (*Fork) size() int        { return 24 }

func (r *Fork) decode(f *fields) { decodeTask(f, &r.Pid, &r.Ppid, &r.Tid, &r.Ptid, &r.Time) }
func (r *Fork) encode(f *fields) { encodeTask(f, r.Pid, r.Ppid, r.Tid, r.Ptid, r.Time) }

func decodeTask(f *fields, pid, ppid, tid, ptid *uint32, time *uint64) {
	f.uint32(pid, ppid)
	f.uint32(tid, ptid)
	f.uint64(time)
}

func encodeTask(f *fields, pid, ppid, tid, ptid uint32, time uint64) {
	f.putUint32(pid, ppid)
	f.putUint32(tid, ptid)
	f.putUint64(time)
}

// Throttle (PERF_RECORD_THROTTLE) reports a throttle event.
type Throttle struct {
	Time     uint64
	ID       uint64
	StreamID uint64
}

func (*Throttle) Type() RecordType { return RecordTypeThrottle }
func (*Throttle) size() int        { return 24 }

func (r *Throttle) decode(f *fields) { decodeThrottle(f, &r.Time, &r.ID, &r.StreamID) }
func (r *Throttle) encode(f *fields) { encodeThrottle(f, r.Time, r.ID, r.StreamID) }

// Unthrottle (PERF_RECORD_UNTHROTTLE) reports an unthrottle event.
type Unthrottle struct {
	Time     uint64
	ID       uint64
	StreamID uint64
}

func (*Unthrottle) Type() RecordType { return RecordTypeUnthrottle }
func (*Unthrottle) size() int        { return 24 }

func (r *Unthrottle) decode(f *fields) { decodeThrottle(f, &r.Time, &r.ID, &r.StreamID) }
func (r *Unthrottle) encode(f *fields) { encodeThrottle(f, r.Time, r.ID, r.StreamID) }

func decodeThrottle(f *fields, time, id, streamID *uint64) {
	f.uint64(time)
	f.uint64(id)
	f.uint64(streamID)
}

func encodeThrottle(f *fields, time, id, streamID uint64) {
	f.putUint64(time)
	f.putUint64(id)
	f.putUint64(streamID)
}

// Mmap2 (PERF_RECORD_MMAP2) records an executable mapping along with the
// identity of the backing file.
type Mmap2 struct {
	Pid           uint32
	Tid           uint32
	Addr          uint64
	Len           uint64
	Pgoff         uint64
	Maj           uint32
	Min           uint32
	Ino           uint64
	InoGeneration uint64
	Prot          uint32
	Flags         uint32
	Filename      []byte
}

func (*Mmap2) Type() RecordType { return RecordTypeMmap2 }
func (r *Mmap2) size() int      { return 64 + stringSize(r.Filename) }

func (r *Mmap2) decode(f *fields) {
	f.uint32(&r.Pid, &r.Tid)
	f.uint64(&r.Addr)
	f.uint64(&r.Len)
	f.uint64(&r.Pgoff)
	f.uint32(&r.Maj, &r.Min)
	f.uint64(&r.Ino)
	f.uint64(&r.InoGeneration)
	f.uint32(&r.Prot, &r.Flags)
	f.string(&r.Filename)
}

func (r *Mmap2) encode(f *fields) {
	f.putUint32(r.Pid, r.Tid)
	f.putUint64(r.Addr)
	f.putUint64(r.Len)
	f.putUint64(r.Pgoff)
	f.putUint32(r.Maj, r.Min)
	f.putUint64(r.Ino)
	f.putUint64(r.InoGeneration)
	f.putUint32(r.Prot, r.Flags)
	f.putString(r.Filename)
}

// Aux (PERF_RECORD_AUX) reports new data in the AUX area.
type Aux struct {
	Offset uint64
	Size   uint64
	Flags  AuxFlag
}

func (*Aux) Type() RecordType { return RecordTypeAux }
func (*Aux) size() int        { return 24 }

func (r *Aux) decode(f *fields) {
	var flags uint64
	f.uint64(&r.Offset)
	f.uint64(&r.Size)
	f.uint64(&flags)
	r.Flags = AuxFlag(flags)
}

func (r *Aux) encode(f *fields) {
	f.putUint64(r.Offset)
	f.putUint64(r.Size)
	f.putUint64(uint64(r.Flags))
}

// ItraceStart (PERF_RECORD_ITRACE_START) names the task that started an
// instruction trace.
type ItraceStart struct {
	Pid uint32
	Tid uint32
}

func (*ItraceStart) Type() RecordType { return RecordTypeItraceStart }
func (*ItraceStart) size() int        { return 8 }

func (r *ItraceStart) decode(f *fields) { f.uint32(&r.Pid, &r.Tid) }
func (r *ItraceStart) encode(f *fields) { f.putUint32(r.Pid, r.Tid) }

// LostSamples (PERF_RECORD_LOST_SAMPLES) reports potentially lost samples.
type LostSamples struct {
	Lost uint64
}

func (*LostSamples) Type() RecordType { return RecordTypeLostSamples }
func (*LostSamples) size() int        { return 8 }

func (r *LostSamples) decode(f *fields) { f.uint64(&r.Lost) }
func (r *LostSamples) encode(f *fields) { f.putUint64(r.Lost) }

// Switch (PERF_RECORD_SWITCH) reports a context switch of the sampled task.
// The direction is carried in the header's misc field.
type Switch struct{}

func (*Switch) Type() RecordType { return RecordTypeSwitch }
func (*Switch) size() int        { return 0 }
func (*Switch) decode(*fields)   {}
func (*Switch) encode(*fields)   {}

// SwitchCPUWide (PERF_RECORD_SWITCH_CPU_WIDE) reports a context switch on a
// CPU along with the task switched to or from.
type SwitchCPUWide struct {
	NextPrevPid uint32
	NextPrevTid uint32
}

func (*SwitchCPUWide) Type() RecordType { return RecordTypeSwitchCPUWide }
func (*SwitchCPUWide) size() int        { return 8 }

func (r *SwitchCPUWide) decode(f *fields) { f.uint32(&r.NextPrevPid, &r.NextPrevTid) }
func (r *SwitchCPUWide) encode(f *fields) { f.putUint32(r.NextPrevPid, r.NextPrevTid) }
