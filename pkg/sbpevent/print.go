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

import (
	"bytes"
	"fmt"
	"io"

	"github.com/parca-dev/parca-sideband/pkg/pevent"
	"github.com/parca-dev/parca-sideband/pkg/sideband"
)

// Print prints the current record. The header line holds the requested
// prefixes and the record type, followed by the record's fields with
// PrintCompact, and by one line per field with PrintVerbose.
func (d *Decoder) Print(w io.Writer, flags sideband.PrintFlag) error {
	if d.current >= len(d.buf) {
		return nil
	}

	var b bytes.Buffer
	if flags&sideband.PrintFilename != 0 {
		fmt.Fprintf(&b, "%s:", d.cfg.Filename)
	}
	if flags&sideband.PrintFileOffset != 0 {
		_, offset := d.ErrorContext()
		fmt.Fprintf(&b, "%016x  ", offset)
	}
	if flags&sideband.PrintTSC != 0 {
		fmt.Fprintf(&b, "%016x  ", d.tsc)
	}

	ev := &d.event
	b.WriteString(ev.Type.String())
	if flags&sideband.PrintCompact != 0 {
		if s := compact(ev); s != "" {
			b.WriteString("  ")
			b.WriteString(s)
		}
	}
	b.WriteByte('\n')

	if flags&sideband.PrintVerbose != 0 {
		verbose(&b, ev)
	}

	_, err := w.Write(b.Bytes())
	return err
}

func compact(ev *pevent.Event) string {
	switch r := ev.Record.(type) {
	case *pevent.Mmap:
		return fmt.Sprintf("%x/%x, %x, %x, %x, %s", r.Pid, r.Tid, r.Addr, r.Len, r.Pgoff, r.Filename)
	case *pevent.Mmap2:
		return fmt.Sprintf("%x/%x, %x, %x, %x, %x, %x, %x, %x, %x, %x, %s",
			r.Pid, r.Tid, r.Addr, r.Len, r.Pgoff, r.Maj, r.Min, r.Ino, r.InoGeneration, r.Prot, r.Flags, r.Filename)
	case *pevent.Lost:
		return fmt.Sprintf("%x, %x", r.ID, r.Lost)
	case *pevent.Comm:
		exec := ""
		if ev.IsCommExec() {
			exec = ", exec"
		}
		return fmt.Sprintf("%x/%x, %s%s", r.Pid, r.Tid, r.Comm, exec)
	case *pevent.Exit:
		return fmt.Sprintf("%x/%x, %x/%x, %x", r.Pid, r.Tid, r.Ppid, r.Ptid, r.Time)
	case *pevent.Fork:
		return fmt.Sprintf("%x/%x, %x/%x, %x", r.Pid, r.Tid, r.Ppid, r.Ptid, r.Time)
	case *pevent.Throttle:
		return fmt.Sprintf("%x, %x, %x", r.Time, r.ID, r.StreamID)
	case *pevent.Unthrottle:
		return fmt.Sprintf("%x, %x, %x", r.Time, r.ID, r.StreamID)
	case *pevent.Aux:
		return fmt.Sprintf("%x, %x, %x", r.Offset, r.Size, uint64(r.Flags))
	case *pevent.ItraceStart:
		return fmt.Sprintf("%x/%x", r.Pid, r.Tid)
	case *pevent.LostSamples:
		return fmt.Sprintf("%x", r.Lost)
	case *pevent.Switch:
		return switchDirection(ev)
	case *pevent.SwitchCPUWide:
		return fmt.Sprintf("%s, %x/%x", switchDirection(ev), r.NextPrevPid, r.NextPrevTid)
	}
	return ""
}

func switchDirection(ev *pevent.Event) string {
	if ev.IsSwitchOut() {
		return "out"
	}
	return "in"
}

func verbose(b *bytes.Buffer, ev *pevent.Event) {
	field := func(name string, v any) {
		fmt.Fprintf(b, "  %-15s %x\n", name+":", v)
	}
	str := func(name string, s []byte) {
		fmt.Fprintf(b, "  %-15s %s\n", name+":", s)
	}

	switch r := ev.Record.(type) {
	case *pevent.Mmap:
		field("pid", r.Pid)
		field("tid", r.Tid)
		field("addr", r.Addr)
		field("len", r.Len)
		field("pgoff", r.Pgoff)
		str("filename", r.Filename)
	case *pevent.Mmap2:
		field("pid", r.Pid)
		field("tid", r.Tid)
		field("addr", r.Addr)
		field("len", r.Len)
		field("pgoff", r.Pgoff)
		field("maj", r.Maj)
		field("min", r.Min)
		field("ino", r.Ino)
		field("ino_generation", r.InoGeneration)
		field("prot", r.Prot)
		field("flags", r.Flags)
		str("filename", r.Filename)
	case *pevent.Lost:
		field("id", r.ID)
		field("lost", r.Lost)
	case *pevent.Comm:
		field("pid", r.Pid)
		field("tid", r.Tid)
		str("comm", r.Comm)
	case *pevent.Exit:
		field("pid", r.Pid)
		field("ppid", r.Ppid)
		field("tid", r.Tid)
		field("ptid", r.Ptid)
		field("time", r.Time)
	case *pevent.Fork:
		field("pid", r.Pid)
		field("ppid", r.Ppid)
		field("tid", r.Tid)
		field("ptid", r.Ptid)
		field("time", r.Time)
	case *pevent.Throttle:
		field("time", r.Time)
		field("id", r.ID)
		field("stream_id", r.StreamID)
	case *pevent.Unthrottle:
		field("time", r.Time)
		field("id", r.ID)
		field("stream_id", r.StreamID)
	case *pevent.Aux:
		field("aux_offset", r.Offset)
		field("aux_size", r.Size)
		field("flags", uint64(r.Flags))
	case *pevent.ItraceStart:
		field("pid", r.Pid)
		field("tid", r.Tid)
	case *pevent.LostSamples:
		field("lost", r.Lost)
	case *pevent.SwitchCPUWide:
		field("next_prev_pid", r.NextPrevPid)
		field("next_prev_tid", r.NextPrevTid)
	}

	s := &ev.Sample
	if s.Has(pevent.SampleTID) {
		field("sample pid", s.Pid)
		field("sample tid", s.Tid)
	}
	if s.Has(pevent.SampleTime) {
		field("sample time", s.Time)
		field("sample tsc", s.TSC)
	}
	if s.Has(pevent.SampleID) {
		field("sample id", s.ID)
	}
	if s.Has(pevent.SampleStreamID) {
		field("sample stream", s.StreamID)
	}
	if s.Has(pevent.SampleCPU) {
		field("sample cpu", s.CPU)
	}
	if s.Has(pevent.SampleIdentifier) {
		field("sample ident", s.Identifier)
	}
}
