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
	"errors"
	"fmt"
	"strings"

	"github.com/go-kit/log/level"

	"github.com/parca-dev/parca-sideband/pkg/elfreader"
	"github.com/parca-dev/parca-sideband/pkg/image"
	"github.com/parca-dev/parca-sideband/pkg/pevent"
	"github.com/parca-dev/parca-sideband/pkg/pterr"
	"github.com/parca-dev/parca-sideband/pkg/sideband"
)

const vdsoName = "[vdso]"

func (d *Decoder) applyRecord(s *sideband.Session, img **image.Image) error {
	ev := &d.event

	switch r := ev.Record.(type) {
	case *pevent.ItraceStart:
		return d.itraceStart(s, img, r.Pid)

	case *pevent.Fork:
		return d.fork(s, r)

	case *pevent.Comm:
		if ev.IsCommExec() {
			return d.exec(s, r.Pid)
		}

	case *pevent.Switch:
		if ev.IsSwitchOut() {
			return nil
		}
		if !ev.Sample.Has(pevent.SampleTID) {
			return fmt.Errorf("%w: context switch records need pid samples", pterr.ErrBadConfig)
		}
		return d.switchTo(s, ev.Sample.Pid)

	case *pevent.SwitchCPUWide:
		if ev.IsSwitchOut() {
			return d.switchTo(s, r.NextPrevPid)
		}
		if ev.Sample.Has(pevent.SampleTID) {
			return d.switchTo(s, ev.Sample.Pid)
		}

	case *pevent.Mmap:
		return d.mmap(s, r.Pid, r.Filename, r.Addr, r.Len, r.Pgoff)

	case *pevent.Mmap2:
		return d.mmap(s, r.Pid, r.Filename, r.Addr, r.Len, r.Pgoff)

	case *pevent.Lost:
		s.ReportError(fmt.Errorf("%w: %d records", pterr.ErrLost, r.Lost), d)

	case *pevent.Aux:
		if r.Flags&pevent.AuxTruncated != 0 {
			s.ReportError(fmt.Errorf("%w: aux data at %#x truncated", pterr.ErrTraceLost, r.Offset), d)
		}
	}
	return nil
}

func (d *Decoder) switchTo(s *sideband.Session, pid uint32) error {
	ctx, err := s.ContextByPID(pid)
	if err != nil {
		return err
	}
	return d.prepareSwitch(ctx)
}

// itraceStart handles the start of tracing a task. Primary decoders switch
// right away unless a switch is already pending.
func (d *Decoder) itraceStart(s *sideband.Session, img **image.Image, pid uint32) error {
	ctx, err := s.ContextByPID(pid)
	if err != nil {
		return err
	}

	pending := d.nextCtx != nil
	if err := d.prepareSwitch(ctx); err != nil {
		return err
	}
	if d.cfg.Primary && !pending {
		return d.commit(s, img)
	}
	return nil
}

// fork creates a context for a new process with a copy of its parent's image.
func (d *Decoder) fork(s *sideband.Session, r *pevent.Fork) error {
	if r.Pid == r.Ppid {
		// A new thread.
		return nil
	}

	if old := s.FindContext(r.Pid); old != nil {
		if err := s.RemoveContext(old); err != nil {
			return err
		}
	}
	ctx, err := s.ContextByPID(r.Pid)
	if err != nil {
		return err
	}

	if parent := s.FindContext(r.Ppid); parent != nil && parent.Image() != nil {
		if ignored := ctx.Image().Copy(parent.Image()); ignored > 0 {
			level.Debug(d.logger).Log("msg", "parent sections ignored", "pid", r.Pid, "ppid", r.Ppid, "count", ignored)
		}
	}
	return nil
}

// exec replaces the context of pid with a fresh one and prepares switching
// to it.
func (d *Decoder) exec(s *sideband.Session, pid uint32) error {
	if old := s.FindContext(pid); old != nil {
		if err := s.RemoveContext(old); err != nil {
			return err
		}
	}
	ctx, err := s.ContextByPID(pid)
	if err != nil {
		return err
	}
	return d.prepareSwitch(ctx)
}

// mmap adds a user space mapping to the image of pid. Mappings that cannot
// be resolved are reported and skipped.
func (d *Decoder) mmap(s *sideband.Session, pid uint32, filename []byte, addr, length, pgoff uint64) error {
	switch d.event.CPUMode() {
	case pevent.CPUModeKernel, pevent.CPUModeGuestKernel:
		return nil
	}
	if d.event.Misc&pevent.MiscMmapData != 0 {
		return nil
	}

	ctx, err := s.ContextByPID(pid)
	if err != nil {
		return err
	}

	name := string(filename)
	var path string
	switch {
	case name == vdsoName:
		path = d.vdso(ctx.ABI())
		if path == "" {
			d.sectionLost(s, name, addr, fmt.Errorf("no %s vdso image", ctx.ABI()))
			return nil
		}

	case strings.HasPrefix(name, "//anon"), strings.HasSuffix(name, " (deleted)"):
		d.sectionLost(s, name, addr, errors.New("file not available"))
		return nil

	default:
		path = d.cfg.Sysroot + name
		if ctx.ABI() == elfreader.ABIUnknown {
			if abi, err := elfreader.ReadABI(path); err == nil {
				ctx.SetABI(abi)
			}
		}
	}

	img := ctx.Image()
	if iscache := s.SectionCache(); iscache != nil {
		isid, err := iscache.AddFile(path, pgoff, length, addr)
		if err == nil {
			err = img.AddCached(iscache, isid)
		}
		if err != nil {
			d.sectionLost(s, path, addr, err)
		}
		return nil
	}

	if err := img.AddFile(path, pgoff, length, addr); err != nil {
		d.sectionLost(s, path, addr, err)
	}
	return nil
}

// vdso returns the vdso image for abi. Processes of unknown ABI get the
// 64-bit one.
func (d *Decoder) vdso(abi elfreader.ABI) string {
	switch abi {
	case elfreader.ABIX32:
		return d.cfg.VDSOx32
	case elfreader.ABIIA32:
		return d.cfg.VDSOia32
	default:
		return d.cfg.VDSOx64
	}
}

func (d *Decoder) sectionLost(s *sideband.Session, name string, addr uint64, err error) {
	s.ReportError(fmt.Errorf("%w: %s at %#x: %w", pterr.ErrSectionLost, name, addr, err), d)
}
