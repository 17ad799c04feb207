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
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-sideband/pkg/elfreader"
	"github.com/parca-dev/parca-sideband/pkg/image"
	"github.com/parca-dev/parca-sideband/pkg/pevent"
	"github.com/parca-dev/parca-sideband/pkg/pterr"
	"github.com/parca-dev/parca-sideband/pkg/sideband"
)

const (
	kernelStart = 0xffffffff80000000
	kernelIP    = 0xffffffff81000000
	userIP      = 0x400000
)

type stream struct {
	t   *testing.T
	cfg *pevent.Config
	buf []byte
}

func newStream(t *testing.T, st pevent.SampleType) *stream {
	t.Helper()
	return &stream{t: t, cfg: pevent.NewConfig(st, 0, 1, 0)}
}

func (s *stream) add(misc uint16, rec pevent.Record, pid uint32, time uint64) *stream {
	s.t.Helper()

	ev := pevent.Event{Type: rec.Type(), Misc: misc, Record: rec}
	ev.Sample.SetTID(pid, pid)
	ev.Sample.SetTime(time)

	buf := make([]byte, pevent.MaxRecordSize)
	n, err := pevent.Write(&ev, buf, s.cfg)
	require.NoError(s.t, err)
	s.buf = append(s.buf, buf[:n]...)
	return s
}

func (s *stream) write() string {
	s.t.Helper()

	path := filepath.Join(s.t.TempDir(), "sideband.pevent")
	require.NoError(s.t, os.WriteFile(path, s.buf, 0o600))
	return path
}

func testConfig(path string) Config {
	return Config{
		Filename:    path,
		SampleType:  pevent.SampleTID | pevent.SampleTime,
		TimeMult:    1,
		KernelStart: kernelStart,
		Primary:     true,
	}
}

func writeFile(t *testing.T, path string, data []byte) string {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func x32ELF(t *testing.T) []byte {
	t.Helper()

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, elf.Header32{
		Ident:   ident,
		Type:    uint16(elf.ET_DYN),
		Machine: uint16(elf.EM_X86_64),
		Version: uint32(elf.EV_CURRENT),
		Ehsize:  52,
	}))
	return buf.Bytes()
}

type harness struct {
	s *sideband.Session
	d *Decoder

	img      *image.Image
	errs     []error
	switches []uint32
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	logger := log.NewNopLogger()
	iscache := image.NewSectionCache(logger, prometheus.NewRegistry(), "test", 0)
	s := sideband.NewSession(logger, prometheus.NewRegistry(), iscache)

	h := &harness{s: s}
	s.SetErrorNotifier(func(err error) { h.errs = append(h.errs, err) })
	s.SetSwitchNotifier(func(ctx *sideband.Context) { h.switches = append(h.switches, ctx.PID()) })

	d, err := New(logger, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Add(d, cfg.Primary))
	require.NoError(t, s.InitDecoders())
	h.d = d

	t.Cleanup(func() {
		require.NoError(t, s.Close())
		require.NoError(t, iscache.Close())
	})
	return h
}

func (h *harness) process(t *testing.T, ev *sideband.Event) {
	t.Helper()

	img, err := h.s.Process(h.img, ev, nil, 0)
	require.NoError(t, err)
	h.img = img
}

func tick(tsc, ip uint64) *sideband.Event {
	return &sideband.Event{Type: sideband.EventTick, TSC: tsc, HasTSC: true, IP: ip}
}

func TestTrack(t *testing.T) {
	t.Parallel()

	d := &Decoder{cfg: Config{KernelStart: kernelStart}}

	tests := []struct {
		name string
		prev location
		ev   sideband.Event
		want location
	}{
		{"enabled in kernel", locationUnknown, sideband.Event{Type: sideband.EventEnabled, IP: kernelIP}, locationInKernel},
		{"enabled in user", locationInKernel, sideband.Event{Type: sideband.EventEnabled, IP: userIP}, locationInUser},
		{"disabled in user", locationInKernel, sideband.Event{Type: sideband.EventDisabled, IP: userIP}, locationInUser},
		{"disabled suppressed from kernel", locationInKernel, sideband.Event{Type: sideband.EventDisabled, IPSuppressed: true}, locationLikelyInUser},
		{"disabled suppressed from user", locationInUser, sideband.Event{Type: sideband.EventDisabled, IPSuppressed: true}, locationLikelyInKernel},
		{"disabled suppressed from unknown", locationUnknown, sideband.Event{Type: sideband.EventDisabled, IPSuppressed: true}, locationUnknown},
		{"async disabled suppressed in kernel", locationInUser, sideband.Event{Type: sideband.EventAsyncDisabled, At: kernelIP, IPSuppressed: true}, locationLikelyInUser},
		{"async disabled suppressed in user", locationInKernel, sideband.Event{Type: sideband.EventAsyncDisabled, At: userIP, IPSuppressed: true}, locationLikelyInKernel},
		{"async disabled to kernel", locationInUser, sideband.Event{Type: sideband.EventAsyncDisabled, At: userIP, IP: kernelIP}, locationInKernel},
		{"async branch to user", locationInKernel, sideband.Event{Type: sideband.EventAsyncBranch, At: kernelIP, IP: userIP}, locationInUser},
		{"paging", locationInUser, sideband.Event{Type: sideband.EventPaging}, locationLikelyInKernel},
		{"async paging", locationUnknown, sideband.Event{Type: sideband.EventAsyncPaging, IP: userIP}, locationLikelyInKernel},
		{"tick in kernel", locationInUser, sideband.Event{Type: sideband.EventTick, IP: kernelIP}, locationInKernel},
		{"tick suppressed", locationLikelyInKernel, sideband.Event{Type: sideband.EventTick, IPSuppressed: true}, locationLikelyInUser},
		{"tick suppressed from likely user", locationLikelyInUser, sideband.Event{Type: sideband.EventTick, IPSuppressed: true}, locationLikelyInKernel},
		{"cbr", locationInUser, sideband.Event{Type: sideband.EventCBR, IP: kernelIP}, locationInUser},
		{"stop", locationLikelyInUser, sideband.Event{Type: sideband.EventStop}, locationLikelyInUser},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tt.want, d.track(tt.prev, &tt.ev))
		})
	}
}

func TestLocationOfWithoutKernelStart(t *testing.T) {
	t.Parallel()

	d := &Decoder{}
	require.Equal(t, locationInKernel, d.locationOf(kernelIP))
	require.Equal(t, locationInUser, d.locationOf(userIP))
}

func TestPrepareSwitch(t *testing.T) {
	t.Parallel()

	s := sideband.NewSession(log.NewNopLogger(), prometheus.NewRegistry(), nil)
	defer s.Close()

	one, err := s.ContextByPID(1)
	require.NoError(t, err)
	two, err := s.ContextByPID(2)
	require.NoError(t, err)

	d := &Decoder{logger: log.NewNopLogger()}

	require.NoError(t, d.prepareSwitch(one))
	require.Equal(t, 2, one.RefCount())
	require.NoError(t, d.prepareSwitch(one))
	require.Equal(t, 2, one.RefCount())

	require.NoError(t, d.prepareSwitch(two))
	require.Equal(t, 1, one.RefCount())
	require.Equal(t, 2, two.RefCount())

	var img *image.Image
	require.NoError(t, d.commit(s, &img))
	require.Same(t, two.Image(), img)
	require.Nil(t, d.nextCtx)
	require.Equal(t, 2, two.RefCount())

	// Switching to the running context is a no-op.
	require.NoError(t, d.prepareSwitch(two))
	require.Nil(t, d.nextCtx)
	require.Equal(t, 2, two.RefCount())

	// So is switching back after preparing a switch elsewhere.
	require.NoError(t, d.prepareSwitch(one))
	require.NoError(t, d.prepareSwitch(two))
	require.Nil(t, d.nextCtx)
	require.Equal(t, 1, one.RefCount())

	require.NoError(t, d.Close())
	require.Equal(t, 1, two.RefCount())
}

func TestEndToEnd(t *testing.T) {
	t.Parallel()

	aso := writeFile(t, filepath.Join(t.TempDir(), "a.so"), make([]byte, 0x1000))
	path := newStream(t, pevent.SampleTID|pevent.SampleTime).
		add(0, &pevent.Fork{Pid: 2, Ppid: 1, Tid: 2, Ptid: 1}, 2, 10).
		add(pevent.MiscCommExec, &pevent.Comm{Pid: 2, Tid: 2, Comm: []byte("a")}, 2, 20).
		add(uint16(pevent.CPUModeUser), &pevent.Mmap{Pid: 2, Tid: 2, Addr: userIP, Len: 0x1000, Filename: []byte(aso)}, 2, 30).
		write()

	h := newHarness(t, testConfig(path))

	// No location information; nothing is due yet.
	h.process(t, &sideband.Event{Type: sideband.EventCBR, TSC: 5, HasTSC: true})
	require.Nil(t, h.img)
	require.Nil(t, h.s.FindContext(2))

	// In the kernel; all records are applied and the switch commits.
	h.process(t, tick(40, kernelIP))
	ctx := h.s.FindContext(2)
	require.NotNil(t, ctx)
	require.Same(t, ctx.Image(), h.img)
	require.Equal(t, []uint32{2}, h.switches)

	// Back in user space; a.so is mapped.
	h.process(t, tick(50, userIP))
	require.Same(t, ctx.Image(), h.img)
	sec, err := h.img.Find(userIP + 0x10)
	require.NoError(t, err)
	require.Equal(t, aso, sec.Filename)
	require.Equal(t, []uint32{2}, h.switches)
	require.Empty(t, h.errs)

	// Table and decoder each hold a reference.
	require.Equal(t, 2, ctx.RefCount())
}

func TestSwitchAtTraceStart(t *testing.T) {
	t.Parallel()

	path := newStream(t, pevent.SampleTID|pevent.SampleTime).
		add(0, &pevent.Fork{Pid: 2, Ppid: 1, Tid: 2, Ptid: 1}, 2, 1).
		add(pevent.MiscCommExec, &pevent.Comm{Pid: 2, Tid: 2, Comm: []byte("a")}, 2, 2).
		write()

	h := newHarness(t, testConfig(path))

	// Everything is due before the first event. With no location seen yet
	// tracing is at its very start, so the switch commits right away.
	h.process(t, &sideband.Event{Type: sideband.EventCBR, TSC: 40, HasTSC: true})
	ctx := h.s.FindContext(2)
	require.NotNil(t, ctx)
	require.Same(t, ctx.Image(), h.img)
	require.Equal(t, []uint32{2}, h.switches)

	// Later events in user space keep the context.
	h.process(t, tick(50, userIP))
	require.Same(t, ctx.Image(), h.img)
	require.Equal(t, []uint32{2}, h.switches)
	require.Empty(t, h.errs)
}

func TestSwitchWaitsForKernel(t *testing.T) {
	t.Parallel()

	path := newStream(t, pevent.SampleTID|pevent.SampleTime).
		add(pevent.MiscCommExec, &pevent.Comm{Pid: 5, Tid: 5, Comm: []byte("sh")}, 5, 10).
		write()

	h := newHarness(t, testConfig(path))
	start := image.New("start")
	h.img = start

	h.process(t, &sideband.Event{Type: sideband.EventEnabled, TSC: 5, HasTSC: true, IP: userIP})
	h.process(t, tick(20, userIP))
	h.process(t, tick(30, userIP+0x100))
	h.process(t, &sideband.Event{Type: sideband.EventAsyncBranch, TSC: 35, HasTSC: true, At: userIP, IP: userIP + 0x200})
	require.Same(t, start, h.img)
	require.Empty(t, h.switches)

	ctx := h.s.FindContext(5)
	require.NotNil(t, ctx)
	require.Equal(t, 2, ctx.RefCount())

	h.process(t, tick(40, kernelIP))
	require.Same(t, ctx.Image(), h.img)
	require.Equal(t, []uint32{5}, h.switches)
	require.Equal(t, 2, ctx.RefCount())
}

func TestSwitchOnSuppressedDisable(t *testing.T) {
	t.Parallel()

	path := newStream(t, pevent.SampleTID|pevent.SampleTime).
		add(pevent.MiscCommExec, &pevent.Comm{Pid: 5, Tid: 5, Comm: []byte("sh")}, 5, 10).
		write()

	h := newHarness(t, testConfig(path))

	h.process(t, &sideband.Event{Type: sideband.EventEnabled, TSC: 5, HasTSC: true, IP: userIP})
	h.process(t, tick(20, userIP))
	require.Empty(t, h.switches)

	// Leaving user space for an unknown destination is likely a kernel entry.
	h.process(t, &sideband.Event{Type: sideband.EventDisabled, TSC: 30, HasTSC: true, IPSuppressed: true})
	require.Equal(t, []uint32{5}, h.switches)
}

func TestItraceStart(t *testing.T) {
	t.Parallel()

	for _, primary := range []bool{true, false} {
		primary := primary
		name := "secondary"
		if primary {
			name = "primary"
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			path := newStream(t, pevent.SampleTID|pevent.SampleTime).
				add(0, &pevent.ItraceStart{Pid: 7, Tid: 7}, 7, 10).
				write()

			cfg := testConfig(path)
			cfg.Primary = primary
			h := newHarness(t, cfg)

			h.process(t, &sideband.Event{Type: sideband.EventEnabled, TSC: 5, HasTSC: true, IP: userIP})
			h.process(t, tick(20, userIP))

			ctx := h.s.FindContext(7)
			require.NotNil(t, ctx)
			if primary {
				require.Equal(t, []uint32{7}, h.switches)
				require.Same(t, ctx.Image(), h.img)
				return
			}
			require.Empty(t, h.switches)
			require.Nil(t, h.img)

			h.process(t, tick(30, kernelIP))
			require.Equal(t, []uint32{7}, h.switches)
			require.Nil(t, h.img)
		})
	}
}

func TestFork(t *testing.T) {
	t.Parallel()

	aso := writeFile(t, filepath.Join(t.TempDir(), "a.so"), make([]byte, 0x1000))
	path := newStream(t, pevent.SampleTID|pevent.SampleTime).
		add(uint16(pevent.CPUModeUser), &pevent.Mmap{Pid: 1, Tid: 1, Addr: userIP, Len: 0x1000, Filename: []byte(aso)}, 1, 10).
		add(0, &pevent.Fork{Pid: 3, Ppid: 1, Tid: 3, Ptid: 1}, 3, 20).
		add(0, &pevent.Fork{Pid: 1, Ppid: 1, Tid: 4, Ptid: 1}, 1, 22).
		add(0, &pevent.Fork{Pid: 3, Ppid: 9, Tid: 3, Ptid: 9}, 3, 30).
		write()

	h := newHarness(t, testConfig(path))

	h.process(t, tick(25, kernelIP))
	child := h.s.FindContext(3)
	require.NotNil(t, child)
	sec, err := child.Image().Find(userIP)
	require.NoError(t, err)
	require.Equal(t, aso, sec.Filename)
	require.Equal(t, 1, h.s.FindContext(1).Image().Len())

	// The process is replaced; there is no parent to copy from.
	h.process(t, tick(35, kernelIP))
	replaced := h.s.FindContext(3)
	require.NotSame(t, child, replaced)
	require.Zero(t, replaced.Image().Len())
	require.Nil(t, child.Image())
	require.Len(t, h.s.Contexts(), 2)
}

func TestMmapVDSO(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sysroot := filepath.Join(dir, "sysroot")
	writeFile(t, filepath.Join(sysroot, "lib", "x32.so"), x32ELF(t))
	vdso64 := writeFile(t, filepath.Join(dir, "vdso64.so"), make([]byte, 0x2000))
	vdso32 := writeFile(t, filepath.Join(dir, "vdsox32.so"), make([]byte, 0x2000))

	path := newStream(t, pevent.SampleTID|pevent.SampleTime).
		add(uint16(pevent.CPUModeUser), &pevent.Mmap{Pid: 1, Tid: 1, Addr: 0x7000, Len: 0x2000, Filename: []byte("[vdso]")}, 1, 10).
		add(uint16(pevent.CPUModeUser), &pevent.Mmap2{Pid: 2, Tid: 2, Addr: userIP, Len: 0x1000, Filename: []byte("/lib/x32.so")}, 2, 20).
		add(uint16(pevent.CPUModeUser), &pevent.Mmap2{Pid: 2, Tid: 2, Addr: 0x7000, Len: 0x2000, Filename: []byte("[vdso]")}, 2, 30).
		write()

	cfg := testConfig(path)
	cfg.Sysroot = sysroot
	cfg.VDSOx64 = vdso64
	cfg.VDSOx32 = vdso32
	h := newHarness(t, cfg)

	h.process(t, tick(100, kernelIP))
	require.Empty(t, h.errs)

	one := h.s.FindContext(1)
	require.Equal(t, elfreader.ABIUnknown, one.ABI())
	sec, err := one.Image().Find(0x7000)
	require.NoError(t, err)
	require.Equal(t, vdso64, sec.Filename)

	two := h.s.FindContext(2)
	require.Equal(t, elfreader.ABIX32, two.ABI())
	sec, err = two.Image().Find(userIP)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(sysroot, "lib", "x32.so"), sec.Filename)
	sec, err = two.Image().Find(0x7000)
	require.NoError(t, err)
	require.Equal(t, vdso32, sec.Filename)
}

func TestMmapSectionLost(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := newStream(t, pevent.SampleTID|pevent.SampleTime).
		add(uint16(pevent.CPUModeUser), &pevent.Mmap{Pid: 1, Tid: 1, Addr: 0x1000, Len: 0x1000, Filename: []byte("//anon")}, 1, 10).
		add(uint16(pevent.CPUModeUser), &pevent.Mmap{Pid: 1, Tid: 1, Addr: 0x2000, Len: 0x1000, Filename: []byte("/tmp/a.so (deleted)")}, 1, 11).
		add(uint16(pevent.CPUModeUser), &pevent.Mmap{Pid: 1, Tid: 1, Addr: 0x3000, Len: 0x1000, Filename: []byte(filepath.Join(dir, "missing.so"))}, 1, 12).
		add(uint16(pevent.CPUModeUser), &pevent.Mmap{Pid: 1, Tid: 1, Addr: 0x4000, Len: 0x1000, Filename: []byte("[vdso]")}, 1, 13).
		add(uint16(pevent.CPUModeKernel), &pevent.Mmap{Pid: 0, Tid: 0, Addr: kernelIP, Len: 0x1000, Filename: []byte("[kernel.kallsyms]_text")}, 0, 14).
		add(uint16(pevent.CPUModeUser)|pevent.MiscMmapData, &pevent.Mmap{Pid: 1, Tid: 1, Addr: 0x5000, Len: 0x1000, Filename: []byte("[heap]")}, 1, 15).
		write()

	h := newHarness(t, testConfig(path))
	h.process(t, tick(100, kernelIP))

	require.Len(t, h.errs, 4)
	for _, err := range h.errs {
		require.ErrorIs(t, err, pterr.ErrSectionLost)
		require.True(t, pterr.IsWarning(err))

		var derr *sideband.DecoderError
		require.ErrorAs(t, err, &derr)
		require.Equal(t, path, derr.Filename)
	}
	require.Zero(t, h.s.FindContext(1).Image().Len())
	require.Nil(t, h.s.FindContext(0))

	// Warnings do not stop the decoder.
	_, err := h.s.Process(nil, tick(200, userIP), nil, 0)
	require.NoError(t, err)
	require.Len(t, h.errs, 4)
}

func TestLostAndTruncated(t *testing.T) {
	t.Parallel()

	s := newStream(t, pevent.SampleTID|pevent.SampleTime).
		add(0, &pevent.Lost{ID: 1, Lost: 3}, 1, 10)
	auxOffset := len(s.buf)
	path := s.add(0, &pevent.Aux{Offset: 0x100, Size: 0x10, Flags: pevent.AuxTruncated}, 1, 20).
		add(0, &pevent.Aux{Offset: 0x110, Size: 0x10}, 1, 30).
		add(0, &pevent.Exit{Pid: 1, Ppid: 1, Tid: 1, Ptid: 1}, 1, 40).
		write()

	h := newHarness(t, testConfig(path))
	h.process(t, tick(100, kernelIP))

	require.Len(t, h.errs, 2)
	require.ErrorIs(t, h.errs[0], pterr.ErrLost)
	require.ErrorIs(t, h.errs[1], pterr.ErrTraceLost)

	var derr *sideband.DecoderError
	require.ErrorAs(t, h.errs[1], &derr)
	require.Equal(t, uint64(auxOffset), derr.Offset)
}

func TestSwitchRecords(t *testing.T) {
	t.Parallel()

	path := newStream(t, pevent.SampleTID|pevent.SampleTime).
		add(pevent.MiscSwitchOut, &pevent.Switch{}, 8, 10).
		add(0, &pevent.Switch{}, 9, 20).
		add(pevent.MiscSwitchOut, &pevent.SwitchCPUWide{NextPrevPid: 10, NextPrevTid: 10}, 9, 30).
		add(0, &pevent.SwitchCPUWide{NextPrevPid: 10, NextPrevTid: 10}, 11, 40).
		write()

	h := newHarness(t, testConfig(path))
	pending := func() uint32 {
		if h.d.nextCtx == nil {
			return 0
		}
		return h.d.nextCtx.Context().PID()
	}

	h.process(t, &sideband.Event{Type: sideband.EventEnabled, TSC: 1, HasTSC: true, IP: userIP})
	h.process(t, tick(15, userIP))
	require.Zero(t, pending())
	require.Nil(t, h.s.FindContext(8))

	h.process(t, tick(25, userIP))
	require.Equal(t, uint32(9), pending())

	h.process(t, tick(35, userIP))
	require.Equal(t, uint32(10), pending())
	require.Equal(t, 1, h.s.FindContext(9).RefCount())

	h.process(t, tick(45, userIP))
	require.Equal(t, uint32(11), pending())
	require.Empty(t, h.switches)

	h.process(t, tick(55, kernelIP))
	require.Zero(t, pending())
	require.Equal(t, []uint32{11}, h.switches)
}

func TestSwitchWithoutPidSample(t *testing.T) {
	t.Parallel()

	path := newStream(t, pevent.SampleTime).
		add(0, &pevent.Switch{}, 0, 10).
		write()

	cfg := testConfig(path)
	cfg.SampleType = pevent.SampleTime
	h := newHarness(t, cfg)

	h.process(t, tick(20, kernelIP))
	require.Len(t, h.errs, 1)
	require.ErrorIs(t, h.errs[0], pterr.ErrBadConfig)

	// The decoder is gone.
	h.process(t, tick(30, kernelIP))
	require.Len(t, h.errs, 1)
}

func TestFetch(t *testing.T) {
	t.Parallel()

	s := newStream(t, pevent.SampleTID|pevent.SampleTime).
		add(0, &pevent.ItraceStart{Pid: 1, Tid: 1}, 1, 10).
		add(0, &pevent.ItraceStart{Pid: 2, Tid: 2}, 2, 20)
	recordSize := len(s.buf) / 2
	path := s.write()

	cfg := testConfig(path)
	cfg.TSCOffset = 15
	d, err := New(log.NewNopLogger(), cfg)
	require.NoError(t, err)
	defer d.Close()

	tsc, err := d.Fetch()
	require.NoError(t, err)
	require.Zero(t, tsc)

	tsc, err = d.Fetch()
	require.NoError(t, err)
	require.Equal(t, uint64(5), tsc)
	file, offset := d.ErrorContext()
	require.Equal(t, path, file)
	require.Equal(t, uint64(recordSize), offset)

	// The last record survives the end of the stream.
	_, err = d.Fetch()
	require.ErrorIs(t, err, pterr.ErrEOS)
	_, err = d.Fetch()
	require.ErrorIs(t, err, pterr.ErrEOS)
	require.Equal(t, &pevent.ItraceStart{Pid: 2, Tid: 2}, d.event.Record)
	require.Equal(t, d.current, d.next)
}

func TestFetchRange(t *testing.T) {
	t.Parallel()

	s := newStream(t, pevent.SampleTID|pevent.SampleTime).
		add(0, &pevent.ItraceStart{Pid: 1, Tid: 1}, 1, 10).
		add(0, &pevent.ItraceStart{Pid: 2, Tid: 2}, 2, 20)
	recordSize := int64(len(s.buf) / 2)

	cfg := testConfig(s.write())
	cfg.Begin = recordSize
	d, err := New(log.NewNopLogger(), cfg)
	require.NoError(t, err)
	defer d.Close()

	tsc, err := d.Fetch()
	require.NoError(t, err)
	require.Equal(t, uint64(20), tsc)
	_, offset := d.ErrorContext()
	require.Equal(t, uint64(recordSize), offset)
}

func TestFetchCorrupt(t *testing.T) {
	t.Parallel()

	s := newStream(t, pevent.SampleTID|pevent.SampleTime).
		add(0, &pevent.ItraceStart{Pid: 1, Tid: 1}, 1, 10)
	// A record claiming to be smaller than its header.
	s.buf = append(s.buf, 0xc, 0, 0, 0, 0, 0, 4, 0)

	d, err := New(log.NewNopLogger(), testConfig(s.write()))
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Fetch()
	require.NoError(t, err)
	_, err = d.Fetch()
	require.ErrorIs(t, err, pterr.ErrNoSync)
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := New(log.NewNopLogger(), Config{})
	require.ErrorIs(t, err, pterr.ErrBadConfig)

	cfg := testConfig(filepath.Join(t.TempDir(), "missing"))
	_, err = New(log.NewNopLogger(), cfg)
	require.ErrorIs(t, err, pterr.ErrBadFile)

	cfg.TimeMult = 0
	_, err = New(log.NewNopLogger(), cfg)
	require.ErrorIs(t, err, pterr.ErrBadConfig)
}

func TestRegister(t *testing.T) {
	t.Parallel()

	path := newStream(t, pevent.SampleTID|pevent.SampleTime).
		add(0, &pevent.ItraceStart{Pid: 1, Tid: 1}, 1, 10).
		write()

	s := sideband.NewSession(log.NewNopLogger(), prometheus.NewRegistry(), nil)
	require.NoError(t, Register(log.NewNopLogger(), s, testConfig(path)))
	require.NoError(t, s.InitDecoders())

	img, err := s.Process(nil, tick(10, userIP), nil, 0)
	require.NoError(t, err)
	require.NotNil(t, img)
	require.NoError(t, s.Close())

	require.ErrorIs(t, Register(log.NewNopLogger(), s, testConfig(path)), pterr.ErrInternal)
}

func TestPrint(t *testing.T) {
	t.Parallel()

	path := newStream(t, pevent.SampleTID|pevent.SampleTime).
		add(0, &pevent.ItraceStart{Pid: 7, Tid: 8}, 7, 0x10).
		write()

	d, err := New(log.NewNopLogger(), testConfig(path))
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Fetch()
	require.NoError(t, err)

	var out strings.Builder

	tests := []struct {
		flags sideband.PrintFlag
		want  string
	}{
		{0, "PERF_RECORD_ITRACE_START\n"},
		{sideband.PrintCompact, "PERF_RECORD_ITRACE_START  7/8\n"},
		{sideband.PrintFilename | sideband.PrintFileOffset, path + ":0000000000000000  PERF_RECORD_ITRACE_START\n"},
		{sideband.PrintTSC | sideband.PrintCompact, "0000000000000010  PERF_RECORD_ITRACE_START  7/8\n"},
	}
	for _, tt := range tests {
		out.Reset()
		require.NoError(t, d.Print(&out, tt.flags))
		require.Equal(t, tt.want, out.String())
	}

	out.Reset()
	require.NoError(t, d.Print(&out, sideband.PrintVerbose))
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Equal(t, "PERF_RECORD_ITRACE_START", lines[0])
	require.Equal(t, []string{"pid:", "7"}, strings.Fields(lines[1]))
	require.Equal(t, []string{"tid:", "8"}, strings.Fields(lines[2]))
	require.Contains(t, out.String(), "sample tsc:")

	// Nothing is left to print at the end of the stream.
	_, err = d.Fetch()
	require.ErrorIs(t, err, pterr.ErrEOS)
	out.Reset()
	require.NoError(t, d.Print(&out, sideband.PrintCompact))
	require.Empty(t, out.String())
}
