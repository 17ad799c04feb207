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

package main

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"

	"github.com/parca-dev/parca-sideband/pkg/config"
	"github.com/parca-dev/parca-sideband/pkg/image"
	"github.com/parca-dev/parca-sideband/pkg/ksym"
	"github.com/parca-dev/parca-sideband/pkg/logger"
	"github.com/parca-dev/parca-sideband/pkg/pevent"
	"github.com/parca-dev/parca-sideband/pkg/process"
	"github.com/parca-dev/parca-sideband/pkg/sbpevent"
	"github.com/parca-dev/parca-sideband/pkg/sideband"
	"github.com/parca-dev/parca-sideband/pkg/vdso"
)

type flags struct {
	LogLevel  string `kong:"enum='error,warn,info,debug',help='Log level.',default='info'"`
	LogFormat string `kong:"enum='logfmt,json',help='Log format.',default='logfmt'"`

	Print struct {
		Compact  bool `kong:"help='Print record fields on the record line.',default='true',negatable"`
		Verbose  bool `kong:"help='Print every record field on its own line.'"`
		Filename bool `kong:"help='Prefix records with the sideband file name.'"`
		Offset   bool `kong:"help='Prefix records with their file offset.'"`
		TSC      bool `kong:"help='Prefix records with their time stamp.'"`
	} `embed:"" prefix:"print-"`

	SampleType  string `kong:"help='The perf_event_attr sample_type the files were recorded with.',default='0x0'"`
	TimeShift   uint16 `kong:"help='The perf_event_mmap_page time_shift.'"`
	TimeMult    uint32 `kong:"help='The perf_event_mmap_page time_mult.',default='1'"`
	TimeZero    string `kong:"help='The perf_event_mmap_page time_zero.',default='0'"`
	KernelStart string `kong:"help='The lowest kernel address, or auto to read it from kallsyms. Zero uses the upper half of the address space.',default='0'"`
	TSCOffset   string `kong:"help='Subtracted from every record time stamp.',default='0'"`

	Sysroot  string `kong:"help='Prefix for the file names of mapped files.'"`
	VDSOx64  string `kong:"name='vdso-x64',help='The vdso image of 64-bit processes.'"`
	VDSOx32  string `kong:"name='vdso-x32',help='The vdso image of x32 processes.'"`
	VDSOia32 string `kong:"name='vdso-ia32',help='The vdso image of 32-bit processes.'"`
	FindVDSO bool   `kong:"name='find-vdso',help='Use the vdso images installed for the running kernel where none is given.'"`

	Kernel   []string `kong:"help='Kernel images mapped into every process context: path[:vaddr]. The vaddr defaults to the kernel start.'"`
	SeedPIDs []int    `kong:"name='seed-pid',help='Seed the context of these running processes from their current mappings.'"`

	Primary int    `kong:"help='Index of the file whose context switches select the decoding image. Negative disables.',default='0'"`
	Apply   bool   `kong:"help='Apply the records and print the resulting process contexts.'"`
	UpTo    string `kong:"help='Stop at this time stamp.'"`

	CacheSize   int    `kong:"help='Maximum number of cached section contents. Zero is unbounded.',default='64'"`
	MetricsFile string `kong:"help='Write metrics in text format to this file on exit.'"`

	ConfigFile string   `kong:"help='YAML file describing the recording. Replaces the recording flags and file arguments.'"`
	Files      []string `kong:"optional,arg,name='file',help='Sideband files: path[:begin[-end]].'"`
}

// sbdump prints perf-event sideband files in time stamp order.
func main() {
	flags := flags{}
	kong.Parse(&flags)

	logger := logger.NewLogger(flags.LogLevel, flags.LogFormat, "sbdump")
	if err := run(logger, os.Stdout, flags); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, w io.Writer, flags flags) error {
	cfgs, err := loadConfigs(flags)
	if err != nil {
		return err
	}
	if len(cfgs) == 0 {
		return errors.New("no sideband files given")
	}

	if flags.KernelStart == "auto" {
		addr, err := ksym.NewReader(logger).KernelStart()
		if err != nil {
			return fmt.Errorf("failed to find the kernel start: %w", err)
		}
		for i := range cfgs {
			cfgs[i].KernelStart = addr
		}
	}
	if flags.FindVDSO {
		findVDSO(logger, cfgs)
	}
	upTo, err := parseUint(flags.UpTo, math.MaxUint64)
	if err != nil {
		return fmt.Errorf("failed to parse --up-to: %w", err)
	}

	reg := prometheus.NewRegistry()
	iscache := image.NewSectionCache(logger, reg, "sbdump", flags.CacheSize)
	defer iscache.Close()

	s := sideband.NewSession(logger, reg, iscache)
	defer s.Close()

	s.SetErrorNotifier(func(err error) {
		level.Warn(logger).Log("msg", "sideband error", "err", err)
	})
	s.SetSwitchNotifier(func(ctx *sideband.Context) {
		level.Debug(logger).Log("msg", "context switch", "pid", ctx.PID())
	})

	for _, arg := range flags.Kernel {
		if err := addKernelImage(s, iscache, arg, cfgs[0].KernelStart); err != nil {
			return fmt.Errorf("failed to map kernel image: %w", err)
		}
	}

	if len(flags.SeedPIDs) > 0 {
		fs, err := procfs.NewDefaultFS()
		if err != nil {
			return err
		}
		seeder := process.NewSeeder(logger, fs, cfgs[0].Sysroot)
		for _, pid := range flags.SeedPIDs {
			added, err := seeder.Seed(s, pid)
			if errors.Is(err, process.ErrProcNotFound) {
				return err
			}
			if err != nil {
				level.Warn(logger).Log("msg", "some mappings could not be seeded", "pid", pid, "err", err)
			}
			level.Info(logger).Log("msg", "seeded process context", "pid", pid, "mappings", added)
		}
	}

	for _, cfg := range cfgs {
		if err := sbpevent.Register(logger, s, cfg); err != nil {
			return fmt.Errorf("failed to load %s: %w", cfg.Filename, err)
		}
	}
	if err := s.InitDecoders(); err != nil {
		return err
	}

	printFlags := flags.printFlags()
	if flags.Apply {
		// An event without an instruction pointer commits pending
		// switches without a known location.
		ev := &sideband.Event{Type: sideband.EventCBR, TSC: upTo, HasTSC: true}
		img, err := s.Process(nil, ev, w, printFlags)
		if err != nil {
			return err
		}
		printContexts(w, s, img)
	} else if err := s.Dump(w, printFlags, upTo); err != nil {
		return err
	}

	if flags.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(flags.MetricsFile, reg); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	return nil
}

// findVDSO fills the vdso paths that were not given.
func findVDSO(logger log.Logger, cfgs []sbpevent.Config) {
	release, err := vdso.KernelRelease()
	if err != nil {
		level.Warn(logger).Log("msg", "failed to get kernel release", "err", err)
		return
	}
	imgs, err := vdso.Find("/", release)
	if err != nil {
		level.Warn(logger).Log("msg", "no vdso images found", "release", release, "err", err)
		return
	}
	level.Debug(logger).Log("msg", "found vdso images", "x64", imgs.X64, "x32", imgs.X32, "ia32", imgs.IA32)

	for i := range cfgs {
		cfg := &cfgs[i]
		for _, p := range []struct {
			dst   *string
			found string
		}{
			{&cfg.VDSOx64, imgs.X64},
			{&cfg.VDSOx32, imgs.X32},
			{&cfg.VDSOia32, imgs.IA32},
		} {
			if *p.dst == "" {
				*p.dst = p.found
			}
		}
	}
}

func (f flags) printFlags() sideband.PrintFlag {
	var pf sideband.PrintFlag
	for _, opt := range []struct {
		set  bool
		flag sideband.PrintFlag
	}{
		{f.Print.Compact, sideband.PrintCompact},
		{f.Print.Verbose, sideband.PrintVerbose},
		{f.Print.Filename, sideband.PrintFilename},
		{f.Print.Offset, sideband.PrintFileOffset},
		{f.Print.TSC, sideband.PrintTSC},
	} {
		if opt.set {
			pf |= opt.flag
		}
	}
	return pf
}

func loadConfigs(flags flags) ([]sbpevent.Config, error) {
	if flags.ConfigFile == "" {
		return decoderConfigs(flags)
	}
	if len(flags.Files) > 0 {
		return nil, errors.New("sideband files are given both as arguments and in --config-file")
	}
	cfg, err := config.LoadFile(flags.ConfigFile)
	if err != nil {
		return nil, err
	}
	return cfg.Decoders(), nil
}

func decoderConfigs(flags flags) ([]sbpevent.Config, error) {
	sampleType, err := parseUint(flags.SampleType, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to parse --sample-type: %w", err)
	}
	timeZero, err := parseUint(flags.TimeZero, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to parse --time-zero: %w", err)
	}
	var kernelStart uint64
	if flags.KernelStart != "auto" {
		kernelStart, err = parseUint(flags.KernelStart, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to parse --kernel-start: %w", err)
		}
	}
	tscOffset, err := parseUint(flags.TSCOffset, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to parse --tsc-offset: %w", err)
	}

	cfgs := make([]sbpevent.Config, 0, len(flags.Files))
	for i, arg := range flags.Files {
		name, begin, end, err := parseFileArg(arg)
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, sbpevent.Config{
			Filename:    name,
			Begin:       begin,
			End:         end,
			Sysroot:     flags.Sysroot,
			VDSOx64:     flags.VDSOx64,
			VDSOx32:     flags.VDSOx32,
			VDSOia32:    flags.VDSOia32,
			SampleType:  pevent.SampleType(sampleType),
			TimeShift:   flags.TimeShift,
			TimeMult:    flags.TimeMult,
			TimeZero:    timeZero,
			KernelStart: kernelStart,
			TSCOffset:   tscOffset,
			Primary:     i == flags.Primary,
		})
	}
	return cfgs, nil
}

// parseFileArg splits path[:begin[-end]] into its parts.
func parseFileArg(arg string) (string, int64, int64, error) {
	name, rng, found := strings.Cut(arg, ":")
	if name == "" {
		return "", 0, 0, fmt.Errorf("missing file name in %q", arg)
	}
	if !found {
		return name, 0, 0, nil
	}

	from, to, hasEnd := strings.Cut(rng, "-")
	begin, err := strconv.ParseInt(from, 0, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("bad begin offset in %q: %w", arg, err)
	}
	var end int64
	if hasEnd {
		end, err = strconv.ParseInt(to, 0, 64)
		if err != nil {
			return "", 0, 0, fmt.Errorf("bad end offset in %q: %w", arg, err)
		}
		if end <= begin {
			return "", 0, 0, fmt.Errorf("empty range in %q", arg)
		}
	}
	return name, begin, end, nil
}

// addKernelImage maps the whole file named by arg into the session's kernel
// image.
func addKernelImage(s *sideband.Session, iscache *image.SectionCache, arg string, kernelStart uint64) error {
	name, vaddr, err := parseKernelArg(arg, kernelStart)
	if err != nil {
		return err
	}
	isid, err := iscache.AddFile(name, 0, math.MaxUint64, vaddr)
	if err != nil {
		return err
	}
	return s.KernelImage().AddCached(iscache, isid)
}

func parseKernelArg(arg string, kernelStart uint64) (string, uint64, error) {
	name, addr, found := strings.Cut(arg, ":")
	if name == "" {
		return "", 0, fmt.Errorf("missing file name in %q", arg)
	}
	if !found {
		return name, kernelStart, nil
	}
	vaddr, err := strconv.ParseUint(addr, 0, 64)
	if err != nil {
		return "", 0, fmt.Errorf("bad load address in %q: %w", arg, err)
	}
	return name, vaddr, nil
}

func parseUint(s string, def uint64) (uint64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseUint(s, 0, 64)
}

func printContexts(w io.Writer, s *sideband.Session, current *image.Image) {
	for _, ctx := range s.Contexts() {
		img := ctx.Image()
		if img == nil {
			continue
		}
		marker := " "
		if img == current {
			marker = "*"
		}
		fmt.Fprintf(w, "%s pid %d (%s): %d sections\n", marker, ctx.PID(), ctx.ABI(), img.Len())
		for _, sec := range img.Sections() {
			fmt.Fprintf(w, "    %016x-%016x %8s %s+%#x\n",
				sec.VAddr, sec.End(), humanize.IBytes(sec.Size), sec.Filename, sec.Offset)
		}
	}
}
