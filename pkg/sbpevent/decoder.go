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

// Package sbpevent decodes perf-event sideband streams and turns their
// records into process context operations of a sideband session.
package sbpevent

import (
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/parca-sideband/pkg/image"
	"github.com/parca-dev/parca-sideband/pkg/pevent"
	"github.com/parca-dev/parca-sideband/pkg/pterr"
	"github.com/parca-dev/parca-sideband/pkg/sideband"
)

// Config configures a perf-event sideband decoder.
type Config struct {
	// Filename is the sideband file. Begin and End select a part of it;
	// an End of zero selects the rest of the file.
	Filename string
	Begin    int64
	End      int64

	// Sysroot is prepended to the file names of mapped files.
	Sysroot string

	// Per ABI vdso images used for [vdso] mappings.
	VDSOx64  string
	VDSOx32  string
	VDSOia32 string

	// The perf_event_attr sample_type and time conversion parameters the
	// stream was recorded with.
	SampleType pevent.SampleType
	TimeShift  uint16
	TimeMult   uint32
	TimeZero   uint64

	// KernelStart is the lowest kernel address.
	KernelStart uint64
	// TSCOffset is subtracted from every record's time stamp.
	TSCOffset uint64

	// Primary decoders switch the image used for decoding the trace.
	Primary bool
}

// Decoder decodes one perf-event sideband stream.
//
// Context switches announced by records are prepared and only committed
// once the trace shows the CPU to be, or likely be, in the kernel.
type Decoder struct {
	logger log.Logger

	cfg  Config
	pcfg *pevent.Config

	file *sideband.File
	buf  []byte

	// current is the offset of the current record in buf, next the offset
	// of the record to fetch next. They are equal at the end of buf.
	current int
	next    int

	event pevent.Event
	tsc   uint64

	// ctx is the running process, nextCtx the one we are going to switch
	// to. Each holds a reference.
	ctx     *sideband.ContextRef
	nextCtx *sideband.ContextRef

	loc location
}

var _ sideband.Decoder = (*Decoder)(nil)

// New loads the sideband file cfg describes and returns a decoder for it.
func New(logger log.Logger, cfg Config) (*Decoder, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("%w: no sideband file", pterr.ErrBadConfig)
	}
	if cfg.SampleType&pevent.SampleTime != 0 && cfg.TimeMult == 0 {
		return nil, fmt.Errorf("%w: time samples need a non-zero time_mult", pterr.ErrBadConfig)
	}

	file, err := sideband.LoadFile(cfg.Filename, cfg.Begin, cfg.End)
	if err != nil {
		return nil, err
	}

	return &Decoder{
		logger: log.With(logger, "file", cfg.Filename),
		cfg:    cfg,
		pcfg:   pevent.NewConfig(cfg.SampleType, cfg.TimeShift, cfg.TimeMult, cfg.TimeZero),
		file:   file,
		buf:    file.Bytes(),
	}, nil
}

// Register creates a decoder for cfg and adds it to s.
func Register(logger log.Logger, s *sideband.Session, cfg Config) error {
	d, err := New(logger, cfg)
	if err != nil {
		return err
	}
	if err := s.Add(d, cfg.Primary); err != nil {
		return errors.Join(err, d.Close())
	}
	level.Debug(d.logger).Log("msg", "sideband decoder registered", "bytes", len(d.buf), "primary", cfg.Primary)
	return nil
}

// Fetch reads the next record. At the end of the stream the last record is
// kept so that a switch it prepared can still be committed.
func (d *Decoder) Fetch() (uint64, error) {
	pos := d.next
	if pos >= len(d.buf) {
		d.current = pos
		return 0, pterr.ErrEOS
	}

	var ev pevent.Event
	n, err := pevent.Read(&ev, d.buf[pos:], d.pcfg)
	if err != nil {
		d.current = pos
		return 0, err
	}

	d.current = pos
	d.next = pos + n
	d.event = ev
	d.tsc = 0
	if ev.Sample.Has(pevent.SampleTime) && ev.Sample.TSC > d.cfg.TSCOffset {
		d.tsc = ev.Sample.TSC - d.cfg.TSCOffset
	}
	return d.tsc, nil
}

// Apply applies the current record if ev is nil and tracks ev otherwise.
func (d *Decoder) Apply(s *sideband.Session, img **image.Image, ev *sideband.Event) error {
	if s == nil {
		return pterr.ErrInternal
	}
	if ev == nil {
		return d.applyRecord(s, img)
	}
	return d.applyEvent(s, img, ev)
}

func (d *Decoder) applyEvent(s *sideband.Session, img **image.Image, ev *sideband.Event) error {
	prev := d.loc
	d.loc = d.track(prev, ev)

	if d.nextCtx == nil {
		if d.current == d.next {
			return pterr.ErrEOS
		}
		return nil
	}
	if !prev.mayCommit() && !d.loc.mayCommit() {
		return nil
	}
	return d.commit(s, img)
}

// ErrorContext returns the sideband file and the offset of the current
// record.
func (d *Decoder) ErrorContext() (string, uint64) {
	return d.cfg.Filename, uint64(d.cfg.Begin) + uint64(d.current)
}

// Close releases the decoder's contexts and its sideband file.
func (d *Decoder) Close() error {
	var errs error
	for _, ref := range []*sideband.ContextRef{d.ctx, d.nextCtx} {
		if ref != nil {
			errs = errors.Join(errs, ref.Release())
		}
	}
	d.ctx, d.nextCtx = nil, nil
	d.buf = nil

	if d.file != nil {
		errs = errors.Join(errs, d.file.Close())
		d.file = nil
	}
	return errs
}

// prepareSwitch makes ctx the context to switch to. At most one switch is
// pending at any time.
func (d *Decoder) prepareSwitch(ctx *sideband.Context) error {
	if d.nextCtx.Refers(ctx) {
		return nil
	}
	if d.nextCtx != nil {
		if err := d.nextCtx.Release(); err != nil {
			return err
		}
		d.nextCtx = nil
	}
	if d.ctx.Refers(ctx) {
		return nil
	}

	ref, err := ctx.Ref()
	if err != nil {
		return err
	}
	d.nextCtx = ref
	return nil
}

// commit switches to the pending context.
func (d *Decoder) commit(s *sideband.Session, img **image.Image) error {
	next := d.nextCtx
	if next == nil {
		return nil
	}
	d.nextCtx = nil

	if d.ctx != nil {
		if err := d.ctx.Release(); err != nil {
			return err
		}
	}
	d.ctx = next

	level.Debug(d.logger).Log("msg", "context switch", "pid", next.Context().PID(), "location", d.loc)
	return s.SwitchTo(img, next.Context())
}
