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

// Package sideband keeps sideband decoders ordered by time and correlates
// their records with the events of a hardware execution trace.
package sideband

import (
	"cmp"
	"container/heap"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/parca-sideband/pkg/image"
	"github.com/parca-dev/parca-sideband/pkg/pterr"
)

// Session drives a set of sideband decoders.
//
// Registered decoders wait until InitDecoders fetches their first record.
// They are then active, ordered by the time stamp of their current record,
// until they run out of records and are retired. Retired decoders keep
// seeing trace events so they can still act on their last record. Decoders
// that fail are removed. Decoders are closed only when the session is.
//
// A Session is not safe for concurrent use.
type Session struct {
	logger  log.Logger
	metrics *metrics

	iscache *image.SectionCache
	kernel  *image.Image

	// contexts holds one reference per process.
	contexts map[uint32]*ContextRef

	waiting []*decoderEntry
	active  decoderQueue
	retired []*decoderEntry
	removed []*decoderEntry
	seq     uint64

	onError  func(error)
	onSwitch func(*Context)

	closed bool
}

// NewSession creates a session whose process images share sections through
// iscache.
func NewSession(logger log.Logger, reg prometheus.Registerer, iscache *image.SectionCache) *Session {
	return &Session{
		logger:   logger,
		metrics:  newMetrics(reg),
		iscache:  iscache,
		kernel:   image.New("kernel"),
		contexts: map[uint32]*ContextRef{},
	}
}

// SetErrorNotifier installs a function that is called with a *DecoderError
// for every error and warning a decoder reports.
func (s *Session) SetErrorNotifier(fn func(error)) {
	s.onError = fn
}

// SetSwitchNotifier installs a function that is called whenever a decoder
// switches to a new process context.
func (s *Session) SetSwitchNotifier(fn func(*Context)) {
	s.onSwitch = fn
}

// KernelImage returns the image every new process context starts from.
func (s *Session) KernelImage() *image.Image {
	return s.kernel
}

// SectionCache returns the cache the session's images share sections
// through. It may be nil.
func (s *Session) SectionCache() *image.SectionCache {
	return s.iscache
}

// Add registers a decoder with the session. The session takes ownership of
// d. The context switches of a primary decoder determine the image used for
// decoding the trace.
func (s *Session) Add(d Decoder, primary bool) error {
	if d == nil || s.closed {
		return pterr.ErrInternal
	}
	s.waiting = append(s.waiting, &decoderEntry{dec: d, primary: primary, index: -1})
	return nil
}

// InitDecoders fetches the first record of every registered decoder. It
// must be called after all decoders have been added and before the first
// call to Process. Decoders that fail to provide a record are closed.
func (s *Session) InitDecoders() error {
	var errs error
	for _, e := range s.waiting {
		tsc, err := e.dec.Fetch()
		if err != nil {
			if !errors.Is(err, pterr.ErrEOS) {
				s.ReportError(err, e.dec)
			}
			level.Debug(s.logger).Log("msg", "closing decoder without records", "err", err)
			if err := e.dec.Close(); err != nil {
				errs = errors.Join(errs, err)
			}
			continue
		}
		e.tsc = tsc
		s.push(e)
		s.metrics.decoderTransitions.WithLabelValues(stateActive).Inc()
	}
	s.waiting = nil
	return errs
}

// Process applies all sideband records due at ev's time stamp and then
// presents ev to every remaining decoder.
//
// img is the image currently used for decoding the trace. Process returns the
// image to use from now on, which changes when a primary decoder switches
// processes. If w is not nil, records are printed to w before they are
// applied.
//
// Decoder failures do not fail Process; the failing decoder is removed and
// the error is reported to the error notifier.
func (s *Session) Process(img *image.Image, ev *Event, w io.Writer, flags PrintFlag) (*image.Image, error) {
	if ev == nil || s.closed {
		return img, pterr.ErrInternal
	}
	s.metrics.eventsProcessed.Inc()

	if ev.HasTSC {
		if err := s.applyRecords(&img, ev.TSC, w, flags); err != nil {
			return img, err
		}
	}
	s.presentEvent(&img, ev)

	return img, nil
}

// Dump prints, without applying them, the records of all decoders up to
// time stamp upTo.
func (s *Session) Dump(w io.Writer, flags PrintFlag, upTo uint64) error {
	if w == nil || s.closed {
		return pterr.ErrInternal
	}
	for {
		e := s.active.head()
		if e == nil || e.tsc > upTo {
			return nil
		}
		if err := e.dec.Print(w, flags); err != nil {
			return fmt.Errorf("printing sideband record: %w", err)
		}
		heap.Pop(&s.active)
		s.fetch(e)
	}
}

func (s *Session) target(e *decoderEntry, img **image.Image) **image.Image {
	if e.primary {
		return img
	}
	return nil
}

func (s *Session) applyRecords(img **image.Image, tsc uint64, w io.Writer, flags PrintFlag) error {
	for {
		e := s.active.head()
		if e == nil || e.tsc > tsc {
			return nil
		}
		if w != nil {
			if err := e.dec.Print(w, flags); err != nil {
				return fmt.Errorf("printing sideband record: %w", err)
			}
		}
		heap.Pop(&s.active)

		if err := e.dec.Apply(s, s.target(e, img), nil); err != nil {
			s.remove(e, err)
			continue
		}
		s.metrics.recordsApplied.Inc()
		s.fetch(e)
	}
}

func (s *Session) presentEvent(img **image.Image, ev *Event) {
	active := slices.Clone(s.active)
	slices.SortFunc(active, compareEntries)

	for _, e := range active {
		err := e.dec.Apply(s, s.target(e, img), ev)
		if err == nil || errors.Is(err, pterr.ErrEOS) {
			continue
		}
		heap.Remove(&s.active, e.index)
		s.remove(e, err)
	}

	retired := s.retired[:0:0]
	for _, e := range s.retired {
		err := e.dec.Apply(s, s.target(e, img), ev)
		if err == nil || errors.Is(err, pterr.ErrEOS) {
			retired = append(retired, e)
			continue
		}
		s.remove(e, err)
	}
	s.retired = retired
}

func compareEntries(a, b *decoderEntry) int {
	if c := cmp.Compare(a.tsc, b.tsc); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

func (s *Session) push(e *decoderEntry) {
	e.seq = s.seq
	s.seq++
	heap.Push(&s.active, e)
}

// fetch advances e and requeues it, or retires it at the end of its records.
func (s *Session) fetch(e *decoderEntry) {
	tsc, err := e.dec.Fetch()
	switch {
	case err == nil:
		e.tsc = tsc
		s.push(e)
	case errors.Is(err, pterr.ErrEOS):
		s.retired = append(s.retired, e)
		s.metrics.decoderTransitions.WithLabelValues(stateRetired).Inc()
	default:
		s.remove(e, err)
	}
}

func (s *Session) remove(e *decoderEntry, err error) {
	s.ReportError(err, e.dec)
	s.removed = append(s.removed, e)
	s.metrics.decoderTransitions.WithLabelValues(stateRemoved).Inc()
}

// ReportError reports err on behalf of d to the error notifier.
func (s *Session) ReportError(err error, d Decoder) {
	if err == nil {
		return
	}

	derr := &DecoderError{Err: err}
	if ec, ok := d.(ErrorContexter); ok {
		derr.Filename, derr.Offset = ec.ErrorContext()
	}

	if pterr.IsWarning(err) {
		s.metrics.errors.WithLabelValues(lvWarning).Inc()
		level.Debug(s.logger).Log("msg", "sideband decoder warning", "file", derr.Filename, "offset", derr.Offset, "err", err)
	} else {
		s.metrics.errors.WithLabelValues(lvError).Inc()
		level.Warn(s.logger).Log("msg", "sideband decoder failed", "file", derr.Filename, "offset", derr.Offset, "err", err)
	}

	if s.onError != nil {
		s.onError(derr)
	}
}

// FindContext returns the context of process pid, or nil.
func (s *Session) FindContext(pid uint32) *Context {
	if ref, ok := s.contexts[pid]; ok {
		return ref.ctx
	}
	return nil
}

// ContextByPID returns the context of process pid. A missing context is
// created with a copy of the kernel image.
func (s *Session) ContextByPID(pid uint32) (*Context, error) {
	if s.closed {
		return nil, pterr.ErrInternal
	}
	if ctx := s.FindContext(pid); ctx != nil {
		return ctx, nil
	}

	img := image.New(fmt.Sprintf("pid-%d", pid))
	if ignored := img.Copy(s.kernel); ignored > 0 {
		level.Debug(s.logger).Log("msg", "kernel sections ignored", "pid", pid, "count", ignored)
	}

	ref := newContext(pid, img)
	s.contexts[pid] = ref
	s.metrics.contextsCreated.Inc()
	return ref.ctx, nil
}

// RemoveContext removes ctx from the context table. The context lives on as
// long as it is referenced elsewhere.
func (s *Session) RemoveContext(ctx *Context) error {
	if ctx == nil {
		return pterr.ErrInternal
	}
	ref, ok := s.contexts[ctx.pid]
	if !ok || ref.ctx != ctx {
		return fmt.Errorf("%w: context %d is not in the table", pterr.ErrInternal, ctx.pid)
	}
	delete(s.contexts, ctx.pid)
	return ref.Release()
}

// Contexts returns the contexts in the table ordered by pid.
func (s *Session) Contexts() []*Context {
	ctxs := make([]*Context, 0, len(s.contexts))
	for _, ref := range s.contexts {
		ctxs = append(ctxs, ref.ctx)
	}
	slices.SortFunc(ctxs, func(a, b *Context) int {
		return cmp.Compare(a.pid, b.pid)
	})
	return ctxs
}

// SwitchTo notifies the switch observer that ctx is now running and, if img
// is not nil, makes ctx's image the one used for decoding.
func (s *Session) SwitchTo(img **image.Image, ctx *Context) error {
	if ctx == nil {
		return pterr.ErrInternal
	}
	s.metrics.contextSwitches.Inc()
	level.Debug(s.logger).Log("msg", "switching context", "pid", ctx.pid, "primary", img != nil)

	if s.onSwitch != nil {
		s.onSwitch(ctx)
	}
	if img != nil {
		*img = ctx.Image()
	}
	return nil
}

// Close closes all decoders and releases the context table.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs error
	for _, set := range [][]*decoderEntry{s.waiting, s.active, s.retired, s.removed} {
		for _, e := range set {
			if err := e.dec.Close(); err != nil {
				errs = errors.Join(errs, err)
			}
		}
	}
	s.waiting, s.active, s.retired, s.removed = nil, nil, nil, nil

	for pid, ref := range s.contexts {
		if err := ref.Release(); err != nil {
			errs = errors.Join(errs, err)
		}
		delete(s.contexts, pid)
	}

	if err := s.metrics.unregister(); err != nil {
		errs = errors.Join(errs, err)
	}
	return errs
}
