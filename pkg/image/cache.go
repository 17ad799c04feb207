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

package image

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parca-dev/parca-sideband/pkg/pterr"
)

type sectionKey struct {
	filename string
	offset   uint64
	size     uint64
	vaddr    uint64
}

// SectionCache hands out identifiers for file sections so that images of
// different processes mapping the same file share one section, and keeps
// the bytes of recently read sections in memory.
type SectionCache struct {
	logger log.Logger
	name   string

	mtx      sync.Mutex
	sections []Section
	index    map[sectionKey]int
	data     *lru

	sectionsAdded prometheus.Counter
	bytesLoaded   prometheus.Counter
}

// NewSectionCache creates a section cache holding the bytes of at most
// maxEntries sections. A non-positive maxEntries does not bound the cache.
func NewSectionCache(logger log.Logger, reg prometheus.Registerer, name string, maxEntries int) *SectionCache {
	reg = prometheus.WrapRegistererWith(prometheus.Labels{"cache": name}, reg)
	return &SectionCache{
		logger: logger,
		name:   name,
		index:  map[sectionKey]int{},
		data:   newLRU(reg, maxEntries),
		sectionsAdded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "section_cache_sections_added_total",
			Help: "Total number of distinct sections added to the cache.",
		}),
		bytesLoaded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "section_cache_loaded_bytes_total",
			Help: "Total number of section bytes read from disk.",
		}),
	}
}

func (c *SectionCache) Name() string {
	return c.name
}

// AddFile adds the section of filename that starts at offset and spans size
// bytes, to be mapped at vaddr. The section is truncated to the end of the
// file. Adding an identical section again returns the same identifier.
func (c *SectionCache) AddFile(filename string, offset, size, vaddr uint64) (int, error) {
	if filename == "" || size == 0 {
		return 0, fmt.Errorf("%w: empty section", pterr.ErrBadConfig)
	}

	key := sectionKey{filename, offset, size, vaddr}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if isid, ok := c.index[key]; ok {
		return isid, nil
	}

	size, err := fileSectionSize(filename, offset, size)
	if err != nil {
		return 0, err
	}

	c.sections = append(c.sections, Section{
		Filename: filename,
		Offset:   offset,
		Size:     size,
		VAddr:    vaddr,
	})
	isid := len(c.sections)
	c.sections[isid-1].ISID = isid
	c.index[key] = isid
	c.sectionsAdded.Inc()

	level.Debug(c.logger).Log("msg", "section added", "cache", c.name, "isid", isid, "file", filename, "offset", offset, "size", size, "vaddr", vaddr)
	return isid, nil
}

// Lookup returns the section identified by isid.
func (c *SectionCache) Lookup(isid int) (Section, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.lookup(isid)
}

func (c *SectionCache) lookup(isid int) (Section, error) {
	if isid <= 0 || isid > len(c.sections) {
		return Section{}, fmt.Errorf("%w: unknown section id %d", pterr.ErrBadConfig, isid)
	}
	return c.sections[isid-1], nil
}

// Len returns the number of distinct sections in the cache.
func (c *SectionCache) Len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return len(c.sections)
}

// Read copies the bytes of section isid starting at section offset off into
// buf.
func (c *SectionCache) Read(isid int, buf []byte, off uint64) (int, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	sec, err := c.lookup(isid)
	if err != nil {
		return 0, err
	}
	if off >= sec.Size {
		return 0, pterr.ErrNoMap
	}

	data, ok := c.data.get(isid)
	if !ok {
		data, err = loadSection(sec)
		if err != nil {
			return 0, err
		}
		c.data.add(isid, data)
		c.bytesLoaded.Add(float64(len(data)))
	}

	if off >= uint64(len(data)) {
		return 0, pterr.ErrNoMap
	}
	return copy(buf, data[off:]), nil
}

// Close drops all cached section bytes and unregisters the cache metrics.
func (c *SectionCache) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.data.close()
}

func fileSectionSize(filename string, offset, size uint64) (uint64, error) {
	fi, err := os.Stat(filename)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", pterr.ErrBadFile, err)
	}
	if !fi.Mode().IsRegular() {
		return 0, fmt.Errorf("%w: %s is not a regular file", pterr.ErrBadFile, filename)
	}
	fsize := uint64(fi.Size())
	if offset >= fsize {
		return 0, fmt.Errorf("%w: offset %#x beyond end of %s", pterr.ErrBadFile, offset, filename)
	}
	if rest := fsize - offset; size > rest {
		size = rest
	}
	return size, nil
}

func loadSection(sec Section) ([]byte, error) {
	f, err := os.Open(sec.Filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pterr.ErrBadFile, err)
	}
	defer f.Close()

	data := make([]byte, sec.Size)
	n, err := f.ReadAt(data, int64(sec.Offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: reading %s: %w", pterr.ErrBadFile, sec.Filename, err)
	}
	return data[:n], nil
}
