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

// Package image models the memory image of a traced process as a set of
// file sections mapped at virtual addresses.
package image

import (
	"fmt"
	"os"
	"sort"

	"github.com/parca-dev/parca-sideband/pkg/pterr"
)

// Section is a part of a file mapped into an image.
type Section struct {
	Filename string
	// Offset of the section in the file.
	Offset uint64
	Size   uint64
	VAddr  uint64
	// ISID identifies the section in its SectionCache. It is zero for
	// sections that were added directly.
	ISID int
}

// End returns the first address after the section.
func (s Section) End() uint64 {
	return s.VAddr + s.Size
}

func (s Section) contains(vaddr uint64) bool {
	return s.VAddr <= vaddr && vaddr < s.End()
}

type mapping struct {
	Section
	cache *SectionCache
}

// Image is a set of non-overlapping sections ordered by address.
// It is not safe for concurrent use.
type Image struct {
	name     string
	mappings []mapping
}

func New(name string) *Image {
	return &Image{name: name}
}

func (img *Image) Name() string {
	return img.name
}

// AddFile maps size bytes of filename starting at offset at vaddr. Sections
// overlapping the new one are trimmed or split.
func (img *Image) AddFile(filename string, offset, size, vaddr uint64) error {
	if filename == "" || size == 0 {
		return fmt.Errorf("%w: empty section", pterr.ErrBadConfig)
	}
	size, err := fileSectionSize(filename, offset, size)
	if err != nil {
		return err
	}
	img.add(mapping{Section: Section{Filename: filename, Offset: offset, Size: size, VAddr: vaddr}})
	return nil
}

// AddCached maps section isid of cache at the address it was added with.
func (img *Image) AddCached(cache *SectionCache, isid int) error {
	if cache == nil {
		return pterr.ErrInternal
	}
	sec, err := cache.Lookup(isid)
	if err != nil {
		return err
	}
	img.add(mapping{Section: sec, cache: cache})
	return nil
}

// Copy adds all sections of src to img and returns the number of sections
// that could not be added.
func (img *Image) Copy(src *Image) int {
	if src == nil || src == img {
		return 0
	}
	ignored := 0
	for _, m := range src.mappings {
		if m.Size == 0 {
			ignored++
			continue
		}
		img.add(m)
	}
	return ignored
}

// Remove removes the section containing vaddr.
func (img *Image) Remove(vaddr uint64) error {
	i, ok := img.find(vaddr)
	if !ok {
		return fmt.Errorf("%w: %#x", pterr.ErrNoMap, vaddr)
	}
	img.mappings = append(img.mappings[:i], img.mappings[i+1:]...)
	return nil
}

// Find returns the section containing vaddr.
func (img *Image) Find(vaddr uint64) (Section, error) {
	i, ok := img.find(vaddr)
	if !ok {
		return Section{}, fmt.Errorf("%w: %#x", pterr.ErrNoMap, vaddr)
	}
	return img.mappings[i].Section, nil
}

// Sections returns the sections of img in address order.
func (img *Image) Sections() []Section {
	secs := make([]Section, 0, len(img.mappings))
	for _, m := range img.mappings {
		secs = append(secs, m.Section)
	}
	return secs
}

// Len returns the number of sections in img.
func (img *Image) Len() int {
	return len(img.mappings)
}

// Read copies memory starting at vaddr into buf. It does not read across
// section boundaries.
func (img *Image) Read(buf []byte, vaddr uint64) (int, error) {
	i, ok := img.find(vaddr)
	if !ok {
		return 0, fmt.Errorf("%w: %#x", pterr.ErrNoMap, vaddr)
	}
	m := img.mappings[i]
	off := vaddr - m.VAddr

	if m.cache != nil && m.ISID != 0 {
		cached, err := m.cache.Lookup(m.ISID)
		if err != nil {
			return 0, err
		}
		// The mapping may have been trimmed; translate into the cached
		// section's offsets.
		return m.cache.Read(m.ISID, limit(buf, m.Size-off), m.Offset-cached.Offset+off)
	}

	f, err := os.Open(m.Filename)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", pterr.ErrBadFile, err)
	}
	defer f.Close()

	n, err := f.ReadAt(limit(buf, m.Size-off), int64(m.Offset+off))
	if n > 0 {
		return n, nil
	}
	return 0, fmt.Errorf("%w: reading %s: %w", pterr.ErrBadFile, m.Filename, err)
}

func limit(buf []byte, n uint64) []byte {
	if uint64(len(buf)) > n {
		return buf[:n]
	}
	return buf
}

func (img *Image) find(vaddr uint64) (int, bool) {
	i := sort.Search(len(img.mappings), func(i int) bool {
		return img.mappings[i].End() > vaddr
	})
	if i < len(img.mappings) && img.mappings[i].contains(vaddr) {
		return i, true
	}
	return 0, false
}

// add inserts m, trimming or splitting the mappings it overlaps.
func (img *Image) add(m mapping) {
	begin, end := m.VAddr, m.End()

	kept := make([]mapping, 0, len(img.mappings)+2)
	for _, old := range img.mappings {
		if old.Section == m.Section && old.cache == m.cache {
			// Already mapped.
			return
		}
		if old.End() <= begin || end <= old.VAddr {
			kept = append(kept, old)
			continue
		}
		if old.VAddr < begin {
			left := old
			left.Size = begin - old.VAddr
			kept = append(kept, left)
		}
		if end < old.End() {
			right := old
			right.VAddr = end
			right.Offset = old.Offset + (end - old.VAddr)
			right.Size = old.End() - end
			kept = append(kept, right)
		}
	}
	kept = append(kept, m)

	sort.Slice(kept, func(i, j int) bool {
		return kept[i].VAddr < kept[j].VAddr
	})
	img.mappings = kept
}
