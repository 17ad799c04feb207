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

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/parca-dev/parca-sideband/pkg/pterr"
)

// File is a read-only view of a part of a sideband file.
type File struct {
	name   string
	begin  int64
	mapped []byte
	data   []byte
}

// LoadFile maps the bytes [begin, end) of the named file. An end of zero
// stands for the end of the file.
func LoadFile(name string, begin, end int64) (*File, error) {
	if begin < 0 || end < 0 || (end != 0 && end < begin) {
		return nil, fmt.Errorf("%w: bad range %d-%d of %s", pterr.ErrBadConfig, begin, end, name)
	}

	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pterr.ErrBadFile, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pterr.ErrBadFile, err)
	}
	size := fi.Size()
	if end == 0 {
		end = size
	}
	if begin > size || end > size {
		return nil, fmt.Errorf("%w: range %d-%d exceeds %s of size %d", pterr.ErrBadFile, begin, end, name, size)
	}

	file := &File{name: name, begin: begin}
	if size == 0 {
		return file, nil
	}

	mapped, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mapping %s: %w", pterr.ErrBadFile, name, err)
	}
	file.mapped = mapped
	file.data = mapped[begin:end:end]
	return file, nil
}

func (f *File) Name() string {
	return f.name
}

// Bytes returns the loaded part of the file.
func (f *File) Bytes() []byte {
	return f.data
}

// Begin returns the file offset of the first loaded byte.
func (f *File) Begin() int64 {
	return f.begin
}

func (f *File) Close() error {
	if f.mapped == nil {
		return nil
	}
	mapped := f.mapped
	f.mapped, f.data = nil, nil
	if err := unix.Munmap(mapped); err != nil {
		return fmt.Errorf("unmapping %s: %w", f.name, err)
	}
	return nil
}
