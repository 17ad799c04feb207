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

// Package ksym reads kernel symbol addresses from kallsyms.
package ksym

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var ErrKernelStartNotFound = errors.New("kernel text start not found")

const kallsyms = "proc/kallsyms"

// The symbols marking the start of kernel text, in order of preference.
var textSymbols = []string{"_text", "_stext"}

type Reader struct {
	logger log.Logger
	fs     fs.FS
}

func NewReader(logger log.Logger) *Reader {
	return newReader(logger, os.DirFS("/"))
}

func newReader(logger log.Logger, fsys fs.FS) *Reader {
	return &Reader{logger: logger, fs: fsys}
}

// KernelStart returns the address of the first kernel text symbol. It fails
// if the addresses are hidden, as they are to unprivileged readers.
func (r *Reader) KernelStart() (uint64, error) {
	fd, err := r.fs.Open(kallsyms)
	if err != nil {
		return 0, err
	}
	defer fd.Close()

	found := make(map[string]uint64, len(textSymbols))
	s := bufio.NewScanner(fd)
	for s.Scan() {
		fields := bytes.Fields(s.Bytes())
		if len(fields) < 3 {
			continue
		}
		name := string(fields[2])
		if !slices.Contains(textSymbols, name) {
			continue
		}

		addr, err := strconv.ParseUint(string(fields[0]), 16, 64)
		if err != nil {
			level.Warn(r.logger).Log("msg", "failed to parse kallsym address", "symbol", name, "err", err)
			continue
		}
		found[name] = addr
	}
	if err := s.Err(); err != nil {
		return 0, fmt.Errorf("failed to read kallsyms: %w", err)
	}

	for _, name := range textSymbols {
		if addr, ok := found[name]; ok && addr != 0 {
			return addr, nil
		}
	}
	return 0, ErrKernelStartNotFound
}
