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

// Package process seeds sideband contexts from the mappings of live
// processes.
package process

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/procfs"

	"github.com/parca-dev/parca-sideband/pkg/elfreader"
	"github.com/parca-dev/parca-sideband/pkg/sideband"
)

var ErrProcNotFound = errors.New("process not found")

// Seeder adds the executable mappings of running processes to their
// contexts. Processes that already ran when recording started have no mmap
// records for the files they mapped before.
type Seeder struct {
	logger  log.Logger
	fs      procfs.FS
	sysroot string
}

func NewSeeder(logger log.Logger, fs procfs.FS, sysroot string) *Seeder {
	return &Seeder{logger: logger, fs: fs, sysroot: sysroot}
}

// Seed maps the file backed executable mappings of pid into its context and
// returns how many were added. Mappings that cannot be added are joined into
// the returned error; the others are still added.
func (sd *Seeder) Seed(s *sideband.Session, pid int) (int, error) {
	proc, err := sd.fs.Proc(pid)
	if err != nil {
		return 0, errors.Join(ErrProcNotFound, fmt.Errorf("failed to open proc %d: %w", pid, err))
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return 0, errors.Join(ErrProcNotFound, fmt.Errorf("failed to read proc maps for proc %d: %w", pid, err))
	}

	ctx, err := s.ContextByPID(uint32(pid))
	if err != nil {
		return 0, err
	}
	img := ctx.Image()
	iscache := s.SectionCache()

	var (
		added int
		errs  error
	)
	for _, m := range maps {
		if m.Perms == nil || !m.Perms.Execute {
			continue
		}
		// Anonymous and pseudo mappings like [vdso] have no file to read.
		if !strings.HasPrefix(m.Pathname, "/") || strings.HasSuffix(m.Pathname, " (deleted)") {
			continue
		}

		path := sd.sysroot + m.Pathname
		if ctx.ABI() == elfreader.ABIUnknown {
			if abi, err := elfreader.ReadABI(path); err == nil {
				ctx.SetABI(abi)
			}
		}

		offset, size, vaddr := uint64(m.Offset), uint64(m.EndAddr-m.StartAddr), uint64(m.StartAddr)
		if iscache != nil {
			var isid int
			isid, err = iscache.AddFile(path, offset, size, vaddr)
			if err == nil {
				err = img.AddCached(iscache, isid)
			}
		} else {
			err = img.AddFile(path, offset, size, vaddr)
		}
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to add mapping %s: %w", m.Pathname, err))
			continue
		}
		added++
	}

	level.Debug(sd.logger).Log("msg", "seeded context", "pid", pid, "mappings", added, "abi", ctx.ABI())
	return added, errs
}
