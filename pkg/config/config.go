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

package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/parca-dev/parca-sideband/pkg/pevent"
	"github.com/parca-dev/parca-sideband/pkg/sbpevent"
)

var (
	ErrEmptyConfig = errors.New("empty config")
	ErrNoFiles     = errors.New("no sideband files")
)

// Config describes a sideband recording: the perf_event_attr settings the
// sideband files were recorded with and the files themselves, typically one
// per CPU.
type Config struct {
	SampleType  uint64 `yaml:"sample_type"`
	TimeShift   uint16 `yaml:"time_shift,omitempty"`
	TimeMult    uint32 `yaml:"time_mult,omitempty"`
	TimeZero    uint64 `yaml:"time_zero,omitempty"`
	KernelStart uint64 `yaml:"kernel_start,omitempty"`
	TSCOffset   uint64 `yaml:"tsc_offset,omitempty"`

	Sysroot string `yaml:"sysroot,omitempty"`
	VDSO    VDSO   `yaml:"vdso,omitempty"`

	Files []File `yaml:"files"`
}

type VDSO struct {
	X64  string `yaml:"x64,omitempty"`
	X32  string `yaml:"x32,omitempty"`
	IA32 string `yaml:"ia32,omitempty"`
}

// File is one sideband file. End is zero to read to the end of the file.
type File struct {
	Path    string `yaml:"path"`
	Begin   int64  `yaml:"begin,omitempty"`
	End     int64  `yaml:"end,omitempty"`
	Primary bool   `yaml:"primary,omitempty"`
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

// Load parses the YAML input b into a Config.
func Load(b []byte) (*Config, error) {
	if len(b) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}
	if len(cfg.Files) == 0 {
		return nil, ErrNoFiles
	}
	for i, f := range cfg.Files {
		if f.Path == "" {
			return nil, fmt.Errorf("file %d has no path", i)
		}
	}
	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}

// Decoders returns the decoder configuration of each file.
func (c *Config) Decoders() []sbpevent.Config {
	cfgs := make([]sbpevent.Config, 0, len(c.Files))
	for _, f := range c.Files {
		cfgs = append(cfgs, sbpevent.Config{
			Filename:    f.Path,
			Begin:       f.Begin,
			End:         f.End,
			Sysroot:     c.Sysroot,
			VDSOx64:     c.VDSO.X64,
			VDSOx32:     c.VDSO.X32,
			VDSOia32:    c.VDSO.IA32,
			SampleType:  pevent.SampleType(c.SampleType),
			TimeShift:   c.TimeShift,
			TimeMult:    c.TimeMult,
			TimeZero:    c.TimeZero,
			KernelStart: c.KernelStart,
			TSCOffset:   c.TSCOffset,
			Primary:     f.Primary,
		})
	}
	return cfgs
}
