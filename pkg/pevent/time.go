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

package pevent

import (
	"fmt"
	"unsafe"

	"github.com/parca-dev/parca-sideband/pkg/pterr"
)

// Config describes how the records of a stream were generated.
//
// Size is the number of bytes of Config the producer knows about. A Config
// from an older producer may stop short of the time conversion parameters,
// in which case any time conversion fails with pterr.ErrBadConfig.
type Config struct {
	Size int

	// SampleType is the perf_event_attr sample_type the stream was
	// recorded with.
	SampleType SampleType

	// Time conversion parameters of the perf_event_mmap_page.
	TimeShift uint16
	TimeMult  uint32
	TimeZero  uint64
}

const (
	configSize     = int(unsafe.Sizeof(Config{}))
	configTimeSize = int(unsafe.Offsetof(Config{}.TimeZero) + unsafe.Sizeof(Config{}.TimeZero))
)

// NewConfig returns a Config covering every field.
func NewConfig(sampleType SampleType, shift uint16, mult uint32, zero uint64) *Config {
	return &Config{
		Size:       configSize,
		SampleType: sampleType,
		TimeShift:  shift,
		TimeMult:   mult,
		TimeZero:   zero,
	}
}

func (c *Config) checkTime() error {
	if c == nil {
		return pterr.ErrInternal
	}
	if c.Size < configTimeSize {
		return fmt.Errorf("%w: configuration lacks time conversion", pterr.ErrBadConfig)
	}
	if c.TimeMult == 0 {
		return fmt.Errorf("%w: time_mult is zero", pterr.ErrBadConfig)
	}
	return nil
}

// TimeToTSC converts a perf time stamp into the trace's TSC domain.
//
// The conversion rounds down and is not the exact inverse of TSCToTime.
func TimeToTSC(time uint64, cfg *Config) (uint64, error) {
	if err := cfg.checkTime(); err != nil {
		return 0, err
	}

	time -= cfg.TimeZero
	mult := uint64(cfg.TimeMult)
	shift := cfg.TimeShift

	quot := time / mult
	rem := time % mult

	return quot<<shift + (rem<<shift)/mult, nil
}

// TSCToTime converts a TSC value into perf time.
func TSCToTime(tsc uint64, cfg *Config) (uint64, error) {
	if err := cfg.checkTime(); err != nil {
		return 0, err
	}

	mult := uint64(cfg.TimeMult)
	shift := cfg.TimeShift
	mask := uint64(1)<<shift - 1

	quot := tsc >> shift
	rem := tsc & mask

	return cfg.TimeZero + quot*mult + (rem*mult)>>shift, nil
}
