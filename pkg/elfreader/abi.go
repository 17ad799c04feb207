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

package elfreader

import (
	"debug/elf"
	"fmt"
)

// ABI is the x86 application binary interface an executable was built for.
type ABI uint8

const (
	ABIUnknown ABI = iota
	ABIX64
	ABIX32
	ABIIA32
)

func (a ABI) String() string {
	switch a {
	case ABIX64:
		return "x64"
	case ABIX32:
		return "x32"
	case ABIIA32:
		return "ia32"
	default:
		return "unknown"
	}
}

// ABIOf returns the ABI of elfFile judging by its class and machine.
func ABIOf(elfFile *elf.File) ABI {
	switch elfFile.Class {
	case elf.ELFCLASS64:
		if elfFile.Machine == elf.EM_X86_64 {
			return ABIX64
		}
	case elf.ELFCLASS32:
		switch elfFile.Machine {
		case elf.EM_X86_64:
			return ABIX32
		case elf.EM_386:
			return ABIIA32
		}
	}
	return ABIUnknown
}

// ReadABI returns the ABI of the ELF file at path.
func ReadABI(path string) (ABI, error) {
	elfFile, err := elf.Open(path)
	if err != nil {
		return ABIUnknown, fmt.Errorf("failed opening elf file with %w", err)
	}
	defer elfFile.Close()

	return ABIOf(elfFile), nil
}
