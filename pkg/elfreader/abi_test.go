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
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func elfIdent(class elf.Class) [elf.EI_NIDENT]byte {
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(class)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	return ident
}

// writeELFHeader writes an ELF file that consists of only a file header.
func writeELFHeader(t *testing.T, class elf.Class, machine elf.Machine) string {
	t.Helper()

	var buf bytes.Buffer
	switch class {
	case elf.ELFCLASS64:
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, elf.Header64{
			Ident:   elfIdent(class),
			Type:    uint16(elf.ET_EXEC),
			Machine: uint16(machine),
			Version: uint32(elf.EV_CURRENT),
			Ehsize:  64,
		}))
	case elf.ELFCLASS32:
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, elf.Header32{
			Ident:   elfIdent(class),
			Type:    uint16(elf.ET_EXEC),
			Machine: uint16(machine),
			Version: uint32(elf.EV_CURRENT),
			Ehsize:  52,
		}))
	}

	path := filepath.Join(t.TempDir(), "a.out")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestReadABI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		class   elf.Class
		machine elf.Machine
		want    ABI
	}{
		{"x64", elf.ELFCLASS64, elf.EM_X86_64, ABIX64},
		{"x32", elf.ELFCLASS32, elf.EM_X86_64, ABIX32},
		{"ia32", elf.ELFCLASS32, elf.EM_386, ABIIA32},
		{"aarch64", elf.ELFCLASS64, elf.EM_AARCH64, ABIUnknown},
		{"arm", elf.ELFCLASS32, elf.EM_ARM, ABIUnknown},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			abi, err := ReadABI(writeELFHeader(t, tt.class, tt.machine))
			require.NoError(t, err)
			require.Equal(t, tt.want, abi)
		})
	}
}

func TestReadABINotELF(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, []byte("not an elf file at all"), 0o600))

	abi, err := ReadABI(path)
	require.Error(t, err)
	require.Equal(t, ABIUnknown, abi)

	_, err = ReadABI(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestABIString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "x64", ABIX64.String())
	require.Equal(t, "x32", ABIX32.String())
	require.Equal(t, "ia32", ABIIA32.String())
	require.Equal(t, "unknown", ABIUnknown.String())
}
