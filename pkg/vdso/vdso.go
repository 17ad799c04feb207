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

package vdso

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/parca-dev/parca-sideband/pkg/elfreader"
)

// Images holds the vdso image of each ABI. Missing images are empty.
type Images struct {
	X64  string
	X32  string
	IA32 string
}

func KernelRelease() (string, error) {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(uname.Release[:]), nil
}

// Find looks for the vdso images installed with kernel release below root.
// It fails only if no image is found.
func Find(root, release string) (Images, error) {
	dir := filepath.Join(root, "usr/lib/modules", release, "vdso")

	var (
		imgs Images
		errs error
	)
	for _, c := range []struct {
		dst   *string
		abi   elfreader.ABI
		names []string
	}{
		{&imgs.X64, elfreader.ABIX64, []string{"vdso64.so", "vdso.so"}},
		{&imgs.X32, elfreader.ABIX32, []string{"vdsox32.so"}},
		{&imgs.IA32, elfreader.ABIIA32, []string{"vdso32.so"}},
	} {
		for _, name := range c.names {
			path := filepath.Join(dir, name)
			if err := check(path, c.abi); err != nil {
				errs = errors.Join(errs, err)
				continue
			}
			*c.dst = path
			break
		}
	}

	if imgs == (Images{}) {
		return imgs, errs
	}
	return imgs, nil
}

// check fails if path is missing or is an ELF file of another ABI.
func check(path string, abi elfreader.ABI) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	if got, err := elfreader.ReadABI(path); err == nil && got != abi {
		return fmt.Errorf("%s is a %s image, want %s", path, got, abi)
	}
	return nil
}
