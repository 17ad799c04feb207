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
	"errors"
	"fmt"
	"math"

	"go.uber.org/atomic"

	"github.com/parca-dev/parca-sideband/pkg/elfreader"
	"github.com/parca-dev/parca-sideband/pkg/image"
	"github.com/parca-dev/parca-sideband/pkg/pterr"
)

// Contexts are shared between the session's context table and the decoders
// that currently run, or are about to switch to, the process. Each holder
// owns a ContextRef. The context's image is dropped once the last reference
// is released, even if the context is still reachable through a *Context.
//
// A ContextRef can be released only once, and a context whose last reference
// was released cannot be referenced again.

var ErrReferenceReleased = errors.New("reference already released")

const maxContextRefs = math.MaxUint16

// Context is the reconstructed state of one process.
type Context struct {
	pid   uint32
	image *image.Image
	abi   elfreader.ABI

	refCount *atomic.Int32
}

func newContext(pid uint32, img *image.Image) *ContextRef {
	ctx := &Context{
		pid:      pid,
		image:    img,
		refCount: atomic.NewInt32(1),
	}
	return newContextRef(ctx)
}

// PID returns the process id of the context.
func (c *Context) PID() uint32 {
	return c.pid
}

// Image returns the memory image of the process. It is nil once the last
// reference to c has been released.
func (c *Context) Image() *image.Image {
	return c.image
}

// ABI returns the ABI of the process, or elfreader.ABIUnknown.
func (c *Context) ABI() elfreader.ABI {
	return c.abi
}

// SetABI sets the ABI of the process unless it is already known.
func (c *Context) SetABI(abi elfreader.ABI) {
	if c.abi == elfreader.ABIUnknown {
		c.abi = abi
	}
}

// RefCount returns the number of live references to c.
func (c *Context) RefCount() int {
	return int(c.refCount.Load())
}

// Ref acquires a new reference to c.
func (c *Context) Ref() (*ContextRef, error) {
	for {
		n := c.refCount.Load()
		if n <= 0 {
			return nil, ErrReferenceReleased
		}
		if n >= maxContextRefs {
			return nil, fmt.Errorf("%w: context %d has too many references", pterr.ErrOverflow, c.pid)
		}
		if c.refCount.CompareAndSwap(n, n+1) {
			return newContextRef(c), nil
		}
	}
}

// ContextRef is a reference to a Context.
type ContextRef struct {
	ctx      *Context
	released *atomic.Bool
}

func newContextRef(ctx *Context) *ContextRef {
	return &ContextRef{ctx: ctx, released: atomic.NewBool(false)}
}

// Context returns the referenced context. It panics if r was released.
func (r *ContextRef) Context() *Context {
	if r.released.Load() {
		panic(ErrReferenceReleased)
	}
	return r.ctx
}

// Clone acquires another reference to the same context.
func (r *ContextRef) Clone() (*ContextRef, error) {
	if r.released.Load() {
		return nil, ErrReferenceReleased
	}
	return r.ctx.Ref()
}

// Release releases the reference.
func (r *ContextRef) Release() error {
	if !r.released.CompareAndSwap(false, true) {
		return ErrReferenceReleased
	}
	if r.ctx.refCount.Dec() == 0 {
		r.ctx.image = nil
	}
	return nil
}

// Refers reports whether r is a live reference to ctx. A nil r refers to
// nothing.
func (r *ContextRef) Refers(ctx *Context) bool {
	return r != nil && !r.released.Load() && r.ctx == ctx
}
