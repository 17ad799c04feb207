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

import "container/heap"

type decoderEntry struct {
	dec     Decoder
	primary bool

	// tsc is the time stamp of the decoder's current record.
	tsc uint64
	// seq orders decoders with equal tsc by insertion.
	seq uint64

	index int
}

// decoderQueue is a min-heap of decoders ordered by the time stamp of their
// current record.
type decoderQueue []*decoderEntry

var _ heap.Interface = (*decoderQueue)(nil)

func (q decoderQueue) Len() int { return len(q) }

func (q decoderQueue) Less(i, j int) bool {
	if q[i].tsc != q[j].tsc {
		return q[i].tsc < q[j].tsc
	}
	return q[i].seq < q[j].seq
}

func (q decoderQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *decoderQueue) Push(x any) {
	e := x.(*decoderEntry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *decoderQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

func (q decoderQueue) head() *decoderEntry {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
