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

package image

import (
	"container/list"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// lru holds the bytes of recently read sections. It is not safe for
// concurrent use; SectionCache serializes access.
type lru struct {
	hits, misses, evictions prometheus.Counter

	maxEntries int
	items      map[int]*list.Element
	evictList  *list.List

	unregister func() error
}

type lruEntry struct {
	isid int
	data []byte
}

func newLRU(reg prometheus.Registerer, maxEntries int) *lru {
	requests := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "section_cache_requests_total",
		Help: "Total number of section data requests.",
	}, []string{"result"})
	evictions := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "section_cache_evictions_total",
		Help: "Total number of section data evictions.",
	})

	return &lru{
		hits:      requests.WithLabelValues("hit"),
		misses:    requests.WithLabelValues("miss"),
		evictions: evictions,

		maxEntries: maxEntries,
		items:      map[int]*list.Element{},
		evictList:  list.New(),
		unregister: func() error {
			var err error
			if !reg.Unregister(requests) {
				err = errors.Join(err, errors.New("unregistering requests counter"))
			}
			if !reg.Unregister(evictions) {
				err = errors.Join(err, errors.New("unregistering evictions counter"))
			}
			return err
		},
	}
}

func (c *lru) add(isid int, data []byte) {
	if e, ok := c.items[isid]; ok {
		c.evictList.MoveToFront(e)
		e.Value.(*lruEntry).data = data
		return
	}

	c.items[isid] = c.evictList.PushFront(&lruEntry{isid: isid, data: data})

	if c.maxEntries > 0 && c.evictList.Len() > c.maxEntries {
		c.removeOldest()
		c.evictions.Inc()
	}
}

func (c *lru) get(isid int) ([]byte, bool) {
	if e, ok := c.items[isid]; ok {
		c.evictList.MoveToFront(e)
		c.hits.Inc()
		return e.Value.(*lruEntry).data, true
	}
	c.misses.Inc()
	return nil, false
}

func (c *lru) length() int {
	return c.evictList.Len()
}

func (c *lru) close() error {
	clear(c.items)
	c.evictList.Init()
	if c.unregister != nil {
		return c.unregister()
	}
	return nil
}

func (c *lru) removeOldest() {
	if e := c.evictList.Back(); e != nil {
		c.evictList.Remove(e)
		delete(c.items, e.Value.(*lruEntry).isid)
	}
}
