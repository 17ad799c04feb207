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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	stateActive  = "active"
	stateRetired = "retired"
	stateRemoved = "removed"

	lvWarning = "warning"
	lvError   = "error"
)

type metrics struct {
	eventsProcessed prometheus.Counter
	recordsApplied  prometheus.Counter

	decoderTransitions *prometheus.CounterVec
	errors             *prometheus.CounterVec

	contextsCreated prometheus.Counter
	contextSwitches prometheus.Counter

	unregister func() error
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		eventsProcessed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parca_sideband_events_processed_total",
			Help: "Number of trace events presented to the session.",
		}),
		recordsApplied: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parca_sideband_records_applied_total",
			Help: "Number of sideband records applied.",
		}),
		decoderTransitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "parca_sideband_decoder_transitions_total",
			Help: "Number of decoders that entered a state.",
		}, []string{"state"}),
		errors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "parca_sideband_errors_total",
			Help: "Number of decoder errors reported.",
		}, []string{"severity"}),
		contextsCreated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parca_sideband_contexts_created_total",
			Help: "Number of process contexts created.",
		}),
		contextSwitches: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parca_sideband_context_switches_total",
			Help: "Number of context switches committed.",
		}),
	}
	m.decoderTransitions.WithLabelValues(stateActive)
	m.decoderTransitions.WithLabelValues(stateRetired)
	m.decoderTransitions.WithLabelValues(stateRemoved)
	m.errors.WithLabelValues(lvWarning)
	m.errors.WithLabelValues(lvError)

	m.unregister = func() error {
		var err error
		for name, c := range map[string]prometheus.Collector{
			"events processed":    m.eventsProcessed,
			"records applied":     m.recordsApplied,
			"decoder transitions": m.decoderTransitions,
			"errors":              m.errors,
			"contexts created":    m.contextsCreated,
			"context switches":    m.contextSwitches,
		} {
			if !reg.Unregister(c) {
				err = errors.Join(err, errors.New("unregistering "+name+" counter"))
			}
		}
		return err
	}
	return m
}
