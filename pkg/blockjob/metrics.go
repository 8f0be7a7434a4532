// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blockjob

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "blockjob"

	resultOK    = "ok"
	resultError = "error"
)

// Metrics holds the controller's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	transitions *prometheus.CounterVec
	lockRetries prometheus.Counter
	waitSeconds *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operations_total",
			Help:      "Controller operations by outcome.",
		}, []string{"operation", "result"}),
		lockRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "monitor_lock_retries_total",
			Help:      "Status polls retried because the monitor was locked.",
		}),
		waitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "wait_duration_seconds",
			Help:      "Time spent waiting for an operation to be confirmed.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"operation"}),
	}

	for _, c := range []prometheus.Collector{m.transitions, m.lockRetries, m.waitSeconds} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Join(err, errors.New("failed to register block job metrics"))
		}
	}
	return m, nil
}

func (m *Metrics) observe(op string, err error) {
	if m == nil {
		return
	}
	result := resultOK
	if err != nil {
		result = resultError
	}
	m.transitions.WithLabelValues(op, result).Inc()
}

func (m *Metrics) lockRetry() {
	if m == nil {
		return
	}
	m.lockRetries.Inc()
}

func (m *Metrics) waited(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.waitSeconds.WithLabelValues(op).Observe(d.Seconds())
}
