package metrics

import (
	"context"
	"time"

	"github.com/cubist-backup/cubist/pkg/objectstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StoreMetrics records object-store operation outcomes. All methods are
// nil-safe so callers can hold a nil *StoreMetrics when metrics are off.
type StoreMetrics struct {
	operations *prometheus.CounterVec
	errors     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	bytes      *prometheus.CounterVec
}

// NewStoreMetrics creates the store instrumentation, or nil when metrics
// are not enabled.
func NewStoreMetrics() *StoreMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()
	return &StoreMetrics{
		operations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cubist_store_operations_total",
				Help: "Total object store operations by verb",
			},
			[]string{"op"},
		),
		errors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cubist_store_errors_total",
				Help: "Total failed object store operations by verb",
			},
			[]string{"op"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cubist_store_operation_duration_seconds",
				Help:    "Object store operation latency by verb",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"op"},
		),
		bytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cubist_store_bytes_total",
				Help: "Bytes transferred by direction (get/put)",
			},
			[]string{"direction"},
		),
	}
}

// Observe records one completed operation.
func (m *StoreMetrics) Observe(op string, start time.Time, n int, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.errors.WithLabelValues(op).Inc()
		return
	}
	switch op {
	case "get":
		m.bytes.WithLabelValues("get").Add(float64(n))
	case "put", "put_if_absent":
		m.bytes.WithLabelValues("put").Add(float64(n))
	}
}

// InstrumentStore wraps store so every operation is observed. Returns
// store unchanged when m is nil.
func InstrumentStore(store objectstore.Store, m *StoreMetrics) objectstore.Store {
	if m == nil {
		return store
	}
	return &instrumentedStore{inner: store, metrics: m}
}

type instrumentedStore struct {
	inner   objectstore.Store
	metrics *StoreMetrics
}

func (s *instrumentedStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := s.inner.Get(ctx, key)
	s.metrics.Observe("get", start, len(data), err)
	return data, err
}

func (s *instrumentedStore) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	err := s.inner.PutIfAbsent(ctx, key, data)
	s.metrics.Observe("put_if_absent", start, len(data), err)
	return err
}

func (s *instrumentedStore) Put(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	err := s.inner.Put(ctx, key, data)
	s.metrics.Observe("put", start, len(data), err)
	return err
}

func (s *instrumentedStore) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := s.inner.List(ctx, prefix)
	s.metrics.Observe("list", start, 0, err)
	return keys, err
}

func (s *instrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.inner.Delete(ctx, key)
	s.metrics.Observe("delete", start, 0, err)
	return err
}

func (s *instrumentedStore) Close() error {
	return s.inner.Close()
}

var _ objectstore.Store = (*instrumentedStore)(nil)
