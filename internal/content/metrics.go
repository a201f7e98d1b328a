package content

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics Prometheus-метрики менеджера контента.
//
// Метрики:
// * content_requests_total{type}: обработанные воркером запросы
// * content_request_errors_total{type}: запросы, завершившиеся ошибкой
// * content_request_duration_seconds{type}: histogram
// * content_queue_depth: ожидающие запросы
// * content_elements{state}: элементы каталога (loaded/stub)
// * content_evictions_total: выгрузки при обходе
// * content_bytes_written_total: байты, записанные в пакеты
// * content_backups_total: снимки перед сохранением/удалением
type Metrics struct {
	requests     *prometheus.CounterVec
	errors       *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	queueDepth   prometheus.Gauge
	elements     *prometheus.GaugeVec
	evictions    prometheus.Counter
	bytesWritten prometheus.Counter
	backups      prometheus.Counter
}

// NewMetrics создаёт метрики и регистрирует их в reg (nil: без регистрации)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "content",
			Name:      "requests_total",
			Help:      "Запросы, обработанные воркером контента.",
		}, []string{"type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "content",
			Name:      "request_errors_total",
			Help:      "Запросы воркера, завершившиеся ошибкой.",
		}, []string{"type"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "content",
			Name:      "request_duration_seconds",
			Help:      "Длительность обработки запросов воркером.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"type"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "content",
			Name:      "queue_depth",
			Help:      "Количество запросов в очереди воркера.",
		}),
		elements: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "content",
			Name:      "elements",
			Help:      "Элементы каталога по состоянию.",
		}, []string{"state"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "content",
			Name:      "evictions_total",
			Help:      "Элементы, выгруженные до заглушки при обходе.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "content",
			Name:      "bytes_written_total",
			Help:      "Байты записей, записанные в файлы пакетов.",
		}),
		backups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "content",
			Name:      "backups_total",
			Help:      "Снимки элементов, записанные в папку бэкапов.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.requests, m.errors, m.duration, m.queueDepth, m.elements, m.evictions, m.bytesWritten, m.backups)
	}
	return m
}
