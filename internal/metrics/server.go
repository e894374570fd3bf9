package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dray-io/fdbexporter/internal/logging"
)

// DefaultScrapeTimeout bounds the time spent gathering one scrape.
const DefaultScrapeTimeout = 10 * time.Second

// NewHandler returns the /metrics handler for gatherer. Scrape counts and
// in-flight requests are registered with reg when it is not nil. Gathering
// errors are logged and the remaining metrics are still served.
func NewHandler(reg prometheus.Registerer, gatherer prometheus.Gatherer, logger *logging.Logger) http.Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	h := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog:          errorLog{logger: logger.WithComponent("metrics")},
		ErrorHandling:     promhttp.ContinueOnError,
		Registry:          reg,
		Timeout:           DefaultScrapeTimeout,
		EnableOpenMetrics: true,
	})
	if reg == nil {
		return h
	}
	return promhttp.InstrumentMetricHandler(reg, h)
}

// errorLog adapts Logger to promhttp.Logger.
type errorLog struct {
	logger *logging.Logger
}

func (e errorLog) Println(v ...interface{}) {
	e.logger.Errorf("metrics gathering error", map[string]any{"error": fmt.Sprint(v...)})
}
