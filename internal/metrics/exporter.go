package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scorego/sluice/pkg/log"
)

// StartExporter serves /metrics on addr in a background goroutine and
// returns the server so the caller can Shutdown it.
func StartExporter(addr string, logger log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("metrics exporter listening", log.Str("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics exporter stopped", log.Err(err))
		}
	}()
	return srv
}
