// This file is to handle things such as metrics, log levels and the active
// topology of topoctl.

package webapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/couchbase/gocbtopology/topology"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// TopologyProvider returns the active topology, or nil when there is none.
type TopologyProvider func() *topology.Topology

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
	Topology      TopologyProvider

	// MetricsHandler defaults to the prometheus default registry.
	MetricsHandler http.Handler
}

type WebServer struct {
	logger         *zap.Logger
	logLevel       *zap.AtomicLevel
	listenAddress  string
	topology       TopologyProvider
	metricsHandler http.Handler
	httpServer     *http.Server
}

func NewWebServer(opts WebServerOptions) *WebServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	metricsHandler := opts.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	return &WebServer{
		logger:         logger,
		logLevel:       opts.LogLevel,
		listenAddress:  opts.ListenAddress,
		topology:       opts.Topology,
		metricsHandler: metricsHandler,
	}
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("Welcome to the topoctl internal webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) handleTopology(rw http.ResponseWriter, r *http.Request) {
	var topo *topology.Topology
	if w.topology != nil {
		topo = w.topology()
	}
	if topo == nil {
		http.Error(rw, "no topology has been applied", http.StatusNotFound)
		return
	}

	payload, err := topology.Serialize(topo)
	if err != nil {
		w.logger.Warn("failed to serialize active topology", zap.Error(err))
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(200)
	_, err = rw.Write(payload)
	if err != nil {
		w.logger.Debug("failed to write topology response", zap.Error(err))
	}
}

// Handler returns the routes served by the web server.
func (w *WebServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", w.metricsHandler)
	r.HandleFunc("/topology", w.handleTopology).Methods(http.MethodGet)
	if w.logLevel != nil {
		r.Handle("/loglevel", w.logLevel).Methods(http.MethodGet, http.MethodPut)
	}
	r.HandleFunc("/", w.handleRoot)

	// the topology endpoint is read by browser dashboards running elsewhere
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	})

	return otelhttp.NewHandler(c.Handler(r), "webapi")
}

func (w *WebServer) ListenAndServe() error {
	w.httpServer = &http.Server{
		Handler:      w.Handler(),
		Addr:         w.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return w.httpServer.ListenAndServe()
}

var globalWebLock sync.Mutex
var globalWebServer *WebServer = nil

func InitializeWebServer(opts WebServerOptions) {
	globalWebLock.Lock()
	if globalWebServer != nil {
		globalWebLock.Unlock()
		return
	}

	globalWebServer = NewWebServer(opts)
	globalWebLock.Unlock()
	go func() {
		err := globalWebServer.ListenAndServe()
		if err != nil {
			globalWebServer.logger.Error("Failed to listen and serve web server", zap.Error(err))
		}
	}()
}
