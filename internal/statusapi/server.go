// Package statusapi serves the agent's local status API. It binds to
// loopback only; the platform reaches it through the tunnel's agent-api
// ingress, the same way the notebook is reached.
package statusapi

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/unitlab-ai/unitlab-agent/internal/metrics"
)

// Snapshot is the agent view rendered by the status endpoint.
type Snapshot struct {
	DeviceID      string
	AgentState    string
	TunnelState   string
	NotebookState string
	Sample        metrics.Sample
	QueueDepth    int
	Dropped       uint64
}

// SnapshotFunc supplies the current snapshot on each request.
type SnapshotFunc func() Snapshot

// Server is the loopback HTTP server exposing agent status, health, and
// Prometheus metrics.
type Server struct {
	engine   *gin.Engine
	logger   zerolog.Logger
	snapshot SnapshotFunc
	gauges   *gauges

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

type gauges struct {
	cpuPercent     prometheus.Gauge
	memUsedBytes   prometheus.Gauge
	memTotalBytes  prometheus.Gauge
	diskUsedBytes  prometheus.Gauge
	diskTotalBytes prometheus.Gauge
	netRxBytes     prometheus.Counter
	netTxBytes     prometheus.Counter
	queueDepth     prometheus.Gauge
	samplesDropped prometheus.Gauge
}

// NewServer builds the server and its routes. Nothing listens until Start.
func NewServer(snapshot SnapshotFunc, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)
	g := &gauges{
		cpuPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "unitlab_agent_cpu_percent",
			Help: "Host CPU utilization percentage from the latest sample.",
		}),
		memUsedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "unitlab_agent_memory_used_bytes",
			Help: "Host memory in use from the latest sample.",
		}),
		memTotalBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "unitlab_agent_memory_total_bytes",
			Help: "Host memory total from the latest sample.",
		}),
		diskUsedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "unitlab_agent_disk_used_bytes",
			Help: "Root filesystem bytes in use from the latest sample.",
		}),
		diskTotalBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "unitlab_agent_disk_total_bytes",
			Help: "Root filesystem size from the latest sample.",
		}),
		netRxBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "unitlab_agent_network_receive_bytes_total",
			Help: "Bytes received across sampling intervals.",
		}),
		netTxBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "unitlab_agent_network_transmit_bytes_total",
			Help: "Bytes transmitted across sampling intervals.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "unitlab_agent_metrics_queue_depth",
			Help: "Samples waiting to be pushed to the platform.",
		}),
		samplesDropped: factory.NewGauge(prometheus.GaugeOpts{
			Name: "unitlab_agent_metrics_dropped_total",
			Help: "Samples evicted from the full queue since start.",
		}),
	}

	s := &Server{
		engine:   gin.New(),
		logger:   logger.With().Str("component", "status_api").Logger(),
		snapshot: snapshot,
		gauges:   g,
	}

	s.engine.Use(gin.Recovery())
	s.engine.GET("/api-agent/", s.handleStatus)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	return s
}

// ObserveSample updates the Prometheus view with a fresh host sample.
func (s *Server) ObserveSample(sample metrics.Sample, queueDepth int, dropped uint64) {
	s.gauges.cpuPercent.Set(sample.CPUPct)
	s.gauges.memUsedBytes.Set(float64(sample.MemUsedBytes))
	s.gauges.memTotalBytes.Set(float64(sample.MemTotalBytes))
	s.gauges.diskUsedBytes.Set(float64(sample.DiskUsedBytes))
	s.gauges.diskTotalBytes.Set(float64(sample.DiskTotalBytes))
	s.gauges.netRxBytes.Add(float64(sample.NetRxBytes))
	s.gauges.netTxBytes.Add(float64(sample.NetTxBytes))
	s.gauges.queueDepth.Set(float64(queueDepth))
	s.gauges.samplesDropped.Set(float64(dropped))
}

// Start binds addr (loopback, commonly port 0) and serves in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.listener = listener
	s.srv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("status api server error")
		}
	}()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("status api listening")
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Port returns the bound TCP port, 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Shutdown stops the server, waiting for in-flight requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// handleStatus reports device identity and the latest host sample. The
// field names match what the platform's device page consumes.
func (s *Server) handleStatus(c *gin.Context) {
	snap := s.snapshot()
	c.JSON(http.StatusOK, gin.H{
		"device_id":      snap.DeviceID,
		"state":          snap.AgentState,
		"tunnel_state":   snap.TunnelState,
		"notebook_state": snap.NotebookState,
		"cpu_percentage": snap.Sample.CPUPct,
		"cpu_count":      snap.Sample.CPUCount,
		"ram_usage":      snap.Sample.MemUsedBytes,
		"ram_total":      snap.Sample.MemTotalBytes,
		"disk_usage":     snap.Sample.DiskUsedBytes,
		"disk_total":     snap.Sample.DiskTotalBytes,
		"queue_depth":    snap.QueueDepth,
		"sampled_at":     snap.Sample.Timestamp,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
