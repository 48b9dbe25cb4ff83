// Command probetund is the service entry point for the probe-frame
// tunnel server: it binds a frame.Transport, listens for clients, and
// serves an echo loop over every accepted connection while exposing
// Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/mirrorbit/probetun/pkg/conn"
	"github.com/mirrorbit/probetun/pkg/frame"
	"github.com/mirrorbit/probetun/pkg/frame/monitor"
	"github.com/mirrorbit/probetun/pkg/frame/udpmcast"
	"github.com/mirrorbit/probetun/pkg/metrics"
	"github.com/mirrorbit/probetun/pkg/server"
)

func main() {
	var (
		srvID           = flag.Uint8("srv-id", 1, "logical server ID this process answers to (1..15)")
		maxConnections  = flag.Int("max-connections", 7, "maximum concurrent clients (capped at 15 by the 4-bit client-ID space)")
		idleTimeout     = flag.Duration("idle-timeout", 120*time.Second, "idle time before an OPEN connection is torn down")
		metricsAddr     = flag.String("metrics-addr", ":9121", "address to serve /metrics on")
		adapterKind     = flag.String("adapter", "udpmcast", "frame transport to bind: \"udpmcast\" (dev/test, no WLAN hardware needed) or \"monitor\" (real 802.11 monitor-mode interface)")
		udpAddr         = flag.String("udp-addr", "239.7.7.7:7734", "multicast group:port for the udpmcast adapter")
		udpIface        = flag.String("udp-iface", "", "interface to join the udpmcast group on (empty lets the kernel choose)")
		monitorIface    = flag.String("monitor-iface", "wlan0mon", "monitor-mode interface for the monitor adapter")
		logLevel        = flag.String("log-level", "info", "logrus level: trace|debug|info|warn|error")
		vendorIECapable = flag.Bool("vendor-ie-capable", true, "advertise vendor-IE support in CON_INIT_RSP1, enabling the 264-byte MTU")
	)
	flag.Parse()

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(lvl)
	} else {
		log.WithError(err).Warn("invalid --log-level, defaulting to info")
	}

	conn.SetServerVendorIECapable(*vendorIECapable)

	t, err := openTransport(*adapterKind, *udpAddr, *udpIface, *monitorIface, log)
	if err != nil {
		log.WithError(err).Fatal("failed to open frame transport")
	}

	srv := server.New(*srvID, log)
	srv.IdleTimeout = *idleTimeout

	dispatchCounters := metrics.NewDispatchCounters(*srvID)
	srv.Metrics = dispatchCounters

	if err := srv.Bind(t); err != nil {
		log.WithError(err).Fatal("bind failed")
	}
	if err := srv.Listen(*maxConnections); err != nil {
		log.WithError(err).Fatal("listen failed")
	}

	reg := prometheus.NewRegistry()
	for _, c := range dispatchCounters.Collectors() {
		reg.MustRegister(c)
	}
	reg.MustRegister(metrics.NewConnectionCollector(*srvID, srv.Queue()))
	if diag, ok := t.(metrics.SocketDiagnostics); ok {
		reg.MustRegister(metrics.NewRecvBufCollector(*srvID, diag))
	}

	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go acceptLoop(ctx, srv, log)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsSrv.Shutdown(shutdownCtx)

	if err := srv.Unbind(); err != nil {
		log.WithError(err).Warn("unbind failed")
	}
}

func openTransport(kind, udpAddr, udpIface, monitorIface string, log *logrus.Logger) (frame.Transport, error) {
	switch kind {
	case "udpmcast":
		return udpmcast.Open(udpAddr, udpIface)
	case "monitor":
		return monitor.Open(monitorIface, log)
	default:
		return nil, fmt.Errorf("unknown --adapter %q (want udpmcast or monitor)", kind)
	}
}

// acceptLoop accepts connections and runs a trivial echo service over
// each: every chunk read from the client is handed straight back to
// Send. It exists to give probetund something observable to do out of
// the box, deliberately the simplest possible application built on
// bind/listen/accept/read/send.
func acceptLoop(ctx context.Context, srv *server.Server, log *logrus.Logger) {
	for {
		c, err := srv.Accept(ctx)
		if err != nil {
			return
		}
		entry := log.WithField("client_id", c.ClientID)
		entry.Info("connection accepted")
		go echo(ctx, c, entry)
	}
}

func echo(ctx context.Context, c *conn.Connection, log *logrus.Entry) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Read with the largest possible chunk size, not the
			// negotiated MTU: the MTU bounds what we transmit, but the
			// client may still deliver full-size chunks to us when its
			// own direction supports the vendor IE.
			if chunk := c.Read(conn.MTUVendorIE); len(chunk) > 0 {
				log.WithField("bytes", len(chunk)).Debug("echoing chunk")
				c.Send(chunk)
			}
			if c.State() == conn.StateDelete {
				log.Info("connection closed")
				return
			}
		}
	}
}
