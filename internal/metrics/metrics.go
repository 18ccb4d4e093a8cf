package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	framesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_frames_sent_total",
		Help: "Frames written to the presence service by opcode",
	}, []string{"op"})
	framesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_frames_received_total",
		Help: "Frames read from the presence service by opcode",
	}, []string{"op"})
	decodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_decode_errors_total",
		Help: "Inbound frames skipped because they could not be decoded",
	})
	publishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_publishes_total",
		Help: "Activity updates published by result",
	}, []string{"result"})
	clientState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_client_state",
		Help: "Current client state (0 disconnected .. 5 closed)",
	})
)

// Register adds all presence collectors to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(framesSent, framesReceived, decodeErrors, publishes, clientState)
}

func RecordFrameSent(op string)     { framesSent.WithLabelValues(op).Inc() }
func RecordFrameReceived(op string) { framesReceived.WithLabelValues(op).Inc() }
func RecordDecodeError()            { decodeErrors.Inc() }

func RecordPublish(ok bool) {
	if ok {
		publishes.WithLabelValues("success").Inc()
	} else {
		publishes.WithLabelValues("error").Inc()
	}
}

func SetClientState(state int) { clientState.Set(float64(state)) }

// Serve exposes /metrics on addr until ctx is cancelled. It returns the
// address actually bound, which differs from addr when addr uses port 0.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) (string, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = ln.Close()
		}
	}()
	return ln.Addr().String(), nil
}
