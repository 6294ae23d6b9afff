// Package httpapi exposes the coordinator over HTTP for push queues that deliver
// work as POST requests.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	uniqw "github.com/UniQw/uniqw-batch"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Headers set by the push queue on every delivery.
const (
	HeaderDeliveryID      = "X-Delivery-Id"
	HeaderDeliveryAttempt = "X-Delivery-Attempt"
)

const maxBodyBytes = 1 << 20

// Handler answers one delivery.
type Handler interface {
	Handle(ctx context.Context, d uniqw.Delivery) uniqw.Response
}

// Config wires the router.
type Config struct {
	Handler  Handler
	Gatherer prometheus.Gatherer
	Logger   uniqw.Logger
	Timeout  time.Duration
}

type api struct {
	h   Handler
	enc uniqw.Encoder
	log uniqw.Logger
}

// NewRouter builds the HTTP surface: POST /tasks/run, GET /healthz and GET /metrics.
func NewRouter(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = uniqw.NewFmtLogger()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	a := &api{h: cfg.Handler, enc: &uniqw.JSONEncoder{}, log: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Timeout > 0 {
		r.Use(middleware.Timeout(cfg.Timeout))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	r.Post("/tasks/run", a.run)
	return r
}

func (a *api) run(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		a.write(w, http.StatusBadRequest, uniqw.Message{Message: "cannot read request body"})
		return
	}
	d, err := uniqw.DecodeDelivery(a.enc, body)
	if err != nil {
		n := uniqw.Normalize(err, nil)
		a.log.Warnf("delivery=%s: %s", r.Header.Get(HeaderDeliveryID), n)
		a.write(w, n.StatusCode(), n)
		return
	}

	ctx := r.Context()
	if id := r.Header.Get(HeaderDeliveryID); id != "" {
		attempt, _ := strconv.Atoi(r.Header.Get(HeaderDeliveryAttempt))
		ctx = uniqw.WithDeliveryID(ctx, id, attempt)
	}
	resp := a.h.Handle(ctx, d)
	a.write(w, resp.StatusCode, resp.Body)
}

func (a *api) write(w http.ResponseWriter, code int, body any) {
	b, err := a.enc.Encode(body)
	if err != nil {
		a.log.Errorf("encode response: %v", err)
		code = http.StatusInternalServerError
		b = []byte(`{"message":"cannot encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}
