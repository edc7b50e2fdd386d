// Package api exposes the ledger over HTTP and streams ledger events to
// websocket subscribers.
package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"exchange-ledger/infrastructure/logger"
	"exchange-ledger/ledger"
)

const requestIDHeader = "X-Request-ID"

// HTTPRecorder 记录请求指标，由 monitor.Monitor 实现。
type HTTPRecorder interface {
	RecordHTTP(route string, code string, elapsed time.Duration)
}

// Server 持有 HTTP 层依赖。
type Server struct {
	ledger  *ledger.Ledger
	log     *logger.Logger
	metrics HTTPRecorder
	hub     *Hub
}

// NewServer 创建 API。metrics 与 hub 可以为 nil。
func NewServer(l *ledger.Ledger, log *logger.Logger, metrics HTTPRecorder, hub *Hub) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	return &Server{ledger: l, log: log, metrics: metrics, hub: hub}
}

// Router registers every route with request id, logging and panic recovery.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogging)
	r.Use(contentTypeJSON)

	r.Get("/healthz", s.health)

	r.Post("/purchases", s.purchase)
	r.Post("/sales", s.sale)

	r.Get("/positions", s.positions)
	r.Get("/positions/{currency}", s.position)
	r.Get("/positions/{currency}/valuation", s.valuation)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/reset", s.reset)
		r.Post("/resync", s.resync)
	})

	if s.hub != nil {
		r.Get("/ws", s.hub.ServeWS)
	}
	return r
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// requestLogging 记录每个请求的方法、路径、状态码与耗时。
func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		if s.metrics != nil {
			s.metrics.RecordHTTP(route, strconv.Itoa(ww.status), elapsed)
		}
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", elapsed),
			zap.String("request_id", r.Header.Get(requestIDHeader)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Hijack 让 websocket 升级可以穿过日志中间件。
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// contentTypeJSON rejects POST bodies that are not application/json.
// Empty-bodied admin calls are allowed through.
func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.ContentLength != 0 {
			ct := r.Header.Get("Content-Type")
			if ct == "" || !strings.HasPrefix(ct, "application/json") {
				WriteError(w, http.StatusBadRequest, "invalid_request", "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
