// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package http serves the diagnostic endpoints of a running pool: metrics,
// expvars, profiles, version and status.
package http

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // Imported for its side-effect of registering pprof endpoints with the server.
	"runtime/debug"
	"time"

	"github.com/featurebasedb/rtregion"
	"github.com/featurebasedb/rtregion/logger"
	"github.com/featurebasedb/rtregion/tracing"
	"github.com/felixge/fgprof"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

// StatusFunc returns a JSON-encodable snapshot of whatever is running.
type StatusFunc func() interface{}

// Handler represents an HTTP handler.
type Handler struct {
	Handler http.Handler

	logger logger.Logger

	metrics http.Handler
	status  StatusFunc

	ln net.Listener

	closeTimeout time.Duration

	server *http.Server
}

type HandlerOption func(s *Handler) error

// OptHandlerAllowedOrigins enables CORS for the given origins.
func OptHandlerAllowedOrigins(origins []string) HandlerOption {
	return func(h *Handler) error {
		h.Handler = handlers.CORS(
			handlers.AllowedOrigins(origins),
			handlers.AllowedHeaders([]string{"Content-Type"}),
		)(h.Handler)
		return nil
	}
}

func OptHandlerLogger(logger logger.Logger) HandlerOption {
	return func(h *Handler) error {
		h.logger = logger
		return nil
	}
}

func OptHandlerListener(ln net.Listener) HandlerOption {
	return func(h *Handler) error {
		h.ln = ln
		return nil
	}
}

// OptHandlerMetrics serves m at /metrics.
func OptHandlerMetrics(m http.Handler) HandlerOption {
	return func(h *Handler) error {
		h.metrics = m
		return nil
	}
}

// OptHandlerStatus serves the result of f at /status.
func OptHandlerStatus(f StatusFunc) HandlerOption {
	return func(h *Handler) error {
		h.status = f
		return nil
	}
}

// OptHandlerCloseTimeout controls how long to wait for the http Server to
// shutdown cleanly before forcibly destroying it. Default is 30 seconds.
func OptHandlerCloseTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) error {
		h.closeTimeout = d
		return nil
	}
}

// NewHandler returns a new instance of Handler with a default logger.
func NewHandler(opts ...HandlerOption) (*Handler, error) {
	handler := &Handler{
		logger:       logger.NopLogger,
		closeTimeout: time.Second * 30,
	}
	handler.Handler = newRouter(handler)

	for _, opt := range opts {
		err := opt(handler)
		if err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}

	handler.server = &http.Server{Handler: handler}
	return handler, nil
}

// newRouter creates a new mux http router.
func newRouter(handler *Handler) http.Handler {
	router := mux.NewRouter()
	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux).Methods("GET")
	router.PathPrefix("/debug/fgprof").Handler(fgprof.Handler()).Methods("GET")
	router.Handle("/debug/vars", expvar.Handler()).Methods("GET")
	router.HandleFunc("/metrics", handler.handleGetMetrics).Methods("GET").Name("GetMetrics")
	router.HandleFunc("/status", handler.handleGetStatus).Methods("GET").Name("GetStatus")
	router.HandleFunc("/version", handler.handleGetVersion).Methods("GET").Name("GetVersion")
	return router
}

// Serve accepts connections on the listener until Close is called.
func (h *Handler) Serve() error {
	if h.ln == nil {
		return errors.New("no listener configured")
	}
	err := h.server.Serve(h.ln)
	if err != nil && err != http.ErrServerClosed {
		h.logger.Printf("HTTP handler terminated with error: %s\n", err)
		return errors.Wrap(err, "serve http")
	}
	return nil
}

// Close tries to cleanly shutdown the HTTP server, and failing that, after a
// timeout, calls Server.Close.
func (h *Handler) Close() error {
	deadlineCtx, cancelFunc := context.WithDeadline(context.Background(), time.Now().Add(h.closeTimeout))
	defer cancelFunc()
	err := h.server.Shutdown(deadlineCtx)
	if err != nil {
		err = h.server.Close()
	}
	return errors.Wrap(err, "shutdown/close http server")
}

// ServeHTTP handles an HTTP request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if err := recover(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			stack := debug.Stack()
			msg := "PANIC: %s\n%s"
			h.logger.Errorf(msg, err, stack)
			fmt.Fprintf(w, msg, err, stack)
		}
	}()

	span, ctx := tracing.GlobalTracer.ExtractHTTPHeaders(r)
	defer span.Finish()

	h.Handler.ServeHTTP(w, r.WithContext(ctx))
}

func (h *Handler) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		http.Error(w, "no metrics service configured", http.StatusNotFound)
		return
	}
	h.metrics.ServeHTTP(w, r)
}

func (h *Handler) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	var status interface{} = struct{}{}
	if h.status != nil {
		status = h.status()
	}
	h.writeJSON(w, status)
}

func (h *Handler) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, struct {
		Version string `json:"version"`
	}{Version: rtregion.VersionInfo()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Errorf("write response: %s", err)
	}
}
