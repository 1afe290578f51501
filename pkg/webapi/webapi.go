/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// This file is to handle things such as metrics/health/routing state, etc

package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/couchbase/replica-router/routing"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
	Router        *routing.Router
	Debug         bool
}

type WebServer struct {
	logger        *zap.Logger
	logLevel      *zap.AtomicLevel
	listenAddress string
	router        *routing.Router
	debug         bool

	lock       sync.Mutex
	httpServer *http.Server
}

func NewWebServer(opts WebServerOptions) *WebServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebServer{
		logger:        logger,
		logLevel:      opts.LogLevel,
		listenAddress: opts.ListenAddress,
		router:        opts.Router,
		debug:         opts.Debug,
	}
}

type selectResponse struct {
	GroupID     routing.GroupID `json:"groupId"`
	NodeID      routing.NodeID  `json:"nodeId"`
	Role        routing.Role    `json:"role"`
	Consistency string          `json:"consistency"`
	Fallback    bool            `json:"fallback"`
}

type errorResponse struct {
	Message string `json:"message"`
}

func (w *WebServer) writeJSON(rw http.ResponseWriter, statusCode int, value any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(statusCode)

	err := json.NewEncoder(rw).Encode(value)
	if err != nil {
		w.logger.Debug("failed to write json response", zap.Error(err))
	}
}

func (w *WebServer) writeError(rw http.ResponseWriter, statusCode int, err error) {
	w.writeJSON(rw, statusCode, errorResponse{Message: err.Error()})
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("Welcome to the replica router internal webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) handleHealth(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, _ = rw.Write([]byte("ok"))
}

func (w *WebServer) handleGroups(rw http.ResponseWriter, r *http.Request) {
	w.writeJSON(rw, http.StatusOK, w.router.Snapshot())
}

func (w *WebServer) handleGroup(rw http.ResponseWriter, r *http.Request) {
	groupID := routing.GroupID(mux.Vars(r)["group"])

	table := w.router.Group(groupID)
	if table == nil {
		w.writeError(rw, http.StatusNotFound, routing.ErrUnknownGroup)
		return
	}

	w.writeJSON(rw, http.StatusOK, table.Snapshot())
}

// handleSelect reports which node would serve a request right now without
// dispatching anything to it.
func (w *WebServer) handleSelect(rw http.ResponseWriter, r *http.Request) {
	groupID := routing.GroupID(mux.Vars(r)["group"])
	query := r.URL.Query()

	consistency, err := routing.ParseConsistency(query.Get("consistency"))
	if err != nil {
		w.writeError(rw, http.StatusBadRequest, err)
		return
	}

	if write := query.Get("write"); write != "" {
		isWrite, err := strconv.ParseBool(write)
		if err != nil {
			w.writeError(rw, http.StatusBadRequest, err)
			return
		}
		if isWrite {
			consistency = routing.Absolute()
		}
	}

	exclude := routing.NodeSet{}
	if excludeList := query.Get("exclude"); excludeList != "" {
		for _, nodeID := range strings.Split(excludeList, ",") {
			exclude.Add(routing.NodeID(nodeID))
		}
	}

	state, fallback, err := w.router.SelectForRequest(groupID, consistency, exclude)
	if err != nil {
		statusCode := http.StatusServiceUnavailable
		if errors.Is(err, routing.ErrUnknownGroup) {
			statusCode = http.StatusNotFound
		}
		w.writeError(rw, statusCode, err)
		return
	}

	w.writeJSON(rw, http.StatusOK, selectResponse{
		GroupID:     groupID,
		NodeID:      state.NodeID(),
		Role:        state.Role(),
		Consistency: consistency.String(),
		Fallback:    fallback,
	})
}

// Handler builds the HTTP handler serving every endpoint.
func (w *WebServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", w.handleHealth).Methods(http.MethodGet)
	if w.logLevel != nil {
		r.Handle("/log/level", w.logLevel).Methods(http.MethodGet, http.MethodPut)
	}
	if w.router != nil {
		r.HandleFunc("/groups", w.handleGroups).Methods(http.MethodGet)
		r.HandleFunc("/groups/{group}", w.handleGroup).Methods(http.MethodGet)
		r.HandleFunc("/groups/{group}/select", w.handleSelect).Methods(http.MethodGet)
	}
	r.HandleFunc("/", w.handleRoot)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPut},
		Debug:          w.debug,
	})

	return c.Handler(r)
}

func (w *WebServer) ListenAndServe() error {
	w.lock.Lock()
	w.httpServer = &http.Server{
		Handler:      w.Handler(),
		Addr:         w.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	httpServer := w.httpServer
	w.lock.Unlock()

	return httpServer.ListenAndServe()
}

func (w *WebServer) Shutdown(ctx context.Context) error {
	w.lock.Lock()
	httpServer := w.httpServer
	w.lock.Unlock()

	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

var globalWebLock sync.Mutex
var globalWebServer *WebServer = nil

// InitializeWebServer starts the process wide web server in the background.
// Later calls return the already running server.
func InitializeWebServer(opts WebServerOptions) *WebServer {
	globalWebLock.Lock()
	if globalWebServer != nil {
		globalWebLock.Unlock()
		return globalWebServer
	}

	globalWebServer = NewWebServer(opts)
	webServer := globalWebServer
	globalWebLock.Unlock()

	go func() {
		err := webServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			webServer.logger.Error("Failed to listen and serve web server", zap.Error(err))
		}
	}()

	return webServer
}
