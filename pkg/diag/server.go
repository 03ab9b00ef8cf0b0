// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package diag provides a read-mostly HTTP interface to inspect a vchiq.Link.
//
// All responses are JSON encoded. The following endpoints are registered:
//
//	GET  /instances                 list of vchiq.InstanceInfo
//	GET  /services                  list of vchiq.ServiceInfo
//	GET  /power                     current vchiq.UseState
//	GET  /power/history?since=...   stored vchiq.UseStates since an RFC 3339 timestamp
//	GET  /power/watch               WebSocket, sending the vchiq.UseState in a fixed interval
//	POST /services/{handle}/check   verifies a service's use count, see vchiq.Link.CheckService
package diag

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/vchiq-go/pkg/storage"
	"github.com/dtn7/vchiq-go/pkg/vchiq"
)

// Server serves the diagnostics of a vchiq.Link.
type Server struct {
	router *mux.Router
	link   *vchiq.Link
	store  *storage.Store

	watchInterval time.Duration
	upgrader      websocket.Upgrader
}

// NewServer for a Link. The Store is optional; without one, the history endpoint is unavailable.
func NewServer(router *mux.Router, link *vchiq.Link, store *storage.Store, watchInterval time.Duration) *Server {
	s := &Server{
		router: router,
		link:   link,
		store:  store,

		watchInterval: watchInterval,
	}

	s.router.HandleFunc("/instances", s.handleInstances).Methods(http.MethodGet)
	s.router.HandleFunc("/services", s.handleServices).Methods(http.MethodGet)
	s.router.HandleFunc("/services/{handle}/check", s.handleCheck).Methods(http.MethodPost)
	s.router.HandleFunc("/power", s.handlePower).Methods(http.MethodGet)
	s.router.HandleFunc("/power/history", s.handleHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/power/watch", s.handleWatch)

	return s
}

// ServeHTTP is a http.Handler to be bound to a HTTP endpoint, e.g., /diag.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ErrorResponse is sent for failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write diagnostics response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (s *Server) handleInstances(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.link.Instances())
}

func (s *Server) handleServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.link.Services())
}

func (s *Server) handlePower(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.link.UseState())
}

// handleCheck processes /services/{handle}/check POST requests. The handle might be hexadecimal, e.g., 0x1001.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	handle, err := strconv.ParseUint(mux.Vars(r)["handle"], 0, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	h := vchiq.ServiceHandle(handle)
	logger := log.WithField("handle", h)

	switch err := s.link.CheckService(h); {
	case err == nil:
		logger.Debug("Diagnostics checked service")
		writeJSON(w, http.StatusOK, ErrorResponse{})
	case errors.Is(err, vchiq.ErrInvalidHandle):
		writeError(w, http.StatusNotFound, err)
	default:
		logger.WithError(err).Info("Diagnostics service check failed")
		writeError(w, http.StatusConflict, err)
	}
}

// handleHistory processes /power/history GET requests with an optional since parameter.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no store configured"})
		return
	}

	var since time.Time
	if param := r.URL.Query().Get("since"); param != "" {
		var err error
		if since, err = time.Parse(time.RFC3339, param); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	sis, err := s.store.QuerySince(since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	states := make([]vchiq.UseState, 0, len(sis))
	for _, si := range sis {
		states = append(states, si.UseState())
	}
	writeJSON(w, http.StatusOK, states)
}

// handleWatch upgrades to a WebSocket and sends the UseState until the client disconnects.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Upgrading diagnostics WebSocket failed")
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(s.link.UseState()); err != nil {
			log.WithError(err).Debug("Diagnostics WebSocket closed")
			return
		}

		select {
		case <-closed:
			return
		case <-ticker.C:
		}
	}
}
