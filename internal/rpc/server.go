/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package rpc exposes the orchestrator's cluster-facing RPC surface
// (§6) over HTTP+JSON, with routes dispatched by gorilla/mux.
package rpc

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"github.com/xcpmigrate/orchestrator/internal/migrate"
	"github.com/xcpmigrate/orchestrator/internal/migrateerr"
)

// Server dispatches the five cluster-facing RPCs to an Orchestrator.
type Server struct {
	orch   *migrate.Orchestrator
	log    logr.Logger
	router *mux.Router
}

func NewServer(orch *migrate.Orchestrator, log logr.Logger) *Server {
	s := &Server{orch: orch, log: log, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/VM.migrate_send", s.handleMigrateSend).Methods(http.MethodPost)
	s.router.HandleFunc("/VM.assert_can_migrate", s.handleAssertCanMigrate).Methods(http.MethodPost)
	s.router.HandleFunc("/VM.pool_migrate", s.handlePoolMigrate).Methods(http.MethodPost)
	s.router.HandleFunc("/VM.pool_migrate_complete", s.handlePoolMigrateComplete).Methods(http.MethodPost)
	s.router.HandleFunc("/VDI.pool_migrate", s.handleVDIPoolMigrate).Methods(http.MethodPost)
}

func (s *Server) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

type migrateSendWire struct {
	VM      string            `json:"vm"`
	Dest    map[string]string `json:"dest"`
	Live    bool              `json:"live"`
	VDIMap  map[string]string `json:"vdi_map"`
	VIFMap  map[string]string `json:"vif_map"`
	VGPUMap map[string]string `json:"vgpu_map"`
	Options map[string]string `json:"options"`
}

func toRefMap(m map[string]string) map[migrate.Ref]migrate.Ref {
	out := make(map[migrate.Ref]migrate.Ref, len(m))
	for k, v := range m {
		out[migrate.Ref(k)] = migrate.Ref(v)
	}
	return out
}

func toRefStringMap(m map[string]string) map[migrate.Ref]string {
	out := make(map[migrate.Ref]string, len(m))
	for k, v := range m {
		out[migrate.Ref(k)] = v
	}
	return out
}

func (w migrateSendWire) toRequest() migrate.MigrateSendRequest {
	return migrate.MigrateSendRequest{
		VM:      migrate.Ref(w.VM),
		Dest:    w.Dest,
		Live:    w.Live,
		VDIMap:  toRefMap(w.VDIMap),
		VIFMap:  toRefMap(w.VIFMap),
		VGPUMap: toRefStringMap(w.VGPUMap),
		Options: w.Options,
	}
}

func (s *Server) handleMigrateSend(w http.ResponseWriter, r *http.Request) {
	var wire migrateSendWire
	if !decodeJSON(w, r, &wire) {
		return
	}
	result, err := s.orch.MigrateSend(r.Context(), wire.toRequest())
	if err != nil {
		writeMigrateErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"vm": string(result)})
}

func (s *Server) handleAssertCanMigrate(w http.ResponseWriter, r *http.Request) {
	var wire migrateSendWire
	if !decodeJSON(w, r, &wire) {
		return
	}
	if err := s.orch.AssertCanMigrate(r.Context(), wire.toRequest()); err != nil {
		writeMigrateErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type poolMigrateWire struct {
	VM      string            `json:"vm"`
	Host    string            `json:"host"`
	Options map[string]string `json:"options"`
}

func (s *Server) handlePoolMigrate(w http.ResponseWriter, r *http.Request) {
	var wire poolMigrateWire
	if !decodeJSON(w, r, &wire) {
		return
	}
	if err := s.orch.PoolMigrate(r.Context(), migrate.Ref(wire.VM), migrate.Ref(wire.Host), wire.Options); err != nil {
		writeMigrateErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type poolMigrateCompleteWire struct {
	VM   string `json:"vm"`
	Host string `json:"host"`
}

func (s *Server) handlePoolMigrateComplete(w http.ResponseWriter, r *http.Request) {
	var wire poolMigrateCompleteWire
	if !decodeJSON(w, r, &wire) {
		return
	}
	if err := s.orch.PoolMigrateComplete(r.Context(), wire.VM, migrate.Ref(wire.Host)); err != nil {
		writeMigrateErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type vdiPoolMigrateWire struct {
	VDI     string            `json:"vdi"`
	SR      string            `json:"sr"`
	Options map[string]string `json:"options"`
}

func (s *Server) handleVDIPoolMigrate(w http.ResponseWriter, r *http.Request) {
	var wire vdiPoolMigrateWire
	if !decodeJSON(w, r, &wire) {
		return
	}
	newVDI, err := s.orch.VDIPoolMigrate(r.Context(), migrate.Ref(wire.VDI), migrate.Ref(wire.SR), wire.Options)
	if err != nil {
		writeMigrateErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"vdi": string(newVDI)})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorWire struct {
	Code    string   `json:"code"`
	Message string   `json:"message,omitempty"`
	Args    []string `json:"args,omitempty"`
}

func writeMigrateErr(w http.ResponseWriter, err error) {
	migErr, ok := migrateerr.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorWire{Code: string(migrateerr.ServerError), Message: err.Error()})
		return
	}
	status := http.StatusBadRequest
	switch migErr.Code {
	case migrateerr.CannotContactHost, migrateerr.HostHasNoManagementIP:
		status = http.StatusBadGateway
	case migrateerr.TooManyStorageMigrates:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, errorWire{Code: string(migErr.Code), Message: migErr.Message, Args: migErr.Args})
}
