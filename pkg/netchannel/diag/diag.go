// Package diag exposes a read-only HTTP diagnostics surface over a
// running netchannel.Server: a liveness probe and a run snapshot
// (buffer occupancy, worker exceptions seen so far, and outbound
// post-run objects pushed so far). It is deliberately separate from
// netchannel's own gob-framed worker RPC protocol; mixing an HTTP
// surface into that wire format would be the wrong layering.
package diag

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/rios-go/rios/pkg/netchannel"
)

// Mux builds a gorilla/mux router exposing GET /healthz and GET /run
// against server. It is mounted standalone (http.ListenAndServe) by
// whatever process owns server; the engine itself never starts this
// listener on a caller's behalf.
func Mux(server *netchannel.Server) *mux.Router {
	h := &handler{server: server}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.healthz).Methods("GET")
	r.HandleFunc("/run", h.run).Methods("GET")
	return r
}

type handler struct {
	server *netchannel.Server
}

// healthzResponse reports only that the server is reachable and
// serving; it never reports run success or failure, since a run in
// progress is by definition not finished.
type healthzResponse struct {
	Status string `json:"status"`
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthzResponse{Status: "ok"})
}

// runResponse is the point-in-time snapshot of one driver run.
type runResponse struct {
	Address        string   `json:"address"`
	InputBuffered  int      `json:"input_buffered"`
	OutputBuffered int      `json:"output_buffered"`
	ExceptionCount int      `json:"exception_count"`
	Exceptions     []string `json:"exceptions,omitempty"`
	OutboundCount  int      `json:"outbound_count"`
}

func (h *handler) run(w http.ResponseWriter, r *http.Request) {
	excs := h.server.Exceptions()
	messages := make([]string, 0, len(excs))
	for _, e := range excs {
		messages = append(messages, e.Error())
	}
	addr := h.server.Addr()
	resp := runResponse{
		Address:        addr.Host + ":" + strconv.Itoa(addr.Port),
		InputBuffered:  h.server.InputBufferLen(),
		OutputBuffered: h.server.OutputBufferLen(),
		ExceptionCount: len(excs),
		Exceptions:     messages,
		OutboundCount:  len(h.server.DrainOutbound()),
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
