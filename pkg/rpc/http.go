package rpc

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/quaydisk/snapstore/pkg/apierr"
	"github.com/quaydisk/snapstore/pkg/log"
	"github.com/quaydisk/snapstore/pkg/metrics"
)

// Server exposes a Dispatcher as a single-endpoint HTTP service, a
// single RPC entry point Op(call, json) -> json, built on the same
// mux-plus-typed-handler shape as the health server.
type Server struct {
	dispatcher *Dispatcher
	mux        *http.ServeMux
}

// NewServer builds a Server over dispatcher, registering /op and
// /metrics.
func NewServer(dispatcher *Dispatcher) *Server {
	mux := http.NewServeMux()
	s := &Server{dispatcher: dispatcher, mux: mux}
	mux.HandleFunc("/op", s.opHandler)
	mux.Handle("/metrics", metrics.Handler())
	return s
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	server := &http.Server{Addr: addr, Handler: s.mux}
	return server.ListenAndServe()
}

type opRequest struct {
	Call Call            `json:"call"`
	Body json.RawMessage `json:"body"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) opHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var req opRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, apierr.New(apierr.Validation, "rpc: malformed envelope: "+err.Error()))
		return
	}

	out, err := s.dispatcher.Dispatch(r.Context(), req.Call, req.Body)
	if err != nil {
		log.Logger.Error().Str("call", string(req.Call)).Err(err).Msg("rpc call failed")
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func writeError(w http.ResponseWriter, err error) {
	e, ok := err.(*apierr.Error)
	if !ok {
		e = apierr.New(apierr.External, err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(e.Kind))
	_ = json.NewEncoder(w).Encode(errorResponse{Code: e.Code(), Message: e.Message})
}

func httpStatus(kind apierr.Kind) int {
	switch kind {
	case apierr.Validation:
		return http.StatusBadRequest
	case apierr.NotFound:
		return http.StatusNotFound
	case apierr.StateConflict, apierr.ReferenceRepeated:
		return http.StatusConflict
	case apierr.GraphIntegrity, apierr.External:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
