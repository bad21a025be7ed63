// Package rpc exposes snapstore's orchestrators behind a single typed
// entry point: one call name dispatches to one exported Service method,
// replacing the upstream's dynamic EXECUTE dispatch table (schema-in,
// handler, schema-out per call) with a Go
// switch over a closed Call enum.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quaydisk/snapstore/pkg/apierr"
	"github.com/quaydisk/snapstore/pkg/metrics"
	"github.com/quaydisk/snapstore/pkg/service"
)

// Call names one of the seven RPC operations, matching the `call`
// field of the request envelope.
type Call string

const (
	CallGenerateJournalForCreate  Call = "generate_journal_for_create"
	CallGenerateJournalForDestroy Call = "generate_journal_for_destroy"
	CallCreateSnapshot            Call = "create_snapshot"
	CallOpenSnapshot              Call = "open_snapshot"
	CallCloseSnapshot             Call = "close_snapshot"
	CallGetRawHandle              Call = "get_raw_handle"
	CallSetHashMode               Call = "set_hash_mode"
)

// Dispatcher binds the RPC surface to one Service instance.
type Dispatcher struct {
	Service *service.Service
}

// New builds a Dispatcher over svc.
func New(svc *service.Service) *Dispatcher {
	return &Dispatcher{Service: svc}
}

// Dispatch decodes body per call, invokes the matching Service method,
// and encodes its result, matching the upstream's EXECUTE[call] lookup.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call, body []byte) ([]byte, error) {
	timer := metrics.NewTimer()
	var err error
	defer func() {
		timer.ObserveDurationVec(metrics.OrchestratorDuration, string(call))
		if err != nil {
			metrics.OrchestratorErrorsTotal.WithLabelValues(string(call), errKind(err)).Inc()
		}
	}()

	var out interface{}
	out, err = d.dispatch(ctx, call, body)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = struct{}{}
	}
	return json.Marshal(out)
}

func (d *Dispatcher) dispatch(ctx context.Context, call Call, body []byte) (interface{}, error) {
	switch call {
	case CallGenerateJournalForCreate:
		return d.generateJournalForCreate(body)
	case CallGenerateJournalForDestroy:
		return d.generateJournalForDestroy(body)
	case CallCreateSnapshot:
		return d.createSnapshot(ctx, body)
	case CallOpenSnapshot:
		return d.openSnapshot(ctx, body)
	case CallCloseSnapshot:
		return d.closeSnapshot(ctx, body)
	case CallGetRawHandle:
		return d.getRawHandle(ctx, body)
	case CallSetHashMode:
		return d.setHashMode(body)
	default:
		return nil, apierr.New(apierr.Validation, fmt.Sprintf("rpc: unknown call %q", call))
	}
}

func errKind(err error) string {
	if e, ok := err.(*apierr.Error); ok {
		return string(e.Kind)
	}
	return "unknown"
}

func unmarshal(body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return apierr.New(apierr.Validation, fmt.Sprintf("rpc: malformed request body: %v", err))
	}
	return nil
}
