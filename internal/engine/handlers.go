package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/uds"
)

// EnqueueRequest is the control-socket payload admitting an operation.
type EnqueueRequest struct {
	Kind     model.Kind      `json:"kind"`
	Priority string          `json:"priority,omitempty"`
	Params   json.RawMessage `json:"params"`
}

// registerHandlers wires the control-socket commands to the engine.
func (e *Engine) registerHandlers() {
	e.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	e.server.Handle("status", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{
			"sync":       e.coord.SyncState(),
			"connection": e.client.Status(),
			"conflicts":  len(e.resolver.Active()),
		})
	})

	e.server.Handle("enqueue", e.handleEnqueue)

	e.server.Handle("queue", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(e.queue.List())
	})

	e.server.Handle("conflicts", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(e.resolver.Active())
	})

	e.server.Handle("resolve", func(req *uds.Request) *uds.Response {
		var p struct {
			ConflictID string `json:"conflict_id"`
			Strategy   string `json:"strategy"`
			All        bool   `json:"all,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		if p.All {
			return uds.SuccessResponse(map[string]any{"resolved": e.resolver.AutoResolveAll()})
		}
		if err := e.resolver.Resolve(p.ConflictID, p.Strategy); err != nil {
			if strings.Contains(err.Error(), "unknown conflict") {
				return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
			}
			return uds.ErrorResponse(uds.ErrCodeConflict, err.Error())
		}
		return uds.SuccessResponse(map[string]string{"conflict_id": p.ConflictID})
	})

	e.server.Handle("retry", func(req *uds.Request) *uds.Response {
		var p struct {
			OperationID string `json:"operation_id,omitempty"`
			All         bool   `json:"all,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		if p.All {
			return uds.SuccessResponse(map[string]any{"retried": e.coord.RetryFailed()})
		}
		ok, err := e.coord.Retry(p.OperationID)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		}
		if !ok {
			return uds.ErrorResponse(uds.ErrCodeConflict,
				fmt.Sprintf("operation %s has no retry budget left", p.OperationID))
		}
		return uds.SuccessResponse(map[string]string{"operation_id": p.OperationID})
	})

	e.server.Handle("cancel", func(req *uds.Request) *uds.Response {
		var p struct {
			OperationID string `json:"operation_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		if err := e.coord.Cancel(p.OperationID); err != nil {
			return uds.ErrorResponse(uds.ErrCodeConflict, err.Error())
		}
		return uds.SuccessResponse(map[string]string{"operation_id": p.OperationID})
	})

	e.server.Handle("sweep", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]int{"swept": e.coord.SweepExpired()})
	})

	e.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		e.log(LogLevelInfo, "shutdown requested via control socket")
		go e.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (e *Engine) handleEnqueue(req *uds.Request) *uds.Response {
	var p EnqueueRequest
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}

	params, err := model.UnmarshalParams(p.Kind, p.Params)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	priority := model.PriorityNormal
	if p.Priority != "" {
		priority = model.ParsePriority(p.Priority)
	}

	op, err := e.Enqueue(p.Kind, params, priority, model.SourceClient)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	return uds.SuccessResponse(op)
}
