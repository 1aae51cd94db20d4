package health

import (
	"context"

	"github.com/flowgate/flowgate/flowgate"
)

type Response struct {
	Status string `json:"status"`
}

// DetailedResponse adds the engine probe result.
type DetailedResponse struct {
	Status string                         `json:"status"`
	Engine *flowgate.EngineHealthResponse `json:"engine,omitempty"`
}

// Check reports that the process is serving.
//
//encore:api public method=GET path=/healthz
func Check(ctx context.Context) (*Response, error) {
	return &Response{Status: "ok"}, nil
}

// CheckAll also verifies the engine is reachable. An unreachable engine
// degrades the status but does not fail the call.
//
//encore:api public method=GET path=/health
func CheckAll(ctx context.Context) (*DetailedResponse, error) {
	engine, err := flowgate.EngineHealth(ctx)
	if err != nil {
		return nil, err
	}
	status := "ok"
	if !engine.Reachable {
		status = "degraded"
	}
	return &DetailedResponse{Status: status, Engine: engine}, nil
}
