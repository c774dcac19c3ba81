package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/ha"
)

// Structured error codes returned to the AI. The AI reacts to them by
// re-prompting the caller, so the values are part of the conversation
// contract.
const (
	ErrPinRequired      = "PIN_REQUIRED"
	ErrPinIncorrect     = "PIN_INCORRECT"
	ErrPinNotConfigured = "PIN_NOT_CONFIGURED"
)

// Controller is the slice of the Home Assistant client the gateway
// needs.
type Controller interface {
	CallService(ctx context.Context, domain, service string, serviceData map[string]any) (any, error)
	GetState(ctx context.Context, entityID string) (map[string]any, error)
}

// Result is the structured outcome of a tool invocation, marshalled
// verbatim into the tool output sent back to the AI.
type Result struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Gateway executes tool invocations for one call. It holds the
// caller's expected PIN resolved at call setup; configuration is
// read-only after boot.
type Gateway struct {
	catalog     *config.Catalog
	ctrl        Controller
	expectedPin *int
	log         *slog.Logger
}

// NewGateway creates a gateway for one call. expectedPin is the
// caller's configured PIN, nil when none is set.
func NewGateway(catalog *config.Catalog, ctrl Controller, expectedPin *int) *Gateway {
	return &Gateway{
		catalog:     catalog,
		ctrl:        ctrl,
		expectedPin: expectedPin,
		log:         slog.Default().With("component", "tools"),
	}
}

// Invoke runs one tool invocation end to end: lookup, PIN gate,
// argument filtering and the controller REST call.
func (g *Gateway) Invoke(ctx context.Context, name string, args map[string]any) Result {
	spec, ok := g.catalog.Tool(name)
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("unknown tool: %s", name)}
	}

	if spec.RequiresPin {
		if res, ok := g.checkPin(args); !ok {
			return res
		}
		delete(args, "pin")
	}

	domain, service, ok := strings.Cut(spec.HAService, ".")
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("invalid ha_service: %s", spec.HAService)}
	}

	serviceData := map[string]any{}
	for key, value := range args {
		if key == "pin" {
			continue
		}
		// Scripts are addressed by service name; an entity_id would
		// confuse them.
		if key == "entity_id" && domain == "script" {
			continue
		}
		if _, declared := spec.Parameters[key]; !declared && key != "entity_id" {
			continue
		}
		serviceData[key] = value
	}

	g.log.Info("Executing tool", "tool", name, "service", spec.HAService)

	result, err := g.ctrl.CallService(ctx, domain, service, serviceData)
	if err != nil {
		if serr, ok := err.(*ha.StatusError); ok {
			return Result{Success: false, Error: fmt.Sprintf("controller returned %d: %s", serr.StatusCode, serr.Body)}
		}
		return Result{Success: false, Error: err.Error()}
	}

	if spec.StateEntity != "" {
		if state, err := g.ctrl.GetState(ctx, spec.StateEntity); err == nil {
			result = map[string]any{"response": result, "state": state}
		}
	}

	return Result{Success: true, Result: result}
}

// checkPin enforces the PIN gate. It returns ok=false with the result
// to hand back to the AI when the invocation must not proceed.
func (g *Gateway) checkPin(args map[string]any) (Result, bool) {
	provided, present := args["pin"]
	if !present || provided == nil {
		return Result{
			Success: false,
			Error:   ErrPinRequired,
			Message: "Please provide your PIN code to proceed with this action.",
		}, false
	}

	pin, err := coercePin(provided)
	if err != nil {
		return Result{
			Success: false,
			Error:   ErrPinIncorrect,
			Message: "The PIN format is invalid. Please provide your PIN as a number.",
		}, false
	}

	if g.expectedPin == nil {
		return Result{
			Success: false,
			Error:   ErrPinNotConfigured,
			Message: "This action requires a PIN, but no PIN is configured for your phone number. The action cannot be performed.",
		}, false
	}

	if pin != *g.expectedPin {
		return Result{
			Success: false,
			Error:   ErrPinIncorrect,
			Message: "The PIN you provided is incorrect. Please try again.",
		}, false
	}

	return Result{}, true
}

// coercePin converts the schema-declared integer from whatever JSON
// decoding produced.
func coercePin(v any) (int, error) {
	switch p := v.(type) {
	case int:
		return p, nil
	case float64:
		return int(p), nil
	case json.Number:
		n, err := p.Int64()
		return int(n), err
	case string:
		return strconv.Atoi(strings.TrimSpace(p))
	default:
		return 0, fmt.Errorf("unsupported pin type %T", v)
	}
}
