package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/ha"
)

const gatewayToolsYAML = `
tools:
  open_door:
    description: "Opens the apartment door"
    ha_service: "script.open_door"
    requires_pin: true
  lights_on:
    description: "Turns on a light"
    ha_service: "light.turn_on"
    parameters:
      entity_id:
        type: string
        description: "The light to switch"
        required: true
      brightness:
        type: integer
        description: "Brightness 0-255"
`

func gatewayCatalog(t *testing.T) *config.Catalog {
	t.Helper()
	cat, err := config.LoadCatalogFromReader(strings.NewReader(gatewayToolsYAML))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return cat
}

func intPtr(v int) *int { return &v }

// recordingServer counts controller requests and captures the last
// service path and body.
type recordingServer struct {
	*httptest.Server
	calls    atomic.Int64
	lastPath string
	lastBody map[string]any
}

func newRecordingServer(t *testing.T) *recordingServer {
	t.Helper()
	rs := &recordingServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.calls.Add(1)
		rs.lastPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		rs.lastBody = map[string]any{}
		json.Unmarshal(body, &rs.lastBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	t.Cleanup(rs.Close)
	return rs
}

func TestInvokeGatedToolWithCorrectPin(t *testing.T) {
	srv := newRecordingServer(t)
	client := ha.NewClient(srv.URL, "t")
	defer client.Close()

	g := NewGateway(gatewayCatalog(t), client, intPtr(11833))
	res := g.Invoke(context.Background(), "open_door", map[string]any{"pin": float64(11833)})

	if !res.Success {
		t.Fatalf("Invoke failed: %+v", res)
	}
	if srv.lastPath != "/api/services/script/open_door" {
		t.Errorf("path = %q, want /api/services/script/open_door", srv.lastPath)
	}
	if len(srv.lastBody) != 0 {
		t.Errorf("body = %v, want empty (pin stripped, script drops entity_id)", srv.lastBody)
	}
}

func TestInvokeGatedToolWithWrongPin(t *testing.T) {
	srv := newRecordingServer(t)
	client := ha.NewClient(srv.URL, "t")
	defer client.Close()

	g := NewGateway(gatewayCatalog(t), client, intPtr(11833))
	res := g.Invoke(context.Background(), "open_door", map[string]any{"pin": float64(9999)})

	if res.Success || res.Error != ErrPinIncorrect {
		t.Errorf("result = %+v, want PIN_INCORRECT", res)
	}
	if n := srv.calls.Load(); n != 0 {
		t.Errorf("controller calls = %d, want 0", n)
	}
}

func TestInvokeGatedToolWithoutPin(t *testing.T) {
	srv := newRecordingServer(t)
	client := ha.NewClient(srv.URL, "t")
	defer client.Close()

	g := NewGateway(gatewayCatalog(t), client, intPtr(11833))
	res := g.Invoke(context.Background(), "open_door", map[string]any{})

	if res.Success || res.Error != ErrPinRequired {
		t.Errorf("result = %+v, want PIN_REQUIRED", res)
	}
	if n := srv.calls.Load(); n != 0 {
		t.Errorf("controller calls = %d, want 0", n)
	}
}

func TestInvokeGatedToolWithoutConfiguredPin(t *testing.T) {
	srv := newRecordingServer(t)
	client := ha.NewClient(srv.URL, "t")
	defer client.Close()

	g := NewGateway(gatewayCatalog(t), client, nil)
	res := g.Invoke(context.Background(), "open_door", map[string]any{"pin": float64(11833)})

	if res.Success || res.Error != ErrPinNotConfigured {
		t.Errorf("result = %+v, want PIN_NOT_CONFIGURED", res)
	}
	if n := srv.calls.Load(); n != 0 {
		t.Errorf("controller calls = %d, want 0", n)
	}
}

func TestInvokeGatedToolWithStringPin(t *testing.T) {
	srv := newRecordingServer(t)
	client := ha.NewClient(srv.URL, "t")
	defer client.Close()

	g := NewGateway(gatewayCatalog(t), client, intPtr(11833))
	res := g.Invoke(context.Background(), "open_door", map[string]any{"pin": "11833"})

	if !res.Success {
		t.Errorf("string pin should coerce, got %+v", res)
	}
}

func TestInvokeGatedToolWithUnparseablePin(t *testing.T) {
	srv := newRecordingServer(t)
	client := ha.NewClient(srv.URL, "t")
	defer client.Close()

	g := NewGateway(gatewayCatalog(t), client, intPtr(11833))
	res := g.Invoke(context.Background(), "open_door", map[string]any{"pin": "one two three"})

	if res.Success || res.Error != ErrPinIncorrect {
		t.Errorf("result = %+v, want PIN_INCORRECT", res)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	srv := newRecordingServer(t)
	client := ha.NewClient(srv.URL, "t")
	defer client.Close()

	g := NewGateway(gatewayCatalog(t), client, nil)
	res := g.Invoke(context.Background(), "teleport", nil)

	if res.Success || !strings.Contains(res.Error, "unknown tool") {
		t.Errorf("result = %+v, want unknown tool error", res)
	}
}

func TestInvokeForwardsDeclaredArguments(t *testing.T) {
	srv := newRecordingServer(t)
	client := ha.NewClient(srv.URL, "t")
	defer client.Close()

	g := NewGateway(gatewayCatalog(t), client, nil)
	res := g.Invoke(context.Background(), "lights_on", map[string]any{
		"entity_id":  "light.kitchen",
		"brightness": float64(128),
		"sneaky":     "dropped",
	})

	if !res.Success {
		t.Fatalf("Invoke failed: %+v", res)
	}
	if srv.lastPath != "/api/services/light/turn_on" {
		t.Errorf("path = %q", srv.lastPath)
	}
	if srv.lastBody["entity_id"] != "light.kitchen" {
		t.Errorf("entity_id missing from body: %v", srv.lastBody)
	}
	if srv.lastBody["brightness"] != float64(128) {
		t.Errorf("brightness missing from body: %v", srv.lastBody)
	}
	if _, ok := srv.lastBody["sneaky"]; ok {
		t.Errorf("undeclared argument forwarded: %v", srv.lastBody)
	}
}

func TestInvokeSurfacesControllerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("no such service"))
	}))
	defer srv.Close()
	client := ha.NewClient(srv.URL, "t")
	defer client.Close()

	g := NewGateway(gatewayCatalog(t), client, nil)
	res := g.Invoke(context.Background(), "lights_on", map[string]any{"entity_id": "light.x"})

	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "400") || !strings.Contains(res.Error, "no such service") {
		t.Errorf("error = %q, want status and body surfaced", res.Error)
	}
}
