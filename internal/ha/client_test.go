package ha

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCallService(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"entity_id":"light.kitchen","state":"on"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-token")
	defer c.Close()

	result, err := c.CallService(context.Background(), "light", "turn_on",
		map[string]any{"entity_id": "light.kitchen"})
	if err != nil {
		t.Fatalf("CallService: %v", err)
	}

	if gotPath != "/api/services/light/turn_on" {
		t.Errorf("path = %q, want /api/services/light/turn_on", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("auth = %q, want bearer token", gotAuth)
	}
	if gotBody["entity_id"] != "light.kitchen" {
		t.Errorf("body = %v, want entity_id light.kitchen", gotBody)
	}
	if result == nil {
		t.Error("result = nil, want decoded JSON")
	}
}

func TestCallServiceEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "{}" {
			t.Errorf("request body = %q, want {}", body)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t")
	defer c.Close()

	if _, err := c.CallService(context.Background(), "script", "open_door", nil); err != nil {
		t.Fatalf("CallService: %v", err)
	}
}

func TestCallServiceErrorSurfacesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("unknown service"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t")
	defer c.Close()

	_, err := c.CallService(context.Background(), "light", "nope", nil)
	var serr *StatusError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if serr.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", serr.StatusCode)
	}
	if serr.Body != "unknown service" {
		t.Errorf("body = %q, want error text", serr.Body)
	}
}

func TestGetState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/states/sensor.front_door" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"entity_id":"sensor.front_door","state":"locked"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t")
	defer c.Close()

	state, err := c.GetState(context.Background(), "sensor.front_door")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state["state"] != "locked" {
		t.Errorf("state = %v, want locked", state["state"])
	}
}
