package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/sensorbridge/internal/bridge"
	"github.com/nugget/sensorbridge/internal/events"
	"github.com/nugget/sensorbridge/internal/node"
	"github.com/nugget/sensorbridge/internal/sensors"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBridge struct {
	mu      sync.Mutex
	running bool
	domain  int
	failErr error
}

func (b *fakeBridge) Status() bridge.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := bridge.Status{
		Running: b.running,
		Node:    node.Status{Phase: "stopped"},
		Sensors: []sensors.Status{{Name: "ALS", Kind: "light", Streaming: true}},
	}
	if b.running {
		id := b.domain
		st.Node.Phase = "running"
		st.Node.DomainID = &id
	}
	return st
}

func (b *fakeBridge) SetDomain(_ context.Context, id int) error {
	if err := bridge.ValidateDomain(id); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failErr != nil {
		return b.failErr
	}
	b.domain = id
	b.running = true
	return nil
}

func newTestServer(br Bridge, bus *events.Bus) *httptest.Server {
	s := NewServer("", 0, br, bus, quietLogger())
	return httptest.NewServer(s.Handler())
}

func TestServer_Endpoints(t *testing.T) {
	ts := newTestServer(&fakeBridge{running: true, domain: 4}, nil)
	defer ts.Close()

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/", http.StatusOK, `"name":"sensorbridge"`},
		{"/health", http.StatusOK, `"status":"healthy"`},
		{"/v1/version", http.StatusOK, `"go_version"`},
		{"/v1/status", http.StatusOK, `"domain_id":4`},
		{"/v1/sensors", http.StatusOK, `"name":"ALS"`},
		{"/metrics", http.StatusOK, "go_goroutines"},
		{"/nope", http.StatusNotFound, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			if err != nil {
				t.Fatalf("GET %s: %v", tt.path, err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if !strings.Contains(string(body), tt.wantBody) {
				t.Errorf("body = %s, want it to contain %s", body, tt.wantBody)
			}
		})
	}
}

func TestServer_HealthStopped(t *testing.T) {
	ts := newTestServer(&fakeBridge{}, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestServer_SetDomain(t *testing.T) {
	br := &fakeBridge{running: true}
	ts := newTestServer(br, nil)
	defer ts.Close()

	post := func(body string) *http.Response {
		t.Helper()
		resp, err := http.Post(ts.URL+"/v1/domain", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post(`{"domain_id": 17}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var st bridge.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Node.DomainID == nil || *st.Node.DomainID != 17 {
		t.Errorf("domain = %v, want 17", st.Node.DomainID)
	}

	for _, body := range []string{`{}`, `not json`, fmt.Sprintf(`{"domain_id": %d}`, bridge.MaxDomainID+1)} {
		if resp := post(body); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("POST %s status = %d, want 400", body, resp.StatusCode)
		}
	}

	br.mu.Lock()
	br.failErr = errors.New("broker unreachable")
	br.mu.Unlock()
	if resp := post(`{"domain_id": 3}`); resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("failing SetDomain status = %d, want 500", resp.StatusCode)
	}
}

func TestServer_EventsWebSocket(t *testing.T) {
	bus := events.New()
	ts := newTestServer(&fakeBridge{running: true}, bus)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	// The subscription is made after the upgrade completes.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("server never subscribed to the bus")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Emit(events.SourceNode, events.KindNodeUp, map[string]any{"domain_id": 2})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e events.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if e.Source != events.SourceNode || e.Kind != events.KindNodeUp {
		t.Errorf("event = %s/%s, want node/node_up", e.Source, e.Kind)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not released after client closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_NoEventsWithoutBus(t *testing.T) {
	ts := newTestServer(&fakeBridge{}, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_Keypad(t *testing.T) {
	br := &fakeBridge{}
	ts := newTestServer(br, nil)
	defer ts.Close()

	press := func(key string) (int, KeypadResponse) {
		t.Helper()
		resp, err := http.Post(ts.URL+"/v1/domain/keypad", "application/json",
			strings.NewReader(fmt.Sprintf(`{"key": %q}`, key)))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var kr KeypadResponse
		if resp.StatusCode == http.StatusOK {
			if err := json.NewDecoder(resp.Body).Decode(&kr); err != nil {
				t.Fatalf("decode keypad response: %v", err)
			}
		}
		return resp.StatusCode, kr
	}

	resp, err := http.Get(ts.URL + "/v1/domain/keypad")
	if err != nil {
		t.Fatal(err)
	}
	var kr KeypadResponse
	if err := json.NewDecoder(resp.Body).Decode(&kr); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if kr.Display != "---" || kr.Picked {
		t.Errorf("initial keypad = %+v, want empty", kr)
	}

	for _, k := range []string{"2", "3"} {
		if code, _ := press(k); code != http.StatusOK {
			t.Fatalf("press %s status = %d, want 200", k, code)
		}
	}
	// 233 is past the largest domain id.
	if code, _ := press("3"); code != http.StatusBadRequest {
		t.Errorf("press past max status = %d, want 400", code)
	}
	for _, k := range []string{"x", "12", ""} {
		if code, _ := press(k); code != http.StatusBadRequest {
			t.Errorf("press %q status = %d, want 400", k, code)
		}
	}

	code, kr := press("confirm")
	if code != http.StatusOK {
		t.Fatalf("confirm status = %d, want 200", code)
	}
	if kr.Status == nil || kr.Status.Node.DomainID == nil || *kr.Status.Node.DomainID != 23 {
		t.Errorf("confirm status = %+v, want domain 23", kr.Status)
	}
	if kr.Picked || kr.Display != "---" {
		t.Errorf("keypad after confirm = %+v, want cleared", kr)
	}

	press("7")
	if _, kr := press("clear"); kr.Picked {
		t.Errorf("keypad after clear = %+v, want empty", kr)
	}

	br.mu.Lock()
	br.failErr = errors.New("broker unreachable")
	br.mu.Unlock()
	if code, _ := press("confirm"); code != http.StatusInternalServerError {
		t.Errorf("failing confirm status = %d, want 500", code)
	}
}
