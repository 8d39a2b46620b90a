package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/embeddedpenguins/spikefabric/internal/mux"
	"github.com/embeddedpenguins/spikefabric/internal/ratelimit"
	"github.com/embeddedpenguins/spikefabric/internal/wire"
)

type fakeBackend struct {
	mu        sync.Mutex
	paused    bool
	logging   bool
	settings  []Setting
	deployed  *Deployment
	deployErr error
}

func (b *fakeBackend) FullStatus() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{"paused": b.paused, "logenable": b.logging, "iterations": 0}
}

func (b *fakeBackend) DynamicStatus() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{"paused": b.paused}
}

func (b *fakeBackend) RunMeasurements() map[string]any {
	return map[string]any{"iterations": 0, "totalwork": 0}
}

func (b *fakeBackend) Configurations() map[string]any {
	return map[string]any{"model": "retina"}
}

func (b *fakeBackend) ApplySettings(s []Setting) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settings = append(b.settings, s...)
	return nil
}

func (b *fakeBackend) Control(v Values) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v.Pause != nil {
		b.paused = *v.Pause
	}
	if v.Run != nil && *v.Run {
		b.paused = false
	}
	if v.LogEnable != nil {
		b.logging = *v.LogEnable
	}
	return nil
}

func (b *fakeBackend) Deploy(ctx context.Context, d Deployment) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deployErr != nil {
		return b.deployErr
	}
	b.deployed = &d
	return nil
}

func query(t *testing.T, h *Handler, frame string) map[string]any {
	t.Helper()
	resp := h.HandleQuery(context.Background(), "127.0.0.1:5000", []byte(frame))
	var decoded struct {
		Response map[string]any `json:"response"`
	}
	if err := json.Unmarshal(resp.Encode(), &decoded); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	return decoded.Response
}

func TestHandleQuery_PauseOnIdleEngine(t *testing.T) {
	backend := &fakeBackend{}
	h := NewHandler(backend, Options{})

	resp := query(t, h, `{"query":"control","values":{"pause":true}}`)
	if resp["result"] != wire.ResultOK {
		t.Fatalf("result = %v, want ok (%v)", resp["result"], resp)
	}
	status, ok := resp["status"].(map[string]any)
	if !ok {
		t.Fatalf("status missing: %v", resp)
	}
	if status["paused"] != true {
		t.Errorf("status.paused = %v, want true", status["paused"])
	}

	resp = query(t, h, `{"query":"control"}`)
	if resp["result"] != wire.ResultFail || resp["error"] != wire.ErrorMissingValues {
		t.Errorf("missing values response = %v", resp)
	}
}

func TestHandleQuery_Errors(t *testing.T) {
	h := NewHandler(&fakeBackend{}, Options{})

	tests := []struct {
		name    string
		frame   string
		wantErr string
	}{
		{"malformed json", `{"query":`, wire.ErrorFormat},
		{"unknown tag", `{"query":"reboot"}`, wire.ErrorUnrecognized},
		{"control values not an object", `{"query":"control","values":[1]}`, wire.ErrorFormat},
		{"settings without values", `{"query":"settings"}`, wire.ErrorMissingValues},
		{"settings wrong shape", `{"query":"settings","values":[["only-key"]]}`, wire.ErrorFormat},
		{"settings non-string key", `{"query":"settings","values":[[1,2]]}`, wire.ErrorFormat},
		{"deploy without names", `{"query":"deploy","values":{"model":"m"}}`, wire.ErrorMissingValues},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := query(t, h, tt.frame)
			if resp["result"] != wire.ResultFail || resp["error"] != tt.wantErr {
				t.Errorf("response = %v, want error %q", resp, tt.wantErr)
			}
		})
	}
}

func TestHandleQuery_StatusReports(t *testing.T) {
	h := NewHandler(&fakeBackend{}, Options{})
	for _, tag := range []string{wire.QueryFullStatus, wire.QueryDynamicStatus, wire.QueryRunMeasurements, wire.QueryConfigurations} {
		t.Run(tag, func(t *testing.T) {
			resp := query(t, h, `{"query":"`+tag+`"}`)
			if resp["result"] != wire.ResultOK {
				t.Errorf("result = %v", resp["result"])
			}
			if _, ok := resp["status"].(map[string]any); !ok {
				t.Errorf("status missing: %v", resp)
			}
		})
	}
}

func TestHandleQuery_Settings(t *testing.T) {
	backend := &fakeBackend{}
	h := NewHandler(backend, Options{})

	resp := query(t, h, `{"query":"settings","values":[["tickperiod",1000],["name","retina"]]}`)
	if resp["result"] != wire.ResultOK {
		t.Fatalf("response = %v", resp)
	}
	if len(backend.settings) != 2 || backend.settings[0].Key != "tickperiod" || backend.settings[0].Value != float64(1000) {
		t.Errorf("settings = %+v", backend.settings)
	}
}

func TestHandleQuery_Deploy(t *testing.T) {
	backend := &fakeBackend{}
	h := NewHandler(backend, Options{})

	// Names beside the query, as the console sends them.
	resp := query(t, h, `{"query":"deploy","model":"retina","deployment":"two-box","engine":"e1"}`)
	if resp["result"] != wire.ResultOK {
		t.Fatalf("response = %v", resp)
	}
	if backend.deployed == nil || *backend.deployed != (Deployment{"retina", "two-box", "e1"}) {
		t.Errorf("deployed = %+v", backend.deployed)
	}

	backend.deployErr = errors.New("topology service unavailable")
	resp = query(t, h, `{"query":"deploy","values":{"model":"retina","deployment":"two-box","engine":"e1"}}`)
	if resp["result"] != wire.ResultFail || resp["error"] != wire.ErrorDeploy {
		t.Errorf("response = %v", resp)
	}
}

func TestHandleQuery_RateLimited(t *testing.T) {
	h := NewHandler(&fakeBackend{}, Options{Limiter: ratelimit.NewLimiter(0.001, 1)})

	if resp := query(t, h, `{"query":"fullstatus"}`); resp["result"] != wire.ResultOK {
		t.Fatalf("first query = %v", resp)
	}
	resp := query(t, h, `{"query":"fullstatus"}`)
	if resp["error"] != wire.ErrorRateLimited {
		t.Errorf("second query = %v, want rate limited", resp)
	}
}

func TestService_QueryAndPush(t *testing.T) {
	backend := &fakeBackend{}
	h := NewHandler(backend, Options{})
	svc := mux.New(mux.Config{Name: "control", Addr: "127.0.0.1:0", Factory: h.Factory(20 * time.Millisecond)})
	if err := svc.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			svc.Process(ctx)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		svc.Close()
	})

	qctx, qcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer qcancel()

	resp, err := Query(qctx, svc.Addr().String(), wire.QueryControl, map[string]any{"pause": true})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Response["result"] != wire.ResultOK {
		t.Fatalf("response = %v", resp.Response)
	}
	if !backend.FullStatus()["paused"].(bool) {
		t.Error("backend not paused")
	}

	resp, err = Query(qctx, svc.Addr().String(), "bogus", nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Response["error"] != wire.ErrorUnrecognized {
		t.Errorf("response = %v", resp.Response)
	}
}

func TestConnHandler_PushArmsFirst(t *testing.T) {
	h := NewHandler(&fakeBackend{}, Options{})
	c := &connHandler{query: h, interval: time.Second}
	now := time.Now()

	// Push with a nil conn would panic if it tried to write.
	if err := c.Push(context.Background(), nil, now); err != nil {
		t.Fatalf("arming push: %v", err)
	}
	if !c.armed || !c.lastPush.Equal(now) {
		t.Error("first push should arm the timer")
	}
	if err := c.Push(context.Background(), nil, now.Add(500*time.Millisecond)); err != nil {
		t.Fatalf("early push: %v", err)
	}
}
