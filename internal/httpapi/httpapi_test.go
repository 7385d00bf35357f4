package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"notifysync/internal/channel"
	"notifysync/internal/eventbus"
	"notifysync/internal/mail"
	"notifysync/internal/processor"
	"notifysync/internal/tracking"
	logx "notifysync/pkg/logx"
)

type fakeCycles struct {
	runs int
	err  error
}

func (f *fakeCycles) TriggerNow(context.Context) (processor.Summary, error) {
	f.runs++
	return processor.Summary{CycleID: "c1", Trigger: "manual", Fetched: 3, Notified: 1}, f.err
}

func (f *fakeCycles) Status() processor.Status {
	return processor.Status{
		Daily:    processor.Daily{Sent: 2, Limit: 20},
		Channels: []channel.Status{{Type: channel.TypeTelegram, Available: true, Priority: 1}},
	}
}

type fakeFeedback struct {
	got map[string]bool
}

func (f *fakeFeedback) RecordFeedback(_ context.Context, id string, relevant bool) error {
	switch id {
	case "missing":
		return tracking.ErrUnknownMessage
	case "anon":
		return tracking.ErrNoSender
	}
	f.got[id] = relevant
	return nil
}

func (f *fakeFeedback) Stats() tracking.Stats { return tracking.Stats{Processed: len(f.got)} }

func newTestServer(t *testing.T, cfg Config, deps Deps) *httptest.Server {
	t.Helper()
	s := New(cfg, deps, logx.Nop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string, hdr map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, string(b)
}

func TestStatus(t *testing.T) {
	srv := newTestServer(t, Config{}, Deps{Cycles: &fakeCycles{}, Feedback: &fakeFeedback{got: map[string]bool{}}})
	resp, body := do(t, http.MethodGet, srv.URL+"/api/status", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d body=%s", resp.StatusCode, body)
	}
	var got statusResponse
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "running" || got.Daily.Sent != 2 || len(got.Channels) != 1 || got.Tracking == nil {
		t.Fatalf("unexpected status: %+v", got)
	}
}

func TestStatusDegradedWithoutChannels(t *testing.T) {
	srv := newTestServer(t, Config{}, Deps{Cycles: degraded{}})
	_, body := do(t, http.MethodGet, srv.URL+"/api/status", "", nil)
	if !strings.Contains(body, `"status":"degraded"`) || !strings.Contains(body, `"channels":[]`) {
		t.Fatalf("body = %s", body)
	}
}

type degraded struct{}

func (degraded) TriggerNow(context.Context) (processor.Summary, error) {
	return processor.Summary{}, nil
}
func (degraded) Status() processor.Status { return processor.Status{} }

func TestProcessNow(t *testing.T) {
	cy := &fakeCycles{}
	srv := newTestServer(t, Config{}, Deps{Cycles: cy})
	resp, body := do(t, http.MethodPost, srv.URL+"/api/status/process-now", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "Processing triggered") || cy.runs != 1 {
		t.Fatalf("code=%d body=%s runs=%d", resp.StatusCode, body, cy.runs)
	}

	cy.err = errors.New("fetch: imap down")
	resp, body = do(t, http.MethodPost, srv.URL+"/api/status/process-now", "", nil)
	if resp.StatusCode != http.StatusBadGateway || !strings.Contains(body, "Processing failed") || strings.Contains(body, "imap down") {
		t.Fatalf("code=%d body=%s", resp.StatusCode, body)
	}
}

type leakyTransport struct{}

func (leakyTransport) FetchRecent(context.Context, int) ([]*mail.Message, error) {
	return nil, errors.New("googleapi: Error 401: Invalid Credentials, token ya29.SECRET")
}

func TestFailedCycleHidesErrorText(t *testing.T) {
	proc := processor.New(processor.Config{}, leakyTransport{}, nil, nil, nil, nil, logx.Nop())
	srv := newTestServer(t, Config{}, Deps{Cycles: proc})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/status/process-now", "", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("code=%d body=%s", resp.StatusCode, body)
	}
	if strings.Contains(body, "SECRET") || strings.Contains(body, "googleapi") {
		t.Fatalf("process-now leaked error text: %s", body)
	}

	_, body = do(t, http.MethodGet, srv.URL+"/api/status", "", nil)
	if strings.Contains(body, "SECRET") || strings.Contains(body, "googleapi") {
		t.Fatalf("status leaked error text: %s", body)
	}
	if !strings.Contains(body, `"status":"degraded"`) || !strings.Contains(body, `"aborted":true`) {
		t.Fatalf("status body = %s", body)
	}
}

type brokenFeedback struct{}

func (brokenFeedback) RecordFeedback(context.Context, string, bool) error {
	return errors.New("sqlite: database is locked at /var/lib/notifysync/state.db")
}

func (brokenFeedback) Stats() tracking.Stats {
	return tracking.Stats{FlushFailing: true, LastFlushError: "open /var/lib/notifysync/state.db: permission denied"}
}

func TestFeedbackAndStatsHideErrorText(t *testing.T) {
	srv := newTestServer(t, Config{}, Deps{Feedback: brokenFeedback{}})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/feedback", `{"message_id":"m1","relevant":true}`, nil)
	if resp.StatusCode != http.StatusInternalServerError || strings.Contains(body, "/var/lib") {
		t.Fatalf("code=%d body=%s", resp.StatusCode, body)
	}
	_, body = do(t, http.MethodPost, srv.URL+"/api/feedback", `{"message_id":`, nil)
	if strings.Contains(body, "unexpected") {
		t.Fatalf("decoder error leaked: %s", body)
	}
	_, body = do(t, http.MethodGet, srv.URL+"/api/status", "", nil)
	if strings.Contains(body, "/var/lib") || !strings.Contains(body, `"flush_failing":true`) {
		t.Fatalf("status body = %s", body)
	}
}

func TestFeedback(t *testing.T) {
	fb := &fakeFeedback{got: map[string]bool{}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	srv := newTestServer(t, Config{}, Deps{Feedback: fb, Bus: bus})

	tests := []struct {
		body string
		code int
	}{
		{`{"message_id":"m1","relevant":true}`, http.StatusNoContent},
		{`{"message_id":"missing","relevant":true}`, http.StatusNotFound},
		{`{"message_id":"anon","relevant":false}`, http.StatusUnprocessableEntity},
		{`{"message_id":"m1"}`, http.StatusBadRequest},
		{`{"message_id":"m1","relevant":true,"extra":1}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp, body := do(t, http.MethodPost, srv.URL+"/api/feedback", tt.body, nil)
		if resp.StatusCode != tt.code {
			t.Fatalf("POST %s: code=%d want %d body=%s", tt.body, resp.StatusCode, tt.code, body)
		}
	}
	if !fb.got["m1"] {
		t.Fatal("feedback not recorded")
	}
	select {
	case e := <-events:
		if e.Type != eventbus.FeedbackStored {
			t.Fatalf("event = %s", e.Type)
		}
	default:
		t.Fatal("expected feedback.stored event")
	}
}

func TestTokenGuardsPostRoutes(t *testing.T) {
	cy := &fakeCycles{}
	srv := newTestServer(t, Config{Token: "s3cret", Pprof: true}, Deps{Cycles: cy})

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/status/process-now", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/status/process-now", "", map[string]string{"Authorization": "Bearer wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/status/process-now", "", map[string]string{"Authorization": "Bearer s3cret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("code = %d, want 200", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/status/process-now?token=s3cret", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query token: code = %d", resp.StatusCode)
	}

	// Status and health stay open.
	if resp, _ := do(t, http.MethodGet, srv.URL+"/api/status", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/healthz", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz code = %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/debug/pprof/", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("pprof without token = %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/debug/pprof/?token=s3cret", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("pprof with token = %d", resp.StatusCode)
	}
}

func TestPprofDisabledByDefault(t *testing.T) {
	srv := newTestServer(t, Config{}, Deps{})
	if resp, _ := do(t, http.MethodGet, srv.URL+"/debug/pprof/", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("code = %d, want 404", resp.StatusCode)
	}
}

func TestStartRefusesPublicBindWithoutToken(t *testing.T) {
	s := New(Config{Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		s.Stop(context.Background())
		t.Fatal("expected refusal")
	}
}

func TestStartStop(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("no bound address")
	}
	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestIsLoopbackAddr(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":8080":          false,
		"0.0.0.0:80":     false,
		"10.0.0.1:80":    false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
