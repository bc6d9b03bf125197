package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/gihongjo/probeviz/internal/model"
	"github.com/gihongjo/probeviz/internal/server/metrics"
	"github.com/gihongjo/probeviz/internal/server/session"
	"github.com/gihongjo/probeviz/internal/server/storage/filestore"
	"github.com/gihongjo/probeviz/internal/server/style"
)

const congestionGraph = `{
  "congestion": true,
  "graph": {"cpt_bin_size": 300, "congestion_begin": 1000000, "congestion_end": 1003600},
  "nodes": [
    {"id": 0, "name": 3333, "tag": [1], "hosting": ["p1"]},
    {"id": 1, "name": 226, "tag": [3]}
  ],
  "links": [
    {"source": 0, "target": 1, "src_name": 3333, "tgt_name": 226, "probe": ["p1", "p2"],
     "congestion": [{"epoch": 999900, "value": 0.5}, {"epoch": 1000200, "value": 0.05}, {"epoch": 1000500, "value": "NA"}]}
  ]
}`

const plainGraph = `{
  "congestion": false,
  "nodes": [{"id": "a", "name": "a", "tag": [1], "hosting": ["p1"]}, {"id": "b", "name": "b", "tag": [3]}],
  "links": [{"source": "a", "target": "b", "probe": ["p1"]}]
}`

type testEnv struct {
	handler *Handler
	server  http.Handler
	store   *filestore.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store, err := filestore.New(filepath.Join(t.TempDir(), "graphs"), logger)
	if err != nil {
		t.Fatal(err)
	}
	h := NewHandler(store, metrics.NewAggregator(nil, logger), logger)
	t.Cleanup(h.Close)
	return &testEnv{handler: h, server: h.Router(), store: store}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, "GET", "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestUploadAndStep(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, "POST", "/api/v1/graph?name=c.json", congestionGraph)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	frame := decode[model.Frame](t, rec)
	if frame.Moment != 999900000 || frame.Datetime != "1970-01-12 13:45" {
		t.Errorf("unexpected initial moment %d %q", frame.Moment, frame.Datetime)
	}
	if frame.Links[0].Stroke != style.Reds(0.5) {
		t.Errorf("expected congested link, got %s", frame.Links[0].Stroke)
	}

	rec = e.do(t, "POST", "/api/v1/events", `{"type":"key","key":"ArrowRight","shift":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("step: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	resp := decode[eventResponse](t, rec)
	if resp.Patch.Moment != 1000200000 {
		t.Errorf("expected stepped moment, got %d", resp.Patch.Moment)
	}
	if len(resp.Patch.Links) != 1 || resp.Patch.Links[0].Stroke != style.ColorLink {
		t.Errorf("unexpected patch %+v", resp.Patch)
	}

	rec = e.do(t, "GET", "/api/v1/graph/info", "")
	info := decode[graphInfo](t, rec)
	if info.Name != "c.json" || !info.Congestion || info.Datetime != "1970-01-12 13:50" {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestNoticeOnPlainGraph(t *testing.T) {
	e := newTestEnv(t)
	if rec := e.do(t, "POST", "/api/v1/graph", plainGraph); rec.Code != http.StatusOK {
		t.Fatalf("upload failed: %d", rec.Code)
	}
	rec := e.do(t, "POST", "/api/v1/events", `{"type":"step","forward":true}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if msg := decode[errorResponse](t, rec).Error; msg != "only congestion graph can be navigated in time" {
		t.Errorf("unexpected notice %q", msg)
	}
}

func TestMalformedUploadKeepsGraph(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, "POST", "/api/v1/graph?name=plain.json", plainGraph)

	rec := e.do(t, "POST", "/api/v1/graph?name=bad.json", `{"nodes": [`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	info := decode[graphInfo](t, e.do(t, "GET", "/api/v1/graph/info", ""))
	if info.Name != "plain.json" {
		t.Errorf("expected previous graph kept, got %q", info.Name)
	}
}

func TestEventErrors(t *testing.T) {
	e := newTestEnv(t)
	cases := []struct {
		body string
		want int
	}{
		{`{"type":"step","forward":true}`, http.StatusNotFound},
		{`not json`, http.StatusBadRequest},
	}
	for _, c := range cases {
		if rec := e.do(t, "POST", "/api/v1/events", c.body); rec.Code != c.want {
			t.Errorf("%s: expected %d, got %d", c.body, c.want, rec.Code)
		}
	}
	if rec := e.do(t, "GET", "/api/v1/frame", ""); rec.Code != http.StatusNotFound {
		t.Errorf("frame without graph: expected 404, got %d", rec.Code)
	}

	e.do(t, "POST", "/api/v1/graph", plainGraph)
	for body, want := range map[string]int{
		`{"type":"click","node":"zz"}`:    http.StatusBadRequest,
		`{"type":"dblclick","link":5}`:    http.StatusBadRequest,
		`{"type":"dance"}`:                http.StatusBadRequest,
		`{"type":"load","name":"x.json"}`: http.StatusNotFound,
	} {
		if rec := e.do(t, "POST", "/api/v1/events", body); rec.Code != want {
			t.Errorf("%s: expected %d, got %d", body, want, rec.Code)
		}
	}
}

func TestClickAndArtifact(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, "POST", "/api/v1/graph", plainGraph)

	resp := decode[eventResponse](t, e.do(t, "POST", "/api/v1/events", `{"type":"click","node":"a"}`))
	if len(resp.Patch.Nodes) != 1 || !resp.Patch.Nodes[0].Highlighted {
		t.Errorf("expected highlighted node, got %+v", resp.Patch.Nodes)
	}
	if len(resp.Patch.Links) != 1 || !resp.Patch.Links[0].Highlighted {
		t.Errorf("expected highlighted link, got %+v", resp.Patch.Links)
	}

	resp = decode[eventResponse](t, e.do(t, "POST", "/api/v1/events", `{"type":"dblclick","link":0}`))
	if resp.Artifact == nil || resp.Artifact.Filename != "a_b.txt" {
		t.Errorf("unexpected artifact %+v", resp.Artifact)
	}

	rec := e.do(t, "GET", "/api/v1/links/0/probes", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "p1" {
		t.Fatalf("unexpected probes response %d %q", rec.Code, rec.Body)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename="a_b.txt"` {
		t.Errorf("unexpected disposition %q", cd)
	}
}

func TestTimeline(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, "POST", "/api/v1/graph", plainGraph)
	if rec := e.do(t, "GET", "/api/v1/links/0/timeline.png", ""); rec.Code != http.StatusConflict {
		t.Errorf("plain graph: expected 409, got %d", rec.Code)
	}

	e.do(t, "POST", "/api/v1/graph", congestionGraph)
	rec := e.do(t, "GET", "/api/v1/links/0/timeline.png", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
		t.Errorf("expected PNG body")
	}
	if rec := e.do(t, "GET", "/api/v1/links/3/timeline.png", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown link: expected 400, got %d", rec.Code)
	}
}

func TestTimelineWithoutNumericSamples(t *testing.T) {
	e := newTestEnv(t)
	allNA := strings.Replace(congestionGraph,
		`[{"epoch": 999900, "value": 0.5}, {"epoch": 1000200, "value": 0.05}, {"epoch": 1000500, "value": "NA"}]`,
		`[{"epoch": 999900, "value": "NA"}]`, 1)
	if rec := e.do(t, "POST", "/api/v1/graph", allNA); rec.Code != http.StatusOK {
		t.Fatalf("upload failed: %d %s", rec.Code, rec.Body)
	}

	rec := e.do(t, "GET", "/api/v1/links/0/timeline.png", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON error, got content type %q", ct)
	}
	if msg := decode[errorResponse](t, rec).Error; msg != "link has no congestion series" {
		t.Errorf("unexpected error %q", msg)
	}
}

func TestGraphInfoSelectionAndRange(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, "POST", "/api/v1/graph", plainGraph)
	info := decode[graphInfo](t, e.do(t, "GET", "/api/v1/graph/info", ""))
	if info.Selected == nil || len(info.Selected) != 0 || info.InRange {
		t.Errorf("unexpected info for fresh topology %+v", info)
	}

	e.do(t, "POST", "/api/v1/events", `{"type":"click","node":"a"}`)
	info = decode[graphInfo](t, e.do(t, "GET", "/api/v1/graph/info", ""))
	if len(info.Selected) != 1 || info.Selected[0] != "a" {
		t.Errorf("expected a selected, got %v", info.Selected)
	}

	e.do(t, "POST", "/api/v1/graph", congestionGraph)
	info = decode[graphInfo](t, e.do(t, "GET", "/api/v1/graph/info", ""))
	if !info.InRange || len(info.Selected) != 0 {
		t.Errorf("expected cleared selection in range, got %+v", info)
	}
	e.do(t, "POST", "/api/v1/events", `{"type":"step","forward":false}`)
	info = decode[graphInfo](t, e.do(t, "GET", "/api/v1/graph/info", ""))
	if info.InRange {
		t.Errorf("moment %d before begin reported in range", info.Moment)
	}
}

func TestFilesAndLoad(t *testing.T) {
	e := newTestEnv(t)
	if err := os.WriteFile(filepath.Join(e.store.Dir(), "c.json"), []byte(congestionGraph), 0o644); err != nil {
		t.Fatal(err)
	}

	files := decode[[]model.GraphFile](t, e.do(t, "GET", "/api/v1/files", ""))
	if len(files) != 1 || files[0].Name != "c.json" {
		t.Fatalf("unexpected files %+v", files)
	}

	rec := e.do(t, "POST", "/api/v1/files/c.json/load?datetime=1970-01-12%2013:52", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("load: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if f := decode[model.Frame](t, rec); f.Datetime != "1970-01-12 13:50" {
		t.Errorf("expected snapped datetime, got %q", f.Datetime)
	}

	if rec := e.do(t, "POST", "/api/v1/files/missing.json/load", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing file: expected 404, got %d", rec.Code)
	}
}

func TestStats(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, "POST", "/api/v1/graph", plainGraph)
	rec := e.do(t, "GET", "/api/v1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	// Nothing is flushed yet.
	if pts := decode[[]model.TimeSeriesPoint](t, rec); len(pts) != 0 {
		t.Errorf("expected no points before flush, got %d", len(pts))
	}
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, "OPTIONS", "/api/v1/events", "")
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("unexpected preflight response %d %v", rec.Code, rec.Header())
	}
}

func waitForClients(t *testing.T, h *Handler, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.wsMu.Lock()
		got := len(h.wsClients)
		h.wsMu.Unlock()
		if got == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d websocket clients", n)
}

func TestWebSocketBroadcast(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.server)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	waitForClients(t, e.handler, 1)

	if _, err := e.handler.LoadGraph(context.Background(), "c.json", []byte(congestionGraph), ""); err != nil {
		t.Fatalf("LoadGraph failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if msg.Type != messagePatch || msg.Patch == nil || msg.Patch.Frame == nil {
		t.Fatalf("expected frame patch, got %+v", msg)
	}
	if msg.Patch.Frame.Name != "c.json" {
		t.Errorf("unexpected frame name %q", msg.Patch.Frame.Name)
	}

	// Events sent over the socket are applied and broadcast back.
	if err := conn.WriteJSON(map[string]any{"type": "step", "forward": true}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if msg.Patch == nil || msg.Patch.Moment != 1000200000 {
		t.Errorf("expected stepped patch, got %+v", msg)
	}

	if err := conn.WriteJSON(map[string]any{"type": "click", "node": "nope"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	msg = wsMessage{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if msg.Type != messageError || msg.Status != http.StatusBadRequest {
		t.Errorf("expected error reply, got %+v", msg)
	}
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestCloseWaitsForClients(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.server)
	defer srv.Close()

	conns := []*websocket.Conn{dialWS(t, srv), dialWS(t, srv)}
	for _, c := range conns {
		defer c.Close()
	}
	waitForClients(t, e.handler, 2)

	done := make(chan struct{})
	go func() {
		e.handler.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	e.handler.wsMu.Lock()
	n := len(e.handler.wsClients)
	e.handler.wsMu.Unlock()
	if n != 0 {
		t.Errorf("expected no clients after Close, got %d", n)
	}
	for _, c := range conns {
		c.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, _, err := c.ReadMessage(); err == nil {
			t.Errorf("expected closed connection")
		}
	}

	// Connections after Close are refused.
	late := dialWS(t, srv)
	defer late.Close()
	late.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := late.ReadMessage(); err == nil {
		t.Errorf("expected connection after Close to be closed")
	}
}

func TestSlowClientIsDropped(t *testing.T) {
	e := newTestEnv(t)
	if _, err := e.handler.LoadGraph(context.Background(), "c.json", []byte(congestionGraph), ""); err != nil {
		t.Fatalf("LoadGraph failed: %v", err)
	}

	// A client without a write pump never drains its queue.
	stalled := &wsClient{send: make(chan wsMessage, 1)}
	e.handler.wsMu.Lock()
	e.handler.wsClients[stalled] = struct{}{}
	e.handler.wsMu.Unlock()
	defer func() {
		e.handler.wsMu.Lock()
		delete(e.handler.wsClients, stalled)
		e.handler.wsMu.Unlock()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			if _, err := e.handler.handleEvent(context.Background(), session.Step(true)); err != nil {
				t.Errorf("step failed: %v", err)
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch blocked on a stalled client")
	}

	e.handler.wsMu.Lock()
	_, ok := e.handler.wsClients[stalled]
	e.handler.wsMu.Unlock()
	if ok {
		t.Fatal("expected stalled client to be dropped")
	}

	if msg, ok := <-stalled.send; !ok || msg.Patch == nil {
		t.Errorf("expected the queued patch to be kept, got %+v", msg)
	}
	select {
	case _, ok := <-stalled.send:
		if ok {
			t.Errorf("expected send queue to be closed")
		}
	case <-time.After(time.Second):
		t.Errorf("send queue was not closed")
	}
}
