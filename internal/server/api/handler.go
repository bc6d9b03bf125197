package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gihongjo/probeviz/internal/model"
	"github.com/gihongjo/probeviz/internal/server/metrics"
	"github.com/gihongjo/probeviz/internal/server/session"
)

const (
	maxUploadBytes = 64 << 20
	wsWriteTimeout = 5 * time.Second
	wsSendBuffer   = 64
)

// Handler serves the probeviz REST API and WebSocket endpoints. It owns
// the single viewer session; events are applied one at a time.
type Handler struct {
	source     model.GraphSource
	aggregator *metrics.Aggregator
	logger     *zap.Logger

	router   *mux.Router
	upgrader websocket.Upgrader

	// mu serialises every access to ctrl.
	mu   sync.Mutex
	ctrl *session.Controller

	// wsMu guards wsClients and closed. Patches are queued while mu is
	// held, so every client receives them in the order events were applied.
	wsMu      sync.Mutex
	wsClients map[*wsClient]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// NewHandler creates a new API handler with all routes registered.
func NewHandler(source model.GraphSource, aggregator *metrics.Aggregator, logger *zap.Logger) *Handler {
	h := &Handler{
		source:     source,
		aggregator: aggregator,
		logger:     logger.Named("api"),
		ctrl:       session.NewController(logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		wsClients: make(map[*wsClient]struct{}),
	}

	h.router = mux.NewRouter()
	h.registerRoutes()

	return h
}

// Router returns the configured HTTP router.
func (h *Handler) Router() http.Handler {
	return corsMiddleware(h.router)
}

// ServeStatic serves the browser render adapter from dir for every path
// no API route matched.
func (h *Handler) ServeStatic(dir string) {
	h.router.PathPrefix("/").Handler(http.FileServer(http.Dir(dir)))
}

// Close closes all WebSocket connections and waits for their goroutines
// to exit. Connections upgraded afterwards are refused.
func (h *Handler) Close() {
	h.wsMu.Lock()
	h.closed = true
	for c := range h.wsClients {
		h.removeLocked(c)
		c.conn.Close()
	}
	h.wsMu.Unlock()

	h.wg.Wait()
}

// LoadGraph loads a graph document into the viewer and broadcasts the new
// frame. Implements ingestion.GraphLoader.
func (h *Handler) LoadGraph(ctx context.Context, name string, data []byte, datetime string) (*model.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, _, err := h.dispatch(session.Load(name, data, datetime))
	if err != nil {
		return nil, err
	}
	return p.Frame, nil
}

// LoadFile reads name from the graph source and loads it.
func (h *Handler) LoadFile(ctx context.Context, name, datetime string) (*model.Frame, error) {
	data, err := h.source.ReadGraph(ctx, name)
	if err != nil {
		return nil, err
	}
	return h.LoadGraph(ctx, name, data, datetime)
}

// -----------------------------------------------------------------------
// Route registration
// -----------------------------------------------------------------------

func (h *Handler) registerRoutes() {
	api := h.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/files", h.handleListFiles).Methods("GET")
	api.HandleFunc("/files/{name}/load", h.handleLoadFile).Methods("POST")
	api.HandleFunc("/graph", h.handleUploadGraph).Methods("POST")
	api.HandleFunc("/graph/info", h.handleGraphInfo).Methods("GET")
	api.HandleFunc("/frame", h.handleGetFrame).Methods("GET")
	api.HandleFunc("/events", h.handlePostEvent).Methods("POST")
	api.HandleFunc("/links/{index:[0-9]+}/probes", h.handleLinkProbes).Methods("GET")
	api.HandleFunc("/links/{index:[0-9]+}/timeline.png", h.handleLinkTimeline).Methods("GET")
	api.HandleFunc("/stats", h.handleGetStats).Methods("GET")
	api.HandleFunc("/ws", h.handleWS)

	h.router.HandleFunc("/healthz", h.handleHealth).Methods("GET")
}

// -----------------------------------------------------------------------
// Dispatch
// -----------------------------------------------------------------------

// dispatch applies ev, records it, and broadcasts the resulting patch.
func (h *Handler) dispatch(ev session.Event) (model.Patch, session.Delta, error) {
	start := time.Now()

	h.mu.Lock()
	p, d, err := h.ctrl.Dispatch(ev)
	if err == nil && !p.Empty() {
		h.broadcast(wsMessage{Type: messagePatch, Patch: &p})
	}
	h.mu.Unlock()

	h.aggregator.Observe(string(ev.Kind), outcomeOf(err), time.Since(start))
	if err == nil && ev.Kind == session.EventLoad {
		h.aggregator.SetGraph(ev.Name)
	}
	if err != nil && !errors.Is(err, session.ErrNotCongestionGraph) {
		h.logger.Debug("event rejected", zap.String("type", string(ev.Kind)), zap.Error(err))
	}
	return p, d, err
}

func outcomeOf(err error) metrics.Outcome {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, session.ErrNotCongestionGraph):
		return metrics.OutcomeNotice
	default:
		return metrics.OutcomeFailure
	}
}

// statusOf maps an error onto an HTTP status code.
func statusOf(err error) int {
	switch {
	case errors.Is(err, session.ErrNotCongestionGraph):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoGraph), errors.Is(err, model.ErrGraphNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrMalformedGraph),
		errors.Is(err, session.ErrUnknownNode),
		errors.Is(err, session.ErrUnknownLink),
		errors.Is(err, session.ErrUnknownEvent),
		errors.Is(err, model.ErrInvalidGraphName):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDispatchError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, code, err.Error())
}

// -----------------------------------------------------------------------
// Health endpoint
// -----------------------------------------------------------------------

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// -----------------------------------------------------------------------
// Graph loading endpoints
// -----------------------------------------------------------------------

func (h *Handler) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.source.ListGraphs(r.Context())
	if err != nil {
		h.logger.Error("failed to list graphs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list graphs")
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (h *Handler) handleLoadFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	frame, err := h.LoadFile(r.Context(), name, r.URL.Query().Get("datetime"))
	if err != nil {
		h.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, frame)
}

func (h *Handler) handleUploadGraph(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "upload.json"
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "failed to read graph document")
		return
	}
	frame, err := h.LoadGraph(r.Context(), name, data, r.URL.Query().Get("datetime"))
	if err != nil {
		h.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, frame)
}

type graphInfo struct {
	Name          string              `json:"name"`
	Congestion    bool                `json:"congestion"`
	Graph         model.GraphMetadata `json:"graph"`
	Nodes         int                 `json:"nodes"`
	Links         int                 `json:"links"`
	Moment        int64               `json:"moment,omitempty"`
	Datetime      string              `json:"datetime,omitempty"`
	InRange       bool                `json:"inRange,omitempty"`
	ShowInference bool                `json:"showInference"`
	Selected      []model.ID          `json:"selected"`
}

func (h *Handler) handleGraphInfo(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if !h.ctrl.Loaded() {
		h.mu.Unlock()
		writeError(w, http.StatusNotFound, session.ErrNoGraph.Error())
		return
	}
	g := h.ctrl.Graph()
	view := h.ctrl.View()
	info := graphInfo{
		Name:          h.ctrl.Name(),
		Congestion:    g.IsCongestion(),
		Graph:         g.Metadata(),
		Nodes:         len(g.Nodes()),
		Links:         len(g.Links()),
		ShowInference: view.ShowInference,
		Selected:      g.HighlightedNodes(),
	}
	if info.Congestion {
		info.Moment = view.Moment
		info.Datetime = view.Datetime
		info.InRange = h.ctrl.MomentInRange()
	}
	h.mu.Unlock()

	if info.Selected == nil {
		info.Selected = []model.ID{}
	}

	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) handleGetFrame(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	frame, err := h.ctrl.Frame()
	h.mu.Unlock()
	if err != nil {
		h.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, frame)
}

// -----------------------------------------------------------------------
// Event endpoint
// -----------------------------------------------------------------------

type eventResponse struct {
	Patch    model.Patch       `json:"patch"`
	Artifact *session.Artifact `json:"artifact,omitempty"`
}

func (h *Handler) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	var ev session.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event: "+err.Error())
		return
	}

	resp, err := h.handleEvent(r.Context(), ev)
	if err != nil {
		h.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvent applies one decoded event. Load events name a file of the
// graph source.
func (h *Handler) handleEvent(ctx context.Context, ev session.Event) (*eventResponse, error) {
	if ev.Kind == session.EventLoad {
		data, err := h.source.ReadGraph(ctx, ev.Name)
		if err != nil {
			return nil, err
		}
		ev.Data = data
	}
	p, d, err := h.dispatch(ev)
	if err != nil {
		return nil, err
	}
	return &eventResponse{Patch: p, Artifact: d.Artifact}, nil
}

// -----------------------------------------------------------------------
// Link endpoints
// -----------------------------------------------------------------------

func linkIndex(r *http.Request) int {
	i, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		return -1
	}
	return i
}

func (h *Handler) handleLinkProbes(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	a, err := h.ctrl.LinkArtifact(linkIndex(r))
	h.mu.Unlock()
	if err != nil {
		h.writeDispatchError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Filename))
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, a.Body)
}

func (h *Handler) handleLinkTimeline(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	tl, err := h.timelineOf(linkIndex(r))
	h.mu.Unlock()
	if err != nil {
		h.writeDispatchError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := renderTimeline(&buf, tl); err != nil {
		if errors.Is(err, errNoSamples) {
			writeError(w, http.StatusNotFound, "link has no congestion series")
			return
		}
		h.logger.Error("failed to render timeline", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to render timeline")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}

// timelineOf must be called with h.mu held.
func (h *Handler) timelineOf(i int) (timeline, error) {
	if !h.ctrl.Loaded() {
		return timeline{}, session.ErrNoGraph
	}
	g := h.ctrl.Graph()
	if !g.IsCongestion() {
		return timeline{}, session.ErrNotCongestionGraph
	}
	links := g.Links()
	if i < 0 || i >= len(links) {
		return timeline{}, fmt.Errorf("%w: %d", session.ErrUnknownLink, i)
	}
	src, tgt := links[i].Names()
	return timeline{
		title:   fmt.Sprintf("congestion on (%s, %s)", src, tgt),
		series:  links[i].Congestion,
		binSize: g.Metadata().BinSize,
		moment:  h.ctrl.View().Moment,
	}, nil
}

// -----------------------------------------------------------------------
// Stats endpoint
// -----------------------------------------------------------------------

func (h *Handler) handleGetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.aggregator.Latest())
}

// -----------------------------------------------------------------------
// WebSocket
// -----------------------------------------------------------------------

const (
	messagePatch = "patch"
	messageError = "error"
)

type wsMessage struct {
	Type     string            `json:"type"`
	Patch    *model.Patch      `json:"patch,omitempty"`
	Artifact *session.Artifact `json:"artifact,omitempty"`
	Error    string            `json:"error,omitempty"`
	Status   int               `json:"status,omitempty"`
}

// wsClient is one render adapter. Its writePump owns all writes to conn.
type wsClient struct {
	conn *websocket.Conn
	send chan wsMessage
}

// handleWS registers a render adapter. It is sent the current frame, then
// every patch. Events it sends are applied like POST /events; artifacts
// and errors go back to the sender only.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{conn: conn, send: make(chan wsMessage, wsSendBuffer)}

	h.mu.Lock()
	frame, ferr := h.ctrl.Frame()
	h.wsMu.Lock()
	if h.closed {
		h.wsMu.Unlock()
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.wsClients[c] = struct{}{}
	if ferr == nil {
		h.enqueueLocked(c, wsMessage{Type: messagePatch, Patch: &model.Patch{Frame: frame}})
	}
	h.wg.Add(2)
	h.wsMu.Unlock()
	h.mu.Unlock()

	h.logger.Info("websocket client connected",
		zap.String("remoteAddr", conn.RemoteAddr().String()),
	)

	go h.writePump(c)
	go h.readLoop(c)
}

func (h *Handler) readLoop(c *wsClient) {
	defer h.wg.Done()
	defer func() {
		h.removeClient(c)
		c.conn.Close()
		h.logger.Info("websocket client disconnected",
			zap.String("remoteAddr", c.conn.RemoteAddr().String()),
		)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ev session.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			h.reply(c, wsMessage{Type: messageError, Error: "invalid event: " + err.Error(), Status: http.StatusBadRequest})
			continue
		}
		resp, err := h.handleEvent(context.Background(), ev)
		switch {
		case err != nil:
			h.reply(c, wsMessage{Type: messageError, Error: err.Error(), Status: statusOf(err)})
		case resp.Artifact != nil:
			h.reply(c, wsMessage{Type: "artifact", Artifact: resp.Artifact})
		}
	}
}

// writePump drains c.send until the client is removed or a write fails.
func (h *Handler) writePump(c *wsClient) {
	defer h.wg.Done()
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			h.logger.Debug("failed to write to websocket client",
				zap.String("remoteAddr", c.conn.RemoteAddr().String()),
				zap.Error(err),
			)
			h.removeClient(c)
			return
		}
	}

	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Handler) reply(c *wsClient, msg wsMessage) {
	h.wsMu.Lock()
	defer h.wsMu.Unlock()
	if _, ok := h.wsClients[c]; ok {
		h.enqueueLocked(c, msg)
	}
}

// broadcast queues msg for every client. It never blocks on the network.
func (h *Handler) broadcast(msg wsMessage) {
	h.wsMu.Lock()
	defer h.wsMu.Unlock()
	for c := range h.wsClients {
		h.enqueueLocked(c, msg)
	}
}

// enqueueLocked must be called with h.wsMu held. A client whose queue is
// full is dropped rather than waited on.
func (h *Handler) enqueueLocked(c *wsClient, msg wsMessage) {
	select {
	case c.send <- msg:
	default:
		h.logger.Warn("websocket client too slow, dropping it")
		h.removeLocked(c)
	}
}

func (h *Handler) removeClient(c *wsClient) {
	h.wsMu.Lock()
	h.removeLocked(c)
	h.wsMu.Unlock()
}

// removeLocked must be called with h.wsMu held. Only the remover closes
// c.send, so a message is never queued on a closed channel.
func (h *Handler) removeLocked(c *wsClient) {
	if _, ok := h.wsClients[c]; !ok {
		return
	}
	delete(h.wsClients, c)
	close(c.send)
}

// -----------------------------------------------------------------------
// JSON response helpers
// -----------------------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Best-effort; headers are already sent.
		_ = err
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// -----------------------------------------------------------------------
// CORS middleware
// -----------------------------------------------------------------------

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
