package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pitchtag/annotator/internal/annotation"
	"github.com/pitchtag/annotator/internal/storage/catalog"
	"github.com/pitchtag/annotator/internal/timecode"
	"github.com/pitchtag/annotator/internal/video"
	"github.com/pitchtag/annotator/pkg/core"
)

// Searcher answers cross-video catalog queries.
type Searcher interface {
	Search(q catalog.Query) ([]catalog.Hit, error)
}

// SourceFactory returns a metadata source for a video file.
type SourceFactory func(videoPath string) video.Source

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for request logs.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithCatalog enables GET /catalog/search.
func WithCatalog(c Searcher) Option {
	return func(s *Server) { s.catalog = c }
}

// WithSourceFactory lets POST /autofill probe the video when the request
// carries no frame information.
func WithSourceFactory(f SourceFactory) Option {
	return func(s *Server) { s.sources = f }
}

// WithLiveDefaults sets the interval and tolerance of live autofill runs
// started without explicit values.
func WithLiveDefaults(interval time.Duration, toleranceMS int64) Option {
	return func(s *Server) {
		if interval > 0 {
			s.liveInterval = interval
		}
		if toleranceMS > 0 {
			s.liveTolerance = toleranceMS
		}
	}
}

// WithAutofillInterval sets the interval of POST /autofill requests that
// carry none.
func WithAutofillInterval(seconds int) Option {
	return func(s *Server) {
		if seconds > 0 {
			s.autofillInterval = seconds
		}
	}
}

// Server exposes an annotation store over HTTP so an external player can
// render and edit annotations.
type Server struct {
	mu    sync.RWMutex
	store *annotation.Store

	catalog Searcher
	sources SourceFactory
	log     *slog.Logger
	router  chi.Router

	autofillInterval int

	clock *playhead
	// liveMu serializes live start/stop and rebinds.
	liveMu        sync.Mutex
	liveCancel    context.CancelFunc
	liveDone      chan struct{}
	liveInterval  time.Duration
	liveTolerance int64
}

// NewServer creates a server around store.
func NewServer(store *annotation.Store, opts ...Option) *Server {
	s := &Server{
		store:         store,
		log:           slog.Default(),
		clock:            &playhead{},
		autofillInterval: annotation.DefaultAutofillInterval,
		liveInterval:     annotation.DefaultLiveInterval,
		liveTolerance:    annotation.DefaultLiveToleranceMS,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthcheck", s.handleHealthcheck)

	r.Get("/video", s.handleGetVideo)
	r.Put("/video", s.handleBindVideo)

	r.Route("/annotations", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleAdd)
		r.Get("/near", s.handleNear)
		r.Get("/{id}", s.handleGet)
		r.Patch("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleRemove)
	})

	r.Post("/autofill", s.handleAutofill)
	r.Get("/gametime", s.handleGameTime)

	r.Put("/playhead", s.handlePlayhead)
	r.Post("/live/start", s.handleLiveStart)
	r.Post("/live/stop", s.handleLiveStop)

	if s.catalog != nil {
		r.Get("/catalog/search", s.handleSearch)
	}

	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Store returns the currently bound store.
func (s *Server) Store() *annotation.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully and stops any live autofill run.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.stopLive()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.stopLive()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestId", middleware.GetReqID(r.Context()),
		)
	})
}

// playhead is a video.Clock fed by PUT /playhead.
type playhead struct {
	position atomic.Int64
	duration atomic.Int64
}

func (p *playhead) Position() int64 { return p.position.Load() }
func (p *playhead) Duration() int64 { return p.duration.Load() }

type annotationJSON struct {
	ID         string `json:"id"`
	Position   int64  `json:"position"`
	GameTime   string `json:"gameTime"`
	Label      string `json:"label"`
	Team       string `json:"team"`
	Visibility string `json:"visibility"`
}

func toJSON(a core.Annotation) annotationJSON {
	return annotationJSON{
		ID:         a.ID,
		Position:   a.Position,
		GameTime:   a.GameTime,
		Label:      string(a.Label),
		Team:       string(a.Team),
		Visibility: a.Visibility,
	}
}

func toJSONList(anns []core.Annotation) []annotationJSON {
	out := make([]annotationJSON, 0, len(anns))
	for _, a := range anns {
		out = append(out, toJSON(a))
	}
	return out
}

type errorJSON struct {
	Error      string          `json:"error"`
	Annotation *annotationJSON `json:"annotation,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps store errors to status codes. kept is the record that
// stayed in memory when a write failed.
func writeError(w http.ResponseWriter, err error, kept *core.Annotation) {
	status := http.StatusInternalServerError
	var (
		verr *core.ValidationError
		ferr *core.FormatError
		perr *core.PreconditionError
		nerr *core.NotFoundError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &ferr):
		status = http.StatusBadRequest
	case errors.As(err, &perr):
		status = http.StatusConflict
	case errors.As(err, &nerr):
		status = http.StatusNotFound
	}

	body := errorJSON{Error: err.Error()}
	if kept != nil && status == http.StatusInternalServerError {
		a := toJSON(*kept)
		body.Annotation = &a
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, errorJSON{Error: fmt.Sprintf(format, args...)})
}

func notFound(w http.ResponseWriter, id string) {
	writeError(w, &core.NotFoundError{Kind: "annotation", Key: id}, nil)
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type videoJSON struct {
	VideoPath   string `json:"videoPath"`
	SidecarPath string `json:"sidecarPath"`
	Count       int    `json:"count"`
}

func (s *Server) handleGetVideo(w http.ResponseWriter, r *http.Request) {
	st := s.Store()
	writeJSON(w, http.StatusOK, videoJSON{
		VideoPath:   st.VideoPath(),
		SidecarPath: st.SidecarPath(),
		Count:       st.Len(),
	})
}

func (s *Server) handleBindVideo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		badRequest(w, "body must be {\"path\": \"...\"}")
		return
	}

	s.liveMu.Lock()
	s.stopLiveLocked()
	// the sink may call back into the server while the new store binds
	next, err := s.Store().Rebind(req.Path)
	s.mu.Lock()
	s.store = next
	s.mu.Unlock()
	s.liveMu.Unlock()

	if err != nil {
		writeError(w, err, nil)
		return
	}
	s.log.Info("Video bound over API", "video", req.Path, "count", next.Len())
	writeJSON(w, http.StatusOK, videoJSON{
		VideoPath:   next.VideoPath(),
		SidecarPath: next.SidecarPath(),
		Count:       next.Len(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sorted := true
	if v := r.URL.Query().Get("sorted"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(w, "sorted must be a boolean")
			return
		}
		sorted = b
	}
	writeJSON(w, http.StatusOK, toJSONList(s.Store().List(sorted)))
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Position *int64 `json:"position"`
		Label    string `json:"label"`
		Team     string `json:"team"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body: %v", err)
		return
	}
	if req.Position == nil {
		badRequest(w, "position is required")
		return
	}

	a, err := s.Store().Add(*req.Position, core.Label(req.Label), core.Team(req.Team))
	if err != nil {
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			writeError(w, err, nil)
			return
		}
		writeError(w, err, &a)
		return
	}
	writeJSON(w, http.StatusCreated, toJSON(a))
}

func (s *Server) handleNear(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pos, err := strconv.ParseInt(q.Get("position"), 10, 64)
	if err != nil {
		badRequest(w, "position must be an integer")
		return
	}
	tolerance := annotation.DefaultToleranceMS
	if v := q.Get("tolerance"); v != "" {
		if tolerance, err = strconv.ParseInt(v, 10, 64); err != nil {
			badRequest(w, "tolerance must be an integer")
			return
		}
	}
	writeJSON(w, http.StatusOK, toJSONList(s.Store().Near(pos, tolerance)))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, ok := s.Store().Get(id)
	if !ok {
		notFound(w, id)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(a))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		badRequest(w, "invalid JSON body: %v", err)
		return
	}
	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case float64:
			fields[k] = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			fields[k] = fmt.Sprint(val)
		}
	}

	patch, err := annotation.PatchFromFields(fields)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	a, ok, err := s.Store().UpdateByID(id, patch)
	if !ok {
		notFound(w, id)
		return
	}
	if err != nil {
		var perr *core.PersistenceError
		if errors.As(err, &perr) {
			writeError(w, err, &a)
			return
		}
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(a))
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, ok, err := s.Store().RemoveByID(id)
	if !ok {
		notFound(w, id)
		return
	}
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(a))
}

func (s *Server) handleAutofill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IntervalSeconds int     `json:"intervalSeconds"`
		FrameRate       float64 `json:"frameRate"`
		FrameCount      int64   `json:"frameCount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body: %v", err)
		return
	}
	if req.IntervalSeconds == 0 {
		req.IntervalSeconds = s.autofillInterval
	}

	st := s.Store()
	var (
		added int
		err   error
	)
	switch {
	case req.FrameRate > 0:
		added, err = st.Autofill(req.IntervalSeconds, video.Metadata{FrameRate: req.FrameRate, FrameCount: req.FrameCount})
	case s.sources != nil && st.Bound():
		added, err = st.AutofillFrom(r.Context(), s.sources(st.VideoPath()), req.IntervalSeconds)
	default:
		added, err = st.Autofill(req.IntervalSeconds, video.Metadata{})
	}
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": added})
}

func (s *Server) handleGameTime(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if v := q.Get("value"); v != "" {
		pos, err := timecode.ParseGameTime(v)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"position": pos, "gameTime": timecode.FormatGameTime(pos)})
		return
	}

	pos, err := strconv.ParseInt(q.Get("position"), 10, 64)
	if err != nil {
		badRequest(w, "position or value is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"position": pos,
		"gameTime": timecode.FormatGameTime(pos),
		"clock":    timecode.FormatClock(pos),
	})
}

func (s *Server) handlePlayhead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Position int64 `json:"position"`
		Duration int64 `json:"duration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body: %v", err)
		return
	}
	s.SetPlayhead(req.Position, req.Duration)
	w.WriteHeader(http.StatusNoContent)
}

// SetPlayhead updates the clock live autofill reads. PUT /playhead and a
// connected overlay both report through it.
func (s *Server) SetPlayhead(position, duration int64) {
	s.clock.position.Store(position)
	s.clock.duration.Store(duration)
}

func (s *Server) handleLiveStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IntervalMS  int64 `json:"intervalMs"`
		ToleranceMS int64 `json:"toleranceMs"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "invalid JSON body: %v", err)
			return
		}
	}
	interval := s.liveInterval
	if req.IntervalMS > 0 {
		interval = time.Duration(req.IntervalMS) * time.Millisecond
	}
	tolerance := s.liveTolerance
	if req.ToleranceMS > 0 {
		tolerance = req.ToleranceMS
	}

	if err := s.StartLive(interval, tolerance); err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"running": true})
}

func (s *Server) handleLiveStop(w http.ResponseWriter, r *http.Request) {
	s.stopLive()
	writeJSON(w, http.StatusOK, map[string]any{"running": false})
}

// StartLive runs live autofill on the bound store against the playhead
// reported through PUT /playhead. A running loop is replaced.
func (s *Server) StartLive(interval time.Duration, toleranceMS int64) error {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()

	st := s.Store()
	if !st.Bound() {
		return &core.PreconditionError{Op: "live autofill", Reason: "no video bound"}
	}
	s.stopLiveLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.liveCancel = cancel
	s.liveDone = done

	go func() {
		defer close(done)
		if err := st.Live(ctx, s.clock, interval, toleranceMS); err != nil {
			s.log.Warn("Live autofill ended", "error", err)
		}
	}()
	return nil
}

// LiveRunning reports whether a live autofill loop is active.
func (s *Server) LiveRunning() bool {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	return s.liveCancel != nil
}

func (s *Server) stopLive() {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	s.stopLiveLocked()
}

// stopLiveLocked cancels the running loop and waits for it to exit.
func (s *Server) stopLiveLocked() {
	if s.liveCancel == nil {
		return
	}
	s.liveCancel()
	<-s.liveDone
	s.liveCancel, s.liveDone = nil, nil
}

type hitJSON struct {
	VideoPath  string         `json:"videoPath"`
	Annotation annotationJSON `json:"annotation"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := catalog.Query{
		Label:     core.Label(q.Get("label")),
		Team:      core.Team(q.Get("team")),
		VideoPath: q.Get("video"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		query.Limit = n
	}

	hits, err := s.catalog.Search(query)
	if err != nil {
		s.log.Error("Catalog search failed", "error", err)
		writeError(w, err, nil)
		return
	}
	out := make([]hitJSON, 0, len(hits))
	for _, h := range hits {
		out = append(out, hitJSON{VideoPath: h.VideoPath, Annotation: toJSON(h.Annotation)})
	}
	writeJSON(w, http.StatusOK, out)
}
