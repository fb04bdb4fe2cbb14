// Package server exposes canonicalization over HTTP.
//
// Endpoints:
//
//	POST /canonicalize        canonicalize one problem document
//	POST /canonicalize/batch  canonicalize several documents concurrently
//	POST /invert              map a canonical solution back
//	GET  /schema              node kinds, registered rules and routes
//	GET  /health              liveness check
//	GET  /metrics             Prometheus metrics
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/njchilds90/gocanon"
	"github.com/njchilds90/gocanon/codec"
	"github.com/njchilds90/gocanon/expr"
	"github.com/njchilds90/gocanon/internal/config"
	"github.com/njchilds90/gocanon/linmap"
	"github.com/njchilds90/gocanon/rules"
)

// Server holds the canonicalizer, the inverse-data cache and the routes.
type Server struct {
	cfg     config.Config
	canon   *gocanon.Canonicalizer
	cache   *inverseCache
	metrics *metrics
	logger  *slog.Logger
	mux     *http.ServeMux
}

// NewCanonicalizer builds the canonicalizer cfg describes: its rule set,
// memoization and dual pairing mode.
func NewCanonicalizer(cfg config.CanonConfig, logger *slog.Logger) (*gocanon.Canonicalizer, error) {
	table, err := rules.ByName(cfg.RuleSet)
	if err != nil {
		return nil, err
	}
	opts := []gocanon.Option{gocanon.WithLogger(logger)}
	if cfg.Memoize {
		opts = append(opts, gocanon.WithMemoization())
	}
	if cfg.LenientDuals {
		opts = append(opts, gocanon.WithLenientDuals())
	}
	return gocanon.New(table, opts...), nil
}

// New builds a Server. Metrics are registered on reg and served from it.
func New(cfg config.Config, logger *slog.Logger, reg *prometheus.Registry) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	canon, err := NewCanonicalizer(cfg.Canon, logger)
	if err != nil {
		return nil, err
	}
	cache, err := newInverseCache(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		canon:   canon,
		cache:   cache,
		metrics: newMetrics(reg),
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.route("/canonicalize", http.MethodPost, s.handleCanonicalize)
	s.route("/canonicalize/batch", http.MethodPost, s.handleBatch)
	s.route("/invert", http.MethodPost, s.handleInvert)
	s.route("/schema", http.MethodGet, s.handleSchema)
	s.route("/health", http.MethodGet, s.handleHealth)
	s.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Close releases the inverse-data cache.
func (s *Server) Close() { s.cache.close() }

func (s *Server) route(path, method string, h http.HandlerFunc) {
	s.mux.HandleFunc(path, s.metrics.instrument(path, s.recoverPanics(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	})))
}

func (s *Server) recoverPanics(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic in handler",
					slog.String("route", path),
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())),
				)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}

// ============================================================
// Wire types
// ============================================================

type canonicalizeRequest struct {
	Problem map[string]interface{} `json:"problem"`
}

type canonicalizeResponse struct {
	InverseID string                 `json:"inverse_id"`
	PassID    string                 `json:"pass_id"`
	Problem   map[string]interface{} `json:"problem"`

	// Variables maps each original variable name to its identity.
	Variables map[string]int64 `json:"variables"`

	// Duals lists the dual identities of each original constraint, by
	// position.
	Duals [][]int64 `json:"duals"`
}

type batchRequest struct {
	Problems []map[string]interface{} `json:"problems"`
}

type batchResponse struct {
	Results []canonicalizeResponse `json:"results"`
}

type invertRequest struct {
	InverseID string            `json:"inverse_id"`
	Solution  codec.SolutionDoc `json:"solution"`
}

// ============================================================
// Handlers
// ============================================================

func (s *Server) handleCanonicalize(w http.ResponseWriter, r *http.Request) {
	var req canonicalizeRequest
	if !s.decode(w, r, &req) {
		return
	}
	problem, dec, err := s.decodeProblem(req.Problem)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	canon, inv, err := s.canon.Apply(r.Context(), problem)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	resp, err := s.respond(problem, dec, canon, inv)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !s.decode(w, r, &req) {
		return
	}
	problems := make([]*expr.Problem, len(req.Problems))
	decoders := make([]*codec.Decoder, len(req.Problems))
	for i, doc := range req.Problems {
		p, dec, err := s.decodeProblem(doc)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("problems[%d]: %w", i, err))
			return
		}
		problems[i], decoders[i] = p, dec
	}
	results, err := s.canon.ApplyAll(r.Context(), problems, s.cfg.Canon.MaxConcurrency)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	resp := batchResponse{Results: make([]canonicalizeResponse, len(results))}
	for i, res := range results {
		if resp.Results[i], err = s.respond(problems[i], decoders[i], res.Problem, res.Inverse); err != nil {
			writeError(w, statusFor(err), fmt.Errorf("problems[%d]: %w", i, err))
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInvert(w http.ResponseWriter, r *http.Request) {
	var req invertRequest
	if !s.decode(w, r, &req) {
		return
	}
	inv, ok := s.cache.get(req.InverseID)
	if !ok {
		s.metrics.cacheMiss.Inc()
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown or expired inverse_id %q", req.InverseID))
		return
	}
	sol, err := codec.DecodeSolution(req.Solution)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.canon.Invert(r.Context(), sol, inv)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, codec.EncodeSolution(out))
}

func (s *Server) handleSchema(w http.ResponseWriter, _ *http.Request) {
	kinds := expr.Kinds()
	names := make([]string, len(kinds))
	ruled := []string{}
	for i, k := range kinds {
		names[i] = k.String()
		if s.canon.HasRule(k) {
			ruled = append(ruled, k.String())
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kinds":    names,
		"rules":    ruled,
		"rule_set": s.cfg.Canon.RuleSet,
		"routes": []string{
			"POST /canonicalize",
			"POST /canonicalize/batch",
			"POST /invert",
			"GET /schema",
			"GET /health",
			"GET /metrics",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ============================================================
// Helpers
// ============================================================

func (s *Server) respond(orig *expr.Problem, dec *codec.Decoder, canon *expr.Problem, inv *gocanon.InverseData) (canonicalizeResponse, error) {
	inverseID, err := s.cache.put(inv)
	if err != nil {
		s.logger.Warn("inverse data not cached", slog.String("pass_id", inv.PassID), slog.Any("error", err))
		return canonicalizeResponse{}, err
	}
	resp := canonicalizeResponse{
		InverseID: inverseID,
		PassID:    inv.PassID,
		Problem:   codec.EncodeProblem(canon),
		Variables: map[string]int64{},
	}
	for name, v := range dec.Variables() {
		resp.Variables[name] = int64(v.ID())
	}
	for _, con := range orig.Constraints() {
		ids := []int64{}
		for _, dv := range con.DualVariables() {
			ids = append(ids, int64(dv.ID()))
		}
		resp.Duals = append(resp.Duals, ids)
	}
	s.logger.Info("problem canonicalized",
		slog.String("pass_id", inv.PassID),
		slog.String("inverse_id", resp.InverseID),
		slog.Int("constraints", len(canon.Constraints())),
	)
	return resp, nil
}

func (s *Server) decodeProblem(doc map[string]interface{}) (*expr.Problem, *codec.Decoder, error) {
	if doc == nil {
		return nil, nil, errors.New("missing \"problem\"")
	}
	dec := codec.NewDecoder().WithMaxVariableSize(s.cfg.Canon.MaxVariableSize)
	p, err := dec.Problem(doc)
	if err != nil {
		return nil, nil, err
	}
	return p, dec, nil
}

// decode reads a single JSON object into v, rejecting unknown fields and
// trailing data. It writes the error response itself and reports false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return false
		}
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	if dec.More() {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON: trailing data"))
		return false
	}
	return true
}

// statusFor maps pass errors to HTTP status codes. Failures caused by the
// submitted problem or solution are 422, a full inverse cache is 503 and
// anything else is 500.
func statusFor(err error) int {
	var ruleErr *gocanon.RuleError
	switch {
	case errors.Is(err, errCacheRejected):
		return http.StatusServiceUnavailable
	case errors.As(err, &ruleErr),
		errors.Is(err, gocanon.ErrDualMismatch),
		errors.Is(err, gocanon.ErrNotConstraint),
		errors.Is(err, gocanon.ErrNilNode),
		errors.Is(err, linmap.ErrDimensionMismatch):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
