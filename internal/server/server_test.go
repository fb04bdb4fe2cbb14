package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njchilds90/gocanon"
	"github.com/njchilds90/gocanon/codec"
	"github.com/njchilds90/gocanon/expr"
	"github.com/njchilds90/gocanon/internal/config"
	"github.com/njchilds90/gocanon/internal/logging"
	"github.com/njchilds90/gocanon/linmap"
)

const absProblem = `{
  "objective": {"type": "minimize", "args": [
    {"type": "abs", "args": [{"type": "variable", "name": "x", "size": 2}]}
  ]},
  "constraints": [
    {"type": "inequality", "args": [{"type": "constant", "value": [1, 1]}, {"type": "variable", "name": "x"}]}
  ]
}`

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg, logging.Discard(), prometheus.NewRegistry())
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return ts
}

func post(t *testing.T, ts *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// canonicalDuals returns the dual ids listed on each constraint of a
// problem document that went through a JSON round trip.
func canonicalDuals(t *testing.T, problem map[string]interface{}) [][]int64 {
	t.Helper()
	raw, ok := problem["constraints"].([]interface{})
	require.True(t, ok)
	out := make([][]int64, len(raw))
	for i, c := range raw {
		m := c.(map[string]interface{})
		for _, d := range m["duals"].([]interface{}) {
			out[i] = append(out[i], int64(d.(float64)))
		}
	}
	return out
}

// ============================================================
// Round trip
// ============================================================

func TestCanonicalizeInvert_RoundTrip(t *testing.T) {
	ts := newTestServer(t)

	resp := post(t, ts, "/canonicalize", `{"problem": `+absProblem+`}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[canonicalizeResponse](t, resp)

	require.NotEmpty(t, out.InverseID)
	require.NotEmpty(t, out.PassID)
	xID, ok := out.Variables["x"]
	require.True(t, ok)
	require.Len(t, out.Duals, 1)
	require.Len(t, out.Duals[0], 1)
	origDual := out.Duals[0][0]

	// abs aux pair first, then the canonical form of the original constraint
	duals := canonicalDuals(t, out.Problem)
	require.Len(t, duals, 3)
	canonDual := duals[2][0]
	assert.NotEqual(t, origDual, canonDual)

	invertBody, err := json.Marshal(invertRequest{
		InverseID: out.InverseID,
		Solution: codec.SolutionDoc{
			Status: "optimal",
			PrimalVars: map[string][]float64{
				fmt.Sprint(xID): {1, 1},
				"999999999":     {7},
			},
			DualVars: map[string][]float64{fmt.Sprint(canonDual): {0.5, 0.25}},
		},
	})
	require.NoError(t, err)

	resp = post(t, ts, "/invert", string(invertBody))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sol := decodeBody[codec.SolutionDoc](t, resp)

	assert.Equal(t, "optimal", sol.Status)
	assert.Equal(t, map[string][]float64{fmt.Sprint(xID): {1, 1}}, sol.PrimalVars)
	assert.Equal(t, map[string][]float64{fmt.Sprint(origDual): {0.5, 0.25}}, sol.DualVars)
}

func TestBatch(t *testing.T) {
	ts := newTestServer(t)

	body := `{"problems": [` + absProblem + `, {"objective": {"type": "variable", "name": "y"}}]}`
	resp := post(t, ts, "/canonicalize/batch", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[batchResponse](t, resp)

	require.Len(t, out.Results, 2)
	assert.Contains(t, out.Results[0].Variables, "x")
	assert.Contains(t, out.Results[1].Variables, "y")
	assert.NotEqual(t, out.Results[0].InverseID, out.Results[1].InverseID)
	assert.Empty(t, out.Results[1].Duals)
}

// ============================================================
// Request validation
// ============================================================

func TestInvert_UnknownInverseID(t *testing.T) {
	ts := newTestServer(t)
	resp := post(t, ts, "/invert", `{"inverse_id": "nope", "solution": {"status": "optimal"}}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRequestErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		path string
		body string
		code int
	}{
		{"unknown field", "/canonicalize", `{"problem": ` + absProblem + `, "extra": 1}`, http.StatusBadRequest},
		{"trailing data", "/canonicalize", `{"problem": ` + absProblem + `} {}`, http.StatusBadRequest},
		{"missing problem", "/canonicalize", `{}`, http.StatusBadRequest},
		{"unknown kind", "/canonicalize", `{"problem": {"objective": {"type": "log"}}}`, http.StatusBadRequest},
		{"variable too large", "/canonicalize", `{"problem": {"objective": {"type": "variable", "name": "x", "size": 100000000000000000}}}`, http.StatusBadRequest},
		{"batch variable too large", "/canonicalize/batch", `{"problems": [{"objective": {"type": "variable", "name": "x", "size": 1e10}}]}`, http.StatusBadRequest},
		{"unknown id checked first", "/invert", `{"inverse_id": "x", "solution": {"primal_vars": {"a": [1]}}}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, ts, tt.path, tt.body)
			assert.Equal(t, tt.code, resp.StatusCode)
			errBody := decodeBody[map[string]string](t, resp)
			assert.NotEmpty(t, errBody["error"])
		})
	}
}

func TestVariableSizeLimitFromConfig(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Canon.MaxVariableSize = 4 })

	resp := post(t, ts, "/canonicalize", `{"problem": {"objective": {"type": "variable", "name": "x", "size": 4}}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, ts, "/canonicalize", `{"problem": {"objective": {"type": "variable", "name": "x", "size": 5}}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errBody := decodeBody[map[string]string](t, resp)
	assert.Contains(t, errBody["error"], "limit 4")
}

func TestCanonicalizeInvert_SingleEntryCache(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Cache.MaxEntries = 1 })

	resp := post(t, ts, "/canonicalize", `{"problem": `+absProblem+`}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[canonicalizeResponse](t, resp)

	resp = post(t, ts, "/invert", `{"inverse_id": "`+out.InverseID+`", "solution": {"status": "optimal"}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBodyTooLarge(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Server.MaxBodyBytes = 1024 })
	big := `{"problem": {"objective": {"type": "constant", "value": [` + strings.Repeat("1,", 2000) + `1]}}}`
	resp := post(t, ts, "/canonicalize", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/canonicalize")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

// ============================================================
// Info endpoints
// ============================================================

func TestSchema(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/schema")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var schema struct {
		Kinds   []string `json:"kinds"`
		Rules   []string `json:"rules"`
		RuleSet string   `json:"rule_set"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&schema))
	assert.Contains(t, schema.Kinds, "partial_problem")
	assert.ElementsMatch(t, []string{"abs", "maximum", "norm1"}, schema.Rules)
	assert.Equal(t, "epigraph", schema.RuleSet)
}

func TestSchema_NoRules(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Canon.RuleSet = "none" })
	resp, err := http.Get(ts.URL + "/schema")
	require.NoError(t, err)
	defer resp.Body.Close()

	var schema map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&schema))
	assert.Equal(t, []interface{}{}, schema["rules"])
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	health := decodeBody[map[string]string](t, resp)
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])

	post(t, ts, "/invert", `{"inverse_id": "missing", "solution": {}}`)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `canon_http_requests_total{code="200",route="/health"} 1`)
	assert.Contains(t, text, `canon_http_requests_total{code="404",route="/invert"} 1`)
	assert.Contains(t, text, "canon_inverse_cache_misses_total 1")
}

func TestNew_UnknownRuleSet(t *testing.T) {
	cfg := config.Default()
	cfg.Canon.RuleSet = "conic"
	_, err := New(cfg, nil, prometheus.NewRegistry())
	require.Error(t, err)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{&gocanon.RuleError{Kind: expr.KindAbs, Err: io.EOF}, http.StatusUnprocessableEntity},
		{fmt.Errorf("constraint 0: %w", gocanon.ErrDualMismatch), http.StatusUnprocessableEntity},
		{gocanon.ErrNotConstraint, http.StatusUnprocessableEntity},
		{fmt.Errorf("primal: %w", linmap.ErrDimensionMismatch), http.StatusUnprocessableEntity},
		{fmt.Errorf("problems[1]: %w", errCacheRejected), http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, statusFor(tt.err), tt.err.Error())
	}
}

func TestInvert_DimensionMismatch(t *testing.T) {
	ts := newTestServer(t)

	resp := post(t, ts, "/canonicalize", `{"problem": `+absProblem+`}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[canonicalizeResponse](t, resp)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(invertRequest{
		InverseID: out.InverseID,
		Solution: codec.SolutionDoc{
			Status:     "optimal",
			PrimalVars: map[string][]float64{fmt.Sprint(out.Variables["x"]): {1, 2, 3}},
		},
	}))
	resp = post(t, ts, "/invert", buf.String())
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}
