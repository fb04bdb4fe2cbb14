package codec_test

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njchilds90/gocanon"
	"github.com/njchilds90/gocanon/codec"
	"github.com/njchilds90/gocanon/expr"
)

const problemJSON = `{
  "variables": [{"name": "x", "size": 2}],
  "objective": {"type": "minimize", "args": [
    {"type": "add", "args": [
      {"type": "norm1", "args": [{"type": "variable", "name": "x"}]},
      {"type": "mul", "args": [{"type": "parameter", "name": "p", "value": 3}, {"type": "variable", "name": "y"}]}
    ]}
  ]},
  "constraints": [
    {"type": "inequality", "args": [{"type": "constant", "value": [1, 1]}, {"type": "variable", "name": "x"}]},
    {"type": "equality", "args": [{"type": "variable", "name": "y"}, {"type": "constant", "value": 2}]}
  ]
}`

const problemYAML = `
variables:
  - {name: x, size: 2}
objective:
  type: minimize
  args:
    - type: add
      args:
        - type: norm1
          args: [{type: variable, name: x}]
        - type: mul
          args: [{type: parameter, name: p, value: 3}, {type: variable, name: y}]
constraints:
  - type: inequality
    args: [{type: constant, value: [1, 1]}, {type: variable, name: x}]
  - type: equality
    args: [{type: variable, name: y}, {type: constant, value: 2}]
`

// ============================================================
// Decoding
// ============================================================

func TestDecodeProblemJSON(t *testing.T) {
	p, dec, err := codec.DecodeProblemJSON([]byte(problemJSON))
	require.NoError(t, err)

	x, ok := dec.Variable("x")
	require.True(t, ok)
	assert.Equal(t, 2, x.Size())
	assert.Len(t, dec.Variables(), 2)

	assert.Equal(t, "minimize norm1(x) + p*y s.t. [1, 1] <= x, y == 2", p.String())
	vs := p.Variables()
	require.Len(t, vs, 2)
	assert.Same(t, x, vs[0])
	assert.Len(t, p.Parameters(), 1)
}

func TestDecodeProblemYAML_MatchesJSON(t *testing.T) {
	pj, _, err := codec.DecodeProblemJSON([]byte(problemJSON))
	require.NoError(t, err)
	py, _, err := codec.DecodeProblemYAML([]byte(problemYAML))
	require.NoError(t, err)
	assert.Equal(t, pj.String(), py.String())
}

func TestDecode_PartialProblem(t *testing.T) {
	doc := `{"objective": {"type": "add", "args": [
	  {"type": "variable", "name": "y"},
	  {"type": "partial_problem", "problem": {
	    "objective": {"type": "abs", "args": [{"type": "variable", "name": "z"}]},
	    "constraints": [{"type": "inequality", "args": [{"type": "variable", "name": "z"}, {"type": "variable", "name": "y"}]}]
	  }}
	]}}`
	p, dec, err := codec.DecodeProblemJSON([]byte(doc))
	require.NoError(t, err)

	args := p.Objective().Args()
	require.Len(t, args, 2)
	pp, ok := args[1].(*expr.PartialProblem)
	require.True(t, ok)

	y, _ := dec.Variable("y")
	innerVars := pp.Problem().Variables()
	require.Len(t, innerVars, 2)
	assert.Same(t, y, innerVars[1], "names resolve across the sub-problem boundary")
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"missing objective", `{}`},
		{"objective not object", `{"objective": 3}`},
		{"missing type", `{"objective": {"name": "x"}}`},
		{"wrong arity", `{"objective": {"type": "abs", "args": []}}`},
		{"mul arity", `{"objective": {"type": "mul", "args": [{"type": "constant", "value": 1}]}}`},
		{"bad size", `{"objective": {"type": "variable", "name": "x", "size": 1.5}}`},
		{"size conflict", `{"variables": [{"name": "x", "size": 2}], "objective": {"type": "variable", "name": "x", "size": 3}}`},
		{"constraint not relation", `{"objective": {"type": "variable", "name": "x"}, "constraints": [{"type": "variable", "name": "x"}]}`},
		{"empty constant", `{"objective": {"type": "constant", "value": []}}`},
		{"constraint arity", `{"objective": {"type": "variable", "name": "x"}, "constraints": [{"type": "equality", "args": [{"type": "variable", "name": "x"}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := codec.DecodeProblemJSON([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestDecode_UnknownKind(t *testing.T) {
	_, _, err := codec.DecodeProblemJSON([]byte(`{"objective": {"type": "log", "args": []}}`))
	assert.ErrorIs(t, err, codec.ErrUnknownKind)
}

func TestDecode_VariableSizeLimit(t *testing.T) {
	doc := func(size string) []byte {
		return []byte(`{"objective": {"type": "variable", "name": "x", "size": ` + size + `}}`)
	}

	_, _, err := codec.DecodeProblemJSON(doc("100000000000000000"))
	assert.ErrorIs(t, err, codec.ErrSizeLimit)

	_, _, err = codec.DecodeProblemJSON(doc("1048576"))
	assert.NoError(t, err)

	d := codec.NewDecoder().WithMaxVariableSize(3)
	_, err = d.ProblemJSON(doc("4"))
	assert.ErrorIs(t, err, codec.ErrSizeLimit)

	p, err := codec.NewDecoder().WithMaxVariableSize(3).ProblemYAML([]byte("objective: {type: variable, name: x, size: 3}\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, p.Objective().Size())

	_, err = codec.NewDecoder().WithMaxVariableSize(0).ProblemJSON(doc("1048577"))
	assert.ErrorIs(t, err, codec.ErrSizeLimit, "a non-positive limit keeps the default")
}

// ============================================================
// Encoding
// ============================================================

func TestEncodeProblem_RoundTrip(t *testing.T) {
	p, _, err := codec.DecodeProblemJSON([]byte(problemJSON))
	require.NoError(t, err)

	data, err := codec.MarshalProblem(p)
	require.NoError(t, err)
	q, _, err := codec.DecodeProblemJSON(data)
	require.NoError(t, err)
	assert.Equal(t, p.String(), q.String())
}

func TestEncodeNode_CarriesIdentities(t *testing.T) {
	x := expr.NewVariable(2, "x")
	con := expr.Le(x, expr.Const(1, 2))

	data, err := json.Marshal(codec.EncodeNode(con))
	require.NoError(t, err)

	var doc struct {
		Type  string  `json:"type"`
		Duals []int64 `json:"duals"`
		Args  []struct {
			Type string `json:"type"`
			ID   int64  `json:"id"`
		} `json:"args"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "inequality", doc.Type)
	assert.Equal(t, []int64{int64(con.DualVariables()[0].ID())}, doc.Duals)
	require.Len(t, doc.Args, 2)
	assert.Equal(t, int64(x.ID()), doc.Args[0].ID)
	assert.Equal(t, "constant", doc.Args[1].Type)
}

// ============================================================
// Solutions
// ============================================================

func TestSolution_RoundTrip(t *testing.T) {
	sol := gocanon.NewSolution(gocanon.StatusOptimalInaccurate).WithOptVal(2.5)
	sol.PrimalVars[7] = []float64{1, 2}
	sol.DualVars[9] = []float64{0.5}
	sol.Attr["solver"] = "test"

	data, err := json.Marshal(codec.EncodeSolution(sol))
	require.NoError(t, err)

	var doc codec.SolutionDoc
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, map[string][]float64{"7": {1, 2}}, doc.PrimalVars)

	back, err := codec.DecodeSolution(doc)
	require.NoError(t, err)
	if diff := cmp.Diff(sol, back); diff != "" {
		t.Errorf("solution round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeSolution_Defaults(t *testing.T) {
	sol, err := codec.DecodeSolution(codec.SolutionDoc{})
	require.NoError(t, err)
	assert.Equal(t, gocanon.StatusUnknown, sol.Status)
	assert.Empty(t, sol.PrimalVars)
	assert.Nil(t, sol.OptVal)

	_, err = codec.DecodeSolution(codec.SolutionDoc{DualVars: map[string][]float64{"abc": {1}}})
	assert.Error(t, err)
}
