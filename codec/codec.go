// Package codec reads and writes problem and solution documents.
//
// A node is an object with a "type" field naming its kind:
//
//	{"type": "variable", "name": "x", "size": 2}
//	{"type": "parameter", "name": "p", "value": [1, 2]}
//	{"type": "constant", "value": [3]}
//	{"type": "abs", "args": [ <node> ]}
//	{"type": "inequality", "args": [ <lhs>, <rhs> ]}
//	{"type": "partial_problem", "problem": <problem>}
//
// A problem is {"objective": <node>, "constraints": [<node>, ...]}.
// Variables and parameters are resolved by name, so every occurrence of
// "x" in a document is the same variable.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/njchilds90/gocanon"
	"github.com/njchilds90/gocanon/expr"
)

var (
	// ErrUnknownKind is returned for a node whose "type" is not a known kind.
	ErrUnknownKind = errors.New("codec: unknown expression type")

	// ErrSizeLimit is returned for a variable larger than the decoder allows.
	ErrSizeLimit = errors.New("codec: variable size over limit")
)

// DefaultMaxVariableSize bounds the size of a decoded variable unless the
// decoder is given another limit.
const DefaultMaxVariableSize = 1 << 20

// ============================================================
// Decoding
// ============================================================

// Decoder turns documents into expression trees, resolving variables and
// parameters by name across every document it decodes.
type Decoder struct {
	vars    map[string]*expr.Variable
	params  map[string]*expr.Parameter
	maxSize int
}

func NewDecoder() *Decoder {
	return &Decoder{
		vars:    map[string]*expr.Variable{},
		params:  map[string]*expr.Parameter{},
		maxSize: DefaultMaxVariableSize,
	}
}

// WithMaxVariableSize sets the largest variable size d accepts and returns d.
// A limit below 1 keeps the current one.
func (d *Decoder) WithMaxVariableSize(n int) *Decoder {
	if n >= 1 {
		d.maxSize = n
	}
	return d
}

// Variable returns the variable decoded under name.
func (d *Decoder) Variable(name string) (*expr.Variable, bool) {
	v, ok := d.vars[name]
	return v, ok
}

// Variables returns the decoded variables by name.
func (d *Decoder) Variables() map[string]*expr.Variable {
	out := make(map[string]*expr.Variable, len(d.vars))
	for k, v := range d.vars {
		out[k] = v
	}
	return out
}

// DecodeProblemJSON decodes a JSON problem document.
func DecodeProblemJSON(data []byte) (*expr.Problem, *Decoder, error) {
	d := NewDecoder()
	p, err := d.ProblemJSON(data)
	if err != nil {
		return nil, nil, err
	}
	return p, d, nil
}

// DecodeProblemYAML decodes a YAML problem document.
func DecodeProblemYAML(data []byte) (*expr.Problem, *Decoder, error) {
	d := NewDecoder()
	p, err := d.ProblemYAML(data)
	if err != nil {
		return nil, nil, err
	}
	return p, d, nil
}

// ProblemJSON decodes a JSON problem document with d.
func (d *Decoder) ProblemJSON(data []byte) (*expr.Problem, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("codec: parse json: %w", err)
	}
	return d.Problem(doc)
}

// ProblemYAML decodes a YAML problem document with d.
func (d *Decoder) ProblemYAML(data []byte) (*expr.Problem, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("codec: parse yaml: %w", err)
	}
	return d.Problem(doc)
}

// Problem decodes a problem object. An optional "variables" list declares
// variables up front: [{"name": "x", "size": 3}].
func (d *Decoder) Problem(data map[string]interface{}) (*expr.Problem, error) {
	if data == nil {
		return nil, fmt.Errorf("codec: problem must be an object")
	}
	if raw, ok := data["variables"]; ok {
		decls, err := objectArray("problem", "variables", raw)
		if err != nil {
			return nil, err
		}
		for i, decl := range decls {
			if _, err := d.variable(decl); err != nil {
				return nil, fmt.Errorf("problem: variables[%d]: %w", i, err)
			}
		}
	}
	objAny, ok := data["objective"]
	if !ok {
		return nil, fmt.Errorf("problem: missing \"objective\"")
	}
	objM, ok := objAny.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("problem: \"objective\" must be an object")
	}
	objective, err := d.Node(objM)
	if err != nil {
		return nil, fmt.Errorf("problem: objective: %w", err)
	}
	var constraints []expr.Constraint
	if raw, ok := data["constraints"]; ok && raw != nil {
		objs, err := objectArray("problem", "constraints", raw)
		if err != nil {
			return nil, err
		}
		for i, o := range objs {
			n, err := d.Node(o)
			if err != nil {
				return nil, fmt.Errorf("problem: constraints[%d]: %w", i, err)
			}
			con, ok := n.(expr.Constraint)
			if !ok {
				return nil, fmt.Errorf("problem: constraints[%d]: %s is not a constraint", i, n.Kind())
			}
			constraints = append(constraints, con)
		}
	}
	return expr.NewProblem(objective, constraints...), nil
}

// Node decodes a node object.
func (d *Decoder) Node(data map[string]interface{}) (expr.Node, error) {
	if data == nil {
		return nil, fmt.Errorf("expression must be an object")
	}
	typAny, ok := data["type"]
	if !ok {
		return nil, fmt.Errorf("missing 'type' field")
	}
	typ, ok := typAny.(string)
	if !ok || typ == "" {
		return nil, fmt.Errorf("field 'type' must be a non-empty string")
	}
	kind, ok := expr.ParseKind(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, typ)
	}

	args := func(want int) ([]expr.Node, error) {
		raw, ok := data["args"]
		if !ok {
			return nil, fmt.Errorf("%s: missing %q", typ, "args")
		}
		objs, err := objectArray(typ, "args", raw)
		if err != nil {
			return nil, err
		}
		if want > 0 && len(objs) != want {
			return nil, fmt.Errorf("%s: want %d args, got %d", typ, want, len(objs))
		}
		if len(objs) == 0 {
			return nil, fmt.Errorf("%s: needs at least one arg", typ)
		}
		out := make([]expr.Node, len(objs))
		for i, o := range objs {
			n, err := d.Node(o)
			if err != nil {
				return nil, fmt.Errorf("%s: args[%d]: %w", typ, i, err)
			}
			out[i] = n
		}
		return out, nil
	}

	switch kind {
	case expr.KindVariable:
		v, err := d.variable(data)
		if err != nil {
			return nil, err
		}
		return v, nil
	case expr.KindParameter:
		p, err := d.parameter(data)
		if err != nil {
			return nil, err
		}
		return p, nil
	case expr.KindConstant:
		vals, err := floats(typ, "value", data["value"])
		if err != nil {
			return nil, err
		}
		return expr.Const(vals...), nil
	case expr.KindEquality, expr.KindInequality:
		as, err := args(2)
		if err != nil {
			return nil, err
		}
		if kind == expr.KindEquality {
			return expr.Eq(as[0], as[1]), nil
		}
		return expr.Le(as[0], as[1]), nil
	case expr.KindPartialProblem:
		raw, ok := data["problem"].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: %q must be an object", typ, "problem")
		}
		p, err := d.Problem(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", typ, err)
		}
		return expr.Partial(p), nil
	case expr.KindNeg, expr.KindSum, expr.KindAbs, expr.KindNorm1, expr.KindMinimize, expr.KindMaximize:
		as, err := args(1)
		if err != nil {
			return nil, err
		}
		return expr.NewOp(kind, as...), nil
	case expr.KindMul:
		as, err := args(2)
		if err != nil {
			return nil, err
		}
		return expr.NewOp(kind, as...), nil
	}
	as, err := args(0)
	if err != nil {
		return nil, err
	}
	return expr.NewOp(kind, as...), nil
}

func (d *Decoder) variable(data map[string]interface{}) (*expr.Variable, error) {
	name, ok := data["name"].(string)
	if !ok || name == "" {
		return nil, fmt.Errorf("variable: %q must be a non-empty string", "name")
	}
	size := 0
	if raw, ok := data["size"]; ok {
		f, ok := toFloat(raw)
		if !ok || f < 1 || f != math.Trunc(f) {
			return nil, fmt.Errorf("variable %s: %q must be a positive integer", name, "size")
		}
		if f > float64(d.maxSize) {
			return nil, fmt.Errorf("%w: variable %s has size %.0f, limit %d", ErrSizeLimit, name, f, d.maxSize)
		}
		size = int(f)
	}
	if v, ok := d.vars[name]; ok {
		if size != 0 && size != v.Size() {
			return nil, fmt.Errorf("variable %s: size %d conflicts with earlier size %d", name, size, v.Size())
		}
		return v, nil
	}
	if size == 0 {
		size = 1
	}
	v := expr.NewVariable(size, name)
	d.vars[name] = v
	return v, nil
}

func (d *Decoder) parameter(data map[string]interface{}) (*expr.Parameter, error) {
	name, ok := data["name"].(string)
	if !ok || name == "" {
		return nil, fmt.Errorf("parameter: %q must be a non-empty string", "name")
	}
	if p, ok := d.params[name]; ok {
		return p, nil
	}
	vals, err := floats("parameter "+name, "value", data["value"])
	if err != nil {
		return nil, err
	}
	p := expr.NewParameter(name, vals...)
	d.params[name] = p
	return p, nil
}

func objectArray(typ, field string, v interface{}) ([]map[string]interface{}, error) {
	raw, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s: %q must be an array", typ, field)
	}
	out := make([]map[string]interface{}, len(raw))
	for i, it := range raw {
		m, ok := it.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: %q[%d] must be an object", typ, field, i)
		}
		out[i] = m
	}
	return out, nil
}

// floats accepts a number or a non-empty array of numbers.
func floats(typ, field string, v interface{}) ([]float64, error) {
	if v == nil {
		return nil, fmt.Errorf("%s: missing %q", typ, field)
	}
	if f, ok := toFloat(v); ok {
		return []float64{f}, nil
	}
	raw, ok := v.([]interface{})
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("%s: %q must be a number or a non-empty array of numbers", typ, field)
	}
	out := make([]float64, len(raw))
	for i, it := range raw {
		f, ok := toFloat(it)
		if !ok {
			return nil, fmt.Errorf("%s: %q[%d] must be a number", typ, field, i)
		}
		out[i] = f
	}
	return out, nil
}

// toFloat covers the number types produced by encoding/json and yaml.v3.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ============================================================
// Encoding
// ============================================================

// EncodeNode converts a node into its document form. Leaves carry their
// "id" so solver output can be matched to them.
func EncodeNode(n expr.Node) map[string]interface{} {
	switch v := n.(type) {
	case *expr.Variable:
		return map[string]interface{}{"type": "variable", "name": v.Name(), "size": v.Size(), "id": int64(v.ID())}
	case *expr.Parameter:
		return map[string]interface{}{"type": "parameter", "name": v.Name(), "value": v.Value(), "id": int64(v.ID())}
	case *expr.Constant:
		return map[string]interface{}{"type": "constant", "value": v.Value()}
	case *expr.PartialProblem:
		return map[string]interface{}{"type": "partial_problem", "problem": EncodeProblem(v.Problem())}
	}
	out := map[string]interface{}{"type": n.Kind().String(), "args": encodeNodes(n.Args())}
	if con, ok := n.(expr.Constraint); ok {
		duals := make([]int64, 0, len(con.DualVariables()))
		for _, dv := range con.DualVariables() {
			duals = append(duals, int64(dv.ID()))
		}
		out["duals"] = duals
	}
	return out
}

func encodeNodes(ns []expr.Node) []map[string]interface{} {
	out := make([]map[string]interface{}, len(ns))
	for i, n := range ns {
		out[i] = EncodeNode(n)
	}
	return out
}

// EncodeProblem converts a problem into its document form.
func EncodeProblem(p *expr.Problem) map[string]interface{} {
	cons := p.Constraints()
	encoded := make([]map[string]interface{}, len(cons))
	for i, c := range cons {
		encoded[i] = EncodeNode(c)
	}
	return map[string]interface{}{
		"objective":   EncodeNode(p.Objective()),
		"constraints": encoded,
	}
}

// MarshalProblem returns the JSON document for p.
func MarshalProblem(p *expr.Problem) ([]byte, error) {
	return json.Marshal(EncodeProblem(p))
}

// ============================================================
// Solutions
// ============================================================

// SolutionDoc is the wire form of gocanon.Solution. Value maps are keyed by
// decimal identity.
type SolutionDoc struct {
	Status     string               `json:"status" yaml:"status"`
	OptVal     *float64             `json:"opt_val,omitempty" yaml:"opt_val,omitempty"`
	PrimalVars map[string][]float64 `json:"primal_vars" yaml:"primal_vars"`
	DualVars   map[string][]float64 `json:"dual_vars" yaml:"dual_vars"`
	Attr       map[string]any       `json:"attr,omitempty" yaml:"attr,omitempty"`
}

// EncodeSolution converts s into its wire form.
func EncodeSolution(s *gocanon.Solution) SolutionDoc {
	return SolutionDoc{
		Status:     string(s.Status),
		OptVal:     s.OptVal,
		PrimalVars: encodeValues(s.PrimalVars),
		DualVars:   encodeValues(s.DualVars),
		Attr:       s.Attr,
	}
}

// DecodeSolution converts a wire solution back.
func DecodeSolution(doc SolutionDoc) (*gocanon.Solution, error) {
	primal, err := decodeValues("primal_vars", doc.PrimalVars)
	if err != nil {
		return nil, err
	}
	dual, err := decodeValues("dual_vars", doc.DualVars)
	if err != nil {
		return nil, err
	}
	status := gocanon.Status(doc.Status)
	if status == "" {
		status = gocanon.StatusUnknown
	}
	return &gocanon.Solution{Status: status, OptVal: doc.OptVal, PrimalVars: primal, DualVars: dual, Attr: doc.Attr}, nil
}

func encodeValues(vals map[expr.ID][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(vals))
	for id, v := range vals {
		out[id.String()] = v
	}
	return out
}

func decodeValues(field string, vals map[string][]float64) (map[expr.ID][]float64, error) {
	out := make(map[expr.ID][]float64, len(vals))
	for k, v := range vals {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("codec: %s key %q is not an identity: %w", field, k, err)
		}
		out[expr.ID(id)] = v
	}
	return out, nil
}
