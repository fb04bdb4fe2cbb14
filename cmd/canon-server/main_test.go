package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njchilds90/gocanon/codec"
)

const absProblemYAML = `
objective:
  type: minimize
  args:
    - type: abs
      args:
        - {type: variable, name: x, size: 2}
constraints:
  - type: inequality
    args:
      - {type: constant, value: [1, 1]}
      - {type: variable, name: x}
`

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (map[string]interface{}, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &doc))
	return doc, nil
}

func TestCanonicalizeCmd_YAML(t *testing.T) {
	doc, err := run(t, "canonicalize", writeTemp(t, "problem.yaml", absProblemYAML))
	require.NoError(t, err)
	assert.NotEmpty(t, doc["pass_id"])

	problem, ok := doc["problem"].(map[string]interface{})
	require.True(t, ok)
	cons, ok := problem["constraints"].([]interface{})
	require.True(t, ok)
	assert.Len(t, cons, 3, "abs epigraph pair plus the original constraint")

	// the printed problem decodes as a document again
	raw, err := json.Marshal(problem)
	require.NoError(t, err)
	p, _, err := codec.DecodeProblemJSON(raw)
	require.NoError(t, err)
	assert.Len(t, p.Constraints(), 3)
}

func TestCanonicalizeCmd_HonorsConfig(t *testing.T) {
	problem := writeTemp(t, "problem.yml", absProblemYAML)
	cfg := writeTemp(t, "canon.yaml", "canon:\n  rule_set: none\n  memoize: true\n  lenient_duals: true\n")

	doc, err := run(t, "--config", cfg, "canonicalize", problem)
	require.NoError(t, err)
	cons := doc["problem"].(map[string]interface{})["constraints"].([]interface{})
	assert.Len(t, cons, 1, "no rules means no auxiliary constraints")

	capped := writeTemp(t, "capped.yaml", "canon:\n  max_variable_size: 1\n")
	_, err = run(t, "--config", capped, "canonicalize", problem)
	assert.ErrorIs(t, err, codec.ErrSizeLimit)
}

func TestCanonicalizeCmd_Errors(t *testing.T) {
	_, err := run(t, "canonicalize")
	assert.Error(t, err, "FILE is required")

	_, err = run(t, "canonicalize", filepath.Join(t.TempDir(), "absent.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = run(t, "canonicalize", writeTemp(t, "bad.json", `{"objective": {"type": "log"}}`))
	assert.ErrorIs(t, err, codec.ErrUnknownKind)

	badCfg := writeTemp(t, "canon.yaml", "canon:\n  rule_set: conic\n")
	_, err = run(t, "--config", badCfg, "canonicalize", writeTemp(t, "p.yaml", absProblemYAML))
	assert.Error(t, err)
}
