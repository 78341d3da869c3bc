package cmd

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/fs"

	"github.com/jmorganca/dam/envconfig"
)

const descriptionsJSON = `{
	"red_apple": ["a round red fruit.", "a shiny apple with a stem.", "a crisp fruit."],
	"tabby_cat": ["a striped cat.", "a small cat with green eyes."]
}`

const structuresJSON = `{
	"red_apple": [
		{"Entities": ["skin", "stem"], "Attributes": ["red"], "Entity-to-Entity Relationships": [{"entity1": "stem", "entity2": "skin"}], "Entity-to-Attribute Relationships": [{"entity": "skin", "attribute": "red"}]},
		{"Entities": ["leaf"], "Attributes": ["green"], "Entity-to-Attribute Relationships": [{"entity": "leaf", "attribute": "green"}, {"entity": "core", "attribute": "green"}]}
	],
	"tabby_cat": [
		{"Entities": ["fur", "tail"], "Attributes": ["striped"], "Entity-to-Entity Relationships": [{"entity1": "fur", "entity2": "tail"}]},
		{"Entities": ["eyes"], "Attributes": ["green"], "Entity-to-Attribute Relationships": [{"entity": "eyes", "attribute": "green"}]}
	]
}`

// isolate points every option source at test fixtures.
func isolate(t *testing.T) *fs.Dir {
	t.Helper()

	dir := fs.NewDir(t, "dam",
		fs.WithDir("gpt",
			fs.WithDir("description", fs.WithFile("Fruit.json", descriptionsJSON)),
			fs.WithDir("structure", fs.WithFile("Fruit.json", structuresJSON)),
		),
		fs.WithDir("config"),
	)

	for k := range envconfig.AsMap() {
		t.Setenv(k, "")
	}
	t.Setenv("XDG_CONFIG_HOME", dir.Join("config"))
	t.Setenv("HOME", dir.Path())
	t.Setenv("DAM_GPT_DIR", dir.Join("gpt"))
	t.Setenv("DAM_DATASET", "Fruit")
	t.Setenv("DAM_N_SET", "2")
	envconfig.LoadConfig()
	t.Cleanup(envconfig.LoadConfig)

	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out, errs bytes.Buffer
	cmd := NewCLI()
	cmd.SetOut(&out)
	cmd.SetErr(&errs)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestEnv(t *testing.T) {
	isolate(t)

	out, err := run(t, "env")
	require.NoError(t, err)
	assert.Contains(t, out, "DAM_N_SET")
	assert.Contains(t, out, "DAM_CHUNK_SIZE")

	out, err = run(t, "env", "--example", "--set", "n_tpro=3")
	require.NoError(t, err)
	assert.Contains(t, out, "n_tpro = 3")
	assert.Contains(t, out, "n_set = 2")

	_, err = run(t, "env", "--set", "n_tpro")
	require.ErrorIs(t, err, envconfig.ErrInvalidOption)

	_, err = run(t, "env", "--set", "n_tpro=0")
	require.ErrorIs(t, err, envconfig.ErrInvalidOption)
}

func TestConfigFlag(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir.Path(), "custom.toml")
	fs.Apply(t, dir, fs.WithFile("custom.toml", "[prompt]\nn_vpro = 5\n"))

	out, err := run(t, "env", "--example", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "n_vpro = 5")
}

func TestInspect(t *testing.T) {
	isolate(t)

	out, err := run(t, "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "red apple")
	assert.Contains(t, out, "tabby cat")
	assert.Contains(t, out, "core - green")
	assert.Contains(t, out, "unlisted")

	out, err = run(t, "inspect", "tabby_cat")
	require.NoError(t, err)
	assert.NotContains(t, out, "red apple")

	_, err = run(t, "inspect", "zebra")
	require.Error(t, err)
}

func TestForwardAndShow(t *testing.T) {
	dir := isolate(t)
	save := dir.Join("out")

	out, err := run(t, "forward", "--batch", "3", "--save", save, "--epoch", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "RED APPLE")
	assert.Contains(t, out, "loss:")
	assert.Contains(t, out, "accuracy:")
	assert.Contains(t, out, "saved:")

	path := filepath.Join(save, "model", "model.cbor-2")
	out, err = run(t, "show", path)
	require.NoError(t, err)
	assert.Contains(t, out, "epoch:        2")
	assert.Contains(t, out, "cma.r")
	assert.Contains(t, out, "prompt_learner.p_uni.0")

	out, err = run(t, "forward", "--eval", "--batch", "2", "--load", path)
	require.NoError(t, err)
	assert.NotContains(t, out, "loss:")
	assert.Equal(t, 1, strings.Count(out, "mix:"))

	_, err = run(t, "forward", "--batch", "2", "--labels", "0,5")
	require.Error(t, err)

	_, err = run(t, "show", dir.Join("missing.cbor"))
	require.Error(t, err)
}
