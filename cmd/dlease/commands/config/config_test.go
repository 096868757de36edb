package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRoot wraps Cmd the way the dlease root does, with a persistent
// --config flag.
func newRoot(out *bytes.Buffer) *cobra.Command {
	root := &cobra.Command{Use: "dlease", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().String("config", "", "config file")
	root.SetOut(out)
	root.SetErr(out)
	root.AddCommand(Cmd)
	return root
}

var (
	testOut  bytes.Buffer
	testRoot = newRoot(&testOut)
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	testOut.Reset()
	testRoot.SetArgs(args)
	err := testRoot.Execute()
	return testOut.String(), err
}

func TestConfigInitValidateShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	out, err := run(t, "config", "init", "--config", path, "--force")
	require.NoError(t, err)
	assert.Contains(t, out, path)
	_, err = os.Stat(path)
	require.NoError(t, err)

	out, err = run(t, "config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")

	out, err = run(t, "config", "show", "--config", path, "--output", "json")
	require.NoError(t, err)
	var shown map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Contains(t, shown, "Oplock")
}

func TestConfigValidate_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("durable:\n  backend: floppy\n"), 0644))

	_, err := run(t, "config", "validate", "--config", path)
	assert.Error(t, err)
}

func TestConfigValidate_MissingFile(t *testing.T) {
	_, err := run(t, "config", "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dlease config init")
}

func TestConfigSchema_WritesFile(t *testing.T) {
	target := filepath.Join(t.TempDir(), "schema.json")

	_, err := run(t, "config", "schema", "--output", target)
	require.NoError(t, err)
	t.Cleanup(func() { schemaOutput = "" })

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	var schema map[string]any
	require.NoError(t, json.Unmarshal(data, &schema))
	assert.Equal(t, "dittolease Configuration", schema["title"])
}
