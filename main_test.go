package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-knowledge/pkg/models"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ops.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReadBulkFile(t *testing.T) {
	path := writeTempFile(t, `
operations:
  - op: create
    data:
      title: Postgres failover
      type: document
      tags: [ops, postgres]
      metadata:
        owner: platform
        review:
          interval_days: 90
  - op: update
    id: 3f0c2a52-7a8e-4d54-9a57-0f2b8a9f1d10
    data:
      status: published
  - op: delete
    id: 3f0c2a52-7a8e-4d54-9a57-0f2b8a9f1d10
`)

	ops, err := readBulkFile(path)
	require.NoError(t, err)
	require.Len(t, ops, 3)

	create := ops[0]
	assert.Equal(t, models.BulkOpCreate, create.Op)
	require.NotNil(t, create.Data)
	require.NotNil(t, create.Data.Title)
	assert.Equal(t, "Postgres failover", *create.Data.Title)
	require.NotNil(t, create.Data.Type)
	assert.Equal(t, models.NodeTypeDocument, *create.Data.Type)
	assert.Equal(t, []string{"ops", "postgres"}, create.Data.Tags)
	assert.Equal(t, "platform", create.Data.Metadata["owner"])
	review, ok := create.Data.Metadata["review"].(map[string]any)
	require.True(t, ok, "nested metadata should decode as a string-keyed map")
	assert.Equal(t, 90, review["interval_days"])

	require.NotNil(t, ops[1].Data.Status)
	assert.Equal(t, models.NodeStatusPublished, *ops[1].Data.Status)
	assert.Nil(t, ops[1].Data.Title)

	assert.Equal(t, models.BulkOpDelete, ops[2].Op)
	assert.Nil(t, ops[2].Data)
}

func TestReadBulkFile_Errors(t *testing.T) {
	_, err := readBulkFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read")

	_, err = readBulkFile(writeTempFile(t, "operations: [\n"))
	assert.ErrorContains(t, err, "failed to parse")

	_, err = readBulkFile(writeTempFile(t, "operations: []\n"))
	assert.ErrorContains(t, err, "contains no operations")
}

func TestRootCmd_Version(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "ekaya-knowledge version "+Version)
}

func TestRootCmd_BulkRequiresFile(t *testing.T) {
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"bulk"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"file" not set`)
}

func TestRootCmd_Subcommands(t *testing.T) {
	var names []string
	for _, c := range rootCmd().Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "migrate", "reindex", "stats", "bulk", "version"})
}
