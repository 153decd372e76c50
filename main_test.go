package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/corpscribe/config"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestDocumentsCommandsNeedNoProviderCredentials(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	dir := t.TempDir()
	docs := filepath.Join(dir, "docs")
	cfgPath := filepath.Join(dir, "corpscribe.yaml")
	cfgData := "document_path: " + docs + "\n" +
		"log_mode: quiet\n" +
		"index:\n  backend: postgres\n" +
		"llm:\n  provider: openai\n" +
		"embeddings:\n  provider: openai\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgData), 0o644))

	src := filepath.Join(dir, "handbook.md")
	require.NoError(t, os.WriteFile(src, []byte("# Handbook\n\nDocumentation is kept in Confluence."), 0o644))

	out, err := runCLI(t, "--config", cfgPath, "documents", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No documents.")

	out, err = runCLI(t, "--config", cfgPath, "documents", "add", src)
	require.NoError(t, err)
	assert.Contains(t, out, "Stored handbook.md")
	assert.FileExists(t, filepath.Join(docs, "handbook.md"))

	out, err = runCLI(t, "--config", cfgPath, "documents", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "handbook.md")

	_, err = runCLI(t, "--config", cfgPath, "documents", "rm", "handbook.md")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(docs, "handbook.md"))
}

func TestExplicitConfigMustExist(t *testing.T) {
	_, err := runCLI(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "documents", "list")
	assert.ErrorIs(t, err, config.ErrNoConfigFile)
}
