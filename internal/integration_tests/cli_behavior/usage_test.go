package integration_tests

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/blockflow/internal/cli"
	"github.com/vk/blockflow/internal/testutil"
)

func TestCLI_HelpListsCommands(t *testing.T) {
	t.Parallel()
	out := &testutil.SafeBuffer{}

	require.NoError(t, cli.Execute(context.Background(), out, []string{"--help"}))

	for _, cmd := range []string{"run", "serve", "worker", "watch", "queue", "config", "blocks"} {
		assert.Contains(t, out.String(), cmd)
	}
	assert.Contains(t, out.String(), "--config")
}

func TestCLI_MissingConfigFileIsAUsageError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	out := &testutil.SafeBuffer{}

	err := cli.Execute(context.Background(), out, []string{
		"config", "show",
		"--config", filepath.Join(dir, "missing.yaml"),
		"--env-file", filepath.Join(dir, "none.env"),
	})

	var exitErr *cli.ExitError
	require.True(t, errors.As(err, &exitErr), "expected an ExitError, got %v", err)
	assert.Equal(t, 2, exitErr.Code)
	assert.Contains(t, exitErr.Message, "does not exist")
}
