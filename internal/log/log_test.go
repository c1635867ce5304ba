package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/CZERTAINLY/Warden/internal/log"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, false)

	ctx := log.RunAttrs(t.Context(), "run-1", "develop")
	a := log.ContextAttrs(ctx, slog.String("scanner", "trivy"))
	b := log.ContextAttrs(ctx, slog.String("scanner", "bandit"))

	logger.InfoContext(a, "scan a")
	logger.InfoContext(b, "scan b")
	logger.DebugContext(a, "not printed")
	logger.InfoContext(context.Background(), "plain")

	dec := json.NewDecoder(&buf)
	var lines []map[string]any
	for dec.More() {
		var m map[string]any
		require.NoError(t, dec.Decode(&m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 3)
	require.Equal(t, "trivy", lines[0]["scanner"])
	require.Equal(t, "bandit", lines[1]["scanner"])
	run, ok := lines[0]["run"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "run-1", run["id"])
	require.Equal(t, "develop", run["ref"])
	require.NotContains(t, lines[2], "run")
}

func TestOutput(t *testing.T) {
	t.Parallel()
	w, closeFn, err := log.Output("discard")
	require.NoError(t, err)
	require.NotNil(t, w)
	require.NoError(t, closeFn())

	path := t.TempDir() + "/warden.log"
	w, closeFn, err = log.Output(path)
	require.NoError(t, err)
	log.New(w, true).Debug("hello")
	require.NoError(t, closeFn())
}
