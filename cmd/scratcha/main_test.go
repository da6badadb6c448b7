package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"scratcha", "bogus"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "unknown command")
}

func TestRun_DefaultsToServer(t *testing.T) {
	called := 0
	orig := startServer
	startServer = func(context.Context, io.Writer) error {
		called++
		return nil
	}
	defer func() { startServer = orig }()

	assert.Equal(t, 0, Run([]string{"scratcha"}, io.Discard, io.Discard))
	assert.Equal(t, 0, Run([]string{"scratcha", "serve"}, io.Discard, io.Discard))
	assert.Equal(t, 2, called)
}

func TestRun_GenerateDryRun(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("TIMEZONE", "UTC")
	var stdout, stderr bytes.Buffer
	code := Run([]string{"scratcha", "generate", "--count", "3", "--dry-run"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "COMPLETED generated=3 failed=0")
}

func TestRun_GenerateRejectsZeroCount(t *testing.T) {
	var stderr bytes.Buffer
	code := Run([]string{"scratcha", "generate", "--count", "0", "--dry-run"}, io.Discard, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "--count")
}

func TestRun_Health(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	var stdout bytes.Buffer
	assert.Equal(t, 0, Run([]string{"scratcha", "health", "--url", healthy.URL}, &stdout, io.Discard))
	assert.Equal(t, "OK\n", stdout.String())

	var stderr bytes.Buffer
	assert.Equal(t, 1, Run([]string{"scratcha", "health", "--url", down.URL}, io.Discard, &stderr))
	assert.Contains(t, stderr.String(), "status 503")
}

func TestRun_LiteModeCommands(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("TIMEZONE", "UTC")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("MODEL_SERVICE_URL", "")

	var out, errOut bytes.Buffer
	require.Equal(t, 0, Run([]string{"scratcha", "generate", "--count", "2"}, &out, &errOut), errOut.String())
	assert.Contains(t, out.String(), "COMPLETED generated=2 failed=0")

	out.Reset()
	require.Equal(t, 0, Run([]string{"scratcha", "status"}, &out, &errOut), errOut.String())
	assert.Contains(t, out.String(), `"AVAILABLE": 2`)

	out.Reset()
	require.Equal(t, 0, Run([]string{"scratcha", "reclaim"}, &out, &errOut), errOut.String())
	assert.Equal(t, "reclaimed 0\n", out.String())

	errOut.Reset()
	assert.Equal(t, 1, Run([]string{"scratcha", "status", "--batch", "missing"}, io.Discard, &errOut))
	assert.Contains(t, errOut.String(), "batch not found")
}
