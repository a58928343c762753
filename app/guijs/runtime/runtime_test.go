package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairhopeweb/guijs/framework"
)

func testRuntime(t *testing.T, registry string, runner *fakeRunner) *Runtime {
	t.Helper()
	t.Setenv("GUIJS_LOG_LEVEL", "")
	cfg := Config{
		DataDir:     t.TempDir(),
		RegistryURL: registry,
		TracePath:   "trace.ndjson",
	}
	rt, err := New(context.Background(), cfg, Options{Runner: runner, Version: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	rt.Probe.LookPath = fakePath(map[string]string{
		"node":         "/usr/bin/node",
		"guijs-server": "/bin/guijs-server",
	})
	return rt
}

func registryServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRuntimeCheckReportsClassification(t *testing.T) {
	srv := registryServer(t, `{"custom":{"minNodeVersion":"14.0.0"},"devDependencies":{"@guijs/server-core":"^0.5.0","@guijs/cli":"1.0.0"}}`)
	runner := newFakeRunner()
	runner.outputs["/usr/bin/node --version"] = "v16.3.0\n"
	runner.outputs["/bin/guijs-server --version"] = "0.5.0\n"
	rt := testRuntime(t, srv.URL, runner)

	report, err := rt.Check(context.Background())
	require.NoError(t, err)
	require.True(t, report.Runtime.Present)
	require.True(t, report.Compatible)
	require.Len(t, report.Statuses, 2)
	require.Equal(t, NeedsInstall, report.Statuses[0].Classification)
	require.Equal(t, UpToDate, report.Statuses[1].Classification)
	for _, call := range runner.Calls() {
		require.NotContains(t, call, "npm")
	}
}

func TestRuntimeCheckIncompatible(t *testing.T) {
	srv := registryServer(t, `{"custom":{"minNodeVersion":"20.0.0"},"devDependencies":{}}`)
	runner := newFakeRunner()
	runner.outputs["/usr/bin/node --version"] = "v18.0.0\n"
	rt := testRuntime(t, srv.URL, runner)

	report, err := rt.Check(context.Background())
	require.NoError(t, err)
	require.False(t, report.Compatible)
	require.Empty(t, report.Statuses)
}

func TestRuntimeStartRecordsJournalAttempt(t *testing.T) {
	srv := registryServer(t, `{"custom":{"minNodeVersion":"20.0.0"},"devDependencies":{}}`)
	runner := newFakeRunner()
	runner.outputs["/usr/bin/node --version"] = "v18.0.0\n"
	rt := testRuntime(t, srv.URL, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rt.Start(ctx))
	<-rt.Controller.Done()
	require.Equal(t, StateToolchainIncompatible, rt.Controller.State())

	attempts, err := rt.Journal.Attempts(ctx, 5)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, "test", attempts[0].Version)
	require.Equal(t, StateToolchainIncompatible.String(), attempts[0].FinalState)

	transitions, err := rt.Journal.Transitions(ctx, attempts[0].ID)
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	require.Equal(t, NotifyNodeWrongVersion, transitions[1].Notification)
	require.Equal(t, "18.0.0|20.0.0", transitions[1].Payload)

	cancel()
	require.NoError(t, rt.Controller.Wait())
	require.NoError(t, rt.Close())
	data, err := os.ReadFile(filepath.Join(rt.Config.DataDir, "trace.ndjson"))
	require.NoError(t, err)
	require.Contains(t, string(data), string(framework.EventStateChange))
}
