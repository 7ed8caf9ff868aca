package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/covgrid/internal/codec"
	"github.com/dreamware/covgrid/internal/collector"
	"github.com/dreamware/covgrid/internal/config"
	"github.com/dreamware/covgrid/internal/control"
	"github.com/dreamware/covgrid/internal/model"
	"github.com/dreamware/covgrid/internal/wire"
)

type fixedStatus control.Status

func (f fixedStatus) Status() control.Status { return control.Status(f) }

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		status     control.Status
		wantCode   int
		wantFields bool
	}{
		{"running", http.MethodGet, control.Status{Running: true, Total: 3, Output: "out.xml"}, http.StatusOK, true},
		{"stopping", http.MethodGet, control.Status{Running: false, Unsaved: true}, http.StatusServiceUnavailable, true},
		{"wrong method", http.MethodPost, control.Status{Running: true}, http.StatusMethodNotAllowed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, "/health", nil)
			handleHealth(fixedStatus(tt.status), rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			if !tt.wantFields {
				return
			}
			var body healthResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.status.Running, body.Running)
			assert.Equal(t, tt.status.Total, body.Total)
			assert.Equal(t, tt.status.Unsaved, body.Unsaved)
		})
	}
}

func TestAdminMuxServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "sample_total", Help: "sample"})
	reg.MustRegister(c)
	c.Inc()

	srv := httptest.NewServer(newAdminMux(fixedStatus{Running: true}, reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "sample_total 1")
}

func serveConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	fs := pflag.NewFlagSet("collector", pflag.ContinueOnError)
	config.AddFlags(fs, config.CollectorKeys...)
	require.NoError(t, fs.Parse(args))
	cfg, err := config.Load(config.Options{Flags: fs})
	require.NoError(t, err)
	return cfg
}

func TestServeUntilSignal(t *testing.T) {
	dir := t.TempDir()
	tmplPath := filepath.Join(dir, "template.xml")
	tmpl := model.NewBuilder(false).Class("p", "C", 1, 1).Method("a", "()V").Root()
	require.NoError(t, codec.WriteFile(tmplPath, tmpl))
	output := filepath.Join(dir, "result.xml")

	cfg := serveConfig(t,
		"--listen", "127.0.0.1:0",
		"--command-listen", "",
		"--template", tmplPath,
		"--output", output,
		"--spill", "off",
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan *collector.Server, 1)
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, nil, prometheus.NewRegistry(), ready) }()

	var srv *collector.Server
	select {
	case srv = <-ready:
	case err := <-done:
		t.Fatalf("serve returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("collector never became ready")
	}

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	require.NoError(t, wire.Encode(conn, &wire.Submission{
		Header: wire.Header{Kind: wire.Static, Version: wire.Version, Test: "smoke"},
		Values: []wire.SlotValue{{Slot: 0, Value: 4}},
	}))
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		st := srv.Status()
		return st.Total == 1 && st.Active == 0
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("collector did not stop")
	}

	root, err := codec.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, int64(4), root.Counters()["p.C#a()V/method:0-0"])
	assert.Equal(t, []string{"smoke"}, root.Tests)
}

func TestRootCommandRejectsBadConfig(t *testing.T) {
	var logs bytes.Buffer
	cmd := newRootCmd(&logs)
	cmd.SetArgs([]string{"--looseness", "7", "--env-file", ""})
	err := cmd.Execute()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "looseness"), err.Error())
}
