package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/covgrid/internal/codec"
	"github.com/dreamware/covgrid/internal/collector"
	"github.com/dreamware/covgrid/internal/control"
	"github.com/dreamware/covgrid/internal/model"
	"github.com/dreamware/covgrid/internal/wire"
)

// startCollector runs a collector and its control channel, returning the
// control address.
func startCollector(t *testing.T) (*collector.Server, string) {
	t.Helper()
	tmpl := model.NewBuilder(false).Class("p", "C", 1, 1).Method("a", "()V").Root()
	srv, err := collector.New(collector.Options{
		Listen:   "127.0.0.1:0",
		Output:   filepath.Join(t.TempDir(), "result.xml"),
		Template: tmpl,
		Spill:    collector.SpillOff,
	}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))

	ctl := control.NewServer(srv, nil)
	require.NoError(t, ctl.Listen("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = ctl.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		_ = srv.Kill(true, 0)
		cancel()
		_ = ctl.Close()
		<-done
	})
	return srv, ctl.Addr().String()
}

func covctl(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(append(args, "--addr", addr))
	err := cmd.Execute()
	return out.String(), err
}

func TestStatusCommand(t *testing.T) {
	_, addr := startCollector(t)
	out, err := covctl(t, addr, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "running:     true")
	assert.Contains(t, out, "0 total, 0 active")
}

func TestSaveCommand(t *testing.T) {
	srv, addr := startCollector(t)
	require.NoError(t, srv.Merge(&wire.Submission{
		Header: wire.Header{Kind: wire.Static, Version: wire.Version, Test: "t"},
		Values: []wire.SlotValue{{Slot: 0, Value: 6}},
	}))

	out, err := covctl(t, addr, "save")
	require.NoError(t, err)
	assert.Equal(t, "saved\n", out)
	assert.False(t, srv.Status().Unsaved)

	root, err := codec.ReadFile(srv.Status().Output)
	require.NoError(t, err)
	assert.Equal(t, int64(6), root.Counters()["p.C#a()V/method:0-0"])
}

func TestKillCommand(t *testing.T) {
	srv, addr := startCollector(t)
	_, err := covctl(t, addr, "kill", "--timeout", "5s")
	require.NoError(t, err)
	select {
	case <-srv.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestForceKillCommand(t *testing.T) {
	srv, addr := startCollector(t)
	_, err := covctl(t, addr, "force-kill")
	require.NoError(t, err)
	select {
	case <-srv.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestWaitCommand(t *testing.T) {
	_, addr := startCollector(t)
	out, err := covctl(t, addr, "wait", "--for", "5s")
	require.NoError(t, err)
	assert.Contains(t, out, "collector ready on 127.0.0.1:")
}

func TestUnreachableCollector(t *testing.T) {
	_, err := covctl(t, "127.0.0.1:1", "status", "--request-timeout", "1s")
	assert.Error(t, err)
}
