package metrics

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := New(reg)
	require.NoError(t, err)

	r.ObserveCoordinate("tectrilha", "contratos", "succeeded")
	r.ObserveCoordinate("tectrilha", "contratos", "succeeded")
	r.ObserveCoordinate("tectrilha", "contratos", "failed")
	r.ObserveRows("tectrilha", "contratos", 7, 2)
	r.ObserveRows("tectrilha", "contratos", 0, 0)
	r.ObserveFetch("tectrilha", "ok", 512, 300*time.Millisecond)
	r.WorkerStarted()
	r.WorkerStarted()
	r.WorkerDone()

	assert.Equal(t, 2.0, testutil.ToFloat64(r.coordinates.WithLabelValues("tectrilha", "contratos", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.coordinates.WithLabelValues("tectrilha", "contratos", "failed")))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.rowsInserted))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.rowsRejected))
	assert.Equal(t, 512.0, testutil.ToFloat64(r.fetchBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.activeWorkers))
	assert.Equal(t, 1, testutil.CollectAndCount(r.fetchDuration))
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveCoordinate("v", "s", "failed")
		r.ObserveRows("v", "s", 1, 1)
		r.ObserveFetch("v", "ok", 1, time.Second)
		r.WorkerStarted()
		r.WorkerDone()
	})
}

func TestServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	reg := prometheus.NewRegistry()
	r, err := New(reg)
	require.NoError(t, err)
	r.ObserveCoordinate("agape", "receitas", "empty")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, reg) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
		if err != nil {
			return false
		}
		defer resp.Body.Close() //nolint:errcheck
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.True(t, strings.Contains(body, `portalsync_coordinates_total{outcome="empty",subject="receitas",vendor="agape"} 1`))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
