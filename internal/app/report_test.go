package app

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liverelay/internal/relay"
	rtsup "liverelay/internal/runtime/supervisor"
	logx "liverelay/pkg/logx"
)

func TestReporterLogsStats(t *testing.T) {
	var buf bytes.Buffer
	sup := rtsup.NewSupervisor(context.Background())
	r, err := NewReporter("@every 1m", logx.NewWriter(&buf, "info"), sup)
	require.NoError(t, err)

	sink := &recordingSink{}
	b := relay.NewBatcher(sink, 42)
	require.NoError(t, b.Notify(context.Background(), "hello"))
	b.Send("pending")
	r.Track(b)

	r.Report()

	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &line))
	assert.Equal(t, "destination stats", line["message"])
	assert.Equal(t, float64(42), line["dest"])
	assert.Equal(t, float64(1), line["messages"])
	assert.Equal(t, float64(1), line["pending"])
}

func TestReporterRunStopsWithContext(t *testing.T) {
	sup := rtsup.NewSupervisor(context.Background())
	r, err := NewReporter("@every 1h", logx.Nop(), sup)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestNewReporterRejectsBadSpec(t *testing.T) {
	_, err := NewReporter("every so often", logx.Nop(), nil)
	assert.Error(t, err)
}
