package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlwaysOnline(t *testing.T) {
	env := AlwaysOnline()
	assert.True(t, env.Online())

	unsubscribe := env.Subscribe(func(bool) { t.Fatal("unexpected notification") })
	unsubscribe()
}

func TestSwitch(t *testing.T) {
	sw := NewSwitch(false)
	assert.False(t, sw.Online())

	var got []bool
	unsubscribe := sw.Subscribe(func(online bool) { got = append(got, online) })
	assert.Equal(t, 1, sw.Subscribers())

	sw.Set(true)
	sw.Set(true)
	sw.Set(false)
	assert.Equal(t, []bool{true, false}, got)

	unsubscribe()
	assert.Equal(t, 0, sw.Subscribers())

	sw.Set(true)
	assert.Equal(t, []bool{true, false}, got)
	assert.True(t, sw.Online())
}

func TestProbe_Check(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))

	probe := NewProbe(server.URL, time.Second, log.NewLogger())
	assert.True(t, probe.Check(context.Background()))

	server.Close()
	assert.False(t, probe.Check(context.Background()))
}

func TestProbe_Run(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	server.Close()

	probe := NewProbe(server.URL, 50*time.Millisecond, log.NewLogger())
	changes := make(chan bool, 1)
	probe.Subscribe(func(online bool) { changes <- online })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go probe.Run(ctx)

	select {
	case online := <-changes:
		require.False(t, online)
	case <-time.After(5 * time.Second):
		t.Fatal("probe did not report the closed server as offline")
	}
	assert.False(t, probe.Online())
}

func TestProbe_RunStopsWithoutGoingOffline(t *testing.T) {
	requested := make(chan struct{}, 1)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested <- struct{}{}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	probe := NewProbe(server.URL, time.Minute, log.NewLogger())
	var changes []bool
	probe.Subscribe(func(online bool) { changes = append(changes, online) })

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		probe.Run(ctx)
		close(stopped)
	}()

	<-requested
	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("probe did not stop")
	}

	assert.True(t, probe.Online())
	assert.Empty(t, changes)
}
