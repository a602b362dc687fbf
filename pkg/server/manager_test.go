package server

import (
	"context"
	"errors"
	"sync"
	"testing"

	kratoslog "github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whiteboard-collab/pkg/config"
)

type fakeServer struct {
	name    string
	bindErr error
	stopErr error
	events  *[]string
	mu      *sync.Mutex
	started chan struct{}
}

func (f *fakeServer) record(e string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.events = append(*f.events, e)
}

func (f *fakeServer) Bind() error {
	f.record("bind:" + f.name)
	return f.bindErr
}

func (f *fakeServer) Start(context.Context) error {
	close(f.started)
	return nil
}

func (f *fakeServer) Stop(context.Context) error {
	f.record("stop:" + f.name)
	return f.stopErr
}

func newFakes(names ...string) ([]*fakeServer, *[]string) {
	events := &[]string{}
	mu := &sync.Mutex{}
	out := make([]*fakeServer, 0, len(names))
	for _, n := range names {
		out = append(out, &fakeServer{name: n, events: events, mu: mu, started: make(chan struct{})})
	}
	return out, events
}

func TestStartAllBindsBeforeServing(t *testing.T) {
	sm := NewServerManager(&config.Config{}, kratoslog.DefaultLogger)
	fakes, events := newFakes("http", "grpc")
	boom := errors.New("address already in use")
	fakes[1].bindErr = boom
	for _, f := range fakes {
		sm.AddServer(f.name, f)
	}

	err := sm.StartAll(context.Background(), nil)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"bind:http", "bind:grpc"}, *events)
	select {
	case <-fakes[0].started:
		t.Fatal("no server should be served after a bind failure")
	default:
	}
}

func TestStopAllRunsInReverseAndJoinsErrors(t *testing.T) {
	sm := NewServerManager(&config.Config{}, kratoslog.DefaultLogger)
	fakes, events := newFakes("http", "grpc", "websocket")
	first := errors.New("grpc stuck")
	fakes[1].stopErr = first
	for _, f := range fakes {
		sm.AddServer(f.name, f)
	}

	require.NoError(t, sm.StartAll(context.Background(), nil))
	for _, f := range fakes {
		<-f.started
	}

	err := sm.StopAll(context.Background())
	assert.ErrorIs(t, err, first)
	assert.Contains(t, err.Error(), "grpc")
	assert.Equal(t, []string{
		"bind:http", "bind:grpc", "bind:websocket",
		"stop:websocket", "stop:grpc", "stop:http",
	}, *events)
}
