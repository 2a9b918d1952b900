package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/telemetrybus/pkg/event"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func connect(t *testing.T, server *natsserver.Server) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestRelay_Handle(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	sub, err := nc.SubscribeSync("telemetry.graphrag.*")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	r, err := New(nc, "", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPrefix, r.Prefix())

	ev := &event.TelemetryEvent{
		EventID:       "e1",
		CorrelationID: "abc",
		Service:       "graphrag",
		Operation:     "query",
		Phase:         event.PhaseEnd,
		StatusCode:    event.Int(200),
	}
	require.NoError(t, r.Handle(context.Background(), ev))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "telemetry.graphrag.end", msg.Subject)
	assert.Equal(t, "abc", msg.Header.Get(HeaderCorrelationID))
	assert.Equal(t, "e1", msg.Header.Get(HeaderEventID))
	assert.Equal(t, "e1", msg.Header.Get(nats.MsgIdHdr))

	var got event.TelemetryEvent
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "query", got.Operation)
	require.NotNil(t, got.StatusCode)
	assert.Equal(t, 200, *got.StatusCode)
}

func TestRelay_PhaseWildcard(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	sub, err := nc.SubscribeSync("ops.*.error")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	r, err := New(nc, "ops", nil)
	require.NoError(t, err)

	for _, svc := range []string{"a", "b"} {
		require.NoError(t, r.Handle(context.Background(), &event.TelemetryEvent{EventID: svc + "-s", Service: svc, Phase: event.PhaseStart}))
		require.NoError(t, r.Handle(context.Background(), &event.TelemetryEvent{EventID: svc + "-e", Service: svc, Phase: event.PhaseError}))
	}

	var subjects []string
	for i := 0; i < 2; i++ {
		msg, err := sub.NextMsg(2 * time.Second)
		require.NoError(t, err)
		subjects = append(subjects, msg.Subject)
	}
	assert.ElementsMatch(t, []string{"ops.a.error", "ops.b.error"}, subjects)

	_, err = sub.NextMsg(100 * time.Millisecond)
	assert.ErrorIs(t, err, nats.ErrTimeout)
}

type failingConn struct{ err error }

func (f failingConn) PublishMsg(*nats.Msg) error { return f.err }

func TestRelay_PublishError(t *testing.T) {
	boom := errors.New("connection closed")
	r, err := New(failingConn{err: boom}, "telemetry", nil)
	require.NoError(t, err)

	err = r.Handle(context.Background(), &event.TelemetryEvent{EventID: "e1", Service: "s", Phase: event.PhaseStart})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "e1")
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "telemetry", nil)
	assert.Error(t, err)

	for _, prefix := range []string{"bad*", "bad>", "with space", ".lead", "trail."} {
		_, err := New(failingConn{}, prefix, nil)
		assert.Error(t, err, prefix)
	}

	_, err = New(failingConn{}, "org.telemetry", nil)
	assert.NoError(t, err)
}

func TestSubject(t *testing.T) {
	tests := []struct {
		name    string
		service string
		phase   event.Phase
		want    string
	}{
		{"plain", "graphrag", event.PhaseStart, "telemetry.graphrag.start"},
		{"dotted service", "svc.v2", event.PhaseEnd, "telemetry.svc_v2.end"},
		{"wildcards", "a*b>c", event.PhaseError, "telemetry.a_b_c.error"},
		{"whitespace", "my svc", event.PhaseStart, "telemetry.my_svc.start"},
		{"empty", "", "", "telemetry.unknown.unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Subject("telemetry", &event.TelemetryEvent{Service: tt.service, Phase: tt.phase})
			assert.Equal(t, tt.want, got)
		})
	}
}
