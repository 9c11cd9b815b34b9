package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/guidesmith/internal/history"
	"github.com/fyrsmithlabs/guidesmith/internal/target"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
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

func TestNATS_Publish(t *testing.T) {
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe("guidesmith.runs.*.*", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := Connect(server.ClientURL(), "", nil)
	require.NoError(t, err)

	key := target.Key{Provider: "anthropic", Model: "claude-3.5"}
	rec := history.Record{Key: key, Iteration: 2, Verdict: history.VerdictImproved}
	pub.Publish(context.Background(), Event{Type: Iteration, Key: key, RunID: "run-1", Iteration: 2, Record: &rec})
	require.NoError(t, pub.Close())

	select {
	case msg := <-msgs:
		assert.Equal(t, "guidesmith.runs.anthropic_claude-3_5.iteration", msg.Subject)
		var ev Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, Iteration, ev.Type)
		assert.Equal(t, "run-1", ev.RunID)
		require.NotNil(t, ev.Record)
		assert.Equal(t, history.VerdictImproved, ev.Record.Verdict)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}

func TestNATS_PublishAfterCloseIsHarmless(t *testing.T) {
	server := startTestNATSServer(t)
	pub, err := Connect(server.ClientURL(), "custom", nil)
	require.NoError(t, err)
	require.NoError(t, pub.Close())

	assert.NotPanics(t, func() {
		pub.Publish(context.Background(), Event{Type: Started, Key: target.Key{Provider: "p", Model: "m"}})
	})
	assert.Equal(t, "custom.p_m.started", pub.Subject(target.Key{Provider: "p", Model: "m"}, Started))
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	p.Publish(context.Background(), Event{Type: Started})
	assert.NoError(t, p.Close())
}
