package registry

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgekit/offload/protocol"
)

func dialTestServer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + protocol.SignalingPath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

func TestServerCreateOverWebsocket(t *testing.T) {
	reg := newTestRegistry()
	srv := httptest.NewServer(NewServer(reg, nil).Handler())
	defer srv.Close()

	conn := dialTestServer(t, srv)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": protocol.TypeCreate}))

	data := readEvent(t, conn)
	require.Equal(t, protocol.TypeGreeting, protocol.PeekType(data))

	var greeting protocol.Greeting
	require.NoError(t, json.Unmarshal(data, &greeting))
	assert.Equal(t, "https://registry.test/offload-worker", greeting.QRCode)
	assert.NotEmpty(t, greeting.SocketID)
	assert.Empty(t, greeting.Workers)
}

func TestServerRelaysBetweenConnections(t *testing.T) {
	reg := newTestRegistry()
	srv := httptest.NewServer(NewServer(reg, nil).Handler())
	defer srv.Close()

	client := dialTestServer(t, srv)
	require.NoError(t, client.WriteJSON(map[string]string{"type": protocol.TypeCreate}))
	var greeting protocol.Greeting
	require.NoError(t, json.Unmarshal(readEvent(t, client), &greeting))

	worker := dialTestServer(t, srv)
	require.NoError(t, worker.WriteJSON(protocol.JoinRequest{
		Type: protocol.TypeJoin,
		WorkerDescriptor: protocol.WorkerDescriptor{
			ID:       "worker-1",
			Name:     "phone",
			Features: []string{protocol.FeatureCamera},
		},
	}))

	// The client hears about the join.
	data := readEvent(t, client)
	require.Equal(t, protocol.TypeWorker, protocol.PeekType(data))
	var joined protocol.WorkerEvent
	require.NoError(t, json.Unmarshal(data, &joined))
	assert.Equal(t, protocol.EventJoin, joined.Event)
	assert.Equal(t, "worker-1", joined.WorkerID)

	// Client -> worker through the relay, payload untouched.
	payload := json.RawMessage(`{"type":"offer","sdp":"v=0\r\n"}`)
	require.NoError(t, client.WriteJSON(protocol.Envelope{
		Type: protocol.TypeMessage, To: "worker-1", From: greeting.SocketID, Message: payload,
	}))

	data = readEvent(t, worker)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, greeting.SocketID, env.From)
	assert.JSONEq(t, string(payload), string(env.Message))

	// Worker -> client by socket id.
	require.NoError(t, worker.WriteJSON(protocol.Envelope{
		Type: protocol.TypeMessage, To: env.From, From: "worker-1",
		Message: json.RawMessage(`{"type":"answer","sdp":"v=0\r\n"}`),
	}))
	data = readEvent(t, client)
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "worker-1", env.From)
}

func TestServerWorkerByeOnClose(t *testing.T) {
	reg := newTestRegistry()
	srv := httptest.NewServer(NewServer(reg, nil).Handler())
	defer srv.Close()

	client := dialTestServer(t, srv)
	require.NoError(t, client.WriteJSON(map[string]string{"type": protocol.TypeCreate}))
	readEvent(t, client) // greeting

	worker := dialTestServer(t, srv)
	require.NoError(t, worker.WriteJSON(protocol.JoinRequest{
		Type:             protocol.TypeJoin,
		WorkerDescriptor: protocol.WorkerDescriptor{ID: "worker-1"},
	}))
	readEvent(t, client) // join event

	worker.Close()

	data := readEvent(t, client)
	var bye protocol.WorkerEvent
	require.NoError(t, json.Unmarshal(data, &bye))
	assert.Equal(t, protocol.EventBye, bye.Event)
	assert.Equal(t, "worker-1", bye.WorkerID)
}
