package broker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loopback-labs/promptrelay/internal/config"
	"github.com/loopback-labs/promptrelay/pkg/protocol"
)

// fakeConn satisfies registry.Conn so tests can register consumers without
// a live websocket.
type fakeConn struct {
	remoteAddr string
	written    []*protocol.Envelope
	writeErr   error
	closed     bool
	closeCode  int
}

func (f *fakeConn) WriteEnvelope(env *protocol.Envelope) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written = append(f.written, env)
	data, err := env.Encode()
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

func (f *fakeConn) Close(code int, reason string) error {
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeConn) RemoteAddr() string { return f.remoteAddr }

func testConfig() *config.Config {
	return &config.Config{
		ListenAddr:      "127.0.0.1:0",
		WSPath:          "/ws",
		ShutdownTimeout: 5 * time.Second,
		LogLevel:        "info",
		RateLimit:       config.RateLimitConfig{Limit: 10, Window: time.Second},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(testConfig(), zap.NewNop())
	require.NoError(t, err)
	return s
}

func registerFakeConsumer(t *testing.T, s *Server) (*fakeConn, int) {
	t.Helper()
	conn := &fakeConn{remoteAddr: "127.0.0.1:55001"}
	client, err := s.Registry().Register(conn)
	require.NoError(t, err)
	return conn, client.ID
}

func doSend(s *Server, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/send", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) Error {
	t.Helper()
	var e Error
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return e
}

func TestSendRoutesToMostRecentlyActive(t *testing.T) {
	s := newTestServer(t)
	connA, _ := registerFakeConsumer(t, s)
	connB, idB := registerFakeConsumer(t, s)

	time.Sleep(5 * time.Millisecond)
	s.Registry().Touch(idB)

	w := doSend(s, `{"url":"http://localhost/page","title":"T","prompt":"hello","timestamp":"2025-06-01T12:00:00Z"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp sendResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, idB, resp.TargetClientID)
	assert.Equal(t, 1, resp.ClientCount, "routing never fans out past one consumer")

	assert.Len(t, connB.written, 1)
	assert.Empty(t, connA.written, "only the chosen consumer receives the envelope")
	assert.Equal(t, protocol.TypePrompt, connB.written[0].Type)
}

func TestSendRoutingFollowsActivity(t *testing.T) {
	s := newTestServer(t)
	connA, idA := registerFakeConsumer(t, s)
	connB, idB := registerFakeConsumer(t, s)

	time.Sleep(5 * time.Millisecond)
	s.Registry().Touch(idA)

	w := doSend(s, `{"url":"http://localhost/","prompt":"first"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, connA.written, 1)

	// B heartbeats past A; the next untargeted submission goes to B.
	time.Sleep(5 * time.Millisecond)
	s.Registry().Touch(idB)

	w = doSend(s, `{"url":"http://localhost/","prompt":"second"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, connB.written, 1)
	assert.Len(t, connA.written, 1)
}

func TestSendExplicitTarget(t *testing.T) {
	s := newTestServer(t)
	connA, idA := registerFakeConsumer(t, s)
	connB, idB := registerFakeConsumer(t, s)

	// B is more recently active, but the explicit target wins.
	time.Sleep(5 * time.Millisecond)
	s.Registry().Touch(idB)

	body := fmt.Sprintf(`{"url":"http://localhost/","prompt":"direct","targetClientId":%d}`, idA)
	w := doSend(s, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, connA.written, 1)
	assert.Empty(t, connB.written)
}

func TestSendValidationFailures(t *testing.T) {
	s := newTestServer(t)
	conn, _ := registerFakeConsumer(t, s)

	tests := []struct {
		name string
		body string
	}{
		{"empty prompt", `{"url":"http://localhost/","prompt":""}`},
		{"omitted prompt", `{"url":"http://localhost/"}`},
		{"oversized prompt", fmt.Sprintf(`{"url":"http://localhost/","prompt":"%s"}`,
			strings.Repeat("a", protocol.MaxPromptChars+1))},
		{"unknown field", `{"url":"http://localhost/","prompt":"p","bogus":1}`},
		{"malformed json", `{"prompt":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doSend(s, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, CodeValidation, decodeError(t, w).Code)
		})
	}
	assert.Empty(t, conn.written, "rejected submissions reach zero consumers")
}

func TestSendPromptBoundary(t *testing.T) {
	s := newTestServer(t)
	conn, _ := registerFakeConsumer(t, s)

	atLimit := fmt.Sprintf(`{"url":"http://localhost/","prompt":"%s"}`,
		strings.Repeat("a", protocol.MaxPromptChars))
	w := doSend(s, atLimit)
	assert.Equal(t, http.StatusOK, w.Code, "prompt exactly at the ceiling is accepted")
	assert.Len(t, conn.written, 1)
}

func TestSendSecurityFailure(t *testing.T) {
	s := newTestServer(t)
	conn, _ := registerFakeConsumer(t, s)

	w := doSend(s, `{"url":"https://news.ycombinator.com/item","prompt":"leak me"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, CodeSecurity, decodeError(t, w).Code)
	assert.Empty(t, conn.written)
}

func TestSendNoConsumerVersusNotFound(t *testing.T) {
	s := newTestServer(t)

	// Empty registry: nothing is listening.
	w := doSend(s, `{"url":"http://localhost/","prompt":"p"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, CodeNoConsumer, decodeError(t, w).Code)

	// Register then disconnect: that specific instance went away.
	_, id := registerFakeConsumer(t, s)
	s.Registry().Unregister(id)
	_, replacement := registerFakeConsumer(t, s)
	require.NotEqual(t, id, replacement)

	body := fmt.Sprintf(`{"url":"http://localhost/","prompt":"p","targetClientId":%d}`, id)
	w = doSend(s, body)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeClientNotFound, decodeError(t, w).Code)

	// Never-issued id is also CLIENT_NOT_FOUND.
	w = doSend(s, `{"url":"http://localhost/","prompt":"p","targetClientId":999}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeClientNotFound, decodeError(t, w).Code)
}

func TestSendInvalidClientID(t *testing.T) {
	s := newTestServer(t)
	registerFakeConsumer(t, s)

	w := doSend(s, `{"url":"http://localhost/","prompt":"p","targetClientId":-2}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidClientID, decodeError(t, w).Code)
}

func TestSendRateLimit(t *testing.T) {
	s := newTestServer(t)
	registerFakeConsumer(t, s)

	body := `{"url":"http://localhost/","prompt":"p"}`
	for i := 0; i < 10; i++ {
		w := doSend(s, body)
		require.Equal(t, http.StatusOK, w.Code, "admission %d should pass", i+1)
	}

	w := doSend(s, body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, CodeRateLimited, decodeError(t, w).Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestSendDispatchFailure(t *testing.T) {
	s := newTestServer(t)
	conn := &fakeConn{remoteAddr: "127.0.0.1:55002", writeErr: fmt.Errorf("broken pipe")}
	_, err := s.Registry().Register(conn)
	require.NoError(t, err)

	w := doSend(s, `{"url":"http://localhost/","prompt":"p"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, CodeInternal, decodeError(t, w).Code)
}

func TestSendSideEffectsConfinedToTarget(t *testing.T) {
	s := newTestServer(t)
	_, idA := registerFakeConsumer(t, s)
	connB, idB := registerFakeConsumer(t, s)

	body := fmt.Sprintf(`{"url":"http://localhost/","prompt":"p","targetClientId":%d}`, idB)
	w := doSend(s, body)
	require.Equal(t, http.StatusOK, w.Code)

	a, _ := s.Registry().Get(idA)
	b, _ := s.Registry().Get(idB)
	assert.Equal(t, int64(0), a.BytesSent)
	assert.Equal(t, int64(1), b.MessageCount)
	require.Len(t, connB.written, 1)

	data, err := connB.written[0].Encode()
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), b.BytesSent)
}

func TestUnmatchedRoute(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/bogus", nil)
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeNotFound, decodeError(t, w).Code)
}
