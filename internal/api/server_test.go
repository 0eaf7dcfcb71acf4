package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeagreatcoup/inputleapcode/internal/config"
	"github.com/makeagreatcoup/inputleapcode/internal/filetransfer"
	"github.com/makeagreatcoup/inputleapcode/internal/protocol"
	"github.com/makeagreatcoup/inputleapcode/internal/session"
)

type fakeController struct {
	mu        sync.Mutex
	sent      []string
	cancelled []string
	clips     []protocol.ClipboardChange
	returns   int
	sentCh    chan string
}

func newFake() *fakeController {
	return &fakeController{sentCh: make(chan string, 1)}
}

func (f *fakeController) Status() session.Status {
	return session.Status{
		Role:      session.RoleServer,
		Name:      "desk",
		Transfers: []filetransfer.Info{{ID: "t1", FileName: "a.txt", Status: filetransfer.StatusTransferring}},
	}
}

func (f *fakeController) SendFile(ctx context.Context, path, peer string) (string, error) {
	f.mu.Lock()
	f.sent = append(f.sent, path+"|"+peer)
	f.mu.Unlock()
	f.sentCh <- path
	return "t2", nil
}

func (f *fakeController) CancelTransfer(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return id == "t1"
}

func (f *fakeController) PublishClipboard(c protocol.ClipboardChange) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clips = append(f.clips, c)
	return 1, nil
}

func (f *fakeController) ReturnToLocal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.returns++
}

func (f *fakeController) returnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.returns
}

func newTestServer(t *testing.T, token string) (*httptest.Server, *fakeController, *Server) {
	t.Helper()
	fake := newFake()
	mgr := config.NewManagerAt(filepath.Join(t.TempDir(), "config.json"))
	s := NewServer(fake, mgr, token)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, fake, s
}

func do(t *testing.T, method, url, token string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthSkipsAuth(t *testing.T) {
	ts, _, _ := newTestServer(t, "secret")

	resp := do(t, http.MethodGet, ts.URL+"/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/api/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/api/status", "secret", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatus(t *testing.T) {
	ts, _, _ := newTestServer(t, "")

	resp := do(t, http.MethodGet, ts.URL+"/api/status", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st session.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "desk", st.Name)
	require.Len(t, st.Transfers, 1)
	assert.Equal(t, "t1", st.Transfers[0].ID)
}

func TestSendFile(t *testing.T) {
	ts, fake, _ := newTestServer(t, "")

	resp := do(t, http.MethodPost, ts.URL+"/api/files", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/api/files?path=/does/not/exist", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o644))

	resp = do(t, http.MethodPost, ts.URL+"/api/files?peer=p1&path="+path, "", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case got := <-fake.sentCh:
		assert.Equal(t, path, got)
	case <-time.After(2 * time.Second):
		t.Fatal("send not started")
	}
	fake.mu.Lock()
	assert.Equal(t, []string{path + "|p1"}, fake.sent)
	fake.mu.Unlock()
}

func TestCancelTransfer(t *testing.T) {
	ts, _, _ := newTestServer(t, "")

	resp := do(t, http.MethodDelete, ts.URL+"/api/transfers/t1", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodDelete, ts.URL+"/api/transfers/nope", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/api/transfers/t1", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReturnAndClipboard(t *testing.T) {
	ts, fake, _ := newTestServer(t, "")

	resp := do(t, http.MethodPost, ts.URL+"/api/return", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, fake.returnCount())

	resp = do(t, http.MethodGet, ts.URL+"/api/return", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/api/clipboard", "", `{"content":"copied"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fake.mu.Lock()
	require.Len(t, fake.clips, 1)
	assert.Equal(t, "text", fake.clips[0].Format)
	assert.Equal(t, "copied", fake.clips[0].Content)
	fake.mu.Unlock()
}

func TestConfigRejectsInvalid(t *testing.T) {
	ts, _, _ := newTestServer(t, "")

	resp := do(t, http.MethodGet, ts.URL+"/api/config", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/api/config", "", `{"general":{"role":"observer"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/api/config", "", `{"general":{"port":24900}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketStreamsNotifications(t *testing.T) {
	ts, fake, s := newTestServer(t, "secret")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notes := make(chan session.Notification, 1)
	go s.Run(ctx, notes)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=secret"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.wsMgr.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	notes <- session.Notification{Kind: session.NotifyTransferCompleted, TransferID: "t9", FileName: "b.bin"}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got session.Notification
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, session.NotifyTransferCompleted, got.Kind)
	assert.Equal(t, "t9", got.TransferID)

	require.NoError(t, conn.WriteJSON(Command{Type: "return"}))
	assert.Eventually(t, func() bool { return fake.returnCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}
