package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/importpipe/internal/config"
	"github.com/JonMunkholm/importpipe/internal/core"
	"github.com/JonMunkholm/importpipe/internal/domain"
	"github.com/JonMunkholm/importpipe/internal/events"
	"github.com/JonMunkholm/importpipe/internal/store"
	"github.com/JonMunkholm/importpipe/internal/workflow"
)

const brandsCSV = "code,name,website,country\n" +
	"acme,Acme Corp,https://acme.example,US\n" +
	"globex,Globex,https://globex.example,DE\n"

func newTestServer(t *testing.T, previewDelay time.Duration) (*httptest.Server, *core.Service) {
	t.Helper()
	svc := core.NewService(store.NewMemory(), core.Options{
		Workflow: workflow.Options{PreviewDelay: previewDelay},
	})
	svc.Start()

	srv := NewServer(svc, config.ServerConfig{RequestTimeout: 5 * time.Second}, 1<<20)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = svc.Stop(ctx)
	})
	return ts, svc
}

func uploadRequest(t *testing.T, url, entity, name string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("entity", entity))
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, url+"/api/imports", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func upload(t *testing.T, ts *httptest.Server, entity string, data []byte) domain.ImportSession {
	t.Helper()
	resp, err := ts.Client().Do(uploadRequest(t, ts.URL, entity, "brands.csv", data))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var session domain.ImportSession
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&session))
	assert.Equal(t, "/api/imports/"+session.ID, resp.Header.Get("Location"))
	return session
}

func getStatus(t *testing.T, ts *httptest.Server, id string) core.ImportStatus {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + "/api/imports/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status core.ImportStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	return status
}

func post(t *testing.T, ts *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := ts.Client().Post(ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	return e
}

func TestUploadApproveComplete(t *testing.T) {
	ts, _ := newTestServer(t, time.Millisecond)

	session := upload(t, ts, "brand", []byte(brandsCSV))
	assert.Equal(t, 2, session.TotalRecords)

	require.Eventually(t, func() bool {
		return getStatus(t, ts, session.ID).Workflow.State == domain.StatusAwaitingApproval
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := ts.Client().Get(ts.URL + "/api/imports/" + session.ID + "/preview")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var preview workflow.Preview
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&preview))
	assert.Equal(t, 2, preview.Summary.ValidRows)

	resp = post(t, ts, "/api/imports/"+session.ID+"/approve", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return getStatus(t, ts, session.ID).Processing.Status == domain.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// approving twice is a conflict
	resp = post(t, ts, "/api/imports/"+session.ID+"/approve", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "WF003", decodeError(t, resp).Code)
}

func TestUploadErrors(t *testing.T) {
	ts, _ := newTestServer(t, time.Hour)

	tests := []struct {
		name       string
		entity     string
		data       []byte
		wantStatus int
		wantCode   string
	}{
		{"unknown entity", "widget", []byte(brandsCSV), http.StatusBadRequest, "IMP003"},
		{"empty file", "brand", nil, http.StatusBadRequest, "PARSE004"},
		{"zip archive", "brand", append([]byte("PK\x03\x04"), make([]byte, 64)...), http.StatusUnsupportedMediaType, "PARSE002"},
		{"too large", "brand", bytes.Repeat([]byte("a,b\n"), 3<<17), http.StatusRequestEntityTooLarge, "PARSE003"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := ts.Client().Do(uploadRequest(t, ts.URL, tt.entity, "f.csv", tt.data))
			require.NoError(t, err)
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if got := decodeError(t, resp).Code; got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestMissingFileField(t *testing.T) {
	ts, _ := newTestServer(t, time.Hour)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("entity", "brand"))
	require.NoError(t, mw.Close())

	resp, err := ts.Client().Post(ts.URL+"/api/imports", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "PARSE004", decodeError(t, resp).Code)
}

func TestSessionNotFound(t *testing.T) {
	ts, _ := newTestServer(t, time.Hour)

	for _, path := range []string{"/api/imports/nope", "/api/imports/nope/preview", "/api/imports/nope/events"} {
		resp, err := ts.Client().Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want %d", path, resp.StatusCode, http.StatusNotFound)
		}
	}
}

func TestUpdateMappingsValidation(t *testing.T) {
	ts, _ := newTestServer(t, time.Hour)
	session := upload(t, ts, "brand", []byte(brandsCSV))
	path := "/api/imports/" + session.ID + "/mappings"

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"unknown field", `{"mapping": []}`},
		{"empty", `{"mappings": []}`},
		{"missing target", `{"mappings": [{"sourceField": "code"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, ts, path, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "IMP005", decodeError(t, resp).Code)
		})
	}

	resp := post(t, ts, path, `{"mappings": [{"sourceField": "website", "targetField": "website"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var wf workflow.WorkflowStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&wf))
	assert.Equal(t, session.ID, wf.SessionID)
}

func TestAdvanceInvalidTransition(t *testing.T) {
	ts, _ := newTestServer(t, time.Hour)
	session := upload(t, ts, "brand", []byte(brandsCSV))

	resp := post(t, ts, "/api/imports/"+session.ID+"/advance", `{"target": "completed"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "WF002", decodeError(t, resp).Code)

	resp = post(t, ts, "/api/imports/"+session.ID+"/advance", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelAndRetry(t *testing.T) {
	ts, _ := newTestServer(t, time.Hour)
	session := upload(t, ts, "brand", []byte(brandsCSV))

	resp := post(t, ts, "/api/imports/"+session.ID+"/retry", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "retry before execution")

	resp = post(t, ts, "/api/imports/"+session.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.StatusCancelled, getStatus(t, ts, session.ID).Workflow.State)

	resp = post(t, ts, "/api/imports/"+session.ID+"/retry", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "IMP002", decodeError(t, resp).Code)
}

func TestEventStream(t *testing.T) {
	ts, svc := newTestServer(t, time.Hour)
	session := upload(t, ts, "brand", []byte(brandsCSV))

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/imports/"+session.ID+"/events", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	names := make(chan string, 32)
	go func() {
		defer close(names)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
				names <- name
			}
		}
	}()

	require.Equal(t, "status", <-names)

	// Drive the session to the end; the stream closes after completed.
	require.NoError(t, svc.Advance(context.Background(), session.ID, domain.StatusAwaitingApproval, nil))
	require.NoError(t, svc.Approve(context.Background(), session.ID))

	var got []string
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case name, ok := <-names:
			if !ok {
				done = true
				break
			}
			got = append(got, name)
		case <-timeout:
			t.Fatalf("stream did not end, events so far: %v", got)
		}
	}
	assert.Contains(t, got, string(events.TypeApprovalRequired))
	assert.Contains(t, got, string(events.TypeProgress))
	assert.Equal(t, string(events.TypeCompleted), got[len(got)-1])
}

func TestWebSocketReceivesEvents(t *testing.T) {
	ts, svc := newTestServer(t, time.Hour)
	session := upload(t, ts, "brand", []byte(brandsCSV))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/imports/" + session.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return svc.Hub().Connections(session.ID) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Advance(context.Background(), session.ID, domain.StatusAwaitingApproval, nil))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var e events.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, events.TypeApprovalRequired, e.Type)
	assert.Equal(t, session.ID, e.SessionID)
}

func TestHealthAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t, time.Hour)

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 5, health.Limit)

	resp, err = ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUploadRateLimit(t *testing.T) {
	ts, _ := newTestServer(t, time.Hour)

	var last int
	for i := 0; i <= uploadsPerMinute; i++ {
		resp, err := ts.Client().Do(uploadRequest(t, ts.URL, "brand", "b.csv", []byte(brandsCSV)))
		require.NoError(t, err)
		resp.Body.Close()
		last = resp.StatusCode
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{badRequest("x"), http.StatusBadRequest},
		{fmt.Errorf("get: %w", domain.ErrSessionNotFound), http.StatusNotFound},
		{domain.ErrTerminalState, http.StatusConflict},
		{domain.ErrGuardRejected, http.StatusUnprocessableEntity},
		{domain.ErrTooManyImports, http.StatusTooManyRequests},
		{domain.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{errors.New("file too large: 3 bytes"), http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
