package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/broadcast"
	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/pipeline"
	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/session"
	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/speaker"
	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/store"
	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/transcribe"
	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/webhook"
)

func newTestServer(t *testing.T) (*httptest.Server, *pipeline.Pipeline) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p := pipeline.New(
		pipeline.Config{
			InactivityTimeout: time.Minute,
			ReorderDepth:      8,
			WindowDuration:    3 * time.Second,
			WindowMaxBytes:    1 << 20,
			DrainTimeout:      5 * time.Second,
			SweepInterval:     time.Hour,
		},
		session.NewRegistry(logger),
		transcribe.NewInvoker(&transcribe.FakeBackend{}, transcribe.InvokerConfig{
			CallTimeout:      2 * time.Second,
			MaxAttempts:      2,
			BackoffBase:      time.Millisecond,
			BreakerThreshold: 100,
			BreakerCooldown:  time.Minute,
			Concurrency:      4,
			AdmissionWait:    time.Second,
		}, logger),
		speaker.NewTracker(2*time.Second, 4),
		store.NewWriter(store.NewMemoryStore(), logger),
		broadcast.New(logger),
		webhook.NewLogSender(logger),
		logger,
	)

	ts := httptest.NewServer(New(p, logger).Routes())
	t.Cleanup(ts.Close)
	return ts, p
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func startSession(t *testing.T, ts *httptest.Server, meetingID string) string {
	t.Helper()
	resp := postJSON(t, ts.URL+"/v1/sessions", map[string]string{
		"meeting_id": meetingID,
		"language":   "en",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start session status = %d, want 201", resp.StatusCode)
	}
	body := decodeBody[map[string]string](t, resp)
	id := body["session_id"]
	if id == "" {
		t.Fatal("start session returned no session_id")
	}
	return id
}

func chunkBody(seq uint64, startMs, endMs int64, payload []byte) map[string]any {
	return map[string]any{
		"sequence": seq,
		"start_ms": startMs,
		"end_ms":   endMs,
		"payload":  base64.StdEncoding.EncodeToString(payload),
	}
}

func TestStartSession(t *testing.T) {
	ts, _ := newTestServer(t)

	id := startSession(t, ts, "meeting-1")

	resp, err := http.Get(ts.URL + "/v1/sessions/" + id)
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get session status = %d, want 200", resp.StatusCode)
	}
	snap := decodeBody[pipeline.Snapshot](t, resp)
	if snap.SessionID != id || snap.MeetingID != "meeting-1" || snap.State != "initiated" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestStartSessionValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/sessions", map[string]string{"language": "en"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing meeting_id status = %d, want 400", resp.StatusCode)
	}

	resp, err := http.Post(ts.URL+"/v1/sessions", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d, want 400", resp.StatusCode)
	}
}

func TestDuplicateMeetingConflict(t *testing.T) {
	ts, _ := newTestServer(t)

	startSession(t, ts, "meeting-1")
	resp := postJSON(t, ts.URL+"/v1/sessions", map[string]string{"meeting_id": "meeting-1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate meeting status = %d, want 409", resp.StatusCode)
	}
}

func TestGetUnknownSession(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/sessions/no-such-id")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", resp.StatusCode)
	}
}

func TestChunkIngestion(t *testing.T) {
	ts, _ := newTestServer(t)
	id := startSession(t, ts, "meeting-1")
	chunks := ts.URL + "/v1/sessions/" + id + "/chunks"

	resp := postJSON(t, chunks, chunkBody(0, 0, 1000, []byte("audio")))
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("chunk status = %d, want 202", resp.StatusCode)
	}

	// Duplicate sequence.
	resp = postJSON(t, chunks, chunkBody(0, 0, 1000, []byte("audio")))
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate chunk status = %d, want 409", resp.StatusCode)
	}

	// Sequence too far ahead of the reorder window.
	resp = postJSON(t, chunks, chunkBody(50, 50000, 51000, []byte("audio")))
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("far-ahead chunk status = %d, want 429", resp.StatusCode)
	}

	// Empty payload.
	resp = postJSON(t, chunks, chunkBody(1, 1000, 2000, nil))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty payload status = %d, want 400", resp.StatusCode)
	}

	// Payload that is not base64.
	resp = postJSON(t, chunks, map[string]any{
		"sequence": 1, "start_ms": 1000, "end_ms": 2000, "payload": "***",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad base64 status = %d, want 400", resp.StatusCode)
	}

	// Unknown session.
	resp = postJSON(t, ts.URL+"/v1/sessions/no-such-id/chunks", chunkBody(0, 0, 1000, []byte("audio")))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session chunk status = %d, want 404", resp.StatusCode)
	}
}

func TestStopCompletesSession(t *testing.T) {
	ts, _ := newTestServer(t)
	id := startSession(t, ts, "meeting-1")

	resp := postJSON(t, ts.URL+"/v1/sessions/"+id+"/chunks", chunkBody(0, 0, 1000, []byte("audio")))
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/v1/sessions/"+id+"/stop", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("stop status = %d, want 202", resp.StatusCode)
	}

	getResp, err := http.Get(ts.URL + "/v1/sessions/" + id)
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	snap := decodeBody[pipeline.Snapshot](t, getResp)
	if snap.State != "completed" {
		t.Fatalf("state after stop = %s, want completed", snap.State)
	}

	// Chunks after stop are refused.
	resp = postJSON(t, ts.URL+"/v1/sessions/"+id+"/chunks", chunkBody(1, 1000, 2000, []byte("audio")))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("chunk after stop status = %d, want 404", resp.StatusCode)
	}
}

func TestAbortSession(t *testing.T) {
	ts, _ := newTestServer(t)
	id := startSession(t, ts, "meeting-1")

	resp := postJSON(t, ts.URL+"/v1/sessions/"+id+"/abort", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("abort status = %d, want 202", resp.StatusCode)
	}

	getResp, err := http.Get(ts.URL + "/v1/sessions/" + id)
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	snap := decodeBody[pipeline.Snapshot](t, getResp)
	if snap.State != "aborted" {
		t.Fatalf("state after abort = %s, want aborted", snap.State)
	}
}

func TestStopUnknownSession(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/sessions/no-such-id/stop", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stop unknown status = %d, want 404", resp.StatusCode)
	}
}

// A WebSocket viewer receives each persisted segment as a JSON message and a
// normal close when the session ends.
func TestWebSocketSubscription(t *testing.T) {
	ts, _ := newTestServer(t)
	id := startSession(t, ts, "meeting-1")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/sessions/" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Three seconds of audio fills one window and produces one segment.
	chunks := ts.URL + "/v1/sessions/" + id + "/chunks"
	for i := 0; i < 3; i++ {
		resp := postJSON(t, chunks, chunkBody(uint64(i), int64(i)*1000, int64(i+1)*1000, []byte("audio")))
		resp.Body.Close()
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var seg store.Segment
	if err := conn.ReadJSON(&seg); err != nil {
		t.Fatalf("read segment: %v", err)
	}
	if seg.SessionID != id || seg.StartMs != 0 || seg.EndMs != 3000 {
		t.Fatalf("segment = %+v, want window covering 0-3000ms", seg)
	}
	if seg.Speaker == "" {
		t.Fatal("segment has no speaker label")
	}

	resp := postJSON(t, ts.URL+"/v1/sessions/"+id+"/stop", nil)
	resp.Body.Close()

	// The stream ends after finalization.
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the stream to end after stop")
	}
}

// Binary frames on the ingest socket become sequenced chunks; three seconds
// of audio fills one window.
func TestWebSocketIngest(t *testing.T) {
	ts, _ := newTestServer(t)
	id := startSession(t, ts, "meeting-1")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/sessions/" + id + "/ingest?chunk_ms=1000"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 3; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte("audio")); err != nil {
			t.Fatalf("write frame %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(ts.URL + "/v1/sessions/" + id)
		if err != nil {
			t.Fatalf("GET session: %v", err)
		}
		snap := decodeBody[pipeline.Snapshot](t, resp)
		if snap.SegmentCount == 1 && snap.LastSequence == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot = %+v, want one segment from sequences 0-2", snap)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketIngestRequiresChunkMs(t *testing.T) {
	ts, _ := newTestServer(t)
	id := startSession(t, ts, "meeting-1")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/sessions/" + id + "/ingest"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial should fail without chunk_ms")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("handshake response = %+v, want 400", resp)
	}
}

func TestWebSocketUnknownSession(t *testing.T) {
	ts, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/sessions/no-such-id"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial should fail for an unknown session")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("handshake response = %+v, want 404", resp)
	}
}
