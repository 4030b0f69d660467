package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiy/autodelete/internal/metrics"
	"github.com/xiy/autodelete/pkg/types"
)

const testToken = "123:secret-token"

func discard() *log.Logger { return log.NewWithOptions(io.Discard, log.Options{}) }

func deleteCount(t *testing.T, m *metrics.Prometheus, result string) float64 {
	t.Helper()
	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "test_sink_deletes_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "result" && lp.GetValue() == result {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func testOptions() Options {
	return Options{
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
		Timeout:      2 * time.Second,
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, testToken, discard(), testOptions())
	require.NoError(t, err)
	return c
}

func TestClient_GetUpdatesRequest(t *testing.T) {
	t.Parallel()

	var got getUpdatesParams
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bot"+testToken+"/getUpdates", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"ok":true,"result":[]}`)
	})

	p := NewPoller(c, 30*time.Second, discard())
	p.offset = 41
	events, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, int64(41), got.Offset)
	assert.Equal(t, 30, got.Timeout)
	assert.Equal(t, []string{"message"}, got.AllowedUpdates)
}

func TestClient_APIError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: message to delete not found"}`)
	})

	err := c.DeleteMessage(context.Background(), -100, 5)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "deleteMessage", apiErr.Method)
	assert.Equal(t, 400, apiErr.Code)
	assert.False(t, apiErr.Temporary())
}

func TestClient_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":{"id":7,"is_bot":true,"username":"autodelete_bot"}}`)
	})

	u, err := c.GetMe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "autodelete_bot", u.Username)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_TransportErrorHidesToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	opts := testOptions()
	opts.RetryMax = 0
	c, err := NewClient(url, testToken, discard(), opts)
	require.NoError(t, err)

	_, err = c.GetMe(context.Background())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret-token")
}

func TestNewClient_RequiresToken(t *testing.T) {
	t.Parallel()
	_, err := NewClient("", "  ", discard(), testOptions())
	assert.Error(t, err)
}

func TestPoller_DecodesUpdatesAndAdvancesOffset(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		offsets []int64
	)
	batches := []string{
		`[
			{"update_id":10,"message":{"message_id":1,"date":1700000000,"chat":{"id":-1001},
				"text":"hello #nodelete","entities":[{"type":"hashtag","offset":6,"length":9}]}},
			{"update_id":11,"edited_message":{"message_id":1,"date":1700000000,"chat":{"id":-1001}}},
			{"update_id":12,"message":{"message_id":"not-a-number","chat":{"id":-1001}}},
			{"update_id":13,"message":{"message_id":2,"date":1700000005,"chat":{"id":-1001},
				"caption":"#keep","caption_entities":[{"type":"hashtag","offset":0,"length":5},{"type":"bold","offset":0,"length":5}]}}
		]`,
		`[]`,
	}
	var call atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var params getUpdatesParams
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		mu.Lock()
		offsets = append(offsets, params.Offset)
		mu.Unlock()
		i := min(int(call.Add(1))-1, len(batches)-1)
		fmt.Fprintf(w, `{"ok":true,"result":%s}`, batches[i])
	})

	p := NewPoller(c, 0, discard())
	events, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 4)

	assert.Equal(t, types.Event{
		Kind:      types.EventMessage,
		OriginID:  -1001,
		RecordID:  1,
		CreatedAt: 1700000000,
		Text:      "hello #nodelete",
		Markers:   []types.Marker{{Offset: 6, Length: 9}},
	}, events[0])
	assert.Equal(t, types.EventIgnored, events[1].Kind)
	assert.Equal(t, types.EventIgnored, events[2].Kind)
	assert.Equal(t, "#keep", events[3].Text)
	assert.Equal(t, []types.Marker{{Offset: 0, Length: 5}}, events[3].Markers)

	_, err = p.Poll(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{0, 14}, offsets)
}

type fakeAPI struct {
	mu    sync.Mutex
	got   []deletion
	err   error
	calls atomic.Int32
	done  chan struct{}
	want  int32
}

func (f *fakeAPI) DeleteMessage(_ context.Context, chatID, messageID int64) error {
	f.mu.Lock()
	f.got = append(f.got, deletion{chatID, messageID})
	f.mu.Unlock()
	if f.calls.Add(1) == f.want {
		close(f.done)
	}
	return f.err
}

func TestDeleter_DeliversQueuedRequests(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{done: make(chan struct{}), want: 3}
	m := metrics.NewPrometheus("test")
	d := NewDeleter(api, 2, 8, DefaultBreakerSettings(), discard(), m)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx) }()

	d.Delete(ctx, -1, 1)
	d.Delete(ctx, -1, 2)
	d.Delete(ctx, -2, 3)

	select {
	case <-api.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deletions")
	}
	cancel()
	require.NoError(t, <-runDone)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.ElementsMatch(t, []deletion{{-1, 1}, {-1, 2}, {-2, 3}}, api.got)
	assert.Eventually(t, func() bool {
		return deleteCount(t, m, metrics.DeleteOK) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestDeleter_DropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	m := metrics.NewPrometheus("test")
	d := NewDeleter(&fakeAPI{}, 1, 1, DefaultBreakerSettings(), discard(), m)

	// No workers are running, so the second request cannot be queued.
	d.Delete(context.Background(), 1, 1)
	d.Delete(context.Background(), 1, 2)

	assert.Equal(t, float64(1), deleteCount(t, m, metrics.DeleteDropped))
	assert.Len(t, d.queue, 1)
}

func TestDeleter_BreakerOpensOnTemporaryFailures(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{err: &APIError{Method: "deleteMessage", Code: 502}}
	bs := DefaultBreakerSettings()
	bs.MinRequests = 2
	bs.ConsecutiveFailures = 2
	bs.Timeout = time.Hour
	d := NewDeleter(api, 1, 8, bs, discard(), nil)

	for i := int64(1); i <= 4; i++ {
		d.deleteOne(context.Background(), deletion{chatID: 1, messageID: i})
	}
	assert.Equal(t, int32(2), api.calls.Load(), "breaker should reject calls once open")
}

func TestDeleter_PermanentFailuresKeepBreakerClosed(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{err: &APIError{Method: "deleteMessage", Code: 400, Description: "message can't be deleted"}}
	bs := DefaultBreakerSettings()
	bs.MinRequests = 2
	bs.ConsecutiveFailures = 2
	d := NewDeleter(api, 1, 8, bs, discard(), nil)

	for i := int64(1); i <= 4; i++ {
		d.deleteOne(context.Background(), deletion{chatID: 1, messageID: i})
	}
	assert.Equal(t, int32(4), api.calls.Load())
}

func TestAPIError_Temporary(t *testing.T) {
	t.Parallel()
	for code, want := range map[int]bool{400: false, 403: false, 409: false, 429: true, 500: true, 502: true} {
		err := &APIError{Method: "deleteMessage", Code: code}
		assert.Equal(t, want, err.Temporary(), "code %d", code)
		assert.Contains(t, err.Error(), "deleteMessage")
	}
}
