package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	uniqw "github.com/UniQw/uniqw-batch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	mu       sync.Mutex
	got      []uniqw.Delivery
	delivery []string
	attempts []int
	resp     uniqw.Response
}

func (f *fakeHandler) Handle(ctx context.Context, d uniqw.Delivery) uniqw.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, d)
	f.delivery = append(f.delivery, uniqw.DeliveryID(ctx))
	f.attempts = append(f.attempts, uniqw.Attempt(ctx))
	return f.resp
}

func newTestServer(t *testing.T, h Handler, g prometheus.Gatherer) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(Config{Handler: h, Gatherer: g}))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string, headers map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestRun_PassesDeliveryAndHeaders(t *testing.T) {
	h := &fakeHandler{resp: uniqw.Response{StatusCode: http.StatusOK, Body: uniqw.Message{Message: "processed"}}}
	srv := newTestServer(t, h, prometheus.NewRegistry())

	resp, body := post(t, srv.URL+"/tasks/run", `{"task_id":"t1","batch_index":3}`, map[string]string{
		HeaderDeliveryID:      "cloud-77",
		HeaderDeliveryAttempt: "2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.JSONEq(t, `{"message":"processed"}`, body)

	require.Len(t, h.got, 1)
	require.Equal(t, "t1", h.got[0].TaskID)
	require.Equal(t, uniqw.RoleBatch, h.got[0].Role)
	require.Equal(t, 3, h.got[0].Index())
	require.Equal(t, "cloud-77", h.delivery[0])
	require.Equal(t, 2, h.attempts[0])
}

func TestRun_PropagatesResponseCode(t *testing.T) {
	h := &fakeHandler{resp: uniqw.Response{
		StatusCode: http.StatusInternalServerError,
		Body:       &uniqw.NormalizedError{Name: "UnexpectedError", Message: "redis down"},
	}}
	srv := newTestServer(t, h, prometheus.NewRegistry())

	resp, body := post(t, srv.URL+"/tasks/run", `{"task_id":"t1","role":"clean_up"}`, nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.JSONEq(t, `{"name":"UnexpectedError","message":"redis down","expected":false}`, body)
	require.Equal(t, "", h.delivery[0])
}

func TestRun_RejectsInvalidDeliveries(t *testing.T) {
	h := &fakeHandler{resp: uniqw.Response{StatusCode: http.StatusOK}}
	srv := newTestServer(t, h, prometheus.NewRegistry())

	for _, body := range []string{
		`not json`,
		`{}`,
		`{"task_id":"t1"}`,
		`{"task_id":"t1","role":"other","batch_index":0}`,
		`{"task_id":"t1","batch_index":-1}`,
	} {
		resp, out := post(t, srv.URL+"/tasks/run", body, nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		require.Contains(t, out, `"expected":true`, body)
	}
	require.Empty(t, h.got)
}

func TestHealthzAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "uniqw_health_checks_total", Help: "health checks"})
	reg.MustRegister(c)
	c.Inc()
	srv := newTestServer(t, &fakeHandler{}, reg)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(b), "uniqw_health_checks_total 1")

	resp, err = http.Get(srv.URL + "/tasks/run")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
