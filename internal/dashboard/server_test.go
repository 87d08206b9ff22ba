package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/posterflow/internal/aggregate"
	"github.com/tejusbharadwaj/posterflow/internal/api"
	"github.com/tejusbharadwaj/posterflow/internal/database"
	"github.com/tejusbharadwaj/posterflow/internal/database/mocks"
	"github.com/tejusbharadwaj/posterflow/internal/etl"
	"github.com/tejusbharadwaj/posterflow/internal/models"
	"github.com/tejusbharadwaj/posterflow/internal/report"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeSyncer struct {
	runs        *etl.RunStore
	err         error
	gotWindow   api.Window
	gotEntities []string
	calls       int
}

func (f *fakeSyncer) Entities() []string {
	return []string{etl.EntityTransactions, "products"}
}

func (f *fakeSyncer) Run(ctx context.Context, window api.Window, entities []string) (*etl.Run, error) {
	f.gotWindow, f.gotEntities = window, entities
	if f.err != nil {
		return nil, f.err
	}
	f.calls++
	run := &etl.Run{
		ID:       "run-1",
		From:     window.From.Format("2006-01-02"),
		To:       window.To.Format("2006-01-02"),
		Outcomes: []etl.Outcome{{Entity: etl.EntityTransactions, Status: api.StatusComplete}},
		Transactions: []models.Record{{
			"transaction_id": "1",
			"date_close":     "2024-03-05 12:10:00",
			"payed_sum":      "5000",
		}},
	}
	f.runs.Put(run)
	return run, nil
}

type fixture struct {
	srv    *Server
	syncer *fakeSyncer
	runs   *etl.RunStore
}

func newFixture(t *testing.T, sink database.Sink, opts Options) *fixture {
	t.Helper()
	runs, err := etl.NewRunStore(4)
	require.NoError(t, err)

	f := &fixture{syncer: &fakeSyncer{runs: runs}, runs: runs}
	builder := report.NewBuilder(aggregate.New(time.UTC, quietLogger()), 10)
	f.srv = NewServer(f.syncer, runs, builder, sink, time.UTC, quietLogger(), opts)
	f.srv.now = func() time.Time { return time.Date(2024, 3, 5, 18, 0, 0, 0, time.UTC) }
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string, mutate ...func(*http.Request)) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, m := range mutate {
		m(req)
	}

	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, req)

	var payload map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	}
	return rec, payload
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil, Options{})
	rec, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestSync(t *testing.T) {
	f := newFixture(t, nil, Options{})

	rec, body := f.do(t, http.MethodPost, "/api/sync", `{"from":"2024-03-01","to":"2024-03-05","entities":["transactions"]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "run-1", body["id"])
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "2024-03-01", body["from"])
	assert.Equal(t, []string{"transactions"}, f.syncer.gotEntities)
	assert.Equal(t, 1, f.syncer.calls)
	assert.NotContains(t, body, "transactions")
}

func TestSync_EmptyBodySyncsToday(t *testing.T) {
	f := newFixture(t, nil, Options{})

	rec, _ := f.do(t, http.MethodPost, "/api/sync", "")

	require.Equal(t, http.StatusOK, rec.Code)
	today := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, api.Window{From: today, To: today}, f.syncer.gotWindow)
}

func TestSync_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		syncErr  error
		wantCode int
		wantErr  string
	}{
		{"malformed body", `{"from":`, nil, http.StatusBadRequest, ""},
		{"unknown entity", `{"entities":["orders"]}`, nil, http.StatusBadRequest, "invalid entity: orders"},
		{"reversed window", `{"from":"2024-03-05","to":"2024-03-01"}`, nil, http.StatusBadRequest, "from must not be after to"},
		{"sync failure", `{}`, errors.New("boom"), http.StatusInternalServerError, "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, Options{})
			f.syncer.err = tt.syncErr

			rec, body := f.do(t, http.MethodPost, "/api/sync", tt.body)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, body["error"], tt.wantErr)
			assert.Equal(t, 0, f.syncer.calls)
		})
	}
}

func TestRuns(t *testing.T) {
	f := newFixture(t, nil, Options{})
	rec, _ := f.do(t, http.MethodPost, "/api/sync", `{"from":"2024-03-05","to":"2024-03-05"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	for _, id := range []string{"run-1", "latest"} {
		rec, body := f.do(t, http.MethodGet, "/api/runs/"+id, "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "run-1", body["id"])
	}

	rec, body := f.do(t, http.MethodGet, "/api/runs/run-1/report?top=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, report.SourceRun, body["source"])
	kpi := body["kpi"].(map[string]interface{})
	assert.Equal(t, 50.0, kpi["revenue"])

	rec, _ = f.do(t, http.MethodGet, "/api/runs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/api/runs/nope/report", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/api/runs/run-1/report?top=many", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReport_FromSink(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sink := mocks.NewMockSink(ctrl)
	sink.EXPECT().Read(gomock.Any(), "transactions").Return(models.Table{
		Columns: []string{"transaction_id", "date_close", "sum"},
		Rows: [][]string{
			{"1", "2024-03-05 09:30:00", "2500"},
			{"2", "2024-03-06 10:00:00", "1000"},
		},
	}, nil)
	sink.EXPECT().Read(gomock.Any(), etl.TableTransactionItems).Return(models.Table{}, database.ErrTableNotFound)

	f := newFixture(t, sink, Options{})
	rec, body := f.do(t, http.MethodGet, "/api/report?from=2024-03-05&to=2024-03-05&top=5", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, report.SourceSink, body["source"])
	kpi := body["kpi"].(map[string]interface{})
	assert.Equal(t, 25.0, kpi["revenue"])
	assert.Equal(t, 1.0, kpi["checks"])
}

func TestReport_SinkFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sink := mocks.NewMockSink(ctrl)
	sink.EXPECT().Read(gomock.Any(), "transactions").Return(models.Table{}, errors.New("disk full"))

	f := newFixture(t, sink, Options{})
	rec, body := f.do(t, http.MethodGet, "/api/report", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, body["error"], "disk full")
}

func TestAdminPassword(t *testing.T) {
	f := newFixture(t, nil, Options{AdminPassword: "hunter2"})

	rec, _ := f.do(t, http.MethodGet, "/api/runs/latest", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/runs/latest", "", func(r *http.Request) { r.SetBasicAuth(AdminUser, "wrong") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/runs/latest", "", func(r *http.Request) { r.SetBasicAuth(AdminUser, "hunter2") })
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "posterflow_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Add(3)

	f := newFixture(t, nil, Options{Gatherer: reg})
	rec, _ := f.do(t, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "posterflow_test_total 3")
}
