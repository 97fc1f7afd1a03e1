package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/turnstile/internal/config"
	devicedomain "github.com/smallbiznis/turnstile/internal/device/domain"
	devicerepo "github.com/smallbiznis/turnstile/internal/device/repository"
	ingestdomain "github.com/smallbiznis/turnstile/internal/ingest/domain"
	ingestrepo "github.com/smallbiznis/turnstile/internal/ingest/repository"
	intervaldomain "github.com/smallbiznis/turnstile/internal/interval/domain"
	intervalrepo "github.com/smallbiznis/turnstile/internal/interval/repository"
	"github.com/smallbiznis/turnstile/internal/migration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestServer(t *testing.T) (*Server, *gorm.DB, *prometheus.Registry) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, migration.AutoMigrate(db))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	s := NewServer(ServerParams{
		Cfg:       config.Config{},
		DB:        db,
		Log:       zap.NewNop(),
		Batches:   ingestrepo.Provide(),
		Devices:   devicerepo.Provide(),
		Intervals: intervalrepo.NewRepository(node, 2),
		Gatherer:  registry,
	})
	return s, db, registry
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	s.Engine().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, db, _ := newTestServer(t)
	require.NoError(t, devicerepo.Provide().Insert(context.Background(), db, &devicedomain.Device{
		ID:             snowflake.ID(7),
		ControllerArea: "A002",
		Unit:           "R051",
		Subunit:        "02-00-00",
		CreatedAt:      time.Date(2014, 10, 18, 0, 0, 0, 0, time.UTC),
	}))

	w := serve(s, http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","devices":1}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestMetricsUsesInjectedGatherer(t *testing.T) {
	s, _, registry := newTestServer(t)
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "turnstile_test_total",
		Help: "test counter",
	})
	registry.MustRegister(counter)
	counter.Add(3)

	w := serve(s, http.MethodGet, "/metrics")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "turnstile_test_total 3")
}

func TestBatchEndpoints(t *testing.T) {
	s, db, _ := newTestServer(t)
	repo := ingestrepo.Provide()
	ctx := context.Background()
	started := time.Date(2014, 11, 1, 6, 0, 0, 0, time.UTC)

	for i, file := range []string{"turnstile_141025.txt", "turnstile_141101.txt"} {
		batch := &ingestdomain.Batch{
			ID:        snowflake.ID(100 + i),
			RunID:     "run-1",
			FileID:    file,
			FileDate:  started.AddDate(0, 0, 7*i),
			Checksum:  strings.Repeat("a", 63) + string(rune('0'+i)),
			Status:    ingestdomain.BatchStatusPending,
			StartedAt: started,
		}
		require.NoError(t, repo.Insert(ctx, db, batch))
		finished := started.Add(time.Minute)
		batch.Status = ingestdomain.BatchStatusCommitted
		batch.Intervals = 10 * (i + 1)
		batch.FinishedAt = &finished
		require.NoError(t, repo.Finish(ctx, db, batch))
	}

	// still running: only the PENDING row exists
	require.NoError(t, repo.Insert(ctx, db, &ingestdomain.Batch{
		ID:        snowflake.ID(102),
		RunID:     "run-1",
		FileID:    "turnstile_141108.txt",
		FileDate:  started.AddDate(0, 0, 14),
		Checksum:  strings.Repeat("b", 64),
		Status:    ingestdomain.BatchStatusPending,
		StartedAt: started,
	}))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	require.NoError(t, intervalrepo.NewRepository(node, 2).InsertBatch(ctx, db, snowflake.ID(101), []intervaldomain.Interval{
		{DeviceID: snowflake.ID(7), ObservedAt: 100, ActivityCode: "REGULAR", Entries: 4, Exits: 1},
		{DeviceID: snowflake.ID(7), ObservedAt: 200, ActivityCode: "REGULAR", Entries: 6, Exits: 2},
	}))

	t.Run("get batch", func(t *testing.T) {
		w := serve(s, http.MethodGet, "/batches/101")
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Data            ingestdomain.Batch `json:"data"`
			StoredIntervals int64              `json:"stored_intervals"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, snowflake.ID(101), body.Data.ID)
		assert.Equal(t, int64(2), body.StoredIntervals)
		assert.Equal(t, "turnstile_141101.txt", body.Data.FileID)
		assert.Equal(t, ingestdomain.BatchStatusCommitted, body.Data.Status)
		assert.Equal(t, 20, body.Data.Intervals)
	})

	t.Run("unknown batch", func(t *testing.T) {
		w := serve(s, http.MethodGet, "/batches/999")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), `"type":"not_found"`)
	})

	t.Run("bad id", func(t *testing.T) {
		w := serve(s, http.MethodGet, "/batches/abc")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("list run", func(t *testing.T) {
		w := serve(s, http.MethodGet, "/runs/run-1/batches")
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Data     []ingestdomain.Batch `json:"data"`
			InFlight int                  `json:"in_flight"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Len(t, body.Data, 3)
		assert.Equal(t, "turnstile_141025.txt", body.Data[0].FileID)
		assert.Equal(t, "turnstile_141101.txt", body.Data[1].FileID)
		assert.Equal(t, "turnstile_141108.txt", body.Data[2].FileID)
		assert.Equal(t, 1, body.InFlight)
	})

	t.Run("empty run", func(t *testing.T) {
		w := serve(s, http.MethodGet, "/runs/run-2/batches")
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotContains(t, w.Body.String(), "turnstile_")
	})
}
