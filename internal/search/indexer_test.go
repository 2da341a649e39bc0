package search

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/models"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   map[string]interface{}
}

type fakeCluster struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	response string
}

func (c *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]interface{}
	_ = json.Unmarshal(raw, &body)

	c.mu.Lock()
	c.requests = append(c.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Body: body})
	status, response := c.status, c.response
	c.mu.Unlock()

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(response))
}

func newIndexer(t *testing.T, cluster *fakeCluster) *TransitionIndexer {
	t.Helper()
	srv := httptest.NewServer(cluster)
	t.Cleanup(srv.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return NewTransitionIndexer(client, "transitions-test", logger.NewTestLogger(t))
}

func TestTransitionIndexer_IndexesChange(t *testing.T) {
	cluster := &fakeCluster{status: http.StatusCreated, response: `{"result":"created"}`}
	x := newIndexer(t, cluster)

	at := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	state := &models.ApplicationState{SessionID: "zb_1", ReferenceCode: "ZBABC123", Version: 7}
	change := models.StatusChange{
		Old:        "submitted",
		New:        "awaiting_credit_check",
		Vocabulary: "decision",
		Channel:    models.ChannelAdmin,
		At:         at,
	}

	require.NoError(t, x.AfterCommit(context.Background(), state, change))

	require.Len(t, cluster.requests, 1)
	req := cluster.requests[0]
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "/transitions-test/_doc/zb_1-7", req.Path)
	assert.Equal(t, "awaiting_credit_check", req.Body["to_step"])
	assert.Equal(t, "submitted", req.Body["from_step"])
	assert.Equal(t, "ZBABC123", req.Body["reference_code"])
	assert.Equal(t, "admin", req.Body["channel"])
}

func TestTransitionIndexer_ClusterErrorSurfaces(t *testing.T) {
	cluster := &fakeCluster{status: http.StatusInternalServerError, response: `{"error":"boom"}`}
	x := newIndexer(t, cluster)

	err := x.Index(context.Background(), Document{SessionID: "zb_1", Version: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIndexFailed)
	assert.Contains(t, err.Error(), "boom")
}

func TestTransitionIndexer_Search(t *testing.T) {
	cluster := &fakeCluster{response: `{
		"hits": {
			"total": {"value": 2},
			"hits": [
				{"_source": {"session_id": "zb_1", "to_step": "approved", "version": 4}},
				{"_source": {"session_id": "zb_1", "to_step": "awaiting_credit_check", "version": 3}}
			]
		}
	}`}
	x := newIndexer(t, cluster)

	docs, total, err := x.Search(context.Background(), Query{SessionID: "zb_1", Size: 5})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, docs, 2)
	assert.Equal(t, "approved", docs[0].ToStep)
	assert.EqualValues(t, 4, docs[0].Version)

	require.Len(t, cluster.requests, 1)
	req := cluster.requests[0]
	assert.Equal(t, "/transitions-test/_search", req.Path)

	filters := req.Body["query"].(map[string]interface{})["bool"].(map[string]interface{})["filter"].([]interface{})
	require.Len(t, filters, 1)
	term := filters[0].(map[string]interface{})["term"].(map[string]interface{})
	assert.Equal(t, "zb_1", term["session_id"])
}

func TestTransitionIndexer_SearchError(t *testing.T) {
	cluster := &fakeCluster{status: http.StatusBadRequest, response: `{"error":"parse"}`}
	x := newIndexer(t, cluster)

	_, _, err := x.Search(context.Background(), Query{ToStep: "approved"})
	assert.ErrorIs(t, err, ErrSearchFailed)
}
