// Package search mirrors committed transitions into Elasticsearch so the
// back office can query the timeline across sessions.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/models"
)

const DefaultIndex = "application-transitions"

var (
	ErrIndexFailed  = errors.New("INDEX_FAILED")
	ErrSearchFailed = errors.New("SEARCH_QUERY_FAILED")
)

// IndexMapping keeps step values and ids as keywords for exact filtering.
const IndexMapping = `{
  "mappings": {
    "properties": {
      "session_id":     {"type": "keyword"},
      "channel":        {"type": "keyword"},
      "vocabulary":     {"type": "keyword"},
      "from_step":      {"type": "keyword"},
      "to_step":        {"type": "keyword"},
      "reference_code": {"type": "keyword"},
      "version":        {"type": "long"},
      "at":             {"type": "date"}
    }
  }
}`

// Document is one indexed status change.
type Document struct {
	SessionID     string                 `json:"session_id"`
	Channel       string                 `json:"channel"`
	Vocabulary    string                 `json:"vocabulary"`
	FromStep      string                 `json:"from_step"`
	ToStep        string                 `json:"to_step"`
	ReferenceCode string                 `json:"reference_code,omitempty"`
	Version       int64                  `json:"version"`
	Data          map[string]interface{} `json:"data,omitempty"`
	At            time.Time              `json:"at"`
}

// TransitionIndexer is the last post-commit hook. Indexing failures are
// returned to the hook runner, which logs them.
type TransitionIndexer struct {
	client *elasticsearch.Client
	index  string
	logger logger.Logger
}

func NewTransitionIndexer(client *elasticsearch.Client, index string, log logger.Logger) *TransitionIndexer {
	if index == "" {
		index = DefaultIndex
	}
	return &TransitionIndexer{
		client: client,
		index:  index,
		logger: log.WithFields(map[string]interface{}{"hook": "transition-indexer", "index": index}),
	}
}

func (x *TransitionIndexer) Name() string { return "transition-indexer" }

func (x *TransitionIndexer) AfterCommit(ctx context.Context, state *models.ApplicationState, change models.StatusChange) error {
	doc := Document{
		SessionID:     state.SessionID,
		Channel:       string(change.Channel),
		Vocabulary:    change.Vocabulary,
		FromStep:      change.Old,
		ToStep:        change.New,
		ReferenceCode: state.ReferenceCode,
		Version:       state.Version,
		Data:          change.Data,
		At:            change.At,
	}
	return x.Index(ctx, doc)
}

// Index writes doc under a deterministic id so a replayed change
// overwrites instead of duplicating.
func (x *TransitionIndexer) Index(ctx context.Context, doc Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrIndexFailed, err)
	}

	req := esapi.IndexRequest{
		Index:      x.index,
		DocumentID: doc.SessionID + "-" + strconv.FormatInt(doc.Version, 10),
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, x.client)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexFailed, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("%w: %s", ErrIndexFailed, readError(res.Body, res.Status()))
	}

	x.logger.Debug("Indexed transition", map[string]interface{}{
		"sessionId": doc.SessionID,
		"to":        doc.ToStep,
	})
	return nil
}

// Query filters indexed transitions. Empty fields are not filtered on.
type Query struct {
	SessionID string
	ToStep    string
	Channel   string
	Size      int
}

// Search returns matching transitions, newest first.
func (x *TransitionIndexer) Search(ctx context.Context, q Query) ([]Document, int64, error) {
	var filters []interface{}
	for field, value := range map[string]string{
		"session_id": q.SessionID,
		"to_step":    q.ToStep,
		"channel":    q.Channel,
	} {
		if value != "" {
			filters = append(filters, map[string]interface{}{
				"term": map[string]interface{}{field: value},
			})
		}
	}

	size := q.Size
	if size <= 0 {
		size = 20
	}
	body := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"filter": filters},
		},
		"sort": []interface{}{
			map[string]interface{}{"at": map[string]interface{}{"order": "desc"}},
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: encode: %v", ErrSearchFailed, err)
	}

	req := esapi.SearchRequest{
		Index: []string{x.index},
		Body:  bytes.NewReader(raw),
		Size:  &size,
	}
	res, err := req.Do(ctx, x.client)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, 0, fmt.Errorf("%w: %s", ErrSearchFailed, readError(res.Body, res.Status()))
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source Document `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, 0, fmt.Errorf("%w: decode: %v", ErrSearchFailed, err)
	}

	docs := make([]Document, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		docs = append(docs, hit.Source)
	}
	return docs, parsed.Hits.Total.Value, nil
}

func readError(body io.Reader, status string) string {
	b, _ := io.ReadAll(io.LimitReader(body, 512))
	if msg := strings.TrimSpace(string(b)); msg != "" {
		return status + ": " + msg
	}
	return status
}
