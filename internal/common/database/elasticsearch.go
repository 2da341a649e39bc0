package database

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/tidwall/gjson"

	"application-lifecycle/internal/common/config"
)

// ElasticsearchClient is the connection the transition indexer writes through.
type ElasticsearchClient struct {
	Client *elasticsearch.Client
}

func NewElasticsearch(cfg config.ElasticsearchConfig) (*ElasticsearchClient, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("elasticsearch addresses are empty")
	}
	esCfg := elasticsearch.Config{
		Addresses:     cfg.Addresses,
		RetryOnStatus: []int{502, 503, 504, 429},
		MaxRetries:    cfg.MaxRetries,
	}
	if esCfg.MaxRetries <= 0 {
		esCfg.MaxRetries = 3
	}
	if cfg.Username != "" {
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	}

	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return &ElasticsearchClient{Client: es}, nil
}

func (c *ElasticsearchClient) Ping(ctx context.Context) error {
	res, err := c.Client.Ping(c.Client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elasticsearch ping failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping error: %s", res.Status())
	}
	return nil
}

// EnsureIndex creates index with mapping unless it already exists. Losing a
// creation race to another replica counts as success.
func (c *ElasticsearchClient) EnsureIndex(ctx context.Context, index, mapping string) error {
	exists, err := c.Client.Indices.Exists([]string{index}, c.Client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index %s: %w", index, err)
	}
	exists.Body.Close()
	switch exists.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
	default:
		return fmt.Errorf("check index %s: %s", index, exists.Status())
	}

	res, err := c.Client.Indices.Create(index,
		c.Client.Indices.Create.WithContext(ctx),
		c.Client.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		return fmt.Errorf("create index %s: %w", index, err)
	}
	defer res.Body.Close()

	if !res.IsError() {
		return nil
	}
	body, _ := io.ReadAll(res.Body)
	reason := gjson.GetBytes(body, "error.type").String()
	if reason == "resource_already_exists_exception" {
		return nil
	}
	if reason == "" {
		reason = res.Status()
	}
	return fmt.Errorf("create index %s: %s", index, reason)
}
