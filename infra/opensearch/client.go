// Package opensearch ships structured log entries to an OpenSearch cluster.
package opensearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
)

// Config holds connection settings for the log sink.
type Config struct {
	URL      string
	Username string
	Password string
	Index    string
}

// Client wraps the OpenSearch client.
type Client struct {
	client *opensearch.Client
	index  string
}

// NewClient creates a new OpenSearch client.
func NewClient(cfg Config) (*Client, error) {
	osConfig := opensearch.Config{
		Addresses: []string{cfg.URL},
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, // self-signed clusters in non-prod
			},
		},
		MaxRetries:    3,
		RetryOnStatus: []int{502, 503, 504, 429},
		RetryBackoff: func(i int) time.Duration {
			return time.Duration(i) * 100 * time.Millisecond
		},
	}

	if cfg.Username != "" && cfg.Password != "" {
		osConfig.Username = cfg.Username
		osConfig.Password = cfg.Password
	}

	client, err := opensearch.NewClient(osConfig)
	if err != nil {
		return nil, fmt.Errorf("opensearch client: %w", err)
	}

	index := cfg.Index
	if index == "" {
		index = "payrelay-system-logs"
	}

	return &Client{client: client, index: index}, nil
}

// IndexDocument writes one JSON document to the configured index.
func (c *Client) IndexDocument(ctx context.Context, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal log document: %w", err)
	}

	req := opensearchapi.IndexRequest{
		Index:      c.index,
		DocumentID: uuid.New().String(),
		Body:       bytes.NewReader(body),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return fmt.Errorf("index log document: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("index log document: %s", res.String())
	}
	return nil
}

// Ping verifies cluster reachability.
func (c *Client) Ping(ctx context.Context) error {
	res, err := opensearchapi.PingRequest{}.Do(ctx, c.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("opensearch ping: %s", res.String())
	}
	return nil
}
