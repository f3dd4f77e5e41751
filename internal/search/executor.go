// Package search executes rendered query templates against Elasticsearch.
package search

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Executor runs a bound query document and returns the result set.
type Executor interface {
	Execute(ctx context.Context, index string, query []byte, maxItems int) ([]byte, error)
}

// Error is a failed search. Status is the HTTP status returned by the
// engine, or zero when it could not be reached.
type Error struct {
	Status int
	Reason string
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return "search engine unreachable: " + e.Reason
	}
	return fmt.Sprintf("search failed with status %d: %s", e.Status, e.Reason)
}

type ElasticExecutor struct {
	client       *elasticsearch.Client
	defaultIndex string
}

func NewElasticExecutor(addresses []string, defaultIndex string, transport http.RoundTripper) (*ElasticExecutor, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &ElasticExecutor{client: client, defaultIndex: defaultIndex}, nil
}

// Execute runs query on index. The result size is capped at maxItems.
func (e *ElasticExecutor) Execute(ctx context.Context, index string, query []byte, maxItems int) ([]byte, error) {
	if index == "" {
		index = e.defaultIndex
	}
	if maxItems > 0 {
		size := gjson.GetBytes(query, "size")
		if !size.Exists() || size.Int() > int64(maxItems) {
			var err error
			if query, err = sjson.SetBytes(query, "size", maxItems); err != nil {
				return nil, fmt.Errorf("cap result size: %w", err)
			}
		}
	}

	res, err := e.client.Search(
		e.client.Search.WithContext(ctx),
		e.client.Search.WithIndex(index),
		e.client.Search.WithBody(bytes.NewReader(query)),
	)
	if err != nil {
		return nil, &Error{Reason: err.Error()}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	if res.IsError() {
		reason := gjson.GetBytes(body, "error.reason").String()
		if reason == "" {
			reason = res.Status()
		}
		return nil, &Error{Status: res.StatusCode, Reason: reason}
	}
	return summarize(body)
}

// summarize keeps the parts of a search response a client needs: total,
// timing and the hit sources with their ids.
func summarize(body []byte) ([]byte, error) {
	out := []byte(`{"total":0,"took_ms":0,"hits":[]}`)
	var err error

	if out, err = sjson.SetBytes(out, "total", gjson.GetBytes(body, "hits.total.value").Int()); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "took_ms", gjson.GetBytes(body, "took").Int()); err != nil {
		return nil, err
	}

	for i, hit := range gjson.GetBytes(body, "hits.hits").Array() {
		item := []byte(`{}`)
		if item, err = sjson.SetBytes(item, "id", hit.Get("_id").String()); err != nil {
			return nil, err
		}
		if score := hit.Get("_score"); score.Exists() && score.Type != gjson.Null {
			if item, err = sjson.SetBytes(item, "score", score.Float()); err != nil {
				return nil, err
			}
		}
		if src := hit.Get("_source"); src.Exists() {
			if item, err = sjson.SetRawBytes(item, "source", []byte(src.Raw)); err != nil {
				return nil, err
			}
		}
		if out, err = sjson.SetRawBytes(out, fmt.Sprintf("hits.%d", i), item); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Ping checks that the cluster answers.
func (e *ElasticExecutor) Ping(ctx context.Context) error {
	res, err := e.client.Ping(e.client.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return &Error{Status: res.StatusCode, Reason: res.Status()}
	}
	return nil
}
