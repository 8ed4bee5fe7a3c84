// Package searchcluster is the search-cluster half of the store clients
// (C1): a thin wrapper over the official Elasticsearch client exposing the
// operations the coordinator and workers need, grounded on the same
// request/response shapes the official esapi package uses.
package searchcluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
)

const indexPattern = "hyphe_*"

// Client wraps *elasticsearch.Client with the operations spec §4.1 names.
type Client struct {
	es *elasticsearch.Client
}

// Config is the connection configuration for the search cluster.
type Config struct {
	Host        string
	Port        int
	TimeoutSec  int
}

// Connect builds the client and waits for the cluster to become healthy,
// following spec §4.1 precisely: an unbounded HTTP probe (1s between
// tries) until the endpoint answers, then a bounded cluster-health poll.
// Failure to reach green/yellow health within the configured timeout is
// fatal — the caller should treat a non-nil error as unrecoverable.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	addr := fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:     []string{addr},
		RetryOnStatus: []int{502, 503, 504, 429},
		MaxRetries:    3,
	})
	if err != nil {
		return nil, fmt.Errorf("searchcluster: create client: %w", err)
	}

	c := &Client{es: es}

	if err := c.waitReachable(ctx); err != nil {
		return nil, err
	}

	budget := time.Duration(cfg.TimeoutSec) * time.Second
	if err := c.WaitHealthy(ctx, budget); err != nil {
		return nil, err
	}

	return c, nil
}

// waitReachable probes Ping every second, indefinitely, until it succeeds
// or ctx is cancelled.
func (c *Client) waitReachable(ctx context.Context) error {
	for {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		res, err := c.es.Ping(c.es.Ping.WithContext(pingCtx))

		cancel()

		if err == nil {
			res.Body.Close()

			if !res.IsError() {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// WaitHealthy polls cluster.health up to budget, returning an error once
// the budget is exceeded without observing at least yellow status.
func (c *Client) WaitHealthy(ctx context.Context, budget time.Duration) error {
	deadline := time.Now().Add(budget)

	for {
		res, err := c.es.Cluster.Health(
			c.es.Cluster.Health.WithContext(ctx),
			c.es.Cluster.Health.WithWaitForStatus("yellow"),
			c.es.Cluster.Health.WithTimeout(time.Second),
		)
		if err == nil {
			res.Body.Close()

			if !res.IsError() {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("searchcluster: cluster did not become healthy within %s", budget)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// CreateIndex creates an index with the given mapping body (the already
// per-corpus-adjusted template), ignoring a "resource_already_exists"
// conflict.
func (c *Client) CreateIndex(ctx context.Context, index string, mapping []byte) error {
	res, err := c.es.Indices.Create(index,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(bytes.NewReader(mapping)),
	)
	if err != nil {
		return fmt.Errorf("searchcluster: create index %s: %w", index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		var body bytes.Buffer
		_, _ = body.ReadFrom(res.Body)

		if res.StatusCode == 400 && bytes.Contains(body.Bytes(), []byte("resource_already_exists_exception")) {
			return nil
		}

		return fmt.Errorf("searchcluster: create index %s: %s", index, res.Status())
	}

	return nil
}

// PutMapping updates the mapping of an existing index in place
// (spec §4.6 step 2, "first tick" path).
func (c *Client) PutMapping(ctx context.Context, index string, mapping []byte) error {
	var body struct {
		Mappings json.RawMessage `json:"mappings"`
	}

	if err := json.Unmarshal(mapping, &body); err != nil {
		return fmt.Errorf("searchcluster: decode mapping template: %w", err)
	}

	res, err := c.es.Indices.PutMapping([]string{index},
		bytes.NewReader(body.Mappings),
		c.es.Indices.PutMapping.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("searchcluster: put mapping %s: %w", index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("searchcluster: put mapping %s: %s", index, res.Status())
	}

	return nil
}

// ExistingIndices lists indices matching hyphe_* (spec §4.6 step 2).
func (c *Client) ExistingIndices(ctx context.Context) ([]string, error) {
	res, err := c.es.Cat.Indices(
		c.es.Cat.Indices.WithContext(ctx),
		c.es.Cat.Indices.WithIndex(indexPattern),
		c.es.Cat.Indices.WithFormat("json"),
	)
	if err != nil {
		return nil, fmt.Errorf("searchcluster: list indices: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		if res.StatusCode == 404 {
			return nil, nil
		}

		return nil, fmt.Errorf("searchcluster: list indices: %s", res.Status())
	}

	var rows []struct {
		Index string `json:"index"`
	}

	if err := json.NewDecoder(res.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("searchcluster: decode indices: %w", err)
	}

	names := make([]string, len(rows))
	for i, r := range rows {
		names[i] = r.Index
	}

	return names, nil
}

// DeleteIndices deletes the named indices (spec §4.6 step 2 cleanup, S6).
func (c *Client) DeleteIndices(ctx context.Context, indices []string) error {
	if len(indices) == 0 {
		return nil
	}

	res, err := c.es.Indices.Delete(indices, c.es.Indices.Delete.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("searchcluster: delete indices %v: %w", indices, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("searchcluster: delete indices %v: %s", indices, res.Status())
	}

	return nil
}

// Refresh makes recent writes to index visible to subsequent searches
// (spec §4.6 step 5, §4.5 step 2).
func (c *Client) Refresh(ctx context.Context, index string) error {
	res, err := c.es.Indices.Refresh(
		c.es.Indices.Refresh.WithContext(ctx),
		c.es.Indices.Refresh.WithIndex(index),
	)
	if err != nil {
		return fmt.Errorf("searchcluster: refresh %s: %w", index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("searchcluster: refresh %s: %s", index, res.Status())
	}

	return nil
}

// MaxIndexDateByIndex returns, for every index matching hyphe_*, the max
// indexDate value via a terms-on-_index aggregation with a max sub-agg
// (spec §4.6 step 3's scheduling query). Missing indices are absent from
// the result, not zero-valued; callers treat an absent entry as "0".
func (c *Client) MaxIndexDateByIndex(ctx context.Context) (map[string]time.Time, error) {
	query := map[string]any{
		"size": 0,
		"aggs": map[string]any{
			"by_index": map[string]any{
				"terms": map[string]any{"field": "_index", "size": 1000},
				"aggs": map[string]any{
					"max_index_date": map[string]any{"max": map[string]any{"field": "indexDate"}},
				},
			},
		},
	}

	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("searchcluster: marshal aggregation: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(indexPattern),
		c.es.Search.WithBody(bytes.NewReader(body)),
		c.es.Search.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return nil, fmt.Errorf("searchcluster: scheduling aggregation: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("searchcluster: scheduling aggregation: %s", res.Status())
	}

	var parsed struct {
		Aggregations struct {
			ByIndex struct {
				Buckets []struct {
					Key          string `json:"key"`
					MaxIndexDate struct {
						ValueAsString string `json:"value_as_string"`
					} `json:"max_index_date"`
				} `json:"buckets"`
			} `json:"by_index"`
		} `json:"aggregations"`
	}

	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("searchcluster: decode aggregation: %w", err)
	}

	out := make(map[string]time.Time, len(parsed.Aggregations.ByIndex.Buckets))

	for _, b := range parsed.Aggregations.ByIndex.Buckets {
		if b.MaxIndexDate.ValueAsString == "" {
			continue
		}

		t, err := time.Parse(time.RFC3339, b.MaxIndexDate.ValueAsString)
		if err != nil {
			continue
		}

		out[b.Key] = t
	}

	return out, nil
}

// BulkResult is the per-document outcome of a BulkUpsert call.
type BulkResult struct {
	SucceededIDs []string
	Failed       map[string]string // id -> "<type> : <reason>"
}

// bulkMeta is the action-and-metadata line of an NDJSON bulk body.
type bulkMeta struct {
	Update *bulkUpdateMeta `json:"update"`
}

type bulkUpdateMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

type bulkDocBody struct {
	Doc         map[string]any `json:"doc"`
	DocAsUpsert bool           `json:"doc_as_upsert"`
}

// BulkUpsert issues one bulk request with update+doc_as_upsert semantics
// for every document, using each docs map key as the document _id and the
// map value as the doc body, which carries no _id field itself
// (spec §4.4 step 3). It never fails wholesale on a per-document error;
// those are reported in BulkResult.Failed.
func (c *Client) BulkUpsert(ctx context.Context, index string, docs map[string]map[string]any) (*BulkResult, error) {
	var buf bytes.Buffer

	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}

	for _, id := range ids {
		meta := bulkMeta{Update: &bulkUpdateMeta{Index: index, ID: id}}

		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("searchcluster: marshal bulk meta: %w", err)
		}

		buf.Write(metaJSON)
		buf.WriteByte('\n')

		bodyJSON, err := json.Marshal(bulkDocBody{Doc: docs[id], DocAsUpsert: true})
		if err != nil {
			return nil, fmt.Errorf("searchcluster: marshal bulk doc: %w", err)
		}

		buf.Write(bodyJSON)
		buf.WriteByte('\n')
	}

	res, err := c.es.Bulk(bytes.NewReader(buf.Bytes()),
		c.es.Bulk.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("searchcluster: bulk request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("searchcluster: bulk request: %s", res.Status())
	}

	var parsed struct {
		Items []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}

	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("searchcluster: decode bulk response: %w", err)
	}

	out := &BulkResult{Failed: map[string]string{}}

	for _, item := range parsed.Items {
		for _, r := range item {
			if r.Error != nil {
				out.Failed[r.ID] = fmt.Sprintf("%s : %s", r.Error.Type, r.Error.Reason)
				continue
			}

			out.SucceededIDs = append(out.SucceededIDs, r.ID)
		}
	}

	return out, nil
}

// Script is a server-side painless script, transported verbatim to
// Elasticsearch — Go never interprets it (spec §4.5 note).
type Script struct {
	Source string
	Params map[string]any
}

// UpdateByQuery submits a conflicts=proceed update-by-query with script
// and query bodies built by the caller, matching spec §4.5 step 2's two
// query shapes.
func (c *Client) UpdateByQuery(ctx context.Context, index string, script Script, query map[string]any) error {
	body := map[string]any{
		"script": map[string]any{
			"source": script.Source,
			"params": script.Params,
			"lang":   "painless",
		},
		"query": query,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("searchcluster: marshal update-by-query: %w", err)
	}

	res, err := c.es.UpdateByQuery(
		[]string{index},
		c.es.UpdateByQuery.WithContext(ctx),
		c.es.UpdateByQuery.WithBody(bytes.NewReader(payload)),
		c.es.UpdateByQuery.WithConflicts("proceed"),
	)
	if err != nil {
		return fmt.Errorf("searchcluster: update-by-query %s: %w", index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("searchcluster: update-by-query %s: %s", index, res.Status())
	}

	return nil
}

// TermWebentityQuery builds the bool query for spec §4.5 step 2: a plain
// term match when prefixes is empty, or a must+should combination when
// prefixes are present.
func TermWebentityQuery(oldWebentity string, prefixes []string) map[string]any {
	if len(prefixes) == 0 {
		return map[string]any{
			"term": map[string]any{"webentity_id": oldWebentity},
		}
	}

	should := make([]map[string]any, len(prefixes))
	for i, p := range prefixes {
		should[i] = map[string]any{"term": map[string]any{"prefixes": p}}
	}

	return map[string]any{
		"bool": map[string]any{
			"must": []map[string]any{
				{"term": map[string]any{"webentity_id": oldWebentity}},
				{
					"bool": map[string]any{
						"should":               should,
						"minimum_should_match": 1,
					},
				},
			},
		},
	}
}

// IndexNameFromHyphePattern trims the hyphe_ prefix off an index name to
// recover the corpus id, the inverse of core.IndexName.
func IndexNameFromHyphePattern(index string) string {
	return strings.TrimPrefix(index, "hyphe_")
}
