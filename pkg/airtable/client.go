// Package airtable provides a client for the Airtable REST API, scoped to a
// single base and table.
package airtable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Field names of the drug registry table.
const (
	FieldCIS         = "Code cis"
	FieldSpecialite  = "Spécialité"
	FieldForme       = "Forme"
	FieldVoie        = "Voie d'administration"
	FieldLaboratoire = "Laboratoire"
	FieldATC         = "Code ATC"
	FieldATCL4       = "Code ATC (niveau 4)"
	FieldCIP13       = "CIP 13"
	FieldCPD         = "Conditions de prescription et délivrance"
	FieldRCPLink     = "Lien vers RCP"
	FieldDispo       = "Disponibilité du traitement"
)

// batchSize is Airtable's hard limit on records per write request.
const batchSize = 10

// Fields is one record's field map.
type Fields map[string]any

// Record is an Airtable record with its opaque record id.
type Record struct {
	ID     string `json:"id,omitempty"`
	Fields Fields `json:"fields"`
}

// Update patches a record identified by record id.
type Update struct {
	ID     string `json:"id"`
	Fields Fields `json:"fields"`
}

// ListOptions narrows a ListAll call.
type ListOptions struct {
	// FilterByFormula is an Airtable formula, e.g. `{Code ATC} = ''`.
	FilterByFormula string
	// Fields restricts the returned field set.
	Fields []string
}

// UpsertResult aggregates the outcome of an UpsertBatch call.
type UpsertResult struct {
	Created int
	Updated int
	// FailedBatches counts chunks rejected by the API; their records were
	// not written.
	FailedBatches int
}

// Client defines the Airtable operations used by the sync pipeline.
type Client interface {
	ListAll(ctx context.Context, opts ListOptions) ([]Record, error)
	// UpsertBatch writes records keyed on the CIS field: existing records
	// matching on "Code cis" are updated, others created. Re-running the
	// same payload never produces duplicates.
	UpsertBatch(ctx context.Context, records []Fields) (UpsertResult, error)
	UpdateBatch(ctx context.Context, updates []Update) error
	DeleteBatch(ctx context.Context, ids []string) error
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom API base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit overrides the default 5 req/s limit.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

type httpClient struct {
	token   string
	baseID  string
	table   string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a client for one base and table. Calls are throttled to
// 5 req/s, Airtable's published per-base limit.
func NewClient(token, baseID, table string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseID:  baseID,
		table:   table,
		baseURL: "https://api.airtable.com/v0",
		http: &http.Client{
			Timeout: 45 * time.Second,
		},
		limiter: rate.NewLimiter(5, 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) tableURL() string {
	return fmt.Sprintf("%s/%s/%s", c.baseURL, c.baseID, url.PathEscape(c.table))
}

func (c *httpClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo executes an HTTP request with exponential backoff retries on
// transient failures (429, 500, 502, 503). The request body, if any, is
// restored from reqBody on each attempt.
func (c *httpClient) retryDo(ctx context.Context, req *http.Request, reqBody []byte) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.wait(ctx); err != nil {
			return nil, 0, eris.Wrap(err, "airtable: rate limit")
		}

		retryReq := req.Clone(ctx)
		if reqBody != nil {
			retryReq.Body = io.NopCloser(bytes.NewReader(reqBody))
		}

		resp, err := c.http.Do(retryReq)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return nil, 0, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "airtable: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("airtable: status %d: %s", resp.StatusCode, string(body))
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		return body, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}

func (c *httpClient) newRequest(ctx context.Context, method, rawURL string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return nil, eris.Wrap(err, "airtable: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

type listResponse struct {
	Records []Record `json:"records"`
	Offset  string   `json:"offset"`
}

// ListAll pages through the whole table (pageSize 100) and returns every
// record.
func (c *httpClient) ListAll(ctx context.Context, opts ListOptions) ([]Record, error) {
	var (
		records []Record
		offset  string
	)

	for {
		params := url.Values{}
		params.Set("pageSize", "100")
		if opts.FilterByFormula != "" {
			params.Set("filterByFormula", opts.FilterByFormula)
		}
		for _, f := range opts.Fields {
			params.Add("fields[]", f)
		}
		if offset != "" {
			params.Set("offset", offset)
		}

		req, err := c.newRequest(ctx, http.MethodGet, c.tableURL()+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}

		body, status, err := c.retryDo(ctx, req, nil)
		if err != nil {
			return nil, eris.Wrap(err, "airtable: list records")
		}
		if status != http.StatusOK {
			return nil, eris.Errorf("airtable: list returned %d: %s", status, string(body))
		}

		var page listResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, eris.Wrap(err, "airtable: unmarshal list response")
		}

		records = append(records, page.Records...)
		if page.Offset == "" {
			return records, nil
		}
		offset = page.Offset
	}
}

type upsertRequest struct {
	PerformUpsert upsertSpec `json:"performUpsert"`
	Records       []Record   `json:"records"`
}

type upsertSpec struct {
	FieldsToMergeOn []string `json:"fieldsToMergeOn"`
}

type upsertResponse struct {
	Records        []Record `json:"records"`
	CreatedRecords []string `json:"createdRecords"`
	UpdatedRecords []string `json:"updatedRecords"`
}

// UpsertBatch writes records in chunks of 10, merging on the CIS field. A
// rejected chunk is logged and counted; the remaining chunks are still
// attempted.
func (c *httpClient) UpsertBatch(ctx context.Context, records []Fields) (UpsertResult, error) {
	log := zap.L().With(zap.String("component", "airtable"))

	var (
		result UpsertResult
		errs   []string
	)

	for start := 0; start < len(records); start += batchSize {
		end := min(start+batchSize, len(records))

		payload := upsertRequest{
			PerformUpsert: upsertSpec{FieldsToMergeOn: []string{FieldCIS}},
		}
		for _, f := range records[start:end] {
			payload.Records = append(payload.Records, Record{Fields: f})
		}

		body, err := json.Marshal(payload)
		if err != nil {
			return result, eris.Wrap(err, "airtable: marshal upsert payload")
		}

		req, err := c.newRequest(ctx, http.MethodPatch, c.tableURL(), body)
		if err != nil {
			return result, err
		}

		respBody, status, err := c.retryDo(ctx, req, body)
		if err == nil && status != http.StatusOK {
			err = eris.Errorf("airtable: upsert returned %d: %s", status, string(respBody))
		}
		if err != nil {
			result.FailedBatches++
			errs = append(errs, err.Error())
			log.Warn("upsert batch failed",
				zap.Int("offset", start),
				zap.Int("size", end-start),
				zap.Error(err))
			continue
		}

		var resp upsertResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return result, eris.Wrap(err, "airtable: unmarshal upsert response")
		}
		result.Created += len(resp.CreatedRecords)
		result.Updated += len(resp.UpdatedRecords)
	}

	if len(errs) > 0 {
		return result, eris.Errorf("airtable: %d upsert batch(es) failed: %s",
			result.FailedBatches, strings.Join(errs, "; "))
	}
	return result, nil
}

type updateRequest struct {
	Records []Update `json:"records"`
}

// UpdateBatch patches records by record id in chunks of 10.
func (c *httpClient) UpdateBatch(ctx context.Context, updates []Update) error {
	for start := 0; start < len(updates); start += batchSize {
		end := min(start+batchSize, len(updates))

		body, err := json.Marshal(updateRequest{Records: updates[start:end]})
		if err != nil {
			return eris.Wrap(err, "airtable: marshal update payload")
		}

		req, err := c.newRequest(ctx, http.MethodPatch, c.tableURL(), body)
		if err != nil {
			return err
		}

		respBody, status, err := c.retryDo(ctx, req, body)
		if err != nil {
			return eris.Wrap(err, "airtable: update batch")
		}
		if status != http.StatusOK {
			return eris.Errorf("airtable: update returned %d: %s", status, string(respBody))
		}
	}
	return nil
}

// DeleteBatch deletes records by record id in chunks of 10.
func (c *httpClient) DeleteBatch(ctx context.Context, ids []string) error {
	for start := 0; start < len(ids); start += batchSize {
		end := min(start+batchSize, len(ids))

		params := url.Values{}
		for _, id := range ids[start:end] {
			params.Add("records[]", id)
		}

		req, err := c.newRequest(ctx, http.MethodDelete, c.tableURL()+"?"+params.Encode(), nil)
		if err != nil {
			return err
		}

		respBody, status, err := c.retryDo(ctx, req, nil)
		if err != nil {
			return eris.Wrap(err, "airtable: delete batch")
		}
		if status != http.StatusOK {
			return eris.Errorf("airtable: delete returned %d: %s", status, string(respBody))
		}
	}
	return nil
}
