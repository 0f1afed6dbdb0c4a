package airtable

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-token", "appBASE", "Liste médicaments",
		WithBaseURL(srv.URL),
		WithRateLimit(1000),
	)
}

func TestListAll_Pagination(t *testing.T) {
	var paths []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.RequestURI())
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "100", r.URL.Query().Get("pageSize"))

		resp := listResponse{}
		if r.URL.Query().Get("offset") == "" {
			resp.Records = []Record{{ID: "rec1", Fields: Fields{FieldCIS: "61266250"}}}
			resp.Offset = "page2"
		} else {
			assert.Equal(t, "page2", r.URL.Query().Get("offset"))
			resp.Records = []Record{{ID: "rec2", Fields: Fields{FieldCIS: "62170486"}}}
		}
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	}))

	records, err := c.ListAll(context.Background(), ListOptions{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "rec1", records[0].ID)
	assert.Equal(t, "rec2", records[1].ID)

	// table name is URL-escaped in the path
	require.Len(t, paths, 2)
	assert.Contains(t, paths[0], "/appBASE/Liste%20m%C3%A9dicaments")
}

func TestListAll_FilterAndFields(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `{Code ATC} = ''`, r.URL.Query().Get("filterByFormula"))
		assert.ElementsMatch(t, []string{FieldCIS, FieldATC}, r.URL.Query()["fields[]"])
		json.NewEncoder(w).Encode(listResponse{}) //nolint:errcheck
	}))

	records, err := c.ListAll(context.Background(), ListOptions{
		FilterByFormula: `{Code ATC} = ''`,
		Fields:          []string{FieldCIS, FieldATC},
	})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestUpsertBatch_ChunksAndMergeKey(t *testing.T) {
	var batches [][]Record
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)

		var req upsertRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{FieldCIS}, req.PerformUpsert.FieldsToMergeOn)
		batches = append(batches, req.Records)

		resp := upsertResponse{}
		for i := range req.Records {
			id := "rec" + strconv.Itoa(len(batches)*100+i)
			if i%2 == 0 {
				resp.CreatedRecords = append(resp.CreatedRecords, id)
			} else {
				resp.UpdatedRecords = append(resp.UpdatedRecords, id)
			}
		}
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	}))

	var records []Fields
	for i := range 23 {
		records = append(records, Fields{FieldCIS: fmt.Sprintf("6%07d", i)})
	}

	result, err := c.UpsertBatch(context.Background(), records)
	require.NoError(t, err)

	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 10)
	assert.Len(t, batches[1], 10)
	assert.Len(t, batches[2], 3)
	assert.Equal(t, 23, result.Created+result.Updated)
	assert.Zero(t, result.FailedBatches)
}

func TestUpsertBatch_FailedChunkContinues(t *testing.T) {
	var calls int
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":{"type":"INVALID_VALUE_FOR_COLUMN"}}`)) //nolint:errcheck
			return
		}
		var req upsertRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := upsertResponse{}
		for i := range req.Records {
			resp.CreatedRecords = append(resp.CreatedRecords, "rec"+strconv.Itoa(i))
		}
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	}))

	var records []Fields
	for i := range 15 {
		records = append(records, Fields{FieldCIS: fmt.Sprintf("6%07d", i)})
	}

	result, err := c.UpsertBatch(context.Background(), records)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 upsert batch(es) failed")
	assert.Equal(t, 1, result.FailedBatches)
	assert.Equal(t, 5, result.Created)
	assert.Equal(t, 2, calls)
}

func TestUpsertBatch_RetriesOn429(t *testing.T) {
	var calls int
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var req upsertRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Records, 1)
		json.NewEncoder(w).Encode(upsertResponse{CreatedRecords: []string{"rec1"}}) //nolint:errcheck
	}))

	result, err := c.UpsertBatch(context.Background(), []Fields{{FieldCIS: "61266250"}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 2, calls)
}

func TestUpdateBatch(t *testing.T) {
	var batches int
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		batches++
		assert.Equal(t, http.MethodPatch, r.Method)

		var req updateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.LessOrEqual(t, len(req.Records), 10)
		for _, u := range req.Records {
			assert.NotEmpty(t, u.ID)
		}
		json.NewEncoder(w).Encode(map[string]any{"records": req.Records}) //nolint:errcheck
	}))

	var updates []Update
	for i := range 12 {
		updates = append(updates, Update{
			ID:     "rec" + strconv.Itoa(i),
			Fields: Fields{FieldATC: "C10AA07"},
		})
	}

	require.NoError(t, c.UpdateBatch(context.Background(), updates))
	assert.Equal(t, 2, batches)
}

func TestDeleteBatch(t *testing.T) {
	var deleted []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		ids := r.URL.Query()["records[]"]
		assert.LessOrEqual(t, len(ids), 10)
		deleted = append(deleted, ids...)
		json.NewEncoder(w).Encode(map[string]any{}) //nolint:errcheck
	}))

	var ids []string
	for i := range 11 {
		ids = append(ids, "rec"+strconv.Itoa(i))
	}

	require.NoError(t, c.DeleteBatch(context.Background(), ids))
	assert.Len(t, deleted, 11)
}

func TestListAll_ServerError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"NOT_AUTHORIZED"}`)) //nolint:errcheck
	}))

	_, err := c.ListAll(context.Background(), ListOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list returned 403")
}
