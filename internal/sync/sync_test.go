package sync

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ordolab/bdpm-sync/internal/config"
	"github.com/ordolab/bdpm-sync/internal/enrich"
	"github.com/ordolab/bdpm-sync/internal/store"
	"github.com/ordolab/bdpm-sync/pkg/airtable"
)

// fakeFetcher serves canned bodies and a fixed current ETag per URL.
type fakeFetcher struct {
	bodies map[string][]byte
	etags  map[string]string
}

func (f *fakeFetcher) Download(_ context.Context, url string) (io.ReadCloser, error) {
	b, err := f.DownloadBytes(context.Background(), url)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeFetcher) DownloadBytes(_ context.Context, url string) ([]byte, error) {
	b, ok := f.bodies[url]
	if !ok {
		return nil, assert.AnError
	}
	return b, nil
}

func (f *fakeFetcher) DownloadToFile(_ context.Context, url, path string) (int64, error) {
	b, err := f.DownloadBytes(context.Background(), url)
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return 0, err
	}
	return int64(len(b)), nil
}

func (f *fakeFetcher) HeadETag(_ context.Context, url string) (string, error) {
	return f.etags[url], nil
}

func (f *fakeFetcher) DownloadIfChanged(_ context.Context, url, etag string) (io.ReadCloser, string, bool, error) {
	b, ok := f.bodies[url]
	if !ok {
		return nil, "", false, assert.AnError
	}
	current := f.etags[url]
	if etag != "" && etag == current {
		return nil, "", false, nil
	}
	return io.NopCloser(bytes.NewReader(b)), current, true, nil
}

// fakeStore records the run lifecycle in memory.
type fakeStore struct {
	started   []string
	completed map[string]store.Counts
	failed    map[string]string
	etags     map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		completed: make(map[string]store.Counts),
		failed:    make(map[string]string),
		etags:     make(map[string]string),
	}
}

func (s *fakeStore) StartRun(_ context.Context, kind string) (*store.Run, error) {
	id := "run-" + kind
	s.started = append(s.started, id)
	return &store.Run{ID: id, Kind: kind, Status: store.RunStatusRunning}, nil
}

func (s *fakeStore) CompleteRun(_ context.Context, runID string, counts store.Counts) error {
	s.completed[runID] = counts
	return nil
}

func (s *fakeStore) FailRun(_ context.Context, runID string, runErr error) error {
	s.failed[runID] = runErr.Error()
	return nil
}

func (s *fakeStore) ListRuns(context.Context, int) ([]store.Run, error) { return nil, nil }

func (s *fakeStore) GetSourceETag(_ context.Context, url string) (string, error) {
	return s.etags[url], nil
}

func (s *fakeStore) SetSourceETag(_ context.Context, url, etag string) error {
	s.etags[url] = etag
	return nil
}

func (s *fakeStore) Migrate(context.Context) error { return nil }
func (s *fakeStore) Close() error                  { return nil }

// fakeClient records remote writes.
type fakeClient struct {
	remote  []airtable.Record
	upserts [][]airtable.Fields
	deletes [][]string
}

func (c *fakeClient) ListAll(context.Context, airtable.ListOptions) ([]airtable.Record, error) {
	return c.remote, nil
}

func (c *fakeClient) UpsertBatch(_ context.Context, records []airtable.Fields) (airtable.UpsertResult, error) {
	c.upserts = append(c.upserts, records)
	return airtable.UpsertResult{Created: len(records)}, nil
}

func (c *fakeClient) UpdateBatch(context.Context, []airtable.Update) error { return nil }

func (c *fakeClient) DeleteBatch(_ context.Context, ids []string) error {
	c.deletes = append(c.deletes, ids)
	return nil
}

type fakeRetro struct{ set map[string]bool }

func (r *fakeRetro) Fetch(context.Context) (map[string]bool, error) { return r.set, nil }

type fakeEnricher struct {
	calls int
	stats enrich.Stats
}

func (e *fakeEnricher) Run(context.Context, int) (enrich.Stats, error) {
	e.calls++
	return e.stats, nil
}

const registryBody = "61266250\tTAHOR 10 mg\tcomprimé\torale\tLAB\n" +
	"62170486\tDOLIPRANE 500 mg\tcomprimé\torale\tSANOFI\n"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		BDPM: config.BDPMConfig{
			BaseURL:   "https://registry.example/download/file",
			InputFile: "CIS_bdpm.txt",
			DataDir:   filepath.Join(t.TempDir(), "data"),
		},
	}
}

func registryURL() string {
	return "https://registry.example/download/file/CIS_bdpm.txt"
}

func TestEngineRun_FullPipeline(t *testing.T) {
	cfg := testConfig(t)
	ft := &fakeFetcher{
		bodies: map[string][]byte{registryURL(): []byte(registryBody)},
		etags:  map[string]string{registryURL(): `"v2"`},
	}
	st := newFakeStore()
	client := &fakeClient{}

	e := NewEngine(cfg, ft, client, st, nil, nil)
	res, err := e.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.False(t, res.Unchanged)
	assert.Equal(t, 2, res.Counts["parsed"])
	assert.Equal(t, 2, res.Counts["to_create"])
	assert.Equal(t, 2, res.Counts["created"])

	require.Len(t, client.upserts, 1)
	require.Len(t, client.upserts[0], 2)
	assert.Equal(t, "61266250", client.upserts[0][0][airtable.FieldCIS])
	assert.Empty(t, client.deletes)

	// run recorded as complete, etag cached, local copy kept
	assert.Contains(t, st.completed, res.RunID)
	assert.Equal(t, `"v2"`, st.etags[registryURL()])
	data, err := os.ReadFile(filepath.Join(cfg.BDPM.DataDir, "CIS_bdpm.txt"))
	require.NoError(t, err)
	assert.Equal(t, registryBody, string(data))
}

func TestEngineRun_UnchangedSourceSkips(t *testing.T) {
	cfg := testConfig(t)
	ft := &fakeFetcher{
		bodies: map[string][]byte{registryURL(): []byte(registryBody)},
		etags:  map[string]string{registryURL(): `"v1"`},
	}
	st := newFakeStore()
	st.etags[registryURL()] = `"v1"`
	client := &fakeClient{}

	e := NewEngine(cfg, ft, client, st, nil, nil)
	res, err := e.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.True(t, res.Unchanged)
	assert.Empty(t, client.upserts)
	assert.Contains(t, st.completed, res.RunID)
}

func TestEngineRun_ForceIgnoresETag(t *testing.T) {
	cfg := testConfig(t)
	ft := &fakeFetcher{
		bodies: map[string][]byte{registryURL(): []byte(registryBody)},
		etags:  map[string]string{registryURL(): `"v1"`},
	}
	st := newFakeStore()
	st.etags[registryURL()] = `"v1"`

	e := NewEngine(cfg, ft, &fakeClient{}, st, nil, nil)
	res, err := e.Run(context.Background(), Options{Force: true})
	require.NoError(t, err)
	assert.False(t, res.Unchanged)
	assert.Equal(t, 2, res.Counts["parsed"])
}

func TestEngineRun_DryRunTouchesNothing(t *testing.T) {
	cfg := testConfig(t)
	ft := &fakeFetcher{bodies: map[string][]byte{registryURL(): []byte(registryBody)}}
	client := &fakeClient{
		remote: []airtable.Record{{ID: "recGone", Fields: airtable.Fields{airtable.FieldCIS: "60002283"}}},
	}

	e := NewEngine(cfg, ft, client, newFakeStore(), nil, nil)
	res, err := e.Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Counts["to_create"])
	assert.Equal(t, 1, res.Counts["to_delete"])
	assert.Empty(t, client.upserts)
	assert.Empty(t, client.deletes)
}

func TestEngineRun_DeletesDepartedRecords(t *testing.T) {
	cfg := testConfig(t)
	ft := &fakeFetcher{bodies: map[string][]byte{registryURL(): []byte(registryBody)}}
	client := &fakeClient{
		remote: []airtable.Record{{ID: "recGone", Fields: airtable.Fields{airtable.FieldCIS: "60002283"}}},
	}

	e := NewEngine(cfg, ft, client, newFakeStore(), nil, nil)
	res, err := e.Run(context.Background(), Options{})
	require.NoError(t, err)

	require.Len(t, client.deletes, 1)
	assert.Equal(t, []string{"recGone"}, client.deletes[0])
	assert.Equal(t, 1, res.Counts["deleted"])
}

func TestEngineRun_RetroDrivesAvailability(t *testing.T) {
	cfg := testConfig(t)
	ft := &fakeFetcher{bodies: map[string][]byte{registryURL(): []byte(registryBody)}}
	client := &fakeClient{}
	lister := &fakeRetro{set: map[string]bool{"61266250": true}}

	e := NewEngine(cfg, ft, client, newFakeStore(), lister, nil)
	res, err := e.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Counts["retro"])
	require.Len(t, client.upserts, 1)
	byCIS := make(map[string]airtable.Fields)
	for _, f := range client.upserts[0] {
		byCIS[f[airtable.FieldCIS].(string)] = f
	}
	assert.Equal(t, "Rétrocession hospitalière", byCIS["61266250"][airtable.FieldDispo])
	assert.Equal(t, "", byCIS["62170486"][airtable.FieldDispo])
}

func TestEngineRun_DownloadFailureFailsRun(t *testing.T) {
	cfg := testConfig(t)
	st := newFakeStore()

	e := NewEngine(cfg, &fakeFetcher{bodies: map[string][]byte{}}, &fakeClient{}, st, nil, nil)
	res, err := e.Run(context.Background(), Options{})
	require.Error(t, err)
	assert.Contains(t, st.failed, res.RunID)
	assert.Empty(t, st.completed)
}

func TestEngineRun_EnrichmentPhase(t *testing.T) {
	cfg := testConfig(t)
	cfg.OCR.Enable = true
	ft := &fakeFetcher{bodies: map[string][]byte{registryURL(): []byte(registryBody)}}
	enricher := &fakeEnricher{stats: enrich.Stats{Patched: 3}}

	e := NewEngine(cfg, ft, &fakeClient{}, newFakeStore(), nil, enricher)
	res, err := e.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, enricher.calls)
	assert.Equal(t, 3, res.Counts["enrich_patched"])

	// --skip-enrich wins over the config flag
	enricher.calls = 0
	_, err = e.Run(context.Background(), Options{SkipEnrich: true})
	require.NoError(t, err)
	assert.Zero(t, enricher.calls)
}
