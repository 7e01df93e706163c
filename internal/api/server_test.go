package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amr-import-engine/internal/domain"
	"github.com/amr-import-engine/internal/ledger"
	"github.com/amr-import-engine/internal/pipeline"
	"github.com/amr-import-engine/internal/refdata"
	"github.com/amr-import-engine/internal/store"
)

// memTemplates is a map-backed TemplateStore for handler tests.
type memTemplates struct {
	byKey map[string]*domain.MappingTemplate
}

func newMemTemplates() *memTemplates {
	return &memTemplates{byKey: make(map[string]*domain.MappingTemplate)}
}

func (m *memTemplates) key(owner, name string) string { return owner + "/" + name }

func (m *memTemplates) Save(_ context.Context, t *domain.MappingTemplate) error {
	if existing, ok := m.byKey[m.key(t.Owner, t.Name)]; ok {
		if existing.Locked {
			return domain.ErrTemplateLocked
		}
		t.Version = existing.Version + 1
	} else {
		t.Version = 1
	}
	m.byKey[m.key(t.Owner, t.Name)] = t.Clone()
	return nil
}

func (m *memTemplates) Get(_ context.Context, owner, name string) (*domain.MappingTemplate, error) {
	t, ok := m.byKey[m.key(owner, name)]
	if !ok {
		return nil, domain.ErrTemplateNotFound
	}
	return t.Clone(), nil
}

func (m *memTemplates) List(_ context.Context, owner string) ([]*domain.MappingTemplate, error) {
	var out []*domain.MappingTemplate
	for k, t := range m.byKey {
		if strings.HasPrefix(k, owner+"/") {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (m *memTemplates) Delete(_ context.Context, owner, name string) error {
	if _, ok := m.byKey[m.key(owner, name)]; !ok {
		return domain.ErrTemplateNotFound
	}
	delete(m.byKey, m.key(owner, name))
	return nil
}

func (m *memTemplates) Lock(_ context.Context, owner, name string) error {
	t, ok := m.byKey[m.key(owner, name)]
	if !ok {
		return domain.ErrTemplateNotFound
	}
	t.Locked = true
	return nil
}

func testServer(t *testing.T) (*Server, *store.MemoryStore, *memTemplates) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	mem := store.NewMemoryStore()
	led, err := ledger.NewSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	snapshot := refdata.NewSnapshot(
		[]domain.Organism{{Code: "ECO", Name: "Escherichia coli"}},
		[]domain.Antibiotic{{Code: "AMP", Name: "Ampicillin"}},
		[]domain.BreakpointRule{{
			Antibiotic: "AMP", Method: domain.MethodMIC, Standard: "CLSI", Version: "2024",
			SusceptibleMax: 8, ResistantMin: 32, InclusiveSusceptible: true,
		}},
	)

	templates := newMemTemplates()
	pipe, err := pipeline.New(domain.ImportConfig{Concurrency: 2}, pipeline.Deps{
		Log: log, RefData: snapshot, Store: mem, Templates: templates, Ledger: led,
	})
	require.NoError(t, err)

	srv := NewServer(domain.ServerConfig{MaxUploadMB: 1}, log, pipe, led, templates)
	return srv, mem, templates
}

func uploadRequest(t *testing.T, fields map[string]string, filename string, content []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/imports", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

var sampleCSV = []byte(
	"specimen_id,organism,collection_date,specimen_source,standard,standard_version,AMP_SIR\n" +
		"S1,ECO,2024-03-01,urine,CLSI,2024,R\n")

func TestHealthz(t *testing.T) {
	srv, _, _ := testServer(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestImportEndpoint_Commits(t *testing.T) {
	srv, mem, _ := testServer(t)

	w := httptest.NewRecorder()
	req := uploadRequest(t, map[string]string{"actor": "alice"}, "export.csv", sampleCSV)
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var report domain.BatchReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, domain.BatchCommitted, report.Status)
	assert.Equal(t, 1, report.Counts.Committed)
	assert.Equal(t, 1, mem.Len())
}

func TestImportEndpoint_FailedBatchIs422(t *testing.T) {
	srv, _, _ := testServer(t)

	// Rows missing required fields produce a failed batch with a report.
	csv := []byte("specimen_id,organism\nS1,ECO\n")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, uploadRequest(t, nil, "broken.csv", csv))

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var report domain.BatchReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, domain.BatchFailed, report.Status)
	assert.NotEmpty(t, report.Issues)
}

func TestImportEndpoint_MissingFile(t *testing.T) {
	srv, _, _ := testServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/imports", strings.NewReader(""))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImportEndpoint_UploadTooLarge(t *testing.T) {
	srv, _, _ := testServer(t)

	big := bytes.Repeat([]byte("a"), 2<<20)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, uploadRequest(t, nil, "big.csv", big))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestImportEndpoint_UnknownTemplate(t *testing.T) {
	srv, _, _ := testServer(t)

	w := httptest.NewRecorder()
	req := uploadRequest(t, map[string]string{
		"template_owner": "lab-a", "template_name": "absent",
	}, "export.csv", sampleCSV)
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBatchEndpoints(t *testing.T) {
	srv, _, _ := testServer(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, uploadRequest(t, map[string]string{"actor": "alice"}, "export.csv", sampleCSV))
	require.Equal(t, http.StatusCreated, w.Code)
	var report domain.BatchReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/batches/"+report.BatchID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var batch domain.ImportBatch
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &batch))
	assert.Equal(t, domain.BatchCommitted, batch.Status)
	assert.Equal(t, "alice", batch.Actor)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/batches/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/batches?actor=alice", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Batches []*domain.ImportBatch `json:"batches"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	assert.Len(t, listing.Batches, 1)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/batches?since=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/batches?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRollbackEndpoint(t *testing.T) {
	srv, mem, _ := testServer(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, uploadRequest(t, nil, "export.csv", sampleCSV))
	require.Equal(t, http.StatusCreated, w.Code)
	var report domain.BatchReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	require.Equal(t, 1, mem.Len())

	url := fmt.Sprintf("/v1/batches/%s/rollback", report.BatchID)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, url, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, mem.Len())

	// A second rollback of the same batch conflicts.
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, url, nil))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTemplateEndpoints(t *testing.T) {
	srv, _, templates := testServer(t)

	body := `{
		"owner": "lab-a", "name": "lis-export", "mode": "wide",
		"standard": "CLSI", "standard_version": "2024",
		"columns": [{"source": "SID", "target": "specimen_id", "required": true}]
	}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/templates", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var saved domain.MappingTemplate
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &saved))
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, 1, saved.Version)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/templates/lab-a/lis-export", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/templates?owner=lab-a", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// Owner is mandatory for listing.
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/templates", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// An invalid template never reaches the store.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/templates", strings.NewReader(`{"name": "no-owner", "mode": "wide"}`))
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Saving over a locked template conflicts.
	require.NoError(t, templates.Lock(context.Background(), "lab-a", "lis-export"))
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/templates", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/templates/lab-a/lis-export", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/templates/lab-a/lis-export", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
