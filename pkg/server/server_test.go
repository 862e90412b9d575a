package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oposify/legisref/pkg/boe"
	"github.com/oposify/legisref/pkg/config"
	"github.com/oposify/legisref/pkg/job"
	"github.com/oposify/legisref/pkg/pipeline"
)

type fakeProcessor struct {
	report *pipeline.Report
	err    error
}

func (f *fakeProcessor) Process(ctx context.Context, topic, text string) (*pipeline.Report, error) {
	if f.err != nil {
		return nil, f.err
	}
	report := *f.report
	report.Topic = topic
	return &report, nil
}

type fakeExporter struct {
	files map[string]string
	err   error
}

func (f *fakeExporter) ExportAll(ctx context.Context, report *pipeline.Report, formats []string) (map[string]string, error) {
	return f.files, f.err
}

type fakeArticles struct {
	text *boe.ArticleText
	err  error
}

func (f *fakeArticles) Fetch(ctx context.Context, boeID, article string) (*boe.ArticleText, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.text, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Server.UploadDir = t.TempDir()
	cfg.Export.Dir = t.TempDir()
	cfg.LLM.APIKey = "test-key-long-enough-to-count"
	return cfg
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Config == nil {
		opts.Config = testConfig(t)
	}
	if opts.Pipeline == nil {
		opts.Pipeline = func(progress pipeline.ProgressFunc) (Processor, error) {
			return &fakeProcessor{report: &pipeline.Report{TotalExtracted: 3}}, nil
		}
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func waitForJob(t *testing.T, s *Server, id string, want job.Status) job.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		j, ok := s.jobs.Get(id)
		return ok && j.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	j, _ := s.jobs.Get(id)
	return j
}

func TestNewRequiresConfigAndPipeline(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{Config: testConfig(t)})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := doJSON(t, s.router(), http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["version"])
}

func TestInfo(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Model = "gemini-2.0-flash"
	s := newTestServer(t, Options{Config: cfg})

	rec := doJSON(t, s.router(), http.MethodGet, "/api/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "gemini-2.0-flash", body["modelo_ia"])
	assert.Equal(t, true, body["gemini_conectado"])
	assert.InDelta(t, 7, body["max_rondas"], 0.001)
}

func TestProcessWithInlineText(t *testing.T) {
	s := newTestServer(t, Options{})
	router := s.router()

	rec := doJSON(t, router, http.MethodPost, "/api/process", map[string]any{
		"tema":     "Tema 1",
		"texto":    "Según la Ley 39/2015.",
		"exportar": false,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decode(t, rec)
	id := body["job_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "pending", body["status"])

	j := waitForJob(t, s, id, job.StatusCompleted)
	require.NotNil(t, j.Result)
	assert.Equal(t, "Tema 1", j.Result.Topic)
	assert.Equal(t, 3, j.Result.TotalExtracted)
}

func TestProcessRequiresText(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := doJSON(t, s.router(), http.MethodPost, "/api/process", map[string]any{"tema": "vacío"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "texto")
}

func TestProcessExportsFiles(t *testing.T) {
	cfg := testConfig(t)
	exported := filepath.Join(cfg.Export.Dir, "tema.md")
	require.NoError(t, os.WriteFile(exported, []byte("# resultado"), 0o644))

	s := newTestServer(t, Options{
		Config:   cfg,
		Exporter: &fakeExporter{files: map[string]string{"md": exported}},
	})

	rec := doJSON(t, s.router(), http.MethodPost, "/api/process", map[string]any{
		"texto": "Ley 39/2015",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode(t, rec)["job_id"].(string)

	j := waitForJob(t, s, id, job.StatusCompleted)
	require.NotNil(t, j.Result)
	assert.Equal(t, exported, j.Result.ExportedFiles["md"])
}

func TestProcessFromUploadedFile(t *testing.T) {
	cfg := testConfig(t)
	s := newTestServer(t, Options{Config: cfg})
	router := s.router()

	// Upload a topic file first.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "tema-05.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("El artículo 24 de la Constitución."))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	upload := decode(t, rec)
	fileID := upload["archivo_id"].(string)
	assert.Equal(t, "tema-05.txt", upload["nombre_original"])

	// Process by archivo_id.
	rec = doJSON(t, router, http.MethodPost, "/api/process", map[string]any{
		"archivo_id": fileID,
		"exportar":   false,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode(t, rec)["job_id"].(string)

	j := waitForJob(t, s, id, job.StatusCompleted)
	require.NotNil(t, j.Result)
	// Topic falls back to the stored file name.
	assert.Equal(t, fileID, j.Result.Topic)
}

func TestProcessUnknownFile(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := doJSON(t, s.router(), http.MethodPost, "/api/process", map[string]any{
		"archivo_id": "no-existe",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadRejectsUnsupportedFormat(t *testing.T) {
	s := newTestServer(t, Options{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "imagen.png")
	require.NoError(t, err)
	_, err = part.Write([]byte{0x89, 0x50, 0x4e, 0x47})
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "formato no soportado")
}

func TestListFiles(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Server.UploadDir, "a.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Server.UploadDir, "nota.png"), []byte("x"), 0o644))

	s := newTestServer(t, Options{Config: cfg})
	rec := doJSON(t, s.router(), http.MethodGet, "/api/files", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.InDelta(t, 1, body["total"], 0.001)
}

func TestJobEndpoints(t *testing.T) {
	s := newTestServer(t, Options{})
	router := s.router()

	rec := doJSON(t, router, http.MethodGet, "/api/jobs/desconocido", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/process", map[string]any{
		"texto": "Ley 39/2015", "exportar": false,
	})
	id := decode(t, rec)["job_id"].(string)
	waitForJob(t, s, id, job.StatusCompleted)

	rec = doJSON(t, router, http.MethodGet, "/api/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decode(t, rec)["status"])

	rec = doJSON(t, router, http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 1, decode(t, rec)["total"], 0.001)

	// Terminal jobs cannot be cancelled.
	rec = doJSON(t, router, http.MethodDelete, "/api/jobs/"+id, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := doJSON(t, s.router(), http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Contains(t, body, "total_jobs")
}

func TestDownload(t *testing.T) {
	cfg := testConfig(t)
	exported := filepath.Join(cfg.Export.Dir, "tema.md")
	require.NoError(t, os.WriteFile(exported, []byte("# resultado"), 0o644))

	s := newTestServer(t, Options{
		Config:   cfg,
		Exporter: &fakeExporter{files: map[string]string{"md": exported}},
	})
	router := s.router()

	rec := doJSON(t, router, http.MethodPost, "/api/process", map[string]any{"texto": "Ley 39/2015"})
	id := decode(t, rec)["job_id"].(string)
	waitForJob(t, s, id, job.StatusCompleted)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/download/%s/md", id), nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req)

	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, "# resultado", rec2.Body.String())
	assert.Contains(t, rec2.Header().Get("Content-Type"), "text/markdown")

	// Unknown format.
	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/download/%s/pdf", id), nil)
	rec2 = httptest.NewRecorder()
	router.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestDownloadRejectsEscapedPath(t *testing.T) {
	cfg := testConfig(t)
	outside := filepath.Join(t.TempDir(), "secreto.md")
	require.NoError(t, os.WriteFile(outside, []byte("privado"), 0o644))

	s := newTestServer(t, Options{
		Config:   cfg,
		Exporter: &fakeExporter{files: map[string]string{"md": outside}},
	})
	router := s.router()

	rec := doJSON(t, router, http.MethodPost, "/api/process", map[string]any{"texto": "Ley 39/2015"})
	id := decode(t, rec)["job_id"].(string)
	waitForJob(t, s, id, job.StatusCompleted)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/download/%s/md", id), nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusForbidden, rec2.Code)
}

func TestBOEArticleEndpoint(t *testing.T) {
	s := newTestServer(t, Options{
		Articles: &fakeArticles{text: &boe.ArticleText{
			Number: "24",
			Title:  "Artículo 24",
			BOEID:  "BOE-A-1978-31229",
		}},
	})

	rec := doJSON(t, s.router(), http.MethodGet, "/api/boe/articulo/BOE-A-1978-31229/24", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "24", decode(t, rec)["numero"])
}

func TestBOEArticleNotFound(t *testing.T) {
	s := newTestServer(t, Options{Articles: &fakeArticles{err: boe.ErrArticleNotFound}})

	rec := doJSON(t, s.router(), http.MethodGet, "/api/boe/articulo/BOE-A-1978-31229/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBOEArticleUnavailable(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := doJSON(t, s.router(), http.MethodGet, "/api/boe/articulo/BOE-A-1978-31229/24", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, Options{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
