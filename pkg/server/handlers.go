package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/oposify/legisref"
	"github.com/oposify/legisref/pkg/boe"
	"github.com/oposify/legisref/pkg/document"
	"github.com/oposify/legisref/pkg/job"
	"github.com/oposify/legisref/pkg/pipeline"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, format string, args ...any) {
	respondJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": legisref.Version,
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	// Agents only work with a plausible API key configured.
	connected := len(s.cfg.LLM.APIKey) > 20

	respondJSON(w, http.StatusOK, map[string]any{
		"version":             legisref.Version,
		"modelo_ia":           s.cfg.LLM.Model,
		"gemini_conectado":    connected,
		"agentes_activos":     connected,
		"max_rondas":          s.cfg.Pipeline.MaxRounds,
		"max_workers":         s.cfg.Pipeline.MaxWorkers,
		"formatos_soportados": document.SupportedExtensions,
		"formatos_export":     s.cfg.Export.Formats,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.jobs.Stats())
}

type processRequest struct {
	Topic   string   `json:"tema"`
	Text    string   `json:"texto"`
	FileID  string   `json:"archivo_id"`
	Export  *bool    `json:"exportar"`
	Formats []string `json:"formatos"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: %v", err)
		return
	}

	topic := req.Topic
	text := req.Text

	if req.FileID != "" {
		path, err := s.resolveUpload(req.FileID)
		if err != nil {
			respondError(w, http.StatusNotFound, "%v", err)
			return
		}
		doc, err := s.extractor.Extract(r.Context(), path)
		if err != nil {
			respondError(w, http.StatusBadRequest, "extracting document: %v", err)
			return
		}
		text = doc.Text
		if topic == "" {
			topic = doc.Topic
		}
	}

	if strings.TrimSpace(text) == "" {
		respondError(w, http.StatusBadRequest, "either texto or archivo_id is required")
		return
	}
	if topic == "" {
		topic = "tema"
	}

	doExport := req.Export == nil || *req.Export
	formats := req.Formats
	if len(formats) == 0 {
		formats = s.cfg.Export.Formats
	}

	id := s.jobs.Create()
	err := s.jobs.Start(id, func(ctx context.Context) (*pipeline.Report, error) {
		return s.runJob(ctx, id, topic, text, doExport, formats)
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "starting job: %v", err)
		return
	}

	s.logger.Info("Job created", "job_id", id, "topic", topic, "chars", len(text))
	respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id": id,
		"status": string(job.StatusPending),
	})
}

func (s *Server) runJob(ctx context.Context, id, topic, text string, doExport bool, formats []string) (*pipeline.Report, error) {
	p, err := s.pipelines(func(percent float64, message string) {
		s.jobs.SetProgress(id, percent, message)
	})
	if err != nil {
		return nil, fmt.Errorf("building pipeline: %w", err)
	}

	report, err := p.Process(ctx, topic, text)
	if err != nil {
		return nil, err
	}

	if doExport && s.exporter != nil {
		files, err := s.exporter.ExportAll(ctx, report, formats)
		if err != nil {
			// Export failure does not lose the extraction result.
			s.logger.Warn("Export failed", "job_id", id, "error", err)
		} else {
			report.ExportedFiles = files
		}
	}
	return report, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobs.List()
	respondJSON(w, http.StatusOK, map[string]any{
		"total": len(jobs),
		"jobs":  jobs,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, ok := s.jobs.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "job %s no encontrado", id)
		return
	}
	respondJSON(w, http.StatusOK, j)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.jobs.Get(id); !ok {
		respondError(w, http.StatusNotFound, "job %s no encontrado", id)
		return
	}
	if !s.jobs.Cancel(id) {
		respondError(w, http.StatusBadRequest, "no se pudo cancelar el job (puede que ya esté completado)")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"mensaje": fmt.Sprintf("Job %s cancelado", id),
		"job_id":  id,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "reading upload: %v", err)
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !document.Supported(header.Filename) {
		respondError(w, http.StatusBadRequest, "formato no soportado: %s, formatos válidos: %s",
			ext, strings.Join(document.SupportedExtensions, ", "))
		return
	}

	fileID := uuid.NewString()
	path := filepath.Join(s.cfg.Server.UploadDir, fileID+ext)

	out, err := os.Create(path)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "saving upload: %v", err)
		return
	}
	size, err := io.Copy(out, file)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		respondError(w, http.StatusInternalServerError, "saving upload: %v", err)
		return
	}

	s.logger.Info("File uploaded", "archivo_id", fileID, "name", header.Filename, "bytes", size)
	respondJSON(w, http.StatusOK, map[string]any{
		"archivo_id":      fileID,
		"nombre_original": header.Filename,
		"tamaño_bytes":    size,
	})
}

type fileInfo struct {
	Name     string    `json:"nombre"`
	Size     int64     `json:"tamaño_bytes"`
	Modified time.Time `json:"fecha_modificacion"`
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.cfg.Server.UploadDir)
	if err != nil {
		if os.IsNotExist(err) {
			respondJSON(w, http.StatusOK, map[string]any{"total": 0, "archivos": []fileInfo{}})
			return
		}
		respondError(w, http.StatusInternalServerError, "listing files: %v", err)
		return
	}

	files := make([]fileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !document.Supported(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{
			Name:     entry.Name(),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Modified.After(files[j].Modified)
	})

	respondJSON(w, http.StatusOK, map[string]any{
		"total":    len(files),
		"archivos": files,
	})
}

var downloadContentTypes = map[string]string{
	"md":   "text/markdown; charset=utf-8",
	"txt":  "text/plain; charset=utf-8",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"json": "application/json; charset=utf-8",
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	format := chi.URLParam(r, "format")

	contentType, ok := downloadContentTypes[format]
	if !ok {
		respondError(w, http.StatusBadRequest, "formato inválido: %s", format)
		return
	}

	j, found := s.jobs.Get(id)
	if !found {
		respondError(w, http.StatusNotFound, "job %s no encontrado", id)
		return
	}
	if j.Status != job.StatusCompleted || j.Result == nil {
		respondError(w, http.StatusBadRequest, "el job no ha completado")
		return
	}

	path, ok := j.Result.ExportedFiles[format]
	if !ok {
		respondError(w, http.StatusNotFound, "archivo %s no encontrado para este job", format)
		return
	}
	if err := pathWithin(s.cfg.Export.Dir, path); err != nil {
		respondError(w, http.StatusForbidden, "%v", err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}

func (s *Server) handleBOEArticle(w http.ResponseWriter, r *http.Request) {
	if s.articles == nil {
		respondError(w, http.StatusServiceUnavailable, "consulta de artículos BOE no disponible")
		return
	}

	boeID := chi.URLParam(r, "boeID")
	article := chi.URLParam(r, "article")

	text, err := s.articles.Fetch(r.Context(), boeID, article)
	if err != nil {
		if errors.Is(err, boe.ErrArticleNotFound) {
			respondError(w, http.StatusNotFound,
				"artículo %s no disponible en formato estructurado para %s", article, boeID)
			return
		}
		respondError(w, http.StatusInternalServerError, "obteniendo artículo: %v", err)
		return
	}
	respondJSON(w, http.StatusOK, text)
}

// resolveUpload maps an upload ID back to its stored file.
func (s *Server) resolveUpload(fileID string) (string, error) {
	if fileID != filepath.Base(fileID) || strings.Contains(fileID, "..") {
		return "", fmt.Errorf("archivo_id inválido")
	}
	matches, err := filepath.Glob(filepath.Join(s.cfg.Server.UploadDir, fileID+".*"))
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("archivo %s no encontrado", fileID)
	}
	return matches[0], nil
}

// pathWithin rejects paths escaping the given directory.
func pathWithin(dir, path string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("ruta fuera del directorio de resultados")
	}
	return nil
}
