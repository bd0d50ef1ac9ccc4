package server

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
)

// handleDownload streams a tool's output directory as a zip archive
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, tool := chi.URLParam(r, "id"), chi.URLParam(r, "tool")

	job, err := s.lookupJob(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	res, ok := job.Results.Get(tool)
	if !ok || res.OutputDir == "" || !res.Status.IsFinal() {
		s.fail(w, r, &ErrOutputNotFound{JobID: job.ID, Tool: tool})
		return
	}
	if info, err := os.Stat(res.OutputDir); err != nil || !info.IsDir() {
		s.fail(w, r, &ErrOutputNotFound{JobID: job.ID, Tool: tool})
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_%s.zip"`, job.ID, tool))
	w.WriteHeader(http.StatusOK)

	if err := writeZip(w, res.OutputDir); err != nil {
		// Headers are gone; all that is left is to log and cut the stream.
		s.logger.WithError(err).WithField("job_id", job.ID).Error("Failed to stream output archive")
	}
}

// writeZip writes every regular file under root into a zip stream, using
// slash-separated paths relative to root. Symlinks are skipped.
func writeZip(w io.Writer, root string) error {
	zw := zip.NewWriter(w)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate

		dst, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close() //nolint:errcheck // read-only
		_, err = io.Copy(dst, f)
		return err
	})
	if err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}
