// Package cleanup deletes staged upload artifacts from the host's upload
// directory and reclaims scopes whose turn never finished.
package cleanup

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/nepiskopos/open-webui-enhancements/internal/logging"
	"github.com/nepiskopos/open-webui-enhancements/internal/models"
)

// Outcome of one artifact deletion.
type Outcome string

const (
	Removed   Outcome = "removed"
	Missing   Outcome = "missing"
	Directory Outcome = "directory"
	Failed    Outcome = "failed"
	NoPath    Outcome = "no_path"
)

// Remover applies the artifact deletion policy.
type Remover struct {
	uploadDir string
	logger    *slog.Logger
	observe   func(Outcome)
	unlink    func(string) error
}

func NewRemover(uploadDir string, logger *slog.Logger) *Remover {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Remover{uploadDir: uploadDir, logger: logger, unlink: os.Remove}
}

// Observe registers a callback for each deletion outcome.
func (r *Remover) Observe(fn func(Outcome)) { r.observe = fn }

// UploadDir is the directory artifact paths are derived from.
func (r *Remover) UploadDir() string { return r.uploadDir }

// RemoveArtifacts deletes the artifact of every file. Missing files and
// directories are logged and skipped. Every deletion is attempted; the
// returned error joins the failures and matches fs.ErrPermission when one
// of them was a permission error.
func (r *Remover) RemoveArtifacts(files []*models.StagedFile) error {
	var errs []error
	for _, f := range files {
		if err := r.remove(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Remover) remove(f *models.StagedFile) error {
	path := f.ArtifactPath(r.uploadDir)
	if path == "" {
		r.record(NoPath)
		return nil
	}
	info, err := os.Lstat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		r.logger.Warn("artifact already gone", "file_id", f.ID, "path", path)
		r.record(Missing)
		return nil
	case err == nil && info.IsDir():
		r.logger.Warn("artifact path is a directory, skipping", "file_id", f.ID, "path", path)
		r.record(Directory)
		return nil
	}

	if err := r.unlink(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.record(Missing)
			return nil
		}
		r.record(Failed)
		if errors.Is(err, fs.ErrPermission) {
			r.logger.Error("no permission to delete artifact", "file_id", f.ID, "path", path, "error", err)
		} else {
			r.logger.Error("delete artifact failed", "file_id", f.ID, "path", path, "error", err)
		}
		return fmt.Errorf("delete artifact %s: %w", f.ID, err)
	}
	r.logger.Debug("artifact deleted", "file_id", f.ID, "path", path)
	r.record(Removed)
	return nil
}

func (r *Remover) record(o Outcome) {
	if r.observe != nil {
		r.observe(o)
	}
}
