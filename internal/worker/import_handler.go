package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"bookshelf-worker/internal/importer"
	"bookshelf-worker/internal/models"
	"bookshelf-worker/internal/telemetry"
)

// DirectoryImporter is the import pipeline contract.
type DirectoryImporter interface {
	ImportFromDirectory(ctx context.Context, root string, ownerID int64, opts importer.Options) (imported, skipped int, err error)
}

// importOptionsFile is the optional flag record uploaded alongside import
// content. Absent fields keep their defaults.
type importOptionsFile struct {
	ImportCovers *bool `json:"importCovers"`
}

// ImportHandler runs import jobs: it resolves the staged upload directory for
// the job, reads the options file, and drives the import pipeline while
// reporting progress into the job row.
type ImportHandler struct {
	store      JobStore
	importer   DirectoryImporter
	importsDir string
	log        *slog.Logger
}

func NewImportHandler(store JobStore, imp DirectoryImporter, importsDir string, log *slog.Logger) *ImportHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ImportHandler{
		store:      store,
		importer:   imp,
		importsDir: importsDir,
		log:        log,
	}
}

// Handle processes one claimed import job.
func (h *ImportHandler) Handle(ctx context.Context, job models.Job) error {
	root := filepath.Join(h.importsDir, job.ExternalID)
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return Terminal("import path not found")
	}

	importCovers := true
	optionsPath := filepath.Join(root, "import.json")
	if raw, err := os.ReadFile(optionsPath); err == nil {
		var opts importOptionsFile
		if err := json.Unmarshal(raw, &opts); err != nil {
			return Terminal("invalid import metadata: %v", err)
		}
		if opts.ImportCovers != nil {
			importCovers = *opts.ImportCovers
		}
	}

	zero := 0
	if err := h.store.UpdateStatus(ctx, job.ID, models.StatusInProgress, &zero, ""); err != nil {
		return err
	}

	imported, skipped, err := h.importer.ImportFromDirectory(ctx, root, job.OwnerID, importer.Options{
		ImportCovers: importCovers,
		OnProgress:   h.progressFunc(ctx, job),
	})
	if err != nil {
		if ctx.Err() != nil {
			// Keep the staged upload so a fresh worker can retry the import.
			return err
		}
		h.cleanup(root)
		return err
	}

	h.log.Info("import finished", "jobId", job.ExternalID, "imported", imported, "skipped", skipped)
	telemetry.FilesImported.Add(float64(imported))
	telemetry.FilesSkipped.Add(float64(skipped))
	h.cleanup(root)
	return nil
}

// progressFunc maps (processed, total) onto the job's progress column.
// Progress writes are best-effort; a failed write never stops the import.
func (h *ImportHandler) progressFunc(ctx context.Context, job models.Job) importer.ProgressFunc {
	return func(processed, total int) {
		if total == 0 {
			return
		}
		pct := processed * 100 / total
		if pct > 99 {
			// 100 is reserved for completion.
			pct = 99
		}
		if err := h.store.UpdateStatus(ctx, job.ID, models.StatusInProgress, &pct, ""); err != nil {
			h.log.Warn("progress update failed", "jobId", job.ExternalID, "error", err)
		}
	}
}

func (h *ImportHandler) cleanup(root string) {
	if err := os.RemoveAll(root); err != nil {
		h.log.Warn("cleanup import directory failed", "path", root, "error", err)
	}
}
