package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nepiskopos/open-webui-enhancements/internal/models"
	"github.com/nepiskopos/open-webui-enhancements/internal/normalize"
	"github.com/nepiskopos/open-webui-enhancements/internal/token"
)

var errNilBody = errors.New("request body is required")

// Inlet stages the newly uploaded files of a turn and rewrites the body so
// the rest of the turn only sees them.
func (o *Orchestrator) Inlet(ctx context.Context, body *models.InletBody, user models.User) (out *models.InletBody, turn models.TurnContext, err error) {
	started := time.Now()
	defer func() { o.opts.Metrics.ObservePhase(o.opts.Pipeline, "inlet", err, started) }()
	if body == nil {
		return nil, turn, errNilBody
	}

	key := models.NewSessionKey(user.ID, body.Metadata.ChatID)
	turn = models.TurnContext{Key: key, RunID: uuid.NewString()}
	logger := o.opts.Logger.With("user_id", key.UserID, "chat_id", key.ChatID, "run_id", turn.RunID)

	if body.Metadata.Task != "" {
		logger.Debug("inlet skipped for task request", "task", body.Metadata.Task)
		return body, turn, nil
	}
	if o.opts.EmbedToken && key.ChatID != "" {
		token.Embed(body.Messages, key.ChatID)
	}
	if stale := o.opts.Store.Delete(key); len(stale) > 0 {
		logger.Warn("dropping scope left by an unfinished turn", "files", len(stale))
		if err := o.opts.Remover.RemoveArtifacts(stale); err != nil {
			logger.Error("remove stale artifacts failed", "error", err)
		}
		o.opts.Metrics.SetScopes(o.opts.Store.Len())
	}
	if len(body.Files) == 0 {
		return body, turn, nil
	}

	watermark := o.opts.Ledger.Seed(key, body.Metadata.ModelCreated())
	newest := watermark
	staged := make(map[string]*models.StagedFile)
	var accepted, rejected, skipped int

	for i := range body.Files {
		entry := &body.Files[i]
		if err := entry.Validate(i); err != nil {
			logger.Warn("skipping malformed file entry", "error", err)
			skipped++
			continue
		}
		info := entry.File
		ts := int64(info.CreatedAt)
		if ts > newest {
			newest = ts
		}
		if ts <= watermark {
			continue
		}
		if _, dup := staged[info.ID]; dup {
			continue
		}
		f := &models.StagedFile{
			ID:              info.ID,
			Filename:        info.Filename,
			ContentType:     info.Meta.ContentType,
			Path:            info.Path,
			UploadTimestamp: ts,
			Acceptability:   models.Classify(info.Meta.ContentType),
		}
		if f.Acceptability == models.Accepted {
			f.NormalizedContent = o.content(ctx, info, f)
			accepted++
		} else {
			rejected++
		}
		staged[info.ID] = f
	}

	o.opts.Ledger.Update(key, newest)
	o.opts.Store.Put(key, staged)
	o.opts.Metrics.SetScopes(o.opts.Store.Len())
	o.opts.Metrics.AddFiles(o.opts.Pipeline, "accepted", accepted)
	o.opts.Metrics.AddFiles(o.opts.Pipeline, "rejected", rejected)
	o.opts.Metrics.AddFiles(o.opts.Pipeline, "malformed", skipped)

	keep := func(e models.FileEntry) bool {
		f, ok := staged[e.ID()]
		return ok && f.Acceptability == models.Accepted
	}
	body.Files = filterEntries(body.Files, keep)
	body.Metadata.Files = filterEntries(body.Metadata.Files, keep)

	logger.Info("inlet staged files", "accepted", accepted, "rejected", rejected, "malformed", skipped, "watermark", newest)
	return body, turn, nil
}

// content returns the normalized text the host extracted, reading the
// artifact from disk when the host sent none.
func (o *Orchestrator) content(ctx context.Context, info *models.FileInfo, f *models.StagedFile) string {
	text := blankToEmpty(normalize.Text(info.Data.Content))
	if text != "" || o.opts.Loader == nil {
		return text
	}
	path := f.ArtifactPath(o.opts.Remover.UploadDir())
	if path == "" {
		return ""
	}
	raw, err := o.opts.Loader.Load(ctx, path)
	if err != nil {
		o.opts.Logger.Debug("artifact text unavailable", "file_id", f.ID, "path", path, "error", err)
		return ""
	}
	return blankToEmpty(normalize.Text(raw))
}

func blankToEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return s
}

func filterEntries(entries []models.FileEntry, keep func(models.FileEntry) bool) []models.FileEntry {
	if entries == nil {
		return nil
	}
	out := make([]models.FileEntry, 0, len(entries))
	for _, e := range entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
