package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nepiskopos/open-webui-enhancements/internal/models"
	"github.com/nepiskopos/open-webui-enhancements/internal/storage"
	"github.com/nepiskopos/open-webui-enhancements/internal/task"
)

const journalTimeout = 5 * time.Second

// Outlet renders the pipe output for the user, deletes every staged
// artifact of the turn and drops the scope.
func (o *Orchestrator) Outlet(ctx context.Context, body *models.OutletBody, user models.User) (out *models.OutletBody, err error) {
	started := time.Now()
	defer func() { o.opts.Metrics.ObservePhase(o.opts.Pipeline, "outlet", err, started) }()
	if body == nil {
		return nil, errNilBody
	}

	key := models.NewSessionKey(user.ID, body.ChatID)
	runID := uuid.NewString()
	logger := o.opts.Logger.With("user_id", key.UserID, "chat_id", key.ChatID, "run_id", runID)
	defer func() {
		o.opts.Store.Delete(key)
		o.opts.Metrics.SetScopes(o.opts.Store.Len())
	}()

	accepted, rejected := o.opts.Store.Partition(key)
	content := body.LastContent()

	if strings.HasPrefix(strings.TrimSpace(content), ErrorPrefix) {
		logger.Error("pipe reported an error", "content", content)
		body.SetLastContent(MsgGenericError)
	} else if rendered, ok := o.render(content, accepted, rejected); ok {
		body.SetLastContent(rendered)
	} else if len(rejected) > 0 {
		body.SetLastContent(joinSections(content, rejectedSection(rejected)))
	}

	staged := append(append([]*models.StagedFile(nil), accepted...), rejected...)
	o.journal(logger, runID, key, staged)

	if rmErr := o.opts.Remover.RemoveArtifacts(staged); rmErr != nil {
		logger.Error("artifact cleanup failed", "error", rmErr)
		return body, rmErr
	}
	logger.Info("outlet finished", "accepted", len(accepted), "rejected", len(rejected))
	return body, nil
}

// render turns a pipe payload into markdown sections. It reports false when
// content is not a pipe payload.
func (o *Orchestrator) render(content string, accepted, rejected []*models.StagedFile) (string, bool) {
	var results []models.FileResult
	if err := json.Unmarshal([]byte(content), &results); err != nil || len(results) == 0 {
		return "", false
	}
	byID := make(map[string]*models.StagedFile, len(accepted))
	for _, f := range accepted {
		byID[f.ID] = f
	}

	var sections []string
	done := make(map[string]bool, len(results))
	for _, r := range results {
		if r.ID == "" || len(r.Result) == 0 || done[r.ID] {
			continue
		}
		done[r.ID] = true
		name := r.Filename
		if f, ok := byID[r.ID]; ok && name == "" {
			name = f.Filename
		}
		sections = append(sections, o.opts.Profile.Render(strings.TrimSpace(name), r.Result))
	}
	if len(sections) == 0 {
		return "", false
	}
	for _, f := range accepted {
		if done[f.ID] {
			continue
		}
		line := fmt.Sprintf("Failed to process file **%s**", f.Filename)
		if f.Err != "" {
			line += ": " + f.Err
		}
		sections = append(sections, line)
	}
	if len(rejected) > 0 {
		sections = append(sections, rejectedSection(rejected))
	}
	return strings.Join(sections, task.Separator), true
}

func (o *Orchestrator) journal(logger *slog.Logger, runID string, key models.SessionKey, files []*models.StagedFile) {
	if o.opts.Journal == nil || len(files) == 0 {
		return
	}
	entries := make([]storage.Entry, 0, len(files))
	for _, f := range files {
		entries = append(entries, storage.EntryFor(runID, o.opts.Pipeline, key, f))
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := o.opts.Journal.Record(ctx, entries...); err != nil {
		logger.Warn("journal write failed", "error", err)
	}
}

func rejectedSection(files []*models.StagedFile) string {
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Filename)
	}
	return rejectedPrefix + strings.Join(names, ", ")
}

func joinSections(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, task.Separator)
}
