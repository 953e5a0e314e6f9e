package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nepiskopos/open-webui-enhancements/internal/backend"
	"github.com/nepiskopos/open-webui-enhancements/internal/models"
	"github.com/nepiskopos/open-webui-enhancements/internal/token"
	"github.com/nepiskopos/open-webui-enhancements/internal/worker"
)

// PipeRequest is what the host hands to the pipe hook.
type PipeRequest struct {
	User     models.User
	Messages []models.Message
	Metadata models.Metadata
}

// Pipe processes the staged accepted files of the turn and returns the
// serialized per-file results, a user-facing notice, or an ERROR-prefixed
// failure.
func (o *Orchestrator) Pipe(ctx context.Context, req PipeRequest) string {
	started := time.Now()
	var failed error
	defer func() { o.opts.Metrics.ObservePhase(o.opts.Pipeline, "pipe", failed, started) }()

	if req.Metadata.Task != "" {
		return ""
	}
	chatID, _ := token.Recover(req.Messages)
	if req.Metadata.ChatID != "" {
		chatID = req.Metadata.ChatID
	}
	key := models.NewSessionKey(req.User.ID, chatID)
	logger := o.opts.Logger.With("user_id", key.UserID, "chat_id", key.ChatID)

	accepted, _ := o.opts.Store.Partition(key)
	if len(accepted) == 0 {
		logger.Warn("pipe found no compatible files")
		return MsgNoFiles
	}
	var work []*models.StagedFile
	for _, f := range accepted {
		if f.Size() > 0 {
			work = append(work, f)
		} else {
			logger.Warn("staged file is empty", "file_id", f.ID, "filename", f.Filename)
		}
	}
	if len(work) == 0 {
		logger.Warn("all staged files are empty")
		return MsgAllEmpty
	}

	invoker := o.currentInvoker()
	results := make([]*models.FileResult, len(work))
	jobs := make([]worker.Job, len(work))
	for i, f := range work {
		jobs[i] = func(ctx context.Context) error {
			res, err := o.process(ctx, invoker, key, f)
			results[i] = res
			return err
		}
	}
	errs := o.opts.Pool.Run(ctx, jobs)

	var out []models.FileResult
	for i, res := range results {
		if errs[i] != nil || res == nil {
			continue
		}
		out = append(out, *res)
	}
	if len(out) == 0 {
		failed = fmt.Errorf("all %d files failed", len(work))
		logger.Error("pipe failed for every file", "files", len(work))
		return ErrorPrefix + MsgProcessFailed
	}
	payload, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		failed = err
		logger.Error("encode pipe results failed", "error", err)
		return ErrorPrefix + MsgProcessFailed
	}
	logger.Info("pipe finished", "processed", len(out), "failed", len(work)-len(out))
	return string(payload)
}

func (o *Orchestrator) process(ctx context.Context, invoker backend.Invoker, key models.SessionKey, f *models.StagedFile) (*models.FileResult, error) {
	logger := o.opts.Logger.With("user_id", key.UserID, "chat_id", key.ChatID, "file_id", f.ID)
	if invoker == nil {
		err := fmt.Errorf("%w: no invoker configured", backend.ErrUnavailable)
		o.opts.Store.AttachError(key, f.ID, backend.UserMessage(err))
		return nil, err
	}

	started := time.Now()
	raw, err := invoker.Invoke(ctx, o.opts.Profile.Prompt(f.NormalizedContent))
	o.opts.Metrics.ObserveBackend(o.opts.Pipeline, err, time.Since(started))
	if err != nil {
		logger.Error("backend call failed", "filename", f.Filename, "error", err)
		o.opts.Store.AttachError(key, f.ID, backend.UserMessage(err))
		return nil, err
	}
	result, err := o.opts.Profile.Decode(raw)
	if err != nil {
		logger.Error("backend response rejected", "filename", f.Filename, "error", err, "payload", raw)
		o.opts.Store.AttachError(key, f.ID, backend.UserMessage(err))
		return nil, err
	}
	o.opts.Store.AttachResult(key, f.ID, result)
	return &models.FileResult{ID: f.ID, Filename: f.Filename, Result: result}, nil
}
