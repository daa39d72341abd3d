package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/codepod-dev/codepod/api"
	"github.com/codepod-dev/codepod/sandbox"
	"github.com/codepod-dev/codepod/types"
)

// Executor runs one sandboxed execution. *sandbox.Runner implements it;
// tests substitute fakes.
type Executor interface {
	Execute(ctx context.Context, lang sandbox.Language, code string, stdin []byte, timeout time.Duration) (*sandbox.Result, error)
}

// ExecuteHandler 代码执行与语言列表端点
type ExecuteHandler struct {
	catalog    *sandbox.Catalog
	normalizer *sandbox.Normalizer
	runner     Executor
	logger     *zap.Logger
}

// NewExecuteHandler 创建执行处理器
func NewExecuteHandler(catalog *sandbox.Catalog, normalizer *sandbox.Normalizer, runner Executor, logger *zap.Logger) *ExecuteHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecuteHandler{
		catalog:    catalog,
		normalizer: normalizer,
		runner:     runner,
		logger:     logger.With(zap.String("handler", "execute")),
	}
}

// HandleExecute POST /api/execute
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req api.ExecuteRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	lang, ok := h.catalog.Get(req.Language)
	if !ok {
		WriteError(w, r, types.NewError(types.ErrUnsupportedLang,
			fmt.Sprintf("unsupported language: %s", req.Language)), h.logger)
		return
	}

	code, err := h.normalizer.NormalizeCode(lang, req.Code)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	// input 是 stdin 的历史别名，stdin 优先
	rawStdin := req.Stdin
	if rawStdin == "" {
		rawStdin = req.Input
	}
	stdin, err := h.normalizer.NormalizeStdin([]byte(rawStdin))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	res, err := h.runner.Execute(r.Context(), lang, code, stdin, timeout)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, api.ExecuteResponse{
		Success:       res.Success,
		Language:      res.Language,
		Output:        res.Output,
		Error:         res.Error,
		ExitCode:      res.ExitCode,
		TimedOut:      res.TimedOut,
		ExecutionTime: res.ExecutionTime.Milliseconds(),
		Timestamp:     time.Now(),
	})
}

// HandleLanguages GET /api/languages
func (h *ExecuteHandler) HandleLanguages(w http.ResponseWriter, r *http.Request) {
	langs := h.catalog.List()
	rows := make([]api.LanguageInfo, 0, len(langs))
	for _, l := range langs {
		rows = append(rows, api.LanguageInfo{
			ID:            l.ID,
			Name:          l.Name,
			Type:          string(l.Type),
			FileExtension: l.FileExtension,
			TimeoutMS:     l.Timeout.Milliseconds(),
			MemoryLimitMB: l.MemoryLimitMB,
			CPULimit:      l.CPULimit,
		})
	}
	WriteJSON(w, http.StatusOK, api.LanguagesResponse{
		Success:   true,
		Count:     len(rows),
		Languages: rows,
	})
}
