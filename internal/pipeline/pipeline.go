// Package pipeline implements the chat generation state machine: classify
// the query, retrieve supporting documents when warranted, stream the
// answer, translate the counterpart language, and persist the
// dual-language envelope. Cancellation is polled cooperatively against the
// output row at every checkpoint.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aviary-hr/aviary/internal/classify"
	"github.com/aviary-hr/aviary/internal/duallang"
	"github.com/aviary-hr/aviary/internal/language"
	"github.com/aviary-hr/aviary/internal/llm"
	"github.com/aviary-hr/aviary/internal/metrics"
	"github.com/aviary-hr/aviary/internal/retrieval"
	"github.com/aviary-hr/aviary/internal/store"
	"github.com/aviary-hr/aviary/internal/translate"
)

// errorSentinel is the failure content persisted when generation itself
// fails. Kept stable for wire compatibility with existing consumers.
const errorSentinel = "error happen"

// updatedBy marks rows written by this worker.
const updatedBy = "pipeline"

// Generator is the inference dependency. *llm.Client satisfies it.
type Generator interface {
	Stream(ctx context.Context, messages []llm.Message, opts llm.Options, outputID string, sink llm.StreamSink) (string, error)
	Generate(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error)
}

// TitleGenerator produces auxiliary single-prompt completions.
type TitleGenerator interface {
	Complete(ctx context.Context, prompt string, opts llm.Options) (string, error)
}

// Searcher is the document index dependency. *retrieval.Client satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string, docIDs []string) ([]retrieval.Document, error)
}

// Translator is the translation dependency. *translate.Translator
// satisfies it.
type Translator interface {
	Translate(ctx context.Context, req translate.Request) (string, bool)
}

// Config tunes the orchestrator.
type Config struct {
	ChatOptions  llm.Options
	TitleOptions llm.Options
	// TitleMaxRunes caps generated chat titles. Default 15.
	TitleMaxRunes int
}

// Orchestrator runs the chat generation pipeline for one output at a time.
// All collaborators are injected so tests can substitute doubles.
type Orchestrator struct {
	store      store.Store
	generator  Generator
	titler     TitleGenerator
	searcher   Searcher
	translator Translator
	classifier *classify.Classifier
	cfg        Config
	logger     *zap.Logger
}

// New builds an orchestrator.
func New(
	st store.Store,
	gen Generator,
	titler TitleGenerator,
	searcher Searcher,
	translator Translator,
	classifier *classify.Classifier,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TitleMaxRunes == 0 {
		cfg.TitleMaxRunes = 15
	}
	if classifier == nil {
		classifier = classify.NewClassifier(nil, logger)
	}
	return &Orchestrator{
		store:      st,
		generator:  gen,
		titler:     titler,
		searcher:   searcher,
		translator: translator,
		classifier: classifier,
		cfg:        cfg,
		logger:     logger,
	}
}

// requestMeta is the JSON request descriptor carried in Output.Metadata.
type requestMeta struct {
	Prompt    string   `json:"prompt"`
	FileIDs   []string `json:"fileIds"`
	SearchAll bool     `json:"searchAll"`
	// UseTool routes the turn to the external tool-invocation service;
	// carried here so round-tripping metadata keeps the flag intact.
	UseTool bool `json:"useTool"`
}

// parseMeta decodes the metadata JSON; non-JSON metadata is treated as a
// bare prompt string so malformed rows still produce an answer.
func parseMeta(metadata string) requestMeta {
	var meta requestMeta
	if err := json.Unmarshal([]byte(metadata), &meta); err != nil {
		return requestMeta{Prompt: metadata}
	}
	return meta
}

// Process runs the full pipeline for one output. Expected failures
// (generation error, cancellation) are terminal states, not returned
// errors; an error return means infrastructure broke mid-run and the
// output has been marked FAILED where possible.
func (o *Orchestrator) Process(ctx context.Context, taskID, outputID string) (err error) {
	start := time.Now()
	logger := o.logger.With(zap.String("task_id", taskID), zap.String("output_id", outputID))

	// A panic in any collaborator must not strand the output in an
	// in-flight state or take the worker down with it.
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Pipeline panicked", zap.Any("panic", r), zap.Stack("stack"))
			o.persistFailure(ctx, logger, taskID, outputID)
			metrics.RecordPipelineRun("error", "unknown", start)
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()

	out, err := o.store.GetOutput(ctx, outputID)
	if err != nil {
		return fmt.Errorf("load output: %w", err)
	}
	if out.Status == store.OutputCancel {
		metrics.RecordCancellation("pickup")
		logger.Info("Output cancelled before processing started")
		return nil
	}

	if _, err := o.store.UpdateOutput(ctx, outputID, store.NotCancelled(), store.OutputPatch{
		Status:    store.StatusPtr(store.OutputInProcess),
		UpdatedBy: updatedBy,
	}); err != nil {
		return fmt.Errorf("mark output in process: %w", err)
	}
	if err := o.store.UpdateTask(ctx, taskID, store.TaskPatch{
		Status:    store.TaskStatusPtr(store.TaskProcessing),
		UpdatedBy: updatedBy,
	}); err != nil {
		logger.Warn("Failed to mark task processing", zap.Error(err))
	}

	result, err := o.run(ctx, logger, out)
	if err != nil {
		o.persistFailure(ctx, logger, taskID, outputID)
		metrics.RecordPipelineRun("error", "unknown", start)
		return err
	}

	metrics.RecordPipelineRun(result.status, result.queryType, start)
	return nil
}

type runResult struct {
	status    string
	queryType string
}

func (o *Orchestrator) run(ctx context.Context, logger *zap.Logger, out *store.Output) (runResult, error) {
	meta := parseMeta(out.Metadata)
	res := o.classifier.Classify(meta.Prompt)
	queryType := string(res.QueryType)
	logger = logger.With(zap.String("query_type", queryType), zap.String("language", string(res.Language)))

	if cancelled, err := o.cancelled(ctx, out.ID, "classify"); err != nil {
		return runResult{}, err
	} else if cancelled {
		return runResult{status: "cancelled", queryType: queryType}, nil
	}

	history, firstTurn, err := o.buildHistory(ctx, out)
	if err != nil {
		return runResult{}, err
	}

	fileKeys, err := o.resolveFiles(ctx, meta)
	if err != nil {
		return runResult{}, err
	}
	filesAvailable := len(fileKeys) > 0

	// Retrieval gate: general queries never pay retrieval cost even when
	// documents exist, and company queries without documents go straight
	// to ungrounded generation.
	var docs []retrieval.Document
	ragUsed := false
	if filesAvailable && res.IsCompanyQuery {
		docs, ragUsed = o.retrieve(ctx, logger, meta.Prompt, res.Language, fileKeys)
		if cancelled, err := o.cancelled(ctx, out.ID, "retrieval"); err != nil {
			return runResult{}, err
		} else if cancelled {
			return runResult{status: "cancelled", queryType: queryType}, nil
		}
	}

	messages := o.buildMessages(meta.Prompt, res.Language, history, docs, ragUsed)

	genStart := time.Now()
	sink := &storeSink{store: o.store}
	rawAnswer, err := o.generator.Stream(ctx, messages, o.cfg.ChatOptions, out.ID, sink)
	metrics.RecordGeneration("chat", genStart)
	if errors.Is(err, llm.ErrCancelled) {
		logger.Info("Generation cancelled mid-stream")
		return runResult{status: "cancelled", queryType: queryType}, nil
	}
	if err != nil {
		logger.Error("Generation failed", zap.Error(err))
		o.persistFailure(ctx, logger, out.TaskID, out.ID)
		return runResult{status: "failed", queryType: queryType}, nil
	}

	answer := CleanAnswer(rawAnswer, res.Language)
	if answer == "" {
		answer = apology(res.Language)
	}

	if firstTurn {
		o.setTitle(ctx, logger, out.TaskID, meta.Prompt, answer)
	}

	content := o.assembleEnvelope(ctx, answer, res.Language, ragUsed && len(docs) > 0)

	// Final write carries the same guard as every other: a cancellation
	// that landed during translation wins.
	ok, err := o.store.UpdateOutput(ctx, out.ID, store.NotCancelled(), store.OutputPatch{
		Content:   store.StringPtr(content),
		Status:    store.StatusPtr(store.OutputFinished),
		UpdatedBy: updatedBy,
	})
	if err != nil {
		return runResult{}, fmt.Errorf("persist final output: %w", err)
	}
	if !ok {
		metrics.RecordCancellation("final_write")
		logger.Info("Final write rejected by cancellation")
		return runResult{status: "cancelled", queryType: queryType}, nil
	}

	if err := o.store.UpdateTask(ctx, out.TaskID, store.TaskPatch{
		Status:    store.TaskStatusPtr(store.TaskFinished),
		UpdatedBy: updatedBy,
	}); err != nil {
		logger.Warn("Failed to mark task finished", zap.Error(err))
	}

	logger.Info("Turn finished", zap.Bool("rag_used", ragUsed), zap.Int("documents", len(docs)))
	return runResult{status: "finished", queryType: queryType}, nil
}

// cancelled re-reads the output's live status at a checkpoint.
func (o *Orchestrator) cancelled(ctx context.Context, outputID, stage string) (bool, error) {
	out, err := o.store.GetOutput(ctx, outputID)
	if err != nil {
		return false, fmt.Errorf("poll cancellation at %s: %w", stage, err)
	}
	if out.Status == store.OutputCancel {
		metrics.RecordCancellation(stage)
		return true, nil
	}
	return false, nil
}

// buildHistory loads prior completed turns as alternating user/assistant
// messages. In-flight turns are excluded, which also excludes the output
// being processed.
func (o *Orchestrator) buildHistory(ctx context.Context, out *store.Output) ([]llm.Message, bool, error) {
	prior, err := o.store.ListOutputs(ctx, store.OutputFilter{
		TaskID:          out.TaskID,
		ExcludeStatuses: []store.OutputStatus{store.OutputInProcess, store.OutputProcessing, store.OutputWait},
	})
	if err != nil {
		return nil, false, fmt.Errorf("list prior outputs: %w", err)
	}

	var history []llm.Message
	count := 0
	for _, p := range prior {
		if p.ID == out.ID || p.Sort >= out.Sort {
			continue
		}
		count++
		if p.Status == store.OutputCancel || p.Status == store.OutputFailed {
			continue
		}
		prompt := parseMeta(p.Metadata).Prompt
		answer := duallang.Parse(p.Content).Primary()
		if prompt == "" || answer == "" {
			continue
		}
		history = append(history,
			llm.Message{Role: llm.RoleUser, Content: prompt},
			llm.Message{Role: llm.RoleAssistant, Content: answer},
		)
	}
	return history, count == 0, nil
}

// resolveFiles maps the request's file selection to index storage keys.
func (o *Orchestrator) resolveFiles(ctx context.Context, meta requestMeta) ([]string, error) {
	var files []store.File
	var err error
	switch {
	case meta.SearchAll:
		files, err = o.store.ListAllFiles(ctx)
	case len(meta.FileIDs) > 0:
		files, err = o.store.ListFiles(ctx, meta.FileIDs)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve files: %w", err)
	}
	keys := make([]string, 0, len(files))
	for _, f := range files {
		keys = append(keys, f.StorageKey)
	}
	return keys, nil
}

// retrieve searches the document index, translating the query to Japanese
// first when needed since the corpus is Japanese-indexed. A transport
// failure reports retrieval as not used so the turn proceeds on the
// ungrounded path; zero hits report retrieval as used so the model is told
// the topic is not covered.
func (o *Orchestrator) retrieve(ctx context.Context, logger *zap.Logger, prompt string, lang language.Code, fileKeys []string) ([]retrieval.Document, bool) {
	query := prompt
	if lang != language.Japanese {
		translated, ok := o.translator.Translate(ctx, translate.Request{Text: prompt, Target: language.Japanese})
		metrics.RecordTranslation(ok)
		if ok {
			query = translated
		}
	}

	docs, err := o.searcher.Search(ctx, query, fileKeys)
	metrics.RecordRetrieval(len(docs), err)
	if err != nil {
		logger.Warn("Document search failed, continuing without retrieval", zap.Error(err))
		return nil, false
	}
	return docs, true
}

// buildMessages assembles the system instruction, history, and user prompt.
func (o *Orchestrator) buildMessages(prompt string, lang language.Code, history []llm.Message, docs []retrieval.Document, ragUsed bool) []llm.Message {
	var system string
	switch {
	case ragUsed && len(docs) > 0:
		system = groundedInstruction(lang, docs)
	case ragUsed:
		system = notCoveredInstruction(lang)
	default:
		system = plainInstruction(lang)
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})
	return messages
}

// assembleEnvelope translates the answer into its counterpart language and
// packages both renditions.
func (o *Orchestrator) assembleEnvelope(ctx context.Context, answer string, lang language.Code, preserveCitations bool) string {
	var japanese, translated string
	if lang == language.Japanese {
		japanese = answer
		counterpart, ok := o.translator.Translate(ctx, translate.Request{
			Text:              answer,
			Target:            language.English,
			PreserveCitations: preserveCitations,
		})
		metrics.RecordTranslation(ok)
		translated = counterpart
	} else {
		translated = answer
		counterpart, ok := o.translator.Translate(ctx, translate.Request{
			Text:              answer,
			Target:            language.Japanese,
			PreserveCitations: preserveCitations,
		})
		metrics.RecordTranslation(ok)
		japanese = counterpart
	}

	content := duallang.Format(japanese, translated, lang)
	if !duallang.IsEnveloped(content) {
		// Format always envelopes; belt and braces for future edits.
		content = duallang.Format(answer, answer, lang)
	}
	return content
}

// persistFailure writes the failure sentinel, still honoring the
// cancellation guard.
func (o *Orchestrator) persistFailure(ctx context.Context, logger *zap.Logger, taskID, outputID string) {
	if _, err := o.store.UpdateOutput(ctx, outputID, store.NotCancelled(), store.OutputPatch{
		Content:   store.StringPtr(errorSentinel),
		Status:    store.StatusPtr(store.OutputFailed),
		UpdatedBy: updatedBy,
	}); err != nil {
		logger.Error("Failed to persist failure state", zap.Error(err))
	}
	if err := o.store.UpdateTask(ctx, taskID, store.TaskPatch{
		Status:    store.TaskStatusPtr(store.TaskFailed),
		UpdatedBy: updatedBy,
	}); err != nil {
		logger.Warn("Failed to mark task failed", zap.Error(err))
	}
}

// setTitle derives and stores the task title from the first exchange.
// Failures never fail the turn.
func (o *Orchestrator) setTitle(ctx context.Context, logger *zap.Logger, taskID, prompt, answer string) {
	title := o.generateTitle(ctx, logger, prompt, answer)
	if err := o.store.UpdateTask(ctx, taskID, store.TaskPatch{
		Title:     store.StringPtr(title),
		UpdatedBy: updatedBy,
	}); err != nil {
		logger.Warn("Failed to store task title", zap.Error(err))
	}
}
