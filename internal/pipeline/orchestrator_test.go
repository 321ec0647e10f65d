package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aviary-hr/aviary/internal/duallang"
	"github.com/aviary-hr/aviary/internal/language"
	"github.com/aviary-hr/aviary/internal/llm"
	"github.com/aviary-hr/aviary/internal/retrieval"
	"github.com/aviary-hr/aviary/internal/store"
	"github.com/aviary-hr/aviary/internal/translate"
)

// fakeGenerator streams canned fragments through the sink, honoring
// cancellation the way the real client does. onFragment lets tests flip
// state mid-stream.
type fakeGenerator struct {
	mu         sync.Mutex
	fragments  []string
	err        error
	onFragment func(i int)
	messages   []llm.Message
}

func (g *fakeGenerator) Stream(ctx context.Context, messages []llm.Message, _ llm.Options, outputID string, sink llm.StreamSink) (string, error) {
	g.mu.Lock()
	g.messages = messages
	g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	var acc string
	for i, f := range g.fragments {
		acc += f
		if err := sink.Persist(ctx, outputID, acc); err != nil {
			return acc, err
		}
		if g.onFragment != nil {
			g.onFragment(i)
		}
		cancelled, err := sink.Cancelled(ctx, outputID)
		if err != nil {
			return acc, err
		}
		if cancelled {
			return acc, llm.ErrCancelled
		}
	}
	return acc, nil
}

func (g *fakeGenerator) Generate(_ context.Context, _ []llm.Message, _ llm.Options) (string, error) {
	return "", errors.New("unused")
}

func (g *fakeGenerator) systemPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.messages) == 0 {
		return ""
	}
	return g.messages[0].Content
}

type fakeTitler struct {
	title string
	err   error
}

func (t *fakeTitler) Complete(_ context.Context, _ string, _ llm.Options) (string, error) {
	return t.title, t.err
}

type fakeSearcher struct {
	mu      sync.Mutex
	docs    []retrieval.Document
	err     error
	calls   int
	queries []string
	keys    [][]string
}

func (s *fakeSearcher) Search(_ context.Context, query string, docIDs []string) ([]retrieval.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.queries = append(s.queries, query)
	s.keys = append(s.keys, docIDs)
	return s.docs, s.err
}

// fakeTranslator marks output so tests can tell which leg produced what.
type fakeTranslator struct {
	mu       sync.Mutex
	requests []translate.Request
}

func (t *fakeTranslator) Translate(_ context.Context, req translate.Request) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests = append(t.requests, req)
	if req.Target == language.Japanese {
		return "和訳:" + req.Text, true
	}
	return "EN:" + req.Text, true
}

type fixture struct {
	store      *store.Memory
	generator  *fakeGenerator
	titler     *fakeTitler
	searcher   *fakeSearcher
	translator *fakeTranslator
	orch       *Orchestrator
	taskID     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:      store.NewMemory(),
		generator:  &fakeGenerator{fragments: []string{"answer"}},
		titler:     &fakeTitler{title: "有給休暇の質問"},
		searcher:   &fakeSearcher{},
		translator: &fakeTranslator{},
		taskID:     uuid.New().String(),
	}
	require.NoError(t, f.store.CreateTask(context.Background(), &store.Task{
		ID: f.taskID, Type: store.TaskTypeChat, Status: store.TaskPending, CreatedBy: "tester",
	}))
	f.orch = New(f.store, f.generator, f.titler, f.searcher, f.translator, nil, Config{}, zap.NewNop())
	return f
}

func (f *fixture) addOutput(t *testing.T, prompt string, fileIDs []string, searchAll bool) *store.Output {
	t.Helper()
	meta, err := json.Marshal(map[string]interface{}{
		"prompt": prompt, "fileIds": fileIDs, "searchAll": searchAll,
	})
	require.NoError(t, err)
	out := &store.Output{
		ID: uuid.New().String(), TaskID: f.taskID,
		Metadata: string(meta), Status: store.OutputWait,
	}
	require.NoError(t, f.store.CreateOutput(context.Background(), out))
	return out
}

func (f *fixture) addFile(id, name string) {
	f.store.AddFile(store.File{ID: id, Name: name, StorageKey: "key-" + id})
}

func TestEnglishCompanyQueryWithDocuments(t *testing.T) {
	f := newFixture(t)
	f.addFile("f1", "Employee Handbook")
	f.searcher.docs = []retrieval.Document{
		{ID: "key-f1", Title: "Employee Handbook", Content: "Annual leave is 20 days per year."},
	}
	f.generator.fragments = []string{"Annual leave is 20 days.\n", "- Source: Employee Handbook"}

	out := f.addOutput(t, "What is the annual leave policy?", []string{"f1"}, false)
	require.NoError(t, f.orch.Process(context.Background(), f.taskID, out.ID))

	got, err := f.store.GetOutput(context.Background(), out.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutputFinished, got.Status)

	parsed := duallang.Parse(got.Content)
	require.True(t, parsed.IsDualLanguage)
	assert.Equal(t, language.English, parsed.TargetLang)
	assert.Contains(t, parsed.Translated, "- Source: Employee Handbook")
	assert.Contains(t, parsed.Japanese, "- Source: Employee Handbook")

	// Retrieval ran, scoped to the file's storage key, with the query
	// translated to Japanese first.
	require.Equal(t, 1, f.searcher.calls)
	assert.Equal(t, []string{"key-f1"}, f.searcher.keys[0])
	assert.Contains(t, f.searcher.queries[0], "和訳:")

	// The grounded instruction carries the excerpts.
	assert.Contains(t, f.generator.systemPrompt(), "Employee Handbook")
	assert.Contains(t, f.generator.systemPrompt(), "ONLY the document excerpts")

	// Answer translation preserved citations.
	last := f.translator.requests[len(f.translator.requests)-1]
	assert.True(t, last.PreserveCitations)

	task, err := f.store.GetTask(context.Background(), f.taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFinished, task.Status)
	assert.Equal(t, "有給休暇の質問", task.Title)
}

func TestJapaneseGeneralQuerySkipsRetrieval(t *testing.T) {
	f := newFixture(t)
	f.addFile("f1", "Employee Handbook")
	f.generator.fragments = []string{"こんにちは!何かお手伝いできることはありますか?"}

	out := f.addOutput(t, "こんにちは", []string{"f1"}, false)
	require.NoError(t, f.orch.Process(context.Background(), f.taskID, out.ID))

	assert.Equal(t, 0, f.searcher.calls)

	got, err := f.store.GetOutput(context.Background(), out.ID)
	require.NoError(t, err)
	parsed := duallang.Parse(got.Content)
	require.True(t, parsed.IsDualLanguage)
	assert.Equal(t, language.Japanese, parsed.TargetLang)
	assert.Contains(t, parsed.Japanese, "こんにちは")
	assert.Contains(t, parsed.Translated, "EN:")
}

func TestCancellationMidStream(t *testing.T) {
	f := newFixture(t)
	f.generator.fragments = []string{"one ", "two ", "three ", "four ", "five"}
	out := f.addOutput(t, "What is the annual leave policy?", nil, false)

	// Flip the row to CANCEL after the third fragment lands, the way the
	// stop endpoint would.
	f.generator.onFragment = func(i int) {
		if i == 2 {
			_, err := f.store.UpdateOutput(context.Background(), out.ID, store.Condition{},
				store.OutputPatch{Status: store.StatusPtr(store.OutputCancel), UpdatedBy: "api"})
			require.NoError(t, err)
		}
	}

	require.NoError(t, f.orch.Process(context.Background(), f.taskID, out.ID))

	got, err := f.store.GetOutput(context.Background(), out.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutputCancel, got.Status)
	assert.Equal(t, "one two three ", got.Content)
	assert.False(t, duallang.IsEnveloped(got.Content))
}

func TestCancelledBeforePickup(t *testing.T) {
	f := newFixture(t)
	out := f.addOutput(t, "anything", nil, false)
	_, err := f.store.UpdateOutput(context.Background(), out.ID, store.Condition{},
		store.OutputPatch{Status: store.StatusPtr(store.OutputCancel), UpdatedBy: "api"})
	require.NoError(t, err)

	require.NoError(t, f.orch.Process(context.Background(), f.taskID, out.ID))

	got, err := f.store.GetOutput(context.Background(), out.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutputCancel, got.Status)
	assert.Empty(t, got.Content)
}

func TestCompanyQueryZeroHitsUsesNotCoveredInstruction(t *testing.T) {
	f := newFixture(t)
	f.addFile("f1", "Employee Handbook")
	f.searcher.docs = nil
	f.generator.fragments = []string{"The available documents do not cover this topic."}

	out := f.addOutput(t, "What is the annual leave policy?", []string{"f1"}, false)
	require.NoError(t, f.orch.Process(context.Background(), f.taskID, out.ID))

	require.Equal(t, 1, f.searcher.calls)
	assert.Contains(t, f.generator.systemPrompt(), "no matching content was found")

	// No citations to preserve.
	last := f.translator.requests[len(f.translator.requests)-1]
	assert.False(t, last.PreserveCitations)
}

func TestGenerationFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.generator.err = errors.New("connection refused")

	out := f.addOutput(t, "What is the annual leave policy?", nil, false)
	require.NoError(t, f.orch.Process(context.Background(), f.taskID, out.ID))

	got, err := f.store.GetOutput(context.Background(), out.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutputFailed, got.Status)
	assert.Equal(t, "error happen", got.Content)

	task, err := f.store.GetTask(context.Background(), f.taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, task.Status)
}

// panickingGenerator simulates a programming error inside a collaborator.
type panickingGenerator struct{}

func (panickingGenerator) Stream(context.Context, []llm.Message, llm.Options, string, llm.StreamSink) (string, error) {
	panic("assignment to entry in nil map")
}

func (panickingGenerator) Generate(context.Context, []llm.Message, llm.Options) (string, error) {
	panic("assignment to entry in nil map")
}

func TestCollaboratorPanicMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.orch.generator = panickingGenerator{}

	out := f.addOutput(t, "What is the annual leave policy?", nil, false)

	var err error
	require.NotPanics(t, func() {
		err = f.orch.Process(context.Background(), f.taskID, out.ID)
	})
	require.Error(t, err)

	// The row must never be stranded in an in-flight state.
	got, gerr := f.store.GetOutput(context.Background(), out.ID)
	require.NoError(t, gerr)
	assert.Equal(t, store.OutputFailed, got.Status)
	assert.Equal(t, "error happen", got.Content)

	task, terr := f.store.GetTask(context.Background(), f.taskID)
	require.NoError(t, terr)
	assert.Equal(t, store.TaskFailed, task.Status)
}

func TestRetrievalGatingMatrix(t *testing.T) {
	tests := []struct {
		name          string
		prompt        string
		filesAttached bool
		wantRetrieval bool
	}{
		{"company query with files", "What is the annual leave policy?", true, true},
		{"company query without files", "What is the annual leave policy?", false, false},
		{"general query with files", "What is the capital of France?", true, false},
		{"general query without files", "What is the capital of France?", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			var fileIDs []string
			if tt.filesAttached {
				f.addFile("f1", "Employee Handbook")
				fileIDs = []string{"f1"}
			}
			out := f.addOutput(t, tt.prompt, fileIDs, false)
			require.NoError(t, f.orch.Process(context.Background(), f.taskID, out.ID))

			if tt.wantRetrieval {
				assert.Equal(t, 1, f.searcher.calls)
			} else {
				assert.Zero(t, f.searcher.calls)
			}
		})
	}
}

func TestRetrievalTransportFailureDegradesToUngrounded(t *testing.T) {
	f := newFixture(t)
	f.addFile("f1", "Employee Handbook")
	f.searcher.err = errors.New("solr unreachable")
	f.generator.fragments = []string{"general answer"}

	out := f.addOutput(t, "What is the annual leave policy?", []string{"f1"}, false)
	require.NoError(t, f.orch.Process(context.Background(), f.taskID, out.ID))

	got, err := f.store.GetOutput(context.Background(), out.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutputFinished, got.Status)
	// Transport failure falls back to the ungrounded instruction, not the
	// "not covered" framing reserved for a successful empty search.
	assert.NotContains(t, f.generator.systemPrompt(), "no matching content was found")
	assert.Contains(t, f.generator.systemPrompt(), "helpful HR assistant")
}

func TestSearchAllResolvesEveryFile(t *testing.T) {
	f := newFixture(t)
	f.addFile("f1", "Handbook")
	f.addFile("f2", "Policy")
	f.searcher.docs = []retrieval.Document{{ID: "key-f1", Title: "Handbook", Content: "text"}}

	out := f.addOutput(t, "What is the annual leave policy?", nil, true)
	require.NoError(t, f.orch.Process(context.Background(), f.taskID, out.ID))

	require.Equal(t, 1, f.searcher.calls)
	assert.ElementsMatch(t, []string{"key-f1", "key-f2"}, f.searcher.keys[0])
}

func TestTitleOnlyOnFirstTurn(t *testing.T) {
	f := newFixture(t)
	f.generator.fragments = []string{"first answer"}
	first := f.addOutput(t, "What is the annual leave policy?", nil, false)
	require.NoError(t, f.orch.Process(context.Background(), f.taskID, first.ID))

	task, err := f.store.GetTask(context.Background(), f.taskID)
	require.NoError(t, err)
	require.Equal(t, "有給休暇の質問", task.Title)

	// Second turn must not regenerate the title.
	f.titler.title = "別のタイトル"
	second := f.addOutput(t, "And sick leave?", nil, false)
	require.NoError(t, f.orch.Process(context.Background(), f.taskID, second.ID))

	task, err = f.store.GetTask(context.Background(), f.taskID)
	require.NoError(t, err)
	assert.Equal(t, "有給休暇の質問", task.Title)
}

func TestTitleFailureDoesNotFailTurn(t *testing.T) {
	f := newFixture(t)
	f.titler.err = errors.New("model busy")
	out := f.addOutput(t, "What is the annual leave policy?", nil, false)
	require.NoError(t, f.orch.Process(context.Background(), f.taskID, out.ID))

	got, err := f.store.GetOutput(context.Background(), out.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutputFinished, got.Status)

	task, err := f.store.GetTask(context.Background(), f.taskID)
	require.NoError(t, err)
	assert.Equal(t, fallbackTitle, task.Title)
}

func TestHistoryUsesPrimaryLanguageOfPriorTurns(t *testing.T) {
	f := newFixture(t)
	f.generator.fragments = []string{"follow-up answer"}

	first := f.addOutput(t, "最初の質問", nil, false)
	envelope := duallang.Format("最初の回答", "first answer", language.Japanese)
	_, err := f.store.UpdateOutput(context.Background(), first.ID, store.Condition{}, store.OutputPatch{
		Content: store.StringPtr(envelope),
		Status:  store.StatusPtr(store.OutputFinished),
	})
	require.NoError(t, err)

	second := f.addOutput(t, "続きの質問", nil, false)
	require.NoError(t, f.orch.Process(context.Background(), f.taskID, second.ID))

	msgs := f.generator.messages
	require.GreaterOrEqual(t, len(msgs), 4) // system, user, assistant, user
	assert.Equal(t, llm.RoleUser, msgs[1].Role)
	assert.Equal(t, "最初の質問", msgs[1].Content)
	assert.Equal(t, llm.RoleAssistant, msgs[2].Role)
	assert.Equal(t, "最初の回答", msgs[2].Content)
	assert.Equal(t, "続きの質問", msgs[len(msgs)-1].Content)
}

func TestEmptyAnswerSubstitutesApology(t *testing.T) {
	f := newFixture(t)
	f.generator.fragments = []string{"  \n "}

	out := f.addOutput(t, "こんにちは", nil, false)
	require.NoError(t, f.orch.Process(context.Background(), f.taskID, out.ID))

	got, err := f.store.GetOutput(context.Background(), out.ID)
	require.NoError(t, err)
	parsed := duallang.Parse(got.Content)
	require.True(t, parsed.IsDualLanguage)
	assert.Contains(t, parsed.Japanese, "申し訳ありません")
}

func TestNonJSONMetadataTreatedAsPrompt(t *testing.T) {
	f := newFixture(t)
	out := &store.Output{
		ID: uuid.New().String(), TaskID: f.taskID,
		Metadata: "plain prompt text", Status: store.OutputWait,
	}
	require.NoError(t, f.store.CreateOutput(context.Background(), out))

	require.NoError(t, f.orch.Process(context.Background(), f.taskID, out.ID))

	msgs := f.generator.messages
	require.NotEmpty(t, msgs)
	assert.Equal(t, "plain prompt text", msgs[len(msgs)-1].Content)
}

func TestCleanAnswer(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		lang language.Code
		want string
	}{
		{"plain passthrough", "A clean answer.", language.English, "A clean answer."},
		{"tags stripped", "[EN]The answer[/EN]", language.English, "The answer"},
		{"block extraction en", "[EN]English part[/EN][JA]日本語部分[/JA]", language.English, "English part"},
		{"block extraction ja", "[EN]English part[/EN][JA]日本語部分[/JA]", language.Japanese, "日本語部分"},
		{"leading label", "English: the answer", language.English, "the answer"},
		{"unterminated block", "[JA]途中までの回答", language.Japanese, "途中までの回答"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanAnswer(tt.raw, tt.lang))
		})
	}
}

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"quoted", "「有給休暇の質問」", "有給休暇の質問"},
		{"multiline keeps first", "タイトル\n補足の説明", "タイトル"},
		{"truncated", "とてもとてもとてもとても長いタイトルです", "とてもとてもとてもとても長いタ"},
		{"whitespace only", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanTitle(tt.raw, 15))
		})
	}
}
