package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/storyguild/internal/config"
	"github.com/kazz187/storyguild/internal/engine"
	"github.com/kazz187/storyguild/internal/eventbus"
	"github.com/kazz187/storyguild/internal/execution"
	"github.com/kazz187/storyguild/internal/notify"
	"github.com/kazz187/storyguild/internal/pushsubscription"
	"github.com/kazz187/storyguild/internal/pushsubscription/repositoryimpl"
	"github.com/kazz187/storyguild/internal/queue"
	queuerepo "github.com/kazz187/storyguild/internal/queue/repositoryimpl"
	"github.com/kazz187/storyguild/pkg/cerr"
	"github.com/kazz187/storyguild/pkg/storage"
)

type fakeEngine struct {
	mu          sync.Mutex
	executions  map[string]execution.Execution
	started     []engine.Params
	commands    []string
	stories     []engine.StoryRequest
	startErr    error
	cancelOK    bool
	answers     map[string]string
	answerBatch string
	input       []byte
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{executions: map[string]execution.Execution{}}
}

func (f *fakeEngine) StartExecution(_ context.Context, _, commandID, _ string, p engine.Params) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.commands = append(f.commands, commandID)
	f.started = append(f.started, p)
	return "ex-new", nil
}

func (f *fakeEngine) StartStoryExecution(_ context.Context, req engine.StoryRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stories = append(f.stories, req)
	return "ex-story", nil
}

func (f *fakeEngine) StartBacklogStoryExecution(context.Context, string, string, string, string) (string, error) {
	return "ex-backlog", nil
}

func (f *fakeEngine) StartTerminalExecution(context.Context, engine.TerminalRequest) (string, error) {
	return "ex-term", nil
}

func (f *fakeEngine) WriteTerminalInput(_ context.Context, id string, data []byte) error {
	if _, ok := f.executions[id]; !ok {
		return cerr.NewError(cerr.NotFound, "execution not found", nil)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.input = append(f.input, data...)
	return nil
}

func (f *fakeEngine) ResizeTerminal(_ context.Context, _ string, rows, cols uint16) error {
	if rows == 0 || cols == 0 {
		return cerr.NewError(cerr.InvalidArgument, "rows and cols must be positive", nil)
	}
	return nil
}

func (f *fakeEngine) CancelExecution(context.Context, string) bool { return f.cancelOK }
func (f *fakeEngine) RetryExecution(context.Context, string) bool  { return false }

func (f *fakeEngine) SubmitAnswer(context.Context, string, string, string) bool { return true }

func (f *fakeEngine) SubmitAnswerBatch(_ context.Context, _, batchID string, answers map[string]string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answerBatch = batchID
	f.answers = answers
	return batchID == "b1"
}

func (f *fakeEngine) Execution(_ context.Context, id string) (execution.Execution, error) {
	ex, ok := f.executions[id]
	if !ok {
		return execution.Execution{}, cerr.NewError(cerr.NotFound, "execution not found", nil)
	}
	return ex, nil
}

func (f *fakeEngine) Executions(context.Context) ([]execution.Execution, error) {
	var out []execution.Execution
	for _, ex := range f.executions {
		out = append(out, ex)
	}
	return out, nil
}

func (f *fakeEngine) StartQueue(context.Context, string) (string, error) { return "", nil }
func (f *fakeEngine) StopQueue(context.Context) error                  { return nil }

type fixture struct {
	engine *fakeEngine
	bus    *eventbus.Bus
	queue  *queue.Service
	srv    *httptest.Server
}

func newFixture(t *testing.T, apiKey string) *fixture {
	t.Helper()
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	f := &fixture{
		engine: newFakeEngine(),
		bus:    eventbus.New(),
		queue:  queue.NewService(queuerepo.NewYAMLRepository(st)),
	}
	s := NewServer(&config.BaseEnv{APIKey: apiKey}, Deps{
		Engine:        f.engine,
		Queue:         f.queue,
		Events:        f.bus,
		Subscriptions: pushsubscription.NewService(repositoryimpl.NewYAMLRepository(st)),
		VAPID:         &config.VAPIDEnv{VAPIDPublicKey: "pub", VAPIDPrivateKey: "priv"},
	})
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func TestStartExecution(t *testing.T) {
	f := newFixture(t, "")

	status, body := f.do(t, http.MethodPost, "/api/executions",
		`{"command_id":"sg:review","project_path":"/src/app","argument":"x","git_strategy":"worktree"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ex-new", body["id"])
	require.Len(t, f.engine.started, 1)
	assert.Equal(t, "sg:review", f.engine.commands[0])
	assert.Equal(t, execution.GitStrategyWorktree, f.engine.started[0].GitStrategy)

	f.engine.startErr = cerr.NewError(cerr.InvalidArgument, "command id is required", nil)
	status, body = f.do(t, http.MethodPost, "/api/executions", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_argument", body["code"])

	status, _ = f.do(t, http.MethodPost, "/api/executions", `{"unknown":1}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestStartStory_ClientIDHeader(t *testing.T) {
	f := newFixture(t, "")

	status, body := f.do(t, http.MethodPost, "/api/stories/start",
		`{"project_path":"/src/app","spec_id":"S","story_id":"story-1","auto_mode":true}`, "X-Client-ID", "c1")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ex-story", body["id"])
	require.Len(t, f.engine.stories, 1)
	assert.Equal(t, "c1", f.engine.stories[0].ClientID)
	assert.True(t, f.engine.stories[0].AutoMode)
}

func TestGetExecution(t *testing.T) {
	f := newFixture(t, "")
	f.engine.executions["ex1"] = execution.Execution{
		ID:     "ex1",
		Kind:   execution.KindStream,
		Status: execution.StatusCompleted,
		Output: []string{"done"},
	}

	status, body := f.do(t, http.MethodGet, "/api/executions/ex1", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, []any{"done"}, body["output"])

	status, body = f.do(t, http.MethodGet, "/api/executions", "")
	require.Equal(t, http.StatusOK, status)
	list := body["executions"].([]any)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].(map[string]any)["output"])

	status, body = f.do(t, http.MethodGet, "/api/executions/missing", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["code"])
}

func TestStateDependentOperations(t *testing.T) {
	f := newFixture(t, "")
	f.engine.executions["ex1"] = execution.Execution{ID: "ex1", Status: execution.StatusRunning}

	status, _ := f.do(t, http.MethodPost, "/api/executions/ex1/cancel", "")
	assert.Equal(t, http.StatusPreconditionFailed, status)

	f.engine.cancelOK = true
	status, body := f.do(t, http.MethodPost, "/api/executions/ex1/cancel", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])

	status, _ = f.do(t, http.MethodPost, "/api/executions/nope/cancel", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, http.MethodPost, "/api/executions/ex1/answers",
		`{"batch_id":"b1","answers":{"tu-1:0":"postgres"}}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]string{"tu-1:0": "postgres"}, f.engine.answers)

	status, _ = f.do(t, http.MethodPost, "/api/executions/ex1/answers", `{"batch_id":"stale"}`)
	assert.Equal(t, http.StatusPreconditionFailed, status)

	status, _ = f.do(t, http.MethodPost, "/api/executions/ex1/answer", `{"answer":"x"}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestTerminalRoutes(t *testing.T) {
	f := newFixture(t, "")
	f.engine.executions["ex1"] = execution.Execution{ID: "ex1", Status: execution.StatusRunning}

	status, _ := f.do(t, http.MethodPost, "/api/executions/ex1/terminal/input", `{"data":"ls\r"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ls\r", string(f.engine.input))

	status, _ = f.do(t, http.MethodPost, "/api/executions/ex1/terminal/resize", `{"rows":0,"cols":80}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := f.do(t, http.MethodPost, "/api/terminals", `{"project_path":"/src/app"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ex-term", body["id"])
}

func TestQueueRoutes(t *testing.T) {
	f := newFixture(t, "")

	status, body := f.do(t, http.MethodPost, "/api/queue", `{"project_path":"/src/app","spec_id":"S"}`)
	require.Equal(t, http.StatusOK, status)
	id := body["id"].(string)
	assert.Equal(t, "pending", body["status"])

	status, body = f.do(t, http.MethodGet, "/api/queue", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["entries"].([]any), 1)

	status, _ = f.do(t, http.MethodDelete, "/api/queue/"+id, "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = f.do(t, http.MethodPost, "/api/queue", `{"project_path":"/src/app"}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPushRoutes(t *testing.T) {
	f := newFixture(t, "")

	status, body := f.do(t, http.MethodGet, "/api/push/vapid-public-key", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pub", body["public_key"])

	status, body = f.do(t, http.MethodPost, "/api/push/subscriptions",
		`{"endpoint":"https://push.example/a","p256dh_key":"k","auth_key":"a"}`)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["id"])

	status, _ = f.do(t, http.MethodDelete, "/api/push/subscriptions", `{"endpoint":"https://push.example/a"}`)
	assert.Equal(t, http.StatusOK, status)

	status, _ = f.do(t, http.MethodPost, "/api/push/test", "")
	assert.Equal(t, http.StatusPreconditionFailed, status)
}

func TestAPIKey(t *testing.T) {
	f := newFixture(t, "secret")

	status, _ := f.do(t, http.MethodGet, "/api/executions", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.do(t, http.MethodGet, "/api/executions", "", "X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, status)

	status, _ = f.do(t, http.MethodGet, "/api/executions", "", "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, status)

	status, _ = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestStreamEvents(t *testing.T) {
	f := newFixture(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/events?client_id=c1", nil)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	require.True(t, sc.Scan())
	require.Equal(t, ": connected", sc.Text())

	f.bus.Publish(&notify.Notification{Kind: notify.KindProgress, ClientID: "other", ExecutionID: "ex0"})
	f.bus.Publish(&notify.Notification{Kind: notify.KindQuestionBatch, ClientID: "c1", ExecutionID: "ex1"})

	var event, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
		if data != "" {
			break
		}
	}
	assert.Equal(t, "question_batch", event)
	var n notify.Notification
	require.NoError(t, json.Unmarshal([]byte(data), &n))
	assert.Equal(t, "ex1", n.ExecutionID)
}
