package launcher

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	stdout []string
	stderr []string
	exit   chan ExitResult
}

func newRecordingSink() *recordingSink {
	return &recordingSink{exit: make(chan ExitResult, 1)}
}

func (s *recordingSink) Stdout(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stdout = append(s.stdout, line)
}

func (s *recordingSink) Stderr(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stderr = append(s.stderr, line)
}

func (s *recordingSink) Exit(r ExitResult) {
	s.exit <- r
}

func (s *recordingSink) wait(t *testing.T) ExitResult {
	t.Helper()
	select {
	case r := <-s.exit:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit")
		return ExitResult{}
	}
}

func newTestLauncher(t *testing.T) *ExecLauncher {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return NewExecLauncher(NewBuilder(nil, "sh"), time.Second)
}

func TestExecLauncher_StreamsOutputInOrder(t *testing.T) {
	l := newTestLauncher(t)
	sink := newRecordingSink()

	_, err := l.Launch(context.Background(), Request{
		ExecutionID: "exec-1",
		Dir:         t.TempDir(),
		Command: Command{Binary: "sh", Args: []string{"-c",
			`echo '{"type":"system","session_id":"s"}'; echo diag >&2; echo two; echo three`}},
	}, sink)
	require.NoError(t, err)

	res := sink.wait(t)
	assert.True(t, res.Success())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{`{"type":"system","session_id":"s"}`, "two", "three"}, sink.stdout)
	assert.Equal(t, []string{"diag"}, sink.stderr)
	assert.Equal(t, []string{"diag"}, res.StderrTail)
}

func TestExecLauncher_WritesStdinOnce(t *testing.T) {
	l := newTestLauncher(t)
	sink := newRecordingSink()

	_, err := l.Launch(context.Background(), Request{
		Dir:     t.TempDir(),
		Command: Command{Binary: "cat", Stdin: "answer with 'quotes' and $VARS"},
	}, sink)
	require.NoError(t, err)

	res := sink.wait(t)
	assert.True(t, res.Success())
	assert.Equal(t, []string{"answer with 'quotes' and $VARS"}, sink.stdout)
}

func TestExecLauncher_ClosedStdin(t *testing.T) {
	l := newTestLauncher(t)
	sink := newRecordingSink()

	_, err := l.Launch(context.Background(), Request{
		Dir:     t.TempDir(),
		Command: Command{Binary: "cat"},
	}, sink)
	require.NoError(t, err)

	res := sink.wait(t)
	assert.True(t, res.Success(), "cat must see EOF immediately")
}

func TestExecLauncher_NonZeroExit(t *testing.T) {
	l := newTestLauncher(t)
	sink := newRecordingSink()

	_, err := l.Launch(context.Background(), Request{
		Dir:     t.TempDir(),
		Command: Command{Binary: "sh", Args: []string{"-c", "echo partial; exit 3"}},
	}, sink)
	require.NoError(t, err)

	res := sink.wait(t)
	assert.Equal(t, 3, res.Code)
	assert.False(t, res.Success())
	assert.False(t, res.NotFound())
	assert.False(t, res.Canceled)
	assert.Equal(t, []string{"partial"}, sink.stdout)
}

func TestExecLauncher_BinaryNotFound(t *testing.T) {
	l := newTestLauncher(t)
	sink := newRecordingSink()

	_, err := l.Launch(context.Background(), Request{
		Dir:     t.TempDir(),
		Command: Command{Binary: "storyguild-no-such-agent-binary"},
	}, sink)
	require.NoError(t, err)

	res := sink.wait(t)
	assert.True(t, res.NotFound())
	var nf *NotFoundError
	assert.ErrorAs(t, res.Err, &nf)
}

func TestExecLauncher_MissingShell(t *testing.T) {
	l := NewExecLauncher(NewBuilder(nil, "/nonexistent/shell"), time.Second)
	_, err := l.Launch(context.Background(), Request{Command: Command{Binary: "claude"}}, newRecordingSink())
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestExecLauncher_Cancel(t *testing.T) {
	l := newTestLauncher(t)
	sink := newRecordingSink()

	h, err := l.Launch(context.Background(), Request{
		Dir:     t.TempDir(),
		Command: Command{Binary: "sh", Args: []string{"-c", "echo ready; sleep 30"}},
	}, sink)
	require.NoError(t, err)
	assert.NotZero(t, h.PID())

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.stdout) == 1
	}, 5*time.Second, 10*time.Millisecond)

	h.Cancel()
	h.Cancel()
	res := sink.wait(t)
	assert.True(t, res.Canceled)
	assert.Equal(t, []string{"ready"}, sink.stdout, "output flushed before cancel is kept")

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("done channel not closed")
	}
}
