package terminal

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/storyguild/internal/launcher"
)

type recordingSink struct {
	mu   sync.Mutex
	out  bytes.Buffer
	exit chan launcher.ExitResult
}

func (s *recordingSink) Output(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Write(data)
}

func (s *recordingSink) Exit(r launcher.ExitResult) {
	s.exit <- r
}

func (s *recordingSink) output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.String()
}

func newBridge(t *testing.T) *Bridge {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return NewBridge(launcher.NewBuilder(nil, "sh"), time.Second)
}

func waitExit(t *testing.T, s *recordingSink) launcher.ExitResult {
	t.Helper()
	select {
	case r := <-s.exit:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("terminal did not exit")
		return launcher.ExitResult{}
	}
}

func TestBridge_EchoesInput(t *testing.T) {
	b := newBridge(t)
	sink := &recordingSink{exit: make(chan launcher.ExitResult, 1)}

	sess, err := b.Start(context.Background(), Request{
		Dir:     t.TempDir(),
		Command: launcher.Command{Binary: "sh", Args: []string{"-c", "read line; echo got:$line"}},
	}, sink)
	require.NoError(t, err)

	_, err = sess.Write([]byte("hello\n"))
	require.NoError(t, err)

	res := waitExit(t, sink)
	assert.True(t, res.Success())
	assert.Contains(t, sink.output(), "got:hello")

	_, err = sess.Write([]byte("late\n"))
	assert.Error(t, err)
}

func TestBridge_ResizeAndCancel(t *testing.T) {
	b := newBridge(t)
	sink := &recordingSink{exit: make(chan launcher.ExitResult, 1)}

	sess, err := b.Start(context.Background(), Request{
		Dir:     t.TempDir(),
		Command: launcher.Command{Binary: "sh", Args: []string{"-c", "stty size; sleep 30"}},
		Rows:    24,
		Cols:    80,
	}, sink)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(sink.output()), []byte("24 80"))
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, sess.Resize(50, 100))

	sess.Cancel()
	res := waitExit(t, sink)
	assert.True(t, res.Canceled)
}

func TestBridge_InputDuringExit(t *testing.T) {
	b := newBridge(t)
	sink := &recordingSink{exit: make(chan launcher.ExitResult, 1)}

	sess, err := b.Start(context.Background(), Request{
		Dir:     t.TempDir(),
		Command: launcher.Command{Binary: "sh", Args: []string{"-c", "exit 0"}},
	}, sink)
	require.NoError(t, err)

	// Writes and resizes race the session closing its terminal.
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-sess.Done():
					return
				default:
				}
				_ = sess.Resize(30, 90)
				_, _ = sess.Write([]byte("x"))
			}
		}()
	}
	waitExit(t, sink)
	wg.Wait()

	assert.Error(t, sess.Resize(30, 90))
	_, err = sess.Write([]byte("late\n"))
	assert.Error(t, err)
}
