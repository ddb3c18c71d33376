package conflict

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digicam/internal/proc"
)

type recordingRunner struct {
	mu    sync.Mutex
	calls []string
	delay time.Duration
	fail  bool
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, strings.Join(append([]string{name}, args...), " "))
	if r.fail {
		return []byte("Failed to connect to bus"), errors.New("exit status 1")
	}
	return nil, nil
}

func (r *recordingRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// gateRunner は release が閉じるか ctx が終わるまで各コマンドを止めておく
type gateRunner struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once

	mu   sync.Mutex
	errs []error
}

func newGateRunner() *gateRunner {
	return &gateRunner{started: make(chan struct{}), release: make(chan struct{})}
}

func (r *gateRunner) Run(ctx context.Context, _ string, _ ...string) ([]byte, error) {
	r.once.Do(func() { close(r.started) })
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, ctx.Err())
	return nil, ctx.Err()
}

func (r *gateRunner) Errs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func newTestResolver(runner *recordingRunner, procs proc.Table) *GVFSResolver {
	opts := DefaultOptions()
	opts.Runner = runner
	opts.Procs = procs
	return NewGVFSResolver(opts)
}

func TestGVFSResolver_Neutralize(t *testing.T) {
	runner := &recordingRunner{}
	procs := proc.NewFake()
	procs.Spawn("gvfsd-gphoto2", 1)
	procs.Spawn("gvfs-gphoto2-volume-monitor", 1)

	newTestResolver(runner, procs).Neutralize(context.Background())

	assert.Equal(t, []string{
		"systemctl --user stop gvfs-gphoto2-volume-monitor.service",
		"systemctl --user mask --runtime gvfs-gphoto2-volume-monitor.service",
		"gio mount -u gphoto2://",
	}, runner.Calls())
	assert.ElementsMatch(t, []string{"gvfs-gphoto2-volume-monitor", "gvfsd-gphoto2"}, procs.Killed)
}

func TestGVFSResolver_NeutralizeIsBestEffort(t *testing.T) {
	runner := &recordingRunner{fail: true}
	r := newTestResolver(runner, proc.NewFake())

	require.NotPanics(t, func() {
		r.Neutralize(context.Background())
		r.Neutralize(context.Background())
	})
	assert.Len(t, runner.Calls(), 6, "失敗しても全手順を実行し、繰り返し呼べる")
}

func TestGVFSResolver_NeutralizeCoalescesConcurrentCalls(t *testing.T) {
	runner := &recordingRunner{delay: 20 * time.Millisecond}
	r := newTestResolver(runner, proc.NewFake())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Neutralize(context.Background())
		}()
	}
	wg.Wait()

	calls := runner.Calls()
	require.NotEmpty(t, calls)
	assert.Less(t, len(calls), 15, "同時呼び出しはまとめて実行される")
	// 手順は常に stop → mask → unmount の順で交錯しない
	for i := 0; i+2 < len(calls); i += 3 {
		assert.Contains(t, calls[i], " stop ")
		assert.Contains(t, calls[i+1], " mask ")
		assert.Contains(t, calls[i+2], "gio mount -u")
	}
}

func TestGVFSResolver_CommandTimeout(t *testing.T) {
	runner := newGateRunner()
	opts := DefaultOptions()
	opts.Runner = runner
	opts.Procs = proc.NewFake()
	opts.CommandTimeout = 20 * time.Millisecond
	r := NewGVFSResolver(opts)

	done := make(chan struct{})
	go func() {
		r.Neutralize(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("応答しないコマンドで Neutralize が止まったまま")
	}
	errs := runner.Errs()
	require.Len(t, errs, 3, "タイムアウトしても残りの手順は実行する")
	for _, err := range errs {
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}
}

func TestGVFSResolver_CallerCancelDoesNotAbortSharedRun(t *testing.T) {
	runner := newGateRunner()
	opts := DefaultOptions()
	opts.Runner = runner
	opts.Procs = proc.NewFake()
	r := NewGVFSResolver(opts)

	ctxA, cancelA := context.WithCancel(context.Background())
	doneA := make(chan struct{})
	go func() {
		r.Neutralize(ctxA)
		close(doneA)
	}()
	<-runner.started

	doneB := make(chan struct{})
	go func() {
		r.Neutralize(context.Background())
		close(doneB)
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case <-doneA:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセルした呼び出し元が戻らない")
	}
	select {
	case <-doneB:
		t.Fatal("他の呼び出し元のキャンセルで待機が終わった")
	default:
	}

	close(runner.release)
	select {
	case <-doneB:
	case <-time.After(2 * time.Second):
		t.Fatal("共有された手順が終わらない")
	}
	errs := runner.Errs()
	require.Len(t, errs, 3, "手順は1回だけ実行される")
	for _, err := range errs {
		assert.NoError(t, err, "呼び出し元のキャンセルはコマンドに伝わらない")
	}
}

func TestGVFSResolver_Restore(t *testing.T) {
	runner := &recordingRunner{}
	newTestResolver(runner, proc.NewFake()).Restore(context.Background())

	assert.Equal(t, []string{
		"systemctl --user unmask --runtime gvfs-gphoto2-volume-monitor.service",
		"systemctl --user start gvfs-gphoto2-volume-monitor.service",
	}, runner.Calls())
}

func TestMockResolver(t *testing.T) {
	m := NewMockResolver()
	m.Neutralize(context.Background())
	m.Neutralize(context.Background())
	m.Restore(context.Background())
	assert.Equal(t, 2, m.NeutralizeCalls())
	assert.Equal(t, 1, m.RestoreCalls())
	assert.Equal(t, []string{"neutralize", "neutralize", "restore"}, m.Events())
}
