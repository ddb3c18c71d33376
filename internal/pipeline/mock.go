package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

var mockPID atomic.Int32

// MockBehavior はMockLauncherの1回分の起動結果
type MockBehavior struct {
	CaptureLog  string // キャプチャログに書き込む内容
	PipelineLog string // パイプラインログに書き込む内容
	Die         bool   // 起動直後に終了する
	Err         error  // Launch が返すエラー
}

// MockLauncher はテスト用のモックLauncher
type MockLauncher struct {
	mu        sync.Mutex
	behaviors []MockBehavior
	specs     []Spec
	pairs     []*MockPair
}

// NewMockLauncher は呼び出し順に振る舞いを返すMockLauncherを作成する
// 振る舞いを使い切った後は最後のものを繰り返す
func NewMockLauncher(behaviors ...MockBehavior) *MockLauncher {
	return &MockLauncher{behaviors: behaviors}
}

// Launch はログを書き込み、スクリプトされたMockPairを返す
func (m *MockLauncher) Launch(_ context.Context, spec Spec) (Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b MockBehavior
	if len(m.behaviors) > 0 {
		b = m.behaviors[0]
		if len(m.behaviors) > 1 {
			m.behaviors = m.behaviors[1:]
		}
	}
	m.specs = append(m.specs, spec)
	if b.Err != nil {
		return nil, b.Err
	}

	appendFile(spec.Logs.CapturePath, b.CaptureLog)
	appendFile(spec.Logs.PipelinePath, b.PipelineLog)

	p := NewMockPair()
	if b.Die {
		p.Exit()
	}
	m.pairs = append(m.pairs, p)
	return p, nil
}

// Specs は起動要求の一覧を返す
func (m *MockLauncher) Specs() []Spec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Spec(nil), m.specs...)
}

// Pairs は起動したMockPairの一覧を返す
func (m *MockLauncher) Pairs() []*MockPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockPair(nil), m.pairs...)
}

// MockPair はテスト用のプロセスの組
type MockPair struct {
	capturePID   int
	transcodePID int
	done         chan struct{}
	once         sync.Once
	stops        atomic.Int32
}

// NewMockPair は実行中のMockPairを作成する
func NewMockPair() *MockPair {
	return &MockPair{
		capturePID:   int(mockPID.Add(1)),
		transcodePID: int(mockPID.Add(1)),
		done:         make(chan struct{}),
	}
}

// PIDs は割り当てられた擬似PIDを返す
func (p *MockPair) PIDs() (int, int) {
	return p.capturePID, p.transcodePID
}

// Alive は終了していなければ true を返す
func (p *MockPair) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done は終了時に閉じられる
func (p *MockPair) Done() <-chan struct{} {
	return p.done
}

// Stop は終了させる
func (p *MockPair) Stop(_ context.Context, _ time.Duration) error {
	p.stops.Add(1)
	p.Exit()
	return nil
}

// Exit はプロセスが自ら終了したことを模倣する
func (p *MockPair) Exit() {
	p.once.Do(func() { close(p.done) })
}

// Stops はStopが呼ばれた回数を返す
func (p *MockPair) Stops() int {
	return int(p.stops.Load())
}
