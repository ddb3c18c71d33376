package webcam

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"digicam/internal/camera"
	"digicam/internal/conflict"
	"digicam/internal/history"
	"digicam/internal/loopback"
	"digicam/internal/pipeline"
	"digicam/internal/usbreset"
)

const (
	// DefaultMaxAttempts は1セッションあたりの起動試行の上限
	DefaultMaxAttempts = 3
	// DefaultLaunchSettle は起動から監視までの待ち時間
	DefaultLaunchSettle = 6 * time.Second

	restoreTimeout = 10 * time.Second
	recordTimeout  = 5 * time.Second
)

// Recorder はセッションの結果を記録する
type Recorder interface {
	RecordOutcome(ctx context.Context, r history.Record) error
	MarkEnded(ctx context.Context, sessionID string, at time.Time) error
}

// Options はManagerの設定
type Options struct {
	Vendor       camera.VendorSignature
	Locator      camera.Locator
	Resolver     conflict.Resolver
	Provisioner  loopback.Provisioner
	Reset        usbreset.Controller
	Release      usbreset.Releaser // nil の場合は起動前の解放をしない
	Launcher     pipeline.Launcher
	Registry     *pipeline.Registry
	Logs         pipeline.LogDir
	History      Recorder // nil の場合は記録しない
	MaxAttempts  int
	Slots        int
	LaunchSettle time.Duration
	StopGrace    time.Duration
	Logger       hclog.Logger
}

// Manager はカメラセッションを管理する
// セッションはストリームポートをキーとし、ポートごとに開始・停止を直列化する
type Manager struct {
	opts   Options
	logger hclog.Logger
	base   context.Context
	cancel context.CancelFunc

	// gate は競合サービスの復元と無効化を排他にする
	// 復元は書き込み側で取り、無効化は読み取り側で取る
	gate sync.RWMutex

	mu       sync.Mutex
	sessions map[int]*session
	locks    map[int]chan struct{}
	closing  bool
	wg       sync.WaitGroup
}

// NewManager は新しいManagerを作成する
func NewManager(opts Options) (*Manager, error) {
	switch {
	case opts.Locator == nil:
		return nil, errors.New("Locator が必要です")
	case opts.Resolver == nil:
		return nil, errors.New("Resolver が必要です")
	case opts.Provisioner == nil:
		return nil, errors.New("Provisioner が必要です")
	case opts.Reset == nil:
		return nil, errors.New("Reset が必要です")
	case opts.Launcher == nil:
		return nil, errors.New("Launcher が必要です")
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = pipeline.DefaultStopGrace
	}
	if opts.Registry == nil {
		opts.Registry = pipeline.NewRegistry(opts.StopGrace, opts.Logger.Named("registry"))
	}
	if opts.Logs.Root == "" {
		opts.Logs = pipeline.NewLogDir("")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Slots <= 0 {
		opts.Slots = loopback.MaxSlots
	}
	if opts.LaunchSettle <= 0 {
		opts.LaunchSettle = DefaultLaunchSettle
	}

	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		logger:   opts.Logger,
		base:     base,
		cancel:   cancel,
		sessions: make(map[int]*session),
		locks:    make(map[int]chan struct{}),
	}, nil
}

// Start はセッションをバックグラウンドで開始し、結果を1度だけ送るチャネルを返す
// 同じストリームポートのセッションが既にあれば、先にそれを完全に停止する
func (m *Manager) Start(req StartRequest) <-chan Result {
	ch := make(chan Result, 1)
	if err := req.Validate(); err != nil {
		ch <- Result{StreamPort: req.StreamPort, Outcome: OutcomeRejected, Err: err}
		return ch
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		ch <- Result{StreamPort: req.StreamPort, Outcome: OutcomeRejected, Err: ErrShuttingDown}
		return ch
	}
	prev := m.sessions[req.StreamPort]
	s := newSession(m.base, req, m.opts.Logs.For(req.StreamPort))
	m.sessions[req.StreamPort] = s
	lock := m.portLock(req.StreamPort)
	m.wg.Add(1)
	m.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}

	go func() {
		defer m.wg.Done()
		defer close(s.done)

		select {
		case lock <- struct{}{}:
		case <-s.ctx.Done():
			res := m.canceled(s)
			m.complete(s, res, nil)
			ch <- res
			return
		}

		res, pair := m.supervise(s)
		m.complete(s, res, pair)
		<-lock
		ch <- res
	}()
	return ch
}

// StartSession はセッションを開始し、終端結果まで待つ
// ctx は待ち時間だけを制限し、キャンセルしてもセッションは続く
func (m *Manager) StartSession(ctx context.Context, req StartRequest) (Result, error) {
	select {
	case res := <-m.Start(req):
		return res, res.Err
	case <-ctx.Done():
		return Result{StreamPort: req.StreamPort, Outcome: OutcomeCanceled}, ctx.Err()
	}
}

// StopSession はストリームポートのセッションを停止し、仮想デバイスの予約を解除する
func (m *Manager) StopSession(ctx context.Context, streamPort int) error {
	m.mu.Lock()
	s := m.sessions[streamPort]
	m.mu.Unlock()

	_, registered := m.opts.Registry.Lookup(streamPort)
	if s == nil && !registered {
		return ErrSessionNotFound
	}
	if s != nil {
		s.cancel()
	}

	err := m.opts.Registry.Terminate(ctx, streamPort, "")
	if s == nil {
		m.opts.Provisioner.Release(streamPort)
		return err
	}

	select {
	case <-s.ended:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.logger.Info("セッションを停止", "stream_port", streamPort, "session_id", s.id)
	return err
}

// Ended はセッションが終了したときに閉じられるチャネルを返す
// セッションがなければ閉じたチャネルを返す
func (m *Manager) Ended(streamPort int) <-chan struct{} {
	m.mu.Lock()
	s := m.sessions[streamPort]
	m.mu.Unlock()
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.ended
}

// Sessions はセッションのスナップショットをストリームポート順で返す
func (m *Manager) Sessions() []CameraSession {
	m.mu.Lock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]CameraSession, 0, len(list))
	for _, s := range list {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamPort < out[j].StreamPort })
	return out
}

// Active は稼働中（開始処理中を含む）のセッションがあるか返す
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions) > 0
}

// Shutdown はすべてのセッションを停止する
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	m.cancel()
	err := m.opts.Registry.TerminateAll(ctx)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	m.logger.Info("すべてのセッションを停止")
	return err
}

func (m *Manager) portLock(streamPort int) chan struct{} {
	lock, ok := m.locks[streamPort]
	if !ok {
		lock = make(chan struct{}, 1)
		m.locks[streamPort] = lock
	}
	return lock
}

// complete は終端結果を処理する。成功時はプロセスの組の監視を始める
func (m *Manager) complete(s *session, res Result, pair pipeline.Pair) {
	m.record(s, res)

	if res.Outcome == OutcomeSuccess && pair != nil {
		s.setState(StateSuccess)
		m.wg.Add(1)
		go m.watch(s, pair)
		return
	}

	s.setState(StateFailed)
	if m.detach(s) {
		m.restore()
	}
	s.end()
}

// watch はライブ配信中のプロセスの組が終わるまで待ち、後始末をする
func (m *Manager) watch(s *session, pair pipeline.Pair) {
	defer m.wg.Done()

	<-pair.Done()
	// どちらかの段が終了したら残ったほうも止める
	if err := pair.Stop(context.Background(), m.opts.StopGrace); err != nil {
		m.logger.Warn("残ったプロセスの停止に失敗", "stream_port", s.req.StreamPort, "error", err)
	}
	m.opts.Registry.Unregister(s.req.StreamPort, pair)
	s.setPair(nil)

	idle := m.detach(s)
	if m.opts.History != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := m.opts.History.MarkEnded(ctx, s.id, time.Now().UTC()); err != nil && !errors.Is(err, history.ErrNotFound) {
			m.logger.Warn("終了時刻の記録に失敗", "session_id", s.id, "error", err)
		}
		cancel()
	}
	m.logger.Info("セッションが終了", "stream_port", s.req.StreamPort, "session_id", s.id)
	if idle {
		m.restore()
	}
	s.end()
}

// detach はセッションがまだそのポートの現在のセッションであれば外し、予約を解除する
// 後続のセッションに置き換わっている場合、予約は後続のものとして残す
func (m *Manager) detach(s *session) (idle bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.req.StreamPort] == s {
		delete(m.sessions, s.req.StreamPort)
		m.opts.Provisioner.Release(s.req.StreamPort)
	}
	return len(m.sessions) == 0
}

// restore は最後のセッションが終わったときに競合サービスを元に戻す
// detach から呼ばれるまでの間に新しいセッションが始まっていれば何もしない
func (m *Manager) restore() {
	m.gate.Lock()
	defer m.gate.Unlock()

	m.mu.Lock()
	idle := len(m.sessions) == 0
	m.mu.Unlock()
	if !idle {
		m.logger.Debug("新しいセッションがあるため競合サービスを復元しない")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()
	m.opts.Resolver.Restore(ctx)
}

// neutralize は実行中の復元が終わってから競合サービスを止める
func (m *Manager) neutralize(ctx context.Context) {
	m.gate.RLock()
	defer m.gate.RUnlock()
	m.opts.Resolver.Neutralize(ctx)
}

func (m *Manager) record(s *session, res Result) {
	if m.opts.History == nil {
		return
	}
	r := history.Record{
		SessionID:   s.id,
		StreamPort:  s.req.StreamPort,
		BusPort:     string(res.BusPort),
		DisplayName: s.req.DisplayName,
		DevicePath:  res.DevicePath,
		Outcome:     string(res.Outcome),
		Attempts:    res.Attempt,
		StartedAt:   s.started,
		FinishedAt:  time.Now().UTC(),
	}
	if res.Err != nil {
		r.Error = res.Err.Error()
	}
	if !res.Diagnostics.Empty() {
		r.Diagnostics = res.Diagnostics.String()
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := m.opts.History.RecordOutcome(ctx, r); err != nil {
		m.logger.Warn("結果の記録に失敗", "session_id", s.id, "error", err)
	}
}

type session struct {
	id      string
	req     StartRequest
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
	logs    pipeline.LogPair
	done    chan struct{} // 監視処理の終了
	ended   chan struct{} // セッションの終了
	endOnce sync.Once

	mu      sync.Mutex
	state   State
	busPort camera.PortID
	device  string
	attempt int
	pair    pipeline.Pair
}

func newSession(base context.Context, req StartRequest, logs pipeline.LogPair) *session {
	ctx, cancel := context.WithCancel(base)
	return &session{
		id:      uuid.NewString(),
		req:     req,
		ctx:     ctx,
		cancel:  cancel,
		started: time.Now().UTC(),
		logs:    logs,
		done:    make(chan struct{}),
		ended:   make(chan struct{}),
		state:   StateInit,
		busPort: req.BusPortHint,
	}
}

func (s *session) end() {
	s.endOnce.Do(func() {
		s.cancel()
		close(s.ended)
	})
}

func (s *session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *session) setAttempt(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt = n
}

func (s *session) setBusPort(p camera.PortID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busPort = p
}

func (s *session) setDevice(d string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = d
}

func (s *session) setPair(p pipeline.Pair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = p
}

func (s *session) snapshot() CameraSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := CameraSession{
		ID:          s.id,
		StreamPort:  s.req.StreamPort,
		BusPort:     s.busPort,
		DisplayName: s.req.DisplayName,
		DevicePath:  s.device,
		Attempt:     s.attempt,
		State:       s.state,
		Logs:        s.logs,
		StartedAt:   s.started,
	}
	if s.pair != nil {
		cs.CapturePID, cs.TranscodePID = s.pair.PIDs()
	}
	return cs
}
