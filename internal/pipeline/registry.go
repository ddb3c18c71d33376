package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"digicam/internal/camera"
)

// Entry は登録されたプロセスの組
type Entry struct {
	StreamPort int
	BusPort    camera.PortID
	DevicePath string
	Pair       Pair
	StartTime  time.Time
}

// Registry はセッションが起動したプロセスの組を明示的に追跡する
// 停止は登録されたハンドルに対してのみ行い、名前のパターンでは探さない
type Registry struct {
	mu      sync.Mutex
	entries map[int]*Entry // ストリームポート → 登録
	grace   time.Duration
	logger  hclog.Logger
}

// NewRegistry は新しいRegistryを作成する
func NewRegistry(grace time.Duration, logger hclog.Logger) *Registry {
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Registry{
		entries: make(map[int]*Entry),
		grace:   grace,
		logger:  logger,
	}
}

// Register はプロセスの組を登録する
// 同じストリームポートの古い登録は置き換えられるため、呼び出し側が事前に Terminate しておく
func (r *Registry) Register(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.StartTime.IsZero() {
		e.StartTime = time.Now()
	}
	capturePID, transcodePID := e.Pair.PIDs()
	r.entries[e.StreamPort] = &e
	r.logger.Debug("プロセスの組を登録",
		"stream_port", e.StreamPort,
		"bus_port", e.BusPort,
		"capture_pid", capturePID,
		"transcode_pid", transcodePID)
}

// Lookup はストリームポートの登録を返す
func (r *Registry) Lookup(streamPort int) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[streamPort]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Unregister はpairが現在の登録である場合に限り登録を外す
func (r *Registry) Unregister(streamPort int, pair Pair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[streamPort]; ok && e.Pair == pair {
		delete(r.entries, streamPort)
	}
}

// Terminate はストリームポート、または同じバスポートに登録された組を停止する
func (r *Registry) Terminate(ctx context.Context, streamPort int, busPort camera.PortID) error {
	r.mu.Lock()
	var targets []*Entry
	for sp, e := range r.entries {
		if sp == streamPort || (busPort != "" && e.BusPort == busPort) {
			targets = append(targets, e)
			delete(r.entries, sp)
		}
	}
	r.mu.Unlock()

	return r.stopAll(ctx, targets)
}

// TerminateAll は登録されたすべての組を停止する
func (r *Registry) TerminateAll(ctx context.Context) error {
	r.mu.Lock()
	targets := make([]*Entry, 0, len(r.entries))
	for sp, e := range r.entries {
		targets = append(targets, e)
		delete(r.entries, sp)
	}
	r.mu.Unlock()

	return r.stopAll(ctx, targets)
}

// Entries は登録の一覧をストリームポート順で返す
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamPort < out[j].StreamPort })
	return out
}

func (r *Registry) stopAll(ctx context.Context, targets []*Entry) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, e := range targets {
		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()
			if err := e.Pair.Stop(ctx, r.grace); err != nil {
				r.logger.Warn("プロセスの停止に失敗", "stream_port", e.StreamPort, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			r.logger.Debug("プロセスの組を停止", "stream_port", e.StreamPort, "bus_port", e.BusPort)
		}(e)
	}
	wg.Wait()
	return errors.Join(errs...)
}
