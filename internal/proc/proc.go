// Package proc はプロセステーブルの参照と操作を提供する
package proc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/shirou/gopsutil/v4/process"
)

// Table はプロセステーブルに対する操作
type Table interface {
	// HoldersOf は各パスを開いているプロセスのPIDを返す
	HoldersOf(ctx context.Context, paths ...string) (map[string][]int32, error)

	// KillByName は実行ファイル名が完全一致するプロセスを終了させ、終了させた数を返す
	KillByName(ctx context.Context, names ...string) (int, error)

	// KillPIDs は指定したプロセスを終了させ、終了させた数を返す
	KillPIDs(ctx context.Context, pids ...int32) (int, error)
}

// System は gopsutil で実際のプロセステーブルを扱う
type System struct{}

// HoldersOf は全プロセスの開いているファイルを走査する
// 権限がなく読めないプロセスは無視する
func (System) HoldersOf(ctx context.Context, paths ...string) (map[string][]int32, error) {
	want := make(map[string]string, len(paths))
	for _, p := range paths {
		want[resolve(p)] = p
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("プロセス一覧の取得に失敗: %w", err)
	}

	holders := make(map[string][]int32)
	for _, p := range procs {
		if ctx.Err() != nil {
			return holders, ctx.Err()
		}
		files, err := p.OpenFilesWithContext(ctx)
		if err != nil {
			continue
		}
		for _, f := range files {
			if orig, ok := want[resolve(f.Path)]; ok {
				holders[orig] = append(holders[orig], p.Pid)
			}
		}
	}
	for k := range holders {
		holders[k] = dedupe(holders[k])
	}
	return holders, nil
}

// KillByName は名前が一致するプロセスにSIGKILLを送る
func (System) KillByName(ctx context.Context, names ...string) (int, error) {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("プロセス一覧の取得に失敗: %w", err)
	}

	killed := 0
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || !set[name] {
			continue
		}
		if err := p.KillWithContext(ctx); err == nil {
			killed++
		}
	}
	return killed, nil
}

// KillPIDs は各プロセスにSIGKILLを送る。すでに存在しないプロセスは数えない
func (System) KillPIDs(ctx context.Context, pids ...int32) (int, error) {
	killed := 0
	var errs []error
	for _, pid := range pids {
		p, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pid %d の終了に失敗: %w", pid, err))
			continue
		}
		killed++
	}
	return killed, errors.Join(errs...)
}

func resolve(path string) string {
	if r, err := filepath.EvalSymlinks(path); err == nil {
		return r
	}
	return filepath.Clean(path)
}

func dedupe(pids []int32) []int32 {
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	out := pids[:0]
	for i, pid := range pids {
		if i == 0 || pid != pids[i-1] {
			out = append(out, pid)
		}
	}
	return out
}

// Fake はテスト用のプロセステーブル
type Fake struct {
	mu      sync.Mutex
	holders map[string][]int32
	running map[string]int
	Killed  []string

	KilledPIDs []int32
}

// NewFake は空のFakeを作成する
func NewFake() *Fake {
	return &Fake{
		holders: make(map[string][]int32),
		running: make(map[string]int),
	}
}

// Hold はpidがpathを開いている状態にする
func (f *Fake) Hold(path string, pid int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holders[path] = append(f.holders[path], pid)
}

// Unhold はpathの保持者をすべて取り除く
func (f *Fake) Unhold(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.holders, path)
}

// Spawn は名前nameのプロセスをcount個実行中にする
func (f *Fake) Spawn(name string, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[name] += count
}

// HoldersOf は登録された保持者を返す
func (f *Fake) HoldersOf(_ context.Context, paths ...string) (map[string][]int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]int32)
	for _, p := range paths {
		if pids := f.holders[p]; len(pids) > 0 {
			out[p] = append([]int32(nil), pids...)
		}
	}
	return out, nil
}

// KillByName は実行中として登録された名前を消す
func (f *Fake) KillByName(_ context.Context, names ...string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	killed := 0
	for _, n := range names {
		if c := f.running[n]; c > 0 {
			killed += c
			delete(f.running, n)
			f.Killed = append(f.Killed, n)
		}
	}
	return killed, nil
}

// KillPIDs は終了させたPIDを記録し、保持者から取り除く
func (f *Fake) KillPIDs(_ context.Context, pids ...int32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dead := make(map[int32]bool, len(pids))
	for _, pid := range pids {
		dead[pid] = true
	}
	killed := 0
	for _, pid := range pids {
		for _, holders := range f.holders {
			if slices.Contains(holders, pid) {
				killed++
				break
			}
		}
	}
	for path, holders := range f.holders {
		kept := holders[:0]
		for _, pid := range holders {
			if !dead[pid] {
				kept = append(kept, pid)
			}
		}
		if len(kept) == 0 {
			delete(f.holders, path)
		} else {
			f.holders[path] = kept
		}
	}
	f.KilledPIDs = append(f.KilledPIDs, pids...)
	return killed, nil
}
