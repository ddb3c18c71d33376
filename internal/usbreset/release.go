package usbreset

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"digicam/internal/camera"
	"digicam/internal/proc"
)

// Releaser はカメラのUSBデバイスファイルを掴んでいるプロセスを解放させる
type Releaser interface {
	// Release はportのデバイスファイルを開いているプロセスのうちkeep以外を終了させ、終了させた数を返す
	Release(ctx context.Context, port camera.PortID, keep []int32) (int, error)
}

// HolderReleaser は /dev/bus/usb/BBB/DDD の保持者をプロセステーブルから探して終了させる
type HolderReleaser struct {
	devRoot string
	procs   proc.Table
	logger  hclog.Logger
}

// NewHolderReleaser は新しいHolderReleaserを作成する
func NewHolderReleaser(devRoot string, procs proc.Table, logger hclog.Logger) *HolderReleaser {
	if devRoot == "" {
		devRoot = "/dev"
	}
	if procs == nil {
		procs = proc.System{}
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &HolderReleaser{devRoot: devRoot, procs: procs, logger: logger}
}

// Release はportのデバイスファイルを解放させる
func (r *HolderReleaser) Release(ctx context.Context, port camera.PortID, keep []int32) (int, error) {
	bus, dev, err := camera.ParsePortID(port)
	if err != nil {
		return 0, err
	}
	node := camera.USBDevice{Bus: bus, Device: dev}.DevNode(r.devRoot)

	holders, err := r.procs.HoldersOf(ctx, node)
	if err != nil {
		return 0, fmt.Errorf("デバイスファイルの保持者を取得できない: %w", err)
	}

	skip := make(map[int32]bool, len(keep))
	for _, pid := range keep {
		skip[pid] = true
	}
	var targets []int32
	for _, pid := range holders[node] {
		if !skip[pid] {
			targets = append(targets, pid)
		}
	}
	if len(targets) == 0 {
		return 0, nil
	}

	killed, err := r.procs.KillPIDs(ctx, targets...)
	r.logger.Info("USBデバイスを掴んでいるプロセスを終了", "bus_port", port, "device", node, "pids", targets, "killed", killed)
	return killed, err
}
