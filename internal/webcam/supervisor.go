package webcam

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"digicam/internal/camera"
	"digicam/internal/loopback"
	"digicam/internal/pipeline"
)

// 起動直前の再確認で競合を検出したときに選び直す回数
const maxClaimRaces = 3

// supervise は1セッションの状態遷移を実行する
//
//	Init → LocatePort → ProvisionDevice → Launch → Monitor → {Success | Retry | Failed}
//
// 成功時は稼働中のプロセスの組も返す
func (m *Manager) supervise(s *session) (Result, pipeline.Pair) {
	ctx := s.ctx
	sp := s.req.StreamPort
	log := m.logger.With("stream_port", sp, "session_id", s.id)

	// Init: 同じポートの既存の組を止めてから始める
	s.setState(StateInit)
	if err := m.opts.Registry.Terminate(ctx, sp, s.req.BusPortHint); err != nil {
		log.Warn("既存のプロセスの停止に失敗", "error", err)
	}
	m.neutralize(ctx)

	port := s.req.BusPortHint
	device := ""
	attempt := 1
	for {
		s.setAttempt(attempt)
		if ctx.Err() != nil {
			return m.canceled(s), nil
		}

		// LocatePort: 2回目以降は競合サービスが復活しているため先に止め直す
		s.setState(StateLocatePort)
		if attempt > 1 {
			m.neutralize(ctx)
		}
		located, err := m.opts.Locator.Locate(ctx, camera.LocateRequest{
			Vendor:       m.opts.Vendor,
			PreviousPort: port,
			NameHint:     s.req.DisplayName,
		})
		if err != nil {
			if ctx.Err() != nil {
				return m.canceled(s), nil
			}
			log.Warn("カメラが見つからない", "attempt", attempt, "error", err)
			return m.failed(s, OutcomeNotFound, attempt, port, device, err), nil
		}
		if located != port {
			log.Debug("バスポートを検出", "bus_port", located, "previous", port)
		}
		port = located
		s.setBusPort(port)

		// ProvisionDevice
		device, err = m.acquireDevice(ctx, s, log, device)
		s.setDevice(device)
		if err != nil {
			if ctx.Err() != nil {
				return m.canceled(s), nil
			}
			log.Warn("仮想デバイスを確保できない", "attempt", attempt, "error", err)
			return m.failed(s, OutcomeNoVirtualDevice, attempt, port, "", err), nil
		}

		// Launch → Monitor
		kind, pair := m.launchAndMonitor(ctx, s, log, port, device, attempt)
		if pair != nil {
			log.Info("セッションを開始", "bus_port", port, "device", device, "attempt", attempt)
			return Result{
				SessionID:   s.id,
				StreamPort:  sp,
				Outcome:     OutcomeSuccess,
				DevicePath:  device,
				BusPort:     port,
				Attempt:     attempt,
				Diagnostics: s.logs.Read(),
			}, pair
		}
		if ctx.Err() != nil {
			return m.canceled(s), nil
		}

		// Retry
		s.setState(StateRetry)
		if attempt >= m.opts.MaxAttempts {
			log.Error("最大試行回数に達した", "attempt", attempt, "kind", kind)
			return m.failed(s, OutcomeRetryBudgetExhausted, attempt, port, device, ErrRetryBudgetExhausted), nil
		}
		attempt++
		if kind == FailureDeviceBusyOrWedged {
			// リセットに失敗しても再検出は続ける
			if res := m.opts.Reset.Reset(ctx, m.opts.Vendor, port); res.Err != nil {
				log.Warn("バスリセットに失敗（続行）", "bus_port", port, "error", res.Err)
			}
		}
	}
}

// acquireDevice は仮想デバイスを確保し、起動直前に再確認する
// 前の試行で確保したデバイスがまだ使えればそれを使い続ける
func (m *Manager) acquireDevice(ctx context.Context, s *session, log hclog.Logger, held string) (string, error) {
	sp := s.req.StreamPort
	s.setState(StateProvisionDevice)

	if held != "" {
		if err := m.opts.Provisioner.Verify(ctx, held, sp); err == nil {
			return held, nil
		}
		log.Debug("確保済みのデバイスが使えないため選び直す", "device", held)
		m.opts.Provisioner.Release(sp)
	}

	labels := loopback.Labels(s.req.DisplayName, m.opts.Slots)
	if err := m.opts.Provisioner.EnsureModuleLoaded(ctx, m.opts.Slots, labels); err != nil {
		log.Warn("モジュールを読み込めない", "error", err)
	}

	for i := 0; i < maxClaimRaces; i++ {
		device, err := m.opts.Provisioner.ClaimFreeDevice(ctx, sp)
		if err != nil {
			return "", err
		}
		if err := m.opts.Provisioner.Verify(ctx, device, sp); err != nil {
			log.Debug("仮想デバイスの競合を検出", "device", device, "error", err)
			m.opts.Provisioner.Release(sp)
			continue
		}
		log.Debug("仮想デバイスを確保", "device", device)
		return device, nil
	}
	return "", fmt.Errorf("%w: 競合が続いたため確保できない", loopback.ErrNoFreeDevice)
}

// launchAndMonitor は組を起動し、待機後に状態を判定する
// 成功時は組を返し、失敗時は nil と失敗の種類を返す
func (m *Manager) launchAndMonitor(ctx context.Context, s *session, log hclog.Logger, port camera.PortID, device string, attempt int) (FailureKind, pipeline.Pair) {
	sp := s.req.StreamPort
	s.setState(StateLaunch)

	if err := s.logs.Truncate(); err != nil {
		log.Warn("ログの初期化に失敗", "error", err)
	}
	m.releasePort(ctx, log, port)

	pair, err := m.opts.Launcher.Launch(ctx, pipeline.Spec{
		StreamPort: sp,
		BusPort:    port,
		DevicePath: device,
		Logs:       s.logs,
	})
	if err != nil {
		log.Warn("プロセスの起動に失敗", "attempt", attempt, "error", err)
		s.logs.Annotate(fmt.Sprintf("launch failed: %v", err))
		return FailureProcessDiedUnexplained, nil
	}
	m.opts.Registry.Register(pipeline.Entry{StreamPort: sp, BusPort: port, DevicePath: device, Pair: pair})
	s.setPair(pair)
	capturePID, transcodePID := pair.PIDs()
	log.Debug("プロセスを起動", "attempt", attempt, "capture_pid", capturePID, "transcode_pid", transcodePID)

	if err := settle(ctx, m.opts.LaunchSettle, pair.Done()); err != nil {
		m.stopPair(s, pair)
		return FailureNone, nil
	}

	// Monitor
	s.setState(StateMonitor)
	diag := s.logs.Read()
	alive := pair.Alive()
	if alive && !KnownSignature(diag) {
		return FailureNone, pair
	}

	m.stopPair(s, pair)
	diag = s.logs.Read()
	kind := Classify(diag)
	log.Info("試行が失敗", "attempt", attempt, "kind", kind, "alive", alive, "hint", Hint(diag))
	return kind, nil
}

// releasePort はカメラのUSBデバイスファイルを掴んでいる外部プロセスを終了させる
// 登録済みの組のプロセスは対象外
func (m *Manager) releasePort(ctx context.Context, log hclog.Logger, port camera.PortID) {
	if m.opts.Release == nil || port == "" {
		return
	}
	var keep []int32
	for _, e := range m.opts.Registry.Entries() {
		capturePID, transcodePID := e.Pair.PIDs()
		keep = append(keep, int32(capturePID), int32(transcodePID))
	}
	if _, err := m.opts.Release.Release(ctx, port, keep); err != nil {
		log.Warn("USBデバイスの解放に失敗（続行）", "bus_port", port, "error", err)
	}
}

func (m *Manager) stopPair(s *session, pair pipeline.Pair) {
	if err := pair.Stop(context.Background(), m.opts.StopGrace); err != nil {
		m.logger.Warn("プロセスの停止に失敗", "stream_port", s.req.StreamPort, "error", err)
	}
	m.opts.Registry.Unregister(s.req.StreamPort, pair)
	s.setPair(nil)
}

// settle は固定時間待つ。組が先に終了した場合はそこで待つのをやめる
func settle(ctx context.Context, d time.Duration, done <-chan struct{}) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) failed(s *session, outcome Outcome, attempt int, port camera.PortID, device string, err error) Result {
	diag := s.logs.Read()
	return Result{
		SessionID:   s.id,
		StreamPort:  s.req.StreamPort,
		Outcome:     outcome,
		DevicePath:  device,
		BusPort:     port,
		Attempt:     attempt,
		Diagnostics: diag,
		Hint:        Hint(diag),
		Err:         err,
	}
}

func (m *Manager) canceled(s *session) Result {
	s.mu.Lock()
	attempt, port := s.attempt, s.busPort
	pair := s.pair
	s.mu.Unlock()
	if pair != nil {
		m.stopPair(s, pair)
	}
	return Result{
		SessionID:  s.id,
		StreamPort: s.req.StreamPort,
		Outcome:    OutcomeCanceled,
		BusPort:    port,
		Attempt:    attempt,
		Err:        errors.Join(ErrCanceled, context.Canceled),
	}
}
