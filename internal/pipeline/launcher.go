// Package pipeline はキャプチャ段（gphoto2）と変換段（ffmpeg）のプロセス組を管理する
//
// gphoto2 のライブビュー出力をパイプで ffmpeg に渡し、ffmpeg は仮想デバイスと
// ローカルの mpegts ストリーム（udp://127.0.0.1:<port>）の両方へ出力する。
// 2つのプロセスは同じプロセスグループに入れ、停止はグループ単位で行う。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"digicam/internal/camera"
)

// DefaultStopGrace は SIGTERM から SIGKILL までの猶予
const DefaultStopGrace = 2 * time.Second

// ErrStopTimeout は SIGKILL 後もプロセスが終了しないことを表す
var ErrStopTimeout = errors.New("process pair did not exit")

// Spec は1組のプロセスを起動するための情報
type Spec struct {
	StreamPort int
	BusPort    camera.PortID
	DevicePath string
	Logs       LogPair
}

// Pair は起動したプロセスの組
type Pair interface {
	// PIDs はキャプチャ段と変換段のPIDを返す
	PIDs() (capture, transcode int)

	// Alive はどちらのプロセスもまだ終了していないか返す
	Alive() bool

	// Done はどちらかのプロセスが終了し、組が終わったときに閉じられる
	Done() <-chan struct{}

	// Stop はプロセスグループに SIGTERM を送り、猶予後に SIGKILL を送る
	Stop(ctx context.Context, grace time.Duration) error
}

// Launcher はプロセスの組を起動するインターフェース
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Pair, error)
}

// LauncherOptions はExecLauncherの設定
type LauncherOptions struct {
	GPhoto2Path string
	FFmpegPath  string
	StreamHost  string
	PacketSize  int
	ExtraArgs   []string // ffmpeg の入力側に追加するオプション
	Logger      hclog.Logger
}

// ExecLauncher は os/exec で gphoto2 と ffmpeg を起動する
type ExecLauncher struct {
	opts LauncherOptions
}

// NewExecLauncher は新しいExecLauncherを作成する
func NewExecLauncher(opts LauncherOptions) *ExecLauncher {
	if opts.GPhoto2Path == "" {
		opts.GPhoto2Path = "gphoto2"
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.StreamHost == "" {
		opts.StreamHost = "127.0.0.1"
	}
	if opts.PacketSize <= 0 {
		opts.PacketSize = 1316
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	return &ExecLauncher{opts: opts}
}

// CaptureArgs はキャプチャ段の引数を返す
func (l *ExecLauncher) CaptureArgs(spec Spec) []string {
	return []string{"--stdout", "--capture-movie", "--port", string(spec.BusPort)}
}

// TranscodeArgs は変換段の引数を返す
func (l *ExecLauncher) TranscodeArgs(spec Spec) []string {
	args := []string{"-hide_banner", "-loglevel", "warning"}
	args = append(args, l.opts.ExtraArgs...)
	args = append(args,
		"-i", "-",
		// 仮想デバイスへ
		"-pix_fmt", "yuv420p",
		"-f", "v4l2", spec.DevicePath,
		// ローカルのプレビュー用ストリームへ
		"-c:v", "mpeg2video", "-q:v", "4",
		"-f", "mpegts", l.StreamURL(spec.StreamPort),
	)
	return args
}

// StreamURL はプレビュー用ストリームの送信先を返す
func (l *ExecLauncher) StreamURL(streamPort int) string {
	return fmt.Sprintf("udp://%s:%d?pkt_size=%d", l.opts.StreamHost, streamPort, l.opts.PacketSize)
}

// Launch はキャプチャ段と変換段を起動する
// 起動したプロセスは ctx とは無関係に動き続け、Stop で停止する
func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (Pair, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.BusPort == "" || spec.DevicePath == "" {
		return nil, fmt.Errorf("ポートとデバイスの指定が必要: port=%q device=%q", spec.BusPort, spec.DevicePath)
	}

	captureLog, pipelineLog, err := spec.Logs.openAppend()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = captureLog.Close()
		_ = pipelineLog.Close()
	}()

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("パイプの作成に失敗: %w", err)
	}
	defer func() {
		_ = r.Close()
		_ = w.Close()
	}()

	capture := exec.Command(l.opts.GPhoto2Path, l.CaptureArgs(spec)...)
	capture.Stdout = w
	capture.Stderr = captureLog
	capture.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := capture.Start(); err != nil {
		return nil, fmt.Errorf("gphoto2の起動に失敗: %w", err)
	}
	pgid := capture.Process.Pid

	transcode := exec.Command(l.opts.FFmpegPath, l.TranscodeArgs(spec)...)
	transcode.Stdin = r
	transcode.Stdout = pipelineLog
	transcode.Stderr = pipelineLog
	transcode.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: pgid}
	if err := transcode.Start(); err != nil {
		_ = unix.Kill(-pgid, unix.SIGKILL)
		_ = capture.Wait()
		return nil, fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	p := newExecPair(capture, transcode, pgid)
	l.opts.Logger.Debug("プロセスの組を起動",
		"stream_port", spec.StreamPort,
		"bus_port", spec.BusPort,
		"device", spec.DevicePath,
		"capture_pid", capture.Process.Pid,
		"transcode_pid", transcode.Process.Pid)
	return p, nil
}

type execPair struct {
	capture   *exec.Cmd
	transcode *exec.Cmd
	pgid      int

	captureDone   chan struct{}
	transcodeDone chan struct{}
	done          chan struct{}
	once          sync.Once
}

func newExecPair(capture, transcode *exec.Cmd, pgid int) *execPair {
	p := &execPair{
		capture:       capture,
		transcode:     transcode,
		pgid:          pgid,
		captureDone:   make(chan struct{}),
		transcodeDone: make(chan struct{}),
		done:          make(chan struct{}),
	}
	go p.wait(capture, p.captureDone)
	go p.wait(transcode, p.transcodeDone)
	return p
}

func (p *execPair) wait(cmd *exec.Cmd, ch chan struct{}) {
	_ = cmd.Wait()
	close(ch)
	p.once.Do(func() { close(p.done) })
}

func (p *execPair) PIDs() (int, int) {
	return p.capture.Process.Pid, p.transcode.Process.Pid
}

func (p *execPair) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execPair) Done() <-chan struct{} {
	return p.done
}

func (p *execPair) exited() bool {
	select {
	case <-p.captureDone:
	default:
		return false
	}
	select {
	case <-p.transcodeDone:
	default:
		return false
	}
	return true
}

func (p *execPair) waitExited(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for _, ch := range []chan struct{}{p.captureDone, p.transcodeDone} {
		select {
		case <-ch:
		case <-timer.C:
			return p.exited()
		case <-ctx.Done():
			return p.exited()
		}
	}
	return true
}

// Stop はグループ全体を止め、両方のプロセスが終了するまで待つ
func (p *execPair) Stop(ctx context.Context, grace time.Duration) error {
	if p.exited() {
		return nil
	}
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	_ = unix.Kill(-p.pgid, unix.SIGTERM)
	if p.waitExited(ctx, grace) {
		return nil
	}

	_ = unix.Kill(-p.pgid, unix.SIGKILL)
	if p.waitExited(context.Background(), grace) {
		return nil
	}
	return fmt.Errorf("%w: pgid %d", ErrStopTimeout, p.pgid)
}
