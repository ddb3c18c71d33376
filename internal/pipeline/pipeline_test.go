package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogDir_For(t *testing.T) {
	d := NewLogDir("/var/log/digicam")
	l := d.For(5000)
	assert.Equal(t, "/var/log/digicam/capture-5000.log", l.CapturePath)
	assert.Equal(t, "/var/log/digicam/pipeline-5000.log", l.PipelinePath)
	assert.NotEqual(t, l, d.For(5001), "ログはストリームポートごとに分かれる")
}

func TestLogPair_TruncateAndRead(t *testing.T) {
	l := NewLogDir(filepath.Join(t.TempDir(), "logs")).For(5000)

	require.NoError(t, l.Truncate())
	assert.True(t, l.Read().Empty())

	appendFile(l.CapturePath, "*** Error: PTP I/O Error\n")
	appendFile(l.PipelinePath, "pipe:: Invalid data found when processing input\n")
	diag := l.Read()
	assert.False(t, diag.Empty())
	assert.Contains(t, diag.String(), "PTP I/O Error")
	assert.Contains(t, diag.String(), "Invalid data found")

	require.NoError(t, l.Truncate())
	assert.True(t, l.Read().Empty(), "試行ごとに空になる")

	_, err := os.Stat(l.CapturePath)
	assert.NoError(t, err, "ファイル自体は残る")
}

func TestLogPair_ReadMissing(t *testing.T) {
	l := NewLogDir(t.TempDir()).For(1)
	assert.True(t, l.Read().Empty())
}

func TestExecLauncher_TranscodeArgs(t *testing.T) {
	l := NewExecLauncher(LauncherOptions{ExtraArgs: []string{"-fflags", "nobuffer"}})
	spec := Spec{StreamPort: 5000, BusPort: "usb:001,004", DevicePath: "/dev/video10"}

	assert.Equal(t, []string{"--stdout", "--capture-movie", "--port", "usb:001,004"}, l.CaptureArgs(spec))

	args := strings.Join(l.TranscodeArgs(spec), " ")
	assert.Contains(t, args, "-fflags nobuffer -i -")
	assert.Contains(t, args, "-f v4l2 /dev/video10")
	assert.True(t, strings.HasSuffix(args, "-f mpegts udp://127.0.0.1:5000?pkt_size=1316"))
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newScriptLauncher(t *testing.T, captureBody, transcodeBody string) (*ExecLauncher, Spec) {
	t.Helper()
	dir := t.TempDir()
	l := NewExecLauncher(LauncherOptions{
		GPhoto2Path: writeScript(t, dir, "gphoto2", captureBody),
		FFmpegPath:  writeScript(t, dir, "ffmpeg", transcodeBody),
	})
	logs := NewLogDir(filepath.Join(dir, "logs")).For(5000)
	require.NoError(t, logs.Truncate())
	return l, Spec{StreamPort: 5000, BusPort: "usb:001,004", DevicePath: "/dev/video10", Logs: logs}
}

func TestExecLauncher_LaunchAndStop(t *testing.T) {
	l, spec := newScriptLauncher(t,
		`echo "capturing on $4" >&2; exec sleep 30`,
		`echo "transcoding"; exec cat >/dev/null`,
	)

	pair, err := l.Launch(context.Background(), spec)
	require.NoError(t, err)

	capturePID, transcodePID := pair.PIDs()
	assert.NotZero(t, capturePID)
	assert.NotZero(t, transcodePID)
	assert.True(t, pair.Alive())

	require.Eventually(t, func() bool {
		d := spec.Logs.Read()
		return strings.Contains(d.Capture, "capturing on usb:001,004") && strings.Contains(d.Pipeline, "transcoding")
	}, 5*time.Second, 20*time.Millisecond, "両方のログに出力される")

	require.NoError(t, pair.Stop(context.Background(), 500*time.Millisecond))
	assert.False(t, pair.Alive())
	select {
	case <-pair.Done():
	default:
		t.Fatal("Stop後はDoneが閉じられる")
	}

	// 2回目のStopは何もしない
	require.NoError(t, pair.Stop(context.Background(), 500*time.Millisecond))
}

func TestExecLauncher_StopEscalatesToKill(t *testing.T) {
	l, spec := newScriptLauncher(t,
		`trap "" TERM; while true; do sleep 1; done`,
		`trap "" TERM; exec cat >/dev/null`,
	)

	pair, err := l.Launch(context.Background(), spec)
	require.NoError(t, err)
	// trap が設定されるまで待つ
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	require.NoError(t, pair.Stop(context.Background(), 200*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.False(t, pair.Alive())
}

func TestExecLauncher_CaptureDies(t *testing.T) {
	l, spec := newScriptLauncher(t,
		`echo "*** Error: Could not claim the USB device" >&2; exit 1`,
		`exec cat >/dev/null`,
	)

	pair, err := l.Launch(context.Background(), spec)
	require.NoError(t, err)

	select {
	case <-pair.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("キャプチャ段の終了で組が終わるはず")
	}
	assert.False(t, pair.Alive())
	assert.Contains(t, spec.Logs.Read().Capture, "Could not claim the USB device")
	require.NoError(t, pair.Stop(context.Background(), time.Second))
}

func TestExecLauncher_LaunchMissingBinary(t *testing.T) {
	l := NewExecLauncher(LauncherOptions{GPhoto2Path: filepath.Join(t.TempDir(), "missing")})
	logs := NewLogDir(t.TempDir()).For(5000)
	_, err := l.Launch(context.Background(), Spec{StreamPort: 5000, BusPort: "usb:001,004", DevicePath: "/dev/video10", Logs: logs})
	assert.Error(t, err)
}

func TestRegistry_TerminateIsScoped(t *testing.T) {
	r := NewRegistry(time.Second, nil)
	a, b, c := NewMockPair(), NewMockPair(), NewMockPair()
	r.Register(Entry{StreamPort: 5000, BusPort: "usb:001,004", Pair: a})
	r.Register(Entry{StreamPort: 5001, BusPort: "usb:001,005", Pair: b})
	r.Register(Entry{StreamPort: 5002, BusPort: "usb:002,002", Pair: c})

	require.NoError(t, r.Terminate(context.Background(), 5000, ""))
	assert.False(t, a.Alive())
	assert.True(t, b.Alive(), "他のセッションの組には触れない")
	assert.True(t, c.Alive())

	// 同じバスポートに登録された組も停止する
	require.NoError(t, r.Terminate(context.Background(), 6000, "usb:001,005"))
	assert.False(t, b.Alive())
	assert.True(t, c.Alive())

	_, ok := r.Lookup(5001)
	assert.False(t, ok)
	assert.Len(t, r.Entries(), 1)

	require.NoError(t, r.TerminateAll(context.Background()))
	assert.False(t, c.Alive())
	assert.Empty(t, r.Entries())
}

func TestRegistry_UnregisterOnlyCurrentPair(t *testing.T) {
	r := NewRegistry(time.Second, nil)
	old, current := NewMockPair(), NewMockPair()
	r.Register(Entry{StreamPort: 5000, Pair: old})
	r.Register(Entry{StreamPort: 5000, Pair: current})

	r.Unregister(5000, old)
	e, ok := r.Lookup(5000)
	require.True(t, ok, "古い組の終了で新しい登録は消えない")
	assert.Equal(t, Pair(current), e.Pair)

	r.Unregister(5000, current)
	_, ok = r.Lookup(5000)
	assert.False(t, ok)
}

func TestMockLauncher(t *testing.T) {
	logs := NewLogDir(t.TempDir()).For(5000)
	require.NoError(t, logs.Truncate())
	m := NewMockLauncher(
		MockBehavior{CaptureLog: "boom\n", Die: true},
		MockBehavior{},
	)

	p1, err := m.Launch(context.Background(), Spec{StreamPort: 5000, Logs: logs})
	require.NoError(t, err)
	assert.False(t, p1.Alive())
	assert.Equal(t, "boom\n", logs.Read().Capture)

	p2, err := m.Launch(context.Background(), Spec{StreamPort: 5000, Logs: logs})
	require.NoError(t, err)
	assert.True(t, p2.Alive())
	require.NoError(t, p2.Stop(context.Background(), time.Second))
	assert.False(t, p2.Alive())
	assert.Len(t, m.Specs(), 2)
}
