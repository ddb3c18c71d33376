package camera

import (
	"bufio"
	"context"
	"os/exec"
	"regexp"
	"strings"
)

// Runner は外部コマンドを実行するインターフェース
type Runner interface {
	// Run はコマンドを実行し、標準出力と標準エラーを合わせて返す
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// OSRunner は os/exec でコマンドを実行する
type OSRunner struct{}

// Run はコマンドを実行する
func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// RunnerFunc は関数をRunnerとして扱うためのアダプタ
type RunnerFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Run はfを呼び出す
func (f RunnerFunc) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return f(ctx, name, args...)
}

var autoDetectLine = regexp.MustCompile(`^(.*?)\s+(usb:\d{3},\d{3})\s*$`)

// ParseAutoDetect は gphoto2 --auto-detect の出力を解析する
//
// 出力形式:
//
//	Model                          Port
//	----------------------------------------------------------
//	Canon EOS 5D Mark III          usb:001,004
func ParseAutoDetect(output string) []DetectedCamera {
	var cameras []DetectedCamera
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		m := autoDetectLine.FindStringSubmatch(line)
		if m == nil {
			// ヘッダー行と区切り線はここで除外される
			continue
		}
		model := strings.TrimSpace(m[1])
		if model == "" {
			continue
		}
		cameras = append(cameras, DetectedCamera{Model: model, Port: PortID(m[2])})
	}
	return cameras
}
