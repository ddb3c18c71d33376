package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LogDir はセッションごとの診断ログを置くディレクトリ
type LogDir struct {
	Root string
}

// NewLogDir は新しいLogDirを作成する
func NewLogDir(root string) LogDir {
	if root == "" {
		root = filepath.Join(os.TempDir(), "digicam")
	}
	return LogDir{Root: root}
}

// For はストリームポートに対応するログの組を返す
func (d LogDir) For(streamPort int) LogPair {
	return LogPair{
		CapturePath:  filepath.Join(d.Root, fmt.Sprintf("capture-%d.log", streamPort)),
		PipelinePath: filepath.Join(d.Root, fmt.Sprintf("pipeline-%d.log", streamPort)),
	}
}

// LogPair はキャプチャ段のエラーログとパイプライン段の出力ログ
// ファイルは削除しない。失敗時に運用者が確認できるよう残しておく
type LogPair struct {
	CapturePath  string `json:"capture"`
	PipelinePath string `json:"pipeline"`
}

// Truncate は試行の開始時に両方のログを空にする
func (l LogPair) Truncate() error {
	for _, p := range []string{l.CapturePath, l.PipelinePath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("ログディレクトリの作成に失敗: %w", err)
		}
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			return fmt.Errorf("ログの初期化に失敗: %w", err)
		}
	}
	return nil
}

// Read は両方のログの内容を返す。存在しないログは空として扱う
func (l LogPair) Read() Diagnostics {
	return Diagnostics{
		Capture:  readFile(l.CapturePath),
		Pipeline: readFile(l.PipelinePath),
	}
}

func (l LogPair) openAppend() (capture, pipeline *os.File, err error) {
	if err := os.MkdirAll(filepath.Dir(l.CapturePath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("ログディレクトリの作成に失敗: %w", err)
	}
	capture, err = os.OpenFile(l.CapturePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("キャプチャログを開けない: %w", err)
	}
	pipeline, err = os.OpenFile(l.PipelinePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = capture.Close()
		return nil, nil, fmt.Errorf("パイプラインログを開けない: %w", err)
	}
	return capture, pipeline, nil
}

// Annotate はパイプラインログに追記する
func (l LogPair) Annotate(text string) {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	appendFile(l.PipelinePath, text)
}

func appendFile(path, text string) {
	if text == "" || path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer func() {
		_ = f.Close()
	}()
	_, _ = f.WriteString(text)
}

func readFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// Diagnostics は1回の試行で記録された診断テキスト
type Diagnostics struct {
	Capture  string `json:"capture"`
	Pipeline string `json:"pipeline"`
}

// Empty は両方のログが空か判定する
func (d Diagnostics) Empty() bool {
	return strings.TrimSpace(d.Capture) == "" && strings.TrimSpace(d.Pipeline) == ""
}

// String は両方のログを見出し付きで連結する
func (d Diagnostics) String() string {
	var b strings.Builder
	b.WriteString("--- capture ---\n")
	b.WriteString(d.Capture)
	if !strings.HasSuffix(d.Capture, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("--- pipeline ---\n")
	b.WriteString(d.Pipeline)
	return b.String()
}
