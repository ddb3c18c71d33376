package webcam

import (
	"strings"

	"digicam/internal/pipeline"
)

// FailureKind は診断ログから判定した失敗の種類
type FailureKind int

const (
	// FailureNone は既知のエラーが見つからないこと
	FailureNone FailureKind = iota
	// FailureDeviceBusyOrWedged はデバイスの占有、またはPTP通信の停止。バスリセットで回復する
	FailureDeviceBusyOrWedged
	// FailureProcessDiedUnexplained はその他の理由による終了。リセットせずに再試行する
	FailureProcessDiedUnexplained
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureDeviceBusyOrWedged:
		return "device_busy_or_wedged"
	case FailureProcessDiedUnexplained:
		return "process_died_unexplained"
	default:
		return "unknown"
	}
}

// wedgedSignatures はバスリセットが必要な状態を示すメッセージ
var wedgedSignatures = []string{
	"could not claim the usb device",
	"could not lock the device",
	"ptp i/o error",
	"ptp timeout",
	"ptp device busy",
	"ptp general error",
	"device or resource busy",
	"an error occurred in the io-library",
	"timeout reading from or writing to the port",
}

// fatalSignatures はプロセスが生きていても失敗とみなすメッセージ
var fatalSignatures = []string{
	"*** error",
	"error opening output",
	"could not write header",
	"invalid data found when processing input",
	"conversion failed",
}

// Classify は終了したプロセスの組の診断ログから失敗の種類を判定する
// 既知の占有・停止のシグネチャがなければ FailureProcessDiedUnexplained を返す
func Classify(d pipeline.Diagnostics) FailureKind {
	if containsAny(d, wedgedSignatures) {
		return FailureDeviceBusyOrWedged
	}
	return FailureProcessDiedUnexplained
}

// KnownSignature は診断ログに既知のエラーが含まれるか判定する
func KnownSignature(d pipeline.Diagnostics) bool {
	return containsAny(d, wedgedSignatures) || containsAny(d, fatalSignatures)
}

type hintRule struct {
	signatures []string
	hint       string
}

var hintRules = []hintRule{
	{
		signatures: []string{"ptp device busy", "could not claim the usb device", "device or resource busy"},
		hint:       "別のプロセスがカメラを使用しています。ファイルマネージャ等でカメラがマウントされていないか確認してください",
	},
	{
		signatures: []string{"movie capture error", "could not capture preview", "not supported by the camera", "function not supported"},
		hint:       "カメラがライブビュー（動画）モードになっていない可能性があります",
	},
	{
		signatures: []string{"ptp i/o error", "ptp timeout", "timeout reading from or writing to the port"},
		hint:       "カメラとの通信が停止しました。ケーブルを挿し直すか、カメラの電源を入れ直してください",
	},
	{
		signatures: []string{"error opening output", "could not write header"},
		hint:       "仮想デバイスへの書き込みに失敗しました。v4l2loopback の設定を確認してください",
	},
}

// Hint は運用者向けの対処のヒントを返す。該当がなければ空文字
func Hint(d pipeline.Diagnostics) string {
	for _, r := range hintRules {
		if containsAny(d, r.signatures) {
			return r.hint
		}
	}
	return ""
}

func containsAny(d pipeline.Diagnostics, signatures []string) bool {
	text := strings.ToLower(d.Capture + "\n" + d.Pipeline)
	for _, s := range signatures {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}
