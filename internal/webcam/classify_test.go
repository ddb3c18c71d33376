package webcam

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"digicam/internal/pipeline"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		diag  pipeline.Diagnostics
		kind  FailureKind
		known bool
	}{
		{
			name:  "PTPビジー",
			diag:  pipeline.Diagnostics{Capture: "*** Error (-110: 'I/O in progress') ***\nPTP Device Busy"},
			kind:  FailureDeviceBusyOrWedged,
			known: true,
		},
		{
			name:  "USBの占有",
			diag:  pipeline.Diagnostics{Capture: "Could not claim the USB device"},
			kind:  FailureDeviceBusyOrWedged,
			known: true,
		},
		{
			name:  "出力エラーはリセット不要",
			diag:  pipeline.Diagnostics{Pipeline: "Error opening output /dev/video10"},
			kind:  FailureProcessDiedUnexplained,
			known: true,
		},
		{
			name: "空のログ",
			kind: FailureProcessDiedUnexplained,
		},
		{
			name: "無関係な出力",
			diag: pipeline.Diagnostics{Pipeline: "frame=  120 fps= 30 q=4.0"},
			kind: FailureProcessDiedUnexplained,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, Classify(tt.diag))
			assert.Equal(t, tt.known, KnownSignature(tt.diag))
		})
	}
}

func TestHint(t *testing.T) {
	assert.Contains(t, Hint(pipeline.Diagnostics{Capture: "PTP Device Busy"}), "別のプロセス")
	assert.Contains(t, Hint(pipeline.Diagnostics{Capture: "Movie capture error"}), "ライブビュー")
	assert.Contains(t, Hint(pipeline.Diagnostics{Capture: "PTP Timeout"}), "ケーブル")
	assert.Empty(t, Hint(pipeline.Diagnostics{}))
}

func TestFailureKindString(t *testing.T) {
	assert.Equal(t, "none", FailureNone.String())
	assert.Equal(t, "device_busy_or_wedged", FailureDeviceBusyOrWedged.String())
	assert.Equal(t, "process_died_unexplained", FailureProcessDiedUnexplained.String())
	assert.Equal(t, "unknown", FailureKind(9).String())
}
