package loopback

import (
	"fmt"
	"strings"
)

// DefaultLabel は表示名が空のときに使うラベル
const DefaultLabel = "Virtual Camera"

// MaxSlots は一度に用意する仮想デバイス数の上限
const MaxSlots = 4

// SanitizeLabel はモジュールパラメータに渡せない文字を取り除く
// card_label はカンマ区切りで、各値はダブルクォートで囲んで渡す
func SanitizeLabel(name string) string {
	r := strings.NewReplacer(",", " ", `"`, "", `\`, "")
	s := strings.Join(strings.Fields(r.Replace(name)), " ")
	if s == "" {
		return DefaultLabel
	}
	return s
}

// Labels は表示名からn個のラベルを作る（"名前", "名前 #2", ...）
func Labels(displayName string, n int) []string {
	if n < 1 {
		n = 1
	}
	if n > MaxSlots {
		n = MaxSlots
	}
	base := SanitizeLabel(displayName)
	labels := make([]string, n)
	labels[0] = base
	for i := 1; i < n; i++ {
		labels[i] = fmt.Sprintf("%s #%d", base, i+1)
	}
	return labels
}

// cardLabelParam は modprobe に渡す card_label パラメータを組み立てる
func cardLabelParam(labels []string) string {
	quoted := make([]string, len(labels))
	for i, l := range labels {
		quoted[i] = `"` + SanitizeLabel(l) + `"`
	}
	return "card_label=" + strings.Join(quoted, ",")
}
