package usbreset

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digicam/internal/proc"
)

func TestHolderReleaser_Release(t *testing.T) {
	root := t.TempDir()
	node := filepath.Join(root, "bus", "usb", "001", "004")
	other := filepath.Join(root, "bus", "usb", "001", "005")

	procs := proc.NewFake()
	procs.Hold(node, 100) // 外部の gphoto2
	procs.Hold(node, 200) // 登録済みの組
	procs.Hold(other, 300)

	r := NewHolderReleaser(root, procs, nil)
	killed, err := r.Release(context.Background(), "usb:001,004", []int32{200})
	require.NoError(t, err)
	assert.Equal(t, 1, killed)
	assert.Equal(t, []int32{100}, procs.KilledPIDs, "登録済みの組と他のポートには触れない")

	holders, _ := procs.HoldersOf(context.Background(), node, other)
	assert.Equal(t, []int32{200}, holders[node])
	assert.Equal(t, []int32{300}, holders[other])
}

func TestHolderReleaser_NoHolders(t *testing.T) {
	procs := proc.NewFake()
	r := NewHolderReleaser(t.TempDir(), procs, nil)

	killed, err := r.Release(context.Background(), "usb:002,003", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, killed)
	assert.Empty(t, procs.KilledPIDs)
}

func TestHolderReleaser_InvalidPort(t *testing.T) {
	r := NewHolderReleaser(t.TempDir(), proc.NewFake(), nil)
	_, err := r.Release(context.Background(), "", nil)
	assert.Error(t, err)
}
