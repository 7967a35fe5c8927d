//go:build integration

// Package integration runs devices against the real ublk driver. It needs
// root and a kernel with ublk_drv loaded.
package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/miniublk"
	"github.com/ehrlich-b/miniublk/internal/config"
	"github.com/ehrlich-b/miniublk/internal/logging"
)

func requireUblk(t *testing.T) {
	t.Helper()
	if os.Getuid() != 0 {
		t.Skip("requires root")
	}
	if _, err := os.Stat(config.Default().ControlPath); err != nil {
		t.Skip("ublk_drv not loaded")
	}
}

func testOptions(t *testing.T) *ublk.Options {
	cfg := logging.DefaultConfig()
	cfg.Sync = true
	cfg.Output = testWriter{t}
	return &ublk.Options{Logger: logging.NewLogger(cfg)}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

// serve runs Add in the background and returns the live device.
func serve(t *testing.T, cfg ublk.DeviceConfig) (*ublk.DeviceInfo, func() error) {
	t.Helper()
	opts := testOptions(t)
	ready := make(chan *ublk.DeviceInfo, 1)
	opts.Ready = func(info *ublk.DeviceInfo) { ready <- info }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ublk.Add(ctx, cfg, opts) }()

	select {
	case info := <-ready:
		return info, func() error {
			cancel()
			return <-done
		}
	case err := <-done:
		cancel()
		t.Fatalf("add: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("device did not go live")
	}
	return nil, nil
}

func TestNullDevice(t *testing.T) {
	requireUblk(t)
	info, stop := serve(t, ublk.DefaultDeviceConfig("null"))

	listed, err := ublk.List(context.Background(), info.ID, testOptions(t))
	require.NoError(t, err)
	assert.Equal(t, "LIVE", listed.State)
	assert.Equal(t, os.Getpid(), listed.DaemonPID)

	f, err := os.Open(blockPath(info.ID))
	require.NoError(t, err)
	buf := make([]byte, 4096)
	n, err := f.ReadAt(buf, 1<<20)
	f.Close()
	require.NoError(t, err)
	assert.Equal(t, 4096, n)

	require.NoError(t, stop())
	_, err = ublk.List(context.Background(), info.ID, testOptions(t))
	assert.True(t, ublk.IsCode(err, ublk.ErrCodeDeviceNotFound))
}

func TestLoopDevice(t *testing.T) {
	requireUblk(t)
	backing := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(backing, make([]byte, 16<<20), 0o600))

	cfg := ublk.DefaultDeviceConfig("loop")
	cfg.BackingFile = backing
	cfg.NrQueues = 1
	info, stop := serve(t, cfg)
	assert.Equal(t, uint64(16<<20>>9), info.Sectors)

	pattern := bytes.Repeat([]byte("miniublk"), 512)
	f, err := os.OpenFile(blockPath(info.ID), os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(pattern, 8192)
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())
	require.NoError(t, stop())

	disk, err := os.ReadFile(backing)
	require.NoError(t, err)
	assert.Equal(t, pattern, disk[8192:8192+len(pattern)])
}

func TestDeleteFromOutside(t *testing.T) {
	requireUblk(t)
	info, stop := serve(t, ublk.DefaultDeviceConfig("null"))

	// the daemon is this process, so it never exits and delete gives up
	err := ublk.Delete(context.Background(), info.ID, testOptions(t))
	assert.True(t, ublk.IsCode(err, ublk.ErrCodeDaemonAlive), "got %v", err)
	assert.NoError(t, stop())
}

func blockPath(id uint32) string {
	return fmt.Sprintf("/dev/ublkb%d", id)
}
