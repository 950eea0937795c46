package device

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/scanstream/backend/internal/config"
	"github.com/scanstream/backend/internal/logging"
	"github.com/scanstream/backend/internal/scan"
)

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".tif":  true,
	".tiff": true,
}

// ReplayCamera stands in for real hardware: every capture copies the next
// sample image from ReplayDir into the capture directory, wrapping around.
type ReplayCamera struct {
	cfg    config.DeviceConfig
	logger *logging.Logger

	samples     []string
	initialized bool
	next        int
}

func NewReplayCamera(cfg config.DeviceConfig, logger *logging.Logger) *ReplayCamera {
	return &ReplayCamera{cfg: cfg, logger: logger.With("component", "replay-camera")}
}

func (c *ReplayCamera) Initialize(context.Context) error {
	entries, err := os.ReadDir(c.cfg.ReplayDir)
	if err != nil {
		return fmt.Errorf("read replay dir: %w", err)
	}
	var samples []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		samples = append(samples, filepath.Join(c.cfg.ReplayDir, e.Name()))
	}
	if len(samples) == 0 {
		return fmt.Errorf("%w: %s", ErrNoSamples, c.cfg.ReplayDir)
	}
	sort.Strings(samples)

	if err := os.MkdirAll(c.cfg.CaptureDir, 0o755); err != nil {
		return fmt.Errorf("create capture dir: %w", err)
	}

	c.samples = samples
	c.initialized = true
	c.next = 0
	c.logger.Info("replay camera initialized", "samples", len(samples))
	return nil
}

func (c *ReplayCamera) Capture(context.Context) scan.CaptureUnit {
	if !c.initialized {
		return scan.Failed("%v", ErrNotInitialized)
	}
	src := c.samples[c.next%len(c.samples)]
	c.next++

	target := filepath.Join(c.cfg.CaptureDir, fmt.Sprintf("%s_%d%s", c.cfg.FilePrefix, c.next, filepath.Ext(src)))
	if err := copyFile(src, target); err != nil {
		c.next--
		return scan.Failed("%v", err)
	}
	return scan.Captured(target)
}

func (c *ReplayCamera) Release() {
	c.initialized = false
}

func (c *ReplayCamera) ClearCaptures(context.Context) error {
	return removeMatching(c.cfg.CaptureDir, c.cfg.FilePrefix+"_*")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
