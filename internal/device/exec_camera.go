package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/scanstream/backend/internal/artifact"
	"github.com/scanstream/backend/internal/config"
	"github.com/scanstream/backend/internal/logging"
	"github.com/scanstream/backend/internal/scan"
)

const pathPlaceholder = "{path}"

// commandRunner runs argv and returns its combined output on failure.
type commandRunner func(ctx context.Context, argv []string) error

func runCommand(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return nil
	}
	bin, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("%s not found: %w", argv[0], err)
	}
	out, err := exec.CommandContext(ctx, bin, argv[1:]...).CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%s: %w: %s", argv[0], err, msg)
		}
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	return nil
}

// ExecCamera drives a camera through external commands (fswebcam,
// libcamera-still, gphoto2, ...). Each capture writes
// <CaptureDir>/<FilePrefix>_<N>.<Extension> with N counting from 1 per run.
type ExecCamera struct {
	cfg       config.DeviceConfig
	artifacts artifact.Store
	logger    *logging.Logger
	run       commandRunner

	initialized bool
	next        int
}

func NewExecCamera(cfg config.DeviceConfig, artifacts artifact.Store, logger *logging.Logger) *ExecCamera {
	if artifacts == nil {
		artifacts = artifact.Nop{}
	}
	return &ExecCamera{
		cfg:       cfg,
		artifacts: artifacts,
		logger:    logger.With("component", "camera"),
		run:       runCommand,
	}
}

func (c *ExecCamera) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(c.cfg.CaptureDir, 0o755); err != nil {
		return fmt.Errorf("create capture dir: %w", err)
	}
	if err := c.run(ctx, c.cfg.InitCommand); err != nil {
		// The init command may have claimed the device before failing.
		c.runRelease()
		return fmt.Errorf("init camera: %w", err)
	}
	c.initialized = true
	c.next = 0
	c.logger.Info("camera initialized", "capture_dir", c.cfg.CaptureDir)
	return nil
}

func (c *ExecCamera) Capture(ctx context.Context) scan.CaptureUnit {
	if !c.initialized {
		return scan.Failed("%v", ErrNotInitialized)
	}

	c.next++
	target := filepath.Join(c.cfg.CaptureDir, fmt.Sprintf("%s_%d.%s", c.cfg.FilePrefix, c.next, c.cfg.Extension))

	argv := make([]string, len(c.cfg.CaptureCommand))
	for i, arg := range c.cfg.CaptureCommand {
		argv[i] = strings.ReplaceAll(arg, pathPlaceholder, target)
	}
	if err := c.run(ctx, argv); err != nil {
		c.discard(target)
		return scan.Failed("%v", err)
	}
	if fi, err := os.Stat(target); err != nil || fi.Size() == 0 {
		c.discard(target)
		return scan.Failed("%v: %s", ErrNoOutput, target)
	}

	ref, err := c.artifacts.Put(ctx, target)
	if err != nil {
		c.discard(target)
		return scan.Failed("store artifact: %v", err)
	}
	if ref != target {
		c.logger.Debug("artifact mirrored", "path", target, "ref", ref)
	}

	return scan.Captured(target)
}

// discard rolls back a failed capture so the next one reuses its number.
func (c *ExecCamera) discard(target string) {
	c.next--
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("removing failed capture", "path", target, "error", err)
	}
}

func (c *ExecCamera) Release() {
	if !c.initialized {
		return
	}
	c.initialized = false
	c.runRelease()
	c.logger.Info("camera released")
}

func (c *ExecCamera) runRelease() {
	if err := c.run(context.Background(), c.cfg.ReleaseCommand); err != nil {
		c.logger.Warn("camera release command failed", "error", err)
	}
}

// ClearCaptures removes the local capture files of this camera's naming
// scheme and clears the artifact mirror.
func (c *ExecCamera) ClearCaptures(ctx context.Context) error {
	if err := removeMatching(c.cfg.CaptureDir, c.cfg.FilePrefix+"_*."+c.cfg.Extension); err != nil {
		return err
	}
	if err := c.artifacts.Clear(ctx); err != nil {
		return fmt.Errorf("clear artifacts: %w", err)
	}
	return nil
}

func removeMatching(dir, pattern string) error {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return fmt.Errorf("glob captures: %w", err)
	}
	var errs []error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
