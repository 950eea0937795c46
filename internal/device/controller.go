// Package device drives the single physical capture device.
//
// Controllers are stateful and not safe for concurrent use. Only the session
// that currently owns the device connection may call them.
package device

import (
	"context"
	"errors"

	"github.com/scanstream/backend/internal/scan"
)

// Controller is the boundary to the capture device.
type Controller interface {
	// Initialize prepares the device. On error the device is left released.
	Initialize(ctx context.Context) error
	// Capture never fails by error; an unsuccessful unit carries the detail.
	Capture(ctx context.Context) scan.CaptureUnit
	// Release frees the device. Safe to call any number of times.
	Release()
	// ClearCaptures drops every artifact accumulated by previous runs.
	ClearCaptures(ctx context.Context) error
}

var (
	ErrNotInitialized = errors.New("device: not initialized")
	ErrNoOutput       = errors.New("device: capture produced no file")
	ErrNoSamples      = errors.New("device: replay directory has no images")
)
