// Package ocr interprets captured images into raw text using Tesseract.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/scanstream/backend/internal/config"
)

var ErrEmptyLocation = errors.New("ocr: empty location")

// Engine runs Tesseract through gosseract. A fresh client is created per
// call; gosseract clients are not safe for concurrent use.
type Engine struct {
	languages     []string
	pageSegMode   int
	clientFactory func() *gosseract.Client
}

func New(cfg config.OCRConfig) *Engine {
	return &Engine{
		languages:     append([]string(nil), cfg.Languages...),
		pageSegMode:   cfg.PageSegMode,
		clientFactory: gosseract.NewClient,
	}
}

func (e *Engine) Name() string { return "tesseract" }

// Interpret returns the trimmed text found in the image at location.
func (e *Engine) Interpret(ctx context.Context, location string) (string, error) {
	if location == "" {
		return "", ErrEmptyLocation
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := os.Stat(location); err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}

	c := e.clientFactory()
	defer c.Close()

	if err := c.SetImage(location); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	if len(e.languages) > 0 {
		if err := c.SetLanguage(e.languages...); err != nil {
			return "", fmt.Errorf("set languages: %w", err)
		}
	}
	if e.pageSegMode > 0 {
		if err := c.SetPageSegMode(gosseract.PageSegMode(e.pageSegMode)); err != nil {
			return "", fmt.Errorf("set page segmentation mode: %w", err)
		}
	}

	text, err := c.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return strings.TrimSpace(text), nil
}
