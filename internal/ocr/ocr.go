package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joseph-ayodele/faxrelay/constants"
)

type Config struct {
	Pdftotext string // binary name or absolute path; if empty -> "pdftotext"
	Pdftoppm  string // binary name or absolute path; if empty -> "pdftoppm"
	Tesseract string // binary name or absolute path; if empty -> "tesseract"

	Lang     string // default "eng"
	DPI      int    // rasterization DPI for scanned PDFs, default 300
	MaxPages int    // 0 = no limit

	TessdataDir string
	PSM         int // e.g., 6 is good for uniform block of text
}

// Result is the text read from a fax document. It is used as a hint for
// template detection and text-mode prompting, never as the extracted fields.
type Result struct {
	Text       string
	Pages      int
	Method     string // "pdf-text" | "pdf-ocr" | "image-ocr"
	Confidence float64
	Duration   time.Duration
	Warnings   []string
}

type Extractor struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func NewExtractor(cfg Config, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return NewExtractorWithRunner(cfg, execRunner{log: logger}, logger)
}

// NewExtractorWithRunner builds an extractor over a custom command runner.
func NewExtractorWithRunner(cfg Config, runner Runner, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pdftotext == "" {
		cfg.Pdftotext = "pdftotext"
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.Lang == "" {
		cfg.Lang = "eng"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	return &Extractor{cfg: cfg, runner: runner, logger: logger}
}

var extForContentType = map[string]string{
	"application/pdf": ".pdf",
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/tiff":      ".tif",
}

// ReadText extracts text from in-memory document bytes. The plaintext only lives in a
// private temp directory for the duration of the call.
func (e *Extractor) ReadText(ctx context.Context, data []byte, contentType string) (Result, error) {
	start := time.Now()
	format, ok := constants.FormatForContentType(contentType)
	if !ok {
		return Result{}, fmt.Errorf("ocr: unsupported content type %q", contentType)
	}

	tmpDir, err := os.MkdirTemp("", "faxrelay-ocr-*")
	if err != nil {
		return Result{}, fmt.Errorf("ocr: temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			e.logger.Warn("ocr.cleanup.failed", "dir", tmpDir, "error", err)
		}
	}()
	path := filepath.Join(tmpDir, "document"+extForContentType[strings.ToLower(contentType)])
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return Result{}, fmt.Errorf("ocr: write temp file: %w", err)
	}

	var res Result
	switch format {
	case "PDF":
		res, err = e.extractPDF(ctx, path)
	default:
		res, err = e.extractImage(ctx, path)
	}
	res.Duration = time.Since(start)
	if err != nil {
		e.logger.Warn("ocr.failed", "format", format, "error", err)
		return res, err
	}
	e.logger.Debug("ocr.ok", "method", res.Method, "pages", res.Pages, "chars", len(res.Text), "duration_ms", res.Duration.Milliseconds())
	return res, nil
}

func (e *Extractor) extractPDF(ctx context.Context, path string) (Result, error) {
	text, pages, warns, err := e.pdfToText(ctx, path)
	if err == nil && len(strings.TrimSpace(text)) > 0 {
		return Result{Text: Normalize(text), Pages: pages, Method: "pdf-text", Confidence: 1, Warnings: warns}, nil
	}
	if err != nil {
		warns = append(warns, err.Error())
	}

	// faxes are usually image-only PDFs: rasterize and OCR
	text, pages, w2, err := e.pdfToOCR(ctx, path)
	warns = append(warns, w2...)
	if err != nil {
		return Result{Method: "pdf-ocr", Warnings: warns}, err
	}
	return Result{Text: Normalize(text), Pages: pages, Method: "pdf-ocr", Warnings: warns}, nil
}

func (e *Extractor) extractImage(ctx context.Context, path string) (Result, error) {
	txt, warn, err := e.tesseractOCR(ctx, path)
	if err != nil {
		return Result{Method: "image-ocr", Warnings: warn}, err
	}
	conf, w2, err := e.tesseractTSVConfidence(ctx, path)
	if err != nil {
		warn = append(warn, err.Error())
	}
	warn = append(warn, w2...)
	return Result{
		Text:       Normalize(txt),
		Pages:      1,
		Method:     "image-ocr",
		Confidence: conf,
		Warnings:   warn,
	}, nil
}
