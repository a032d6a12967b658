package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/ingest"
	"github.com/joseph-ayodele/faxrelay/internal/ocr"
)

// newOCRCmd reads hint text from a local document without touching the database.
func newOCRCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ocr <file>",
		Short: "Print the OCR hint text and inferred form template for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			contentType, err := ingest.DetectContentType(data)
			if err != nil {
				return err
			}
			c := opts.cfg.OCR
			x := ocr.NewExtractor(ocr.Config{
				Pdftotext:   c.Pdftotext,
				Pdftoppm:    c.Pdftoppm,
				Tesseract:   c.Tesseract,
				TessdataDir: c.TessdataDir,
				Lang:        c.Lang,
				MaxPages:    c.MaxPages,
			}, opts.logger)

			res, err := x.ReadText(cmd.Context(), data, contentType)
			if err != nil {
				return err
			}
			opts.logger.Info("ocr.ok",
				"method", res.Method, "pages", res.Pages, "confidence", res.Confidence,
				"duration_ms", res.Duration.Round(time.Millisecond).Milliseconds(), "warnings", len(res.Warnings))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "template: %s\n\n%s\n", constants.InferTemplate(res.Text), res.Text)
			return err
		},
	}
}
