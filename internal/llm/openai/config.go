package openai

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/llm"
)

// Config for the OpenAI-compatible client.
type Config struct {
	APIKey      string        // if empty, falls back to env OPENAI_API_KEY
	BaseURL     string        // default https://api.openai.com/v1
	Model       string        // e.g., "gpt-4o-mini"
	Temperature float32       // 0..2
	Timeout     time.Duration // http client timeout
	// AttachDocument sends the document itself (image part or PDF file part) next to the OCR text.
	AttachDocument bool
}

type Client struct {
	cfg    Config
	http   *http.Client
	hints  llm.HintReader
	schema *llm.Schema
	logger *slog.Logger
}

// NewClient builds a client. hints may be nil, in which case prompts carry no OCR text
// and the template is left to the model.
func NewClient(cfg Config, hints llm.HintReader, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := llm.CompileSchema(llm.BuildFormJSONSchema(constants.TemplatesAsStringSlice()))
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		hints:  hints,
		schema: schema,
		logger: logger,
	}, nil
}
