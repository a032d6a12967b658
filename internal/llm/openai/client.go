package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/common"
	"github.com/joseph-ayodele/faxrelay/internal/extract"
	"github.com/joseph-ayodele/faxrelay/internal/llm"
)

var _ extract.Provider = (*Client)(nil)

// Extract implements extract.Provider using chat/completions. OCR hint text decides the
// form template when it is recognizable; otherwise the model's form_type is used.
func (c *Client) Extract(ctx context.Context, doc extract.Document) (extract.RawResult, error) {
	rid := uuid.New().String()
	start := time.Now()

	req := llm.ExtractRequest{ContentType: doc.ContentType, Document: doc.Bytes}
	inferred := constants.TemplateDefault
	if c.hints != nil {
		hint, err := c.hints.ReadText(ctx, doc.Bytes, doc.ContentType)
		if err != nil {
			if ctx.Err() != nil {
				return extract.RawResult{}, ctx.Err()
			}
			c.logger.Warn("llm.extract.hint_failed", "req_id", rid, "ref", doc.Ref, "error", err)
		} else {
			req.HintText = hint.Text
			req.HintConfidence = hint.Confidence
			inferred = constants.InferTemplate(hint.Text)
		}
	}
	if inferred != constants.TemplateDefault {
		req.Template = string(inferred)
	}

	c.logger.Info("llm.extract.start",
		"req_id", rid,
		"ref", doc.Ref,
		"model", c.cfg.Model,
		"content_type", doc.ContentType,
		"hint_len", len(req.HintText),
		"hint_confidence", req.HintConfidence,
		"template", inferred,
	)

	body := c.buildBody(req, inferred)
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
	raw, status, err := llm.SendJSON(ctx, c.http, endpoint, body, headers, c.logger)
	if err != nil {
		c.logger.Error("llm.extract.http_error",
			"req_id", rid, "status", status, "kind", common.Kind(err),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return extract.RawResult{}, err
	}

	content, err := decodeContent(raw)
	if err != nil {
		c.logger.Error("llm.extract.decode_error", "req_id", rid, "error", err, "raw_bytes", len(raw))
		return extract.RawResult{}, common.Transient(err)
	}

	// Validate strictly first, then try a sanitized copy.
	if vErr := c.schema.Validate(content); vErr != nil {
		cleaned, changes, sErr := llm.NormalizeAndSanitizeJSON(content, c.logger)
		if sErr != nil {
			c.logger.Error("llm.extract.sanitize_failed", "req_id", rid, "error", sErr)
			return extract.RawResult{}, common.Transient(fmt.Errorf("malformed model output: %w", sErr))
		}
		if vErr := c.schema.Validate(cleaned); vErr != nil {
			// the content may echo patient data, so only the error is logged
			c.logger.Error("llm.extract.schema_validation_failed", "req_id", rid, "error", vErr)
			return extract.RawResult{}, common.Transient(fmt.Errorf("schema validation failed: %w", vErr))
		}
		c.logger.Warn("llm.extract.lenient_sanitize_applied", "req_id", rid, "changes", changes)
		content = cleaned
	}

	var out llm.FormFields
	if err := json.Unmarshal(content, &out); err != nil {
		return extract.RawResult{}, common.Transient(fmt.Errorf("unmarshal fields: %w", err))
	}

	template := string(inferred)
	if inferred == constants.TemplateDefault && out.FormType != "" {
		template = out.FormType
	}
	fields := make(map[string]extract.RawField, len(out.Fields))
	for name, f := range out.Fields {
		fields[name] = extract.RawField{Value: f.Value, Confidence: f.Confidence}
	}

	c.logger.Info("llm.extract.ok",
		"req_id", rid,
		"ref", doc.Ref,
		"template", template,
		"fields", len(fields),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return extract.RawResult{Fields: fields, Template: template, Model: c.cfg.Model}, nil
}

func (c *Client) buildBody(req llm.ExtractRequest, template constants.FormTemplate) map[string]any {
	attach := c.cfg.AttachDocument && len(req.Document) > 0 &&
		(llm.IsImage(req.ContentType) || strings.EqualFold(req.ContentType, "application/pdf"))

	schemaJSON, _ := json.Marshal(llm.BuildFormJSONSchema(constants.TemplatesAsStringSlice()))
	userText := llm.BuildUserPrompt(req, attach)

	var userContent any = userText
	if attach {
		parts := []map[string]any{{"type": "text", "text": userText}}
		if llm.IsImage(req.ContentType) {
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": llm.DataURL(req.ContentType, req.Document)},
			})
		} else {
			parts = append(parts, map[string]any{
				"type": "file",
				"file": map[string]any{
					"filename":  "fax.pdf",
					"file_data": llm.DataURL(req.ContentType, req.Document),
				},
			})
		}
		userContent = parts
	}

	return map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": llm.BuildSystemPrompt(template)},
			{"role": "system", "content": "JSON Schema:\n" + string(schemaJSON)},
			{"role": "user", "content": userContent},
		},
	}
}

func decodeContent(raw []byte) ([]byte, error) {
	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(cc.Choices) == 0 {
		return nil, fmt.Errorf("no choices in openai response")
	}
	content := llm.StripCodeFence(cc.Choices[0].Message.Content)
	if content == "" {
		return nil, fmt.Errorf("empty completion content")
	}
	return []byte(content), nil
}
