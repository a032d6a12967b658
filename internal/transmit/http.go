package transmit

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/joseph-ayodele/faxrelay/internal/common"
)

var errFaxFailed = errors.New("carrier reports fax failed")

// HTTPCarrier talks to a REST fax API. The attempt token travels as the Idempotency-Key
// header so the provider can drop duplicate submissions.
type HTTPCarrier struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *slog.Logger
}

func NewHTTPCarrier(baseURL, apiKey string, timeout time.Duration, log *slog.Logger) *HTTPCarrier {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPCarrier{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type sendRequest struct {
	To          string            `json:"to"`
	Reference   string            `json:"reference"`
	Template    string            `json:"template,omitempty"`
	Fields      map[string]string `json:"fields"`
	ContentType string            `json:"content_type"`
	Document    string            `json:"document"`
}

type faxResponse struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	DeliveredAt time.Time `json:"delivered_at"`
}

func (c *HTTPCarrier) Send(ctx context.Context, pkg Package, destination string) (Receipt, error) {
	body, err := json.Marshal(sendRequest{
		To:          destination,
		Reference:   pkg.JobID.String(),
		Template:    string(pkg.Template),
		Fields:      pkg.Fields,
		ContentType: pkg.ContentType,
		Document:    base64.StdEncoding.EncodeToString(pkg.Document),
	})
	if err != nil {
		return Receipt{}, common.Permanent(fmt.Errorf("encode fax request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/faxes", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, common.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", pkg.Token)
	return c.do(req)
}

func (c *HTTPCarrier) Lookup(ctx context.Context, token string) (Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/faxes?idempotency_key="+url.QueryEscape(token), nil)
	if err != nil {
		return Receipt{}, common.Permanent(err)
	}
	rc, err := c.do(req)
	if errors.Is(err, errFaxFailed) {
		// a failed fax was not delivered, so it may be sent again
		return Receipt{}, fmt.Errorf("%w: %w", common.ErrNotFound, err)
	}
	return rc, err
}

func (c *HTTPCarrier) do(req *http.Request) (Receipt, error) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return Receipt{}, req.Context().Err()
		}
		return Receipt{}, common.Transient(fmt.Errorf("carrier %s: %w", req.Method, err))
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.log.Warn("carrier.http.body_close_error", "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Receipt{}, common.Transient(fmt.Errorf("read carrier response: %w", err))
	}
	c.log.Debug("carrier.http.response", "method", req.Method, "status", resp.StatusCode, "bytes", len(raw))
	if resp.StatusCode/100 != 2 {
		return Receipt{}, common.ClassifyHTTPStatus(resp.StatusCode)
	}

	var fr faxResponse
	if err := json.Unmarshal(raw, &fr); err != nil {
		return Receipt{}, common.Transient(fmt.Errorf("decode carrier response: %w", err))
	}
	if fr.ID == "" {
		return Receipt{}, common.Transient(fmt.Errorf("carrier response without id"))
	}
	// a fax accepted for sending but not yet delivered is retried later via Lookup
	if fr.Status != "" && !strings.EqualFold(fr.Status, "delivered") {
		if strings.EqualFold(fr.Status, "failed") {
			return Receipt{}, common.Permanent(fmt.Errorf("fax %s: %w", fr.ID, errFaxFailed))
		}
		return Receipt{}, common.Transient(fmt.Errorf("fax %s is %s", fr.ID, fr.Status))
	}
	return Receipt{CarrierID: fr.ID, DeliveredAt: fr.DeliveredAt}, nil
}
