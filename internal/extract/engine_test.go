package extract

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/common"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
)

type mapDocs map[string][]byte

func (m mapDocs) Get(_ context.Context, _ entity.Actor, ref string) ([]byte, error) {
	b, ok := m[ref]
	if !ok {
		return nil, common.ErrNotFound
	}
	return b, nil
}

var testDocs = mapDocs{"doc-1": []byte("%PDF-1.4\nprovider fax form")}

func fastConfig() Config {
	return Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Timeout: time.Second}
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func conf(v float64) *float64 { return &v }

func TestExtract_NormalizesProviderOutput(t *testing.T) {
	var seen Document
	p := ProviderFunc(func(_ context.Context, doc Document) (RawResult, error) {
		seen = doc
		return RawResult{
			Template: "provider fax form",
			Model:    "test-model",
			Fields: map[string]RawField{
				"patient_first_name": {Value: " Jane ", Confidence: conf(0.93)},
				"patient_last_name":  {Value: "Doe", Confidence: conf(1.7)},
				"prescriber_npi":     {Value: "1234567890", Confidence: conf(math.NaN())},
				"diagnosis_code":     {Value: "E11.9"},
				"patient_phone":      {Value: "   ", Confidence: conf(0.99)},
			},
		}, nil
	})
	res, err := NewEngine(p, testDocs, fastConfig(), quiet()).Extract(context.Background(), "doc-1")
	require.NoError(t, err)

	assert.Equal(t, "application/pdf", seen.ContentType)
	assert.Equal(t, constants.TemplateProviderFax, res.Template)
	assert.Equal(t, entity.FieldMap{
		"patient_first_name": {Value: "Jane", Confidence: 0.93},
		"patient_last_name":  {Value: "Doe", Confidence: 0},
		"prescriber_npi":     {Value: "1234567890", Confidence: 0},
		"diagnosis_code":     {Value: "E11.9", Confidence: 0},
	}, res.Fields)
	assert.Equal(t, 1, res.Attempts)
}

func TestExtract_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	p := ProviderFunc(func(context.Context, Document) (RawResult, error) {
		if calls.Add(1) < 3 {
			return RawResult{}, common.Transient(errors.New("503 from provider"))
		}
		return RawResult{Fields: map[string]RawField{"patient_name": {Value: "Jane", Confidence: conf(0.9)}}}, nil
	})
	res, err := NewEngine(p, testDocs, fastConfig(), quiet()).Extract(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, res.Attempts)
}

func TestExtract_ExhaustedRetries(t *testing.T) {
	var calls atomic.Int32
	p := ProviderFunc(func(context.Context, Document) (RawResult, error) {
		calls.Add(1)
		return RawResult{}, common.Transient(errors.New("rate limited"))
	})
	_, err := NewEngine(p, testDocs, fastConfig(), quiet()).Extract(context.Background(), "doc-1")
	assert.ErrorIs(t, err, common.ErrExtractionFailed)
	assert.ErrorIs(t, err, common.ErrTransient)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExtract_PermanentErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	p := ProviderFunc(func(context.Context, Document) (RawResult, error) {
		calls.Add(1)
		return RawResult{}, common.Permanent(errors.New("unreadable document"))
	})
	_, err := NewEngine(p, testDocs, fastConfig(), quiet()).Extract(context.Background(), "doc-1")
	assert.ErrorIs(t, err, common.ErrExtractionFailed)
	assert.ErrorIs(t, err, common.ErrPermanent)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExtract_TimeoutIsTransient(t *testing.T) {
	var calls atomic.Int32
	p := ProviderFunc(func(ctx context.Context, _ Document) (RawResult, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return RawResult{}, ctx.Err()
		}
		return RawResult{Fields: map[string]RawField{"patient_name": {Value: "Jane", Confidence: conf(0.9)}}}, nil
	})
	cfg := fastConfig()
	cfg.Timeout = 20 * time.Millisecond
	_, err := NewEngine(p, testDocs, cfg, quiet()).Extract(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExtract_TimeoutsTripBreaker(t *testing.T) {
	var calls atomic.Int32
	p := ProviderFunc(func(ctx context.Context, _ Document) (RawResult, error) {
		calls.Add(1)
		<-ctx.Done()
		return RawResult{}, ctx.Err()
	})
	cfg := fastConfig()
	cfg.MaxAttempts = 6
	cfg.Timeout = 5 * time.Millisecond
	e := NewEngine(p, testDocs, cfg, quiet())

	_, err := e.Extract(context.Background(), "doc-1")
	assert.ErrorIs(t, err, common.ErrExtractionFailed)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, gobreaker.StateOpen, e.breaker.State())
}

func TestExtract_CallerDeadlineDoesNotTripBreaker(t *testing.T) {
	p := ProviderFunc(func(ctx context.Context, _ Document) (RawResult, error) {
		<-ctx.Done()
		return RawResult{}, ctx.Err()
	})
	cfg := fastConfig()
	cfg.Timeout = time.Second
	e := NewEngine(p, testDocs, cfg, quiet())

	for i := 0; i < 6; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := e.Extract(ctx, "doc-1")
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, e.breaker.State())
}

func TestExtract_MissingDocument(t *testing.T) {
	p := ProviderFunc(func(context.Context, Document) (RawResult, error) {
		t.Fatal("provider must not be called")
		return RawResult{}, nil
	})
	_, err := NewEngine(p, testDocs, fastConfig(), quiet()).Extract(context.Background(), "nope")
	assert.ErrorIs(t, err, common.ErrExtractionFailed)
	assert.ErrorIs(t, err, common.ErrNotFound)
}
