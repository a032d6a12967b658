package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/async"
	"github.com/joseph-ayodele/faxrelay/internal/audit"
	"github.com/joseph-ayodele/faxrelay/internal/common"
	"github.com/joseph-ayodele/faxrelay/internal/docstore"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
	"github.com/joseph-ayodele/faxrelay/internal/envelope"
	"github.com/joseph-ayodele/faxrelay/internal/export"
	"github.com/joseph-ayodele/faxrelay/internal/extract"
	"github.com/joseph-ayodele/faxrelay/internal/gate"
	"github.com/joseph-ayodele/faxrelay/internal/ingest"
	"github.com/joseph-ayodele/faxrelay/internal/llm"
	"github.com/joseph-ayodele/faxrelay/internal/llm/openai"
	"github.com/joseph-ayodele/faxrelay/internal/ocr"
	"github.com/joseph-ayodele/faxrelay/internal/pipeline"
	"github.com/joseph-ayodele/faxrelay/internal/repository"
	"github.com/joseph-ayodele/faxrelay/internal/transmit"
)

// inboxActor is the identity files dropped into inbox directories are submitted under.
var inboxActor = entity.Actor{ID: "inbox-watcher", Role: constants.RoleIntakeClerk}

// app is the fully wired service graph shared by serve, ingest and export-audit.
type app struct {
	cfg       *common.Config
	db        *repository.DB
	keys      *envelope.LocalKeyManager
	audit     *audit.Service
	docs      *docstore.Store
	processor *pipeline.Processor
	queue     *async.ProcessorQueue
	ingest    *ingest.Service
	exporter  *export.Service
	log       *slog.Logger
}

func openDB(ctx context.Context, cfg *common.Config, log *slog.Logger) (*repository.DB, error) {
	return repository.Open(ctx, repository.Config{
		Driver:           cfg.Database.Driver,
		DSN:              cfg.Database.DSN,
		MaxConns:         cfg.Database.MaxConns,
		MinConns:         cfg.Database.MinConns,
		MaxConnLifetime:  cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
		DialTimeout:      cfg.Database.DialTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
	}, log)
}

func buildApp(ctx context.Context, cfg *common.Config, log *slog.Logger) (_ *app, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close(ctx)
		}
	}()

	if a.db, err = openDB(ctx, cfg, log); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err = a.db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if a.keys, err = newKeyManager(cfg); err != nil {
		return nil, err
	}
	sealer := envelope.NewSealer(a.keys)

	policy, err := audit.NewPolicy(cfg.Access.Policy)
	if err != nil {
		return nil, err
	}
	a.audit = audit.NewService(policy, repository.NewAuditRepository(a.db, log), log)
	a.docs = docstore.New(repository.NewBlobRepository(a.db, log), sealer, a.audit, log)
	jobs := repository.NewJobRepository(a.db, sealer, log)

	provider, err := newProvider(cfg, log)
	if err != nil {
		return nil, err
	}
	engine := extract.NewEngine(provider, a.docs, extract.Config{
		MaxAttempts:    cfg.Extraction.MaxAttempts,
		InitialBackoff: cfg.Extraction.InitialBackoff,
		MaxBackoff:     cfg.Extraction.MaxBackoff,
		Timeout:        cfg.Extraction.Timeout,
	}, log)

	g, err := gate.New(cfg.Gate.Threshold, cfg.Gate.RequiredFields)
	if err != nil {
		return nil, err
	}

	var carrier transmit.Carrier
	if cfg.Transmit.Carrier == "http" {
		carrier = transmit.NewHTTPCarrier(cfg.Transmit.BaseURL, cfg.Transmit.APIKey, cfg.Transmit.Timeout, log)
	} else {
		log.Warn("transmit.carrier.simulated", "note", "faxes are not sent to a real carrier")
		carrier = transmit.NewSimulatedCarrier(log)
	}
	dispatcher := transmit.NewDispatcher(carrier, repository.NewDeliveryLedger(a.db, log), jobs, a.audit, transmit.Config{
		MaxAttempts:    cfg.Transmit.MaxAttempts,
		InitialBackoff: cfg.Transmit.InitialBackoff,
		MaxBackoff:     cfg.Transmit.MaxBackoff,
		Jitter:         cfg.Transmit.Jitter,
		Timeout:        cfg.Transmit.Timeout,
	}, log)

	var locker pipeline.Locker = pipeline.NewMemoryLocker()
	if cfg.Pipeline.Locker == "postgres" {
		if a.db.Pool == nil {
			return nil, fmt.Errorf("pipeline.locker postgres: %w", common.ErrInvalidInput)
		}
		locker = pipeline.NewPGAdvisoryLocker(a.db.Pool, log)
	}

	a.processor = pipeline.NewProcessor(jobs, a.docs, engine, g, dispatcher, a.audit, locker,
		pipeline.Config{MaxRetryCycles: cfg.Transmit.MaxRetryCycles}, log)
	a.queue = async.NewProcessorQueue(a.processor, log,
		async.WithWorkers(cfg.Pipeline.Workers),
		async.WithQueueSize(cfg.Pipeline.QueueSize),
		async.WithProcessTimeout(cfg.Pipeline.ProcessTimeout),
	)
	a.processor.SetScheduler(a.queue)

	a.ingest = ingest.NewService(a.docs, a.processor, cfg.Storage.MaxDocumentBytes, log)
	a.exporter = export.NewService(a.audit, a.processor, log)
	return a, nil
}

func newKeyManager(cfg *common.Config) (*envelope.LocalKeyManager, error) {
	master, err := cfg.MasterKeyBytes()
	if err != nil {
		return nil, err
	}
	km, err := envelope.NewLocalKeyManager(master, cfg.Storage.MasterKeyVersion)
	if err != nil {
		return nil, err
	}
	for _, prev := range cfg.Storage.PreviousKeys {
		version, key, err := envelope.ParseVersionedKey(prev)
		if err != nil {
			return nil, err
		}
		if err := km.AddPreviousKey(key, version); err != nil {
			return nil, err
		}
	}
	return km, nil
}

func newProvider(cfg *common.Config, log *slog.Logger) (extract.Provider, error) {
	if cfg.Extraction.Provider == "manual" {
		// every job lands in held for a human to key in
		log.Warn("extraction.provider.manual", "note", "documents are held for manual review")
		return extract.ProviderFunc(func(context.Context, extract.Document) (extract.RawResult, error) {
			return extract.RawResult{}, common.Permanent(errors.New("no extraction provider configured"))
		}), nil
	}

	var hints llm.HintReader
	if cfg.OCR.Enabled {
		hints = ocr.NewExtractor(ocr.Config{
			Pdftotext:   cfg.OCR.Pdftotext,
			Pdftoppm:    cfg.OCR.Pdftoppm,
			Tesseract:   cfg.OCR.Tesseract,
			TessdataDir: cfg.OCR.TessdataDir,
			Lang:        cfg.OCR.Lang,
			MaxPages:    cfg.OCR.MaxPages,
		}, log)
	}
	return openai.NewClient(openai.Config{
		APIKey:         cfg.Extraction.APIKey,
		BaseURL:        cfg.Extraction.BaseURL,
		Model:          cfg.Extraction.Model,
		Temperature:    cfg.Extraction.Temperature,
		Timeout:        cfg.Extraction.Timeout,
		AttachDocument: !cfg.OCR.Enabled,
	}, hints, log)
}

// Close stops the queue, then releases keys and the database.
func (a *app) Close(ctx context.Context) {
	if a.queue != nil {
		if err := a.queue.Shutdown(ctx); err != nil {
			a.log.Warn("queue.shutdown", "err", err)
		}
	}
	if a.keys != nil {
		if err := a.keys.Close(); err != nil {
			a.log.Warn("keys.close", "err", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("db.close", "err", err)
		}
	}
}
