package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/assembly"
	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/config"
	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/email"
	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/observability"
	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/presentation"
	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/queue"
	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/tableau"
	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/transform"
)

// Fatal job errors surfaced in failedReason and the failure email.
var (
	ErrNoViewsFetched      = errors.New("No view data was successfully fetched")
	ErrAllTransformsFailed = errors.New("all view transformations failed")
)

const emailSubject = "Your Export Report"

// Fetcher is the slice of the Tableau client the processor needs.
type Fetcher interface {
	FetchViewsInParallel(ctx context.Context, reqs []tableau.ViewRequest, workbookName, site string) (map[string]string, error)
}

// Mailer is the slice of the email gateway the processor needs.
type Mailer interface {
	SendAttachment(ctx context.Context, to, subject, bodyHTML string, attachment []byte, filename string) error
	SendPlain(ctx context.Context, to, subject, bodyHTML string) error
}

// Processor runs one report job end to end: resolve config, fetch views,
// transform, assemble, render, email. Any returned error flows back into
// the queue's retry machinery.
type Processor struct {
	registry    *config.Registry
	transformer *transform.Transformer
	fetcher     Fetcher
	engine      *assembly.Engine
	writer      presentation.Writer
	mailer      Mailer
}

func New(registry *config.Registry, transformer *transform.Transformer, fetcher Fetcher, engine *assembly.Engine, writer presentation.Writer, mailer Mailer) *Processor {
	return &Processor{
		registry:    registry,
		transformer: transformer,
		fetcher:     fetcher,
		engine:      engine,
		writer:      writer,
		mailer:      mailer,
	}
}

func (p *Processor) Process(ctx context.Context, job *queue.Job) (map[string]any, error) {
	useCase := job.Payload.UseCase
	ctx, span := observability.StartSpan(ctx, "report.generate",
		attribute.String("use_case", useCase),
		attribute.String("job_id", job.ID),
	)
	defer span.End()

	meta, err := p.registry.UseCaseMeta(useCase)
	if err != nil {
		return nil, err
	}

	reqs, err := p.transformer.BuildViewConfigs(useCase, job.Payload.Filters)
	if err != nil {
		return nil, err
	}

	raw, err := p.fetcher.FetchViewsInParallel(ctx, reqs, meta.WorkbookName, meta.SiteName)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrNoViewsFetched
	}

	viewData := p.transformer.TransformAll(useCase, raw)
	if len(viewData) == 0 {
		return nil, ErrAllTransformsFailed
	}

	manifest, err := p.engine.Assemble(useCase, viewData)
	if err != nil {
		return nil, err
	}

	artifact, err := p.writer.Render(ctx, manifest)
	if err != nil {
		return nil, fmt.Errorf("render presentation: %w", err)
	}

	fileName := reportFileName(useCase, job.ID)
	body := email.ReportBody(useCase, fileName)
	if err := p.mailer.SendAttachment(ctx, job.Payload.Recipient, emailSubject, body, artifact, fileName); err != nil {
		return nil, fmt.Errorf("send report email: %w", err)
	}

	observability.Default.IncCounter(observability.MetricReportsDelivered, map[string]string{"use_case": useCase}, 1)
	log.Printf("job %s: delivered %s to %s (%d views)", job.ID, fileName, job.Payload.Recipient, len(viewData))
	return map[string]any{
		"success":        true,
		"fileName":       fileName,
		"recipient":      job.Payload.Recipient,
		"useCase":        useCase,
		"viewsProcessed": len(viewData),
	}, nil
}

// NotifyFailure sends the terminal-failure email. It is best-effort by
// contract: its own errors are logged and swallowed so the job keeps its
// original failedReason.
func (p *Processor) NotifyFailure(ctx context.Context, job *queue.Job, reason string) {
	if job.Payload.Recipient == "" {
		return
	}
	subject := fmt.Sprintf("Report generation failed: %s", job.Payload.UseCase)
	body := email.FailureBody(job.Payload.UseCase, reason)
	if err := p.mailer.SendPlain(ctx, job.Payload.Recipient, subject, body); err != nil {
		log.Printf("job %s: failure notification not delivered: %v", job.ID, err)
		return
	}
	observability.Default.IncCounter(observability.MetricFailureNotices, map[string]string{"use_case": job.Payload.UseCase}, 1)
}

func reportFileName(useCase, jobID string) string {
	return strings.ToLower(useCase) + "-report-" + jobID + ".pptx"
}
