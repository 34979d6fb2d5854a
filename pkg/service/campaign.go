package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/models"
)

// CampaignRunner connects the workflow state machine to the batch engine
// and the external providers: entering a data-heavy step fans the session's
// prospects out into a batch job whose progress is folded back into the
// step's progress.
type CampaignRunner struct {
	workflows *WorkflowService
	batches   *BatchService
	contacts  ContactStore
	enricher  Enricher
	generator EmailGenerator
	logger    Logger
}

// NewCampaignRunner wires the runner to its collaborators.
func NewCampaignRunner(
	workflows *WorkflowService,
	batches *BatchService,
	contacts ContactStore,
	enricher Enricher,
	generator EmailGenerator,
	logger Logger,
) *CampaignRunner {
	return &CampaignRunner{
		workflows: workflows,
		batches:   batches,
		contacts:  contacts,
		enricher:  enricher,
		generator: generator,
		logger:    logger,
	}
}

// ImportProspects bulk-imports uploaded prospects for the session's
// upload_csv step, skipping duplicates by email, and completes the step.
func (r *CampaignRunner) ImportProspects(ctx context.Context, sessionID string, prospects []Prospect) (created, skipped int, err error) {
	if err := r.workflows.StartStep(ctx, sessionID, models.StepUploadCSV); err != nil {
		return 0, 0, err
	}
	created, skipped, err = r.contacts.CreateMany(ctx, prospects)
	if err != nil {
		_, _, ferr := r.workflows.FailStep(ctx, sessionID, models.StepUploadCSV, err)
		if ferr != nil {
			r.logger.Errorf("Failed to record upload failure for session %s: %v", sessionID, ferr)
		}
		return 0, 0, err
	}
	msg := fmt.Sprintf("imported %d prospects (%d duplicates skipped)", created, skipped)
	if err := r.workflows.CompleteStep(ctx, sessionID, models.StepUploadCSV, msg); err != nil {
		return created, skipped, err
	}
	return created, skipped, nil
}

// RunEnrichmentStep enters begin_enrichment and hands the prospect list to
// the batch engine, one enrichment provider call per item.
func (r *CampaignRunner) RunEnrichmentStep(ctx context.Context, sessionID string, prospects []Prospect) (models.BatchJob, error) {
	sess, err := r.workflows.GetSession(ctx, sessionID)
	if err != nil {
		return models.BatchJob{}, err
	}
	if err := r.workflows.StartStep(ctx, sessionID, models.StepBeginEnrichment); err != nil {
		return models.BatchJob{}, err
	}

	capabilities := capabilitiesFromConfig(sess.StepConfigs[models.StepEnrichmentConfig])
	op := func(ctx context.Context, item WorkItem) (map[string]interface{}, error) {
		return r.enricher.Enrich(ctx, item.Prospect, capabilities)
	}
	return r.runStepJob(sessionID, sess.UserID, models.StepBeginEnrichment, models.EnrichmentJobKind, prospects, capabilities, op)
}

// RunEmailStep enters email_generation and generates one personalized
// email per prospect through the text-generation provider.
func (r *CampaignRunner) RunEmailStep(ctx context.Context, sessionID string, prospects []Prospect) (models.BatchJob, error) {
	sess, err := r.workflows.GetSession(ctx, sessionID)
	if err != nil {
		return models.BatchJob{}, err
	}
	cfg := sess.StepConfigs[models.StepEmailGeneration]
	if errs := ValidateStep(models.StepEmailGeneration, cfg); len(errs) > 0 {
		return models.BatchJob{}, errs[0]
	}
	if err := r.workflows.StartStep(ctx, sessionID, models.StepEmailGeneration); err != nil {
		return models.BatchJob{}, err
	}

	template, _ := cfg["template"].(string)
	provider, _ := cfg["provider"].(string)
	model, _ := cfg["model"].(string)
	maxTokens, _ := cfg["max_tokens"].(int)
	op := func(ctx context.Context, item WorkItem) (map[string]interface{}, error) {
		email, err := r.generator.Generate(ctx, GenerationRequest{
			Prospect:  item.Prospect,
			Prompt:    buildPrompt(template, item.Prospect),
			Provider:  provider,
			Model:     model,
			MaxTokens: maxTokens,
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"subject": email.Subject, "body": email.Body}, nil
	}
	return r.runStepJob(sessionID, sess.UserID, models.StepEmailGeneration, models.EmailJobKind, prospects, nil, op)
}

// AdhocJobParams describes a batch job created outside a workflow session.
type AdhocJobParams struct {
	UserID       string
	Kind         models.JobKind
	Prospects    []Prospect
	Config       *models.JobConfig
	Single       bool
	Template     string
	Provider     string
	Model        string
	MaxTokens    int
	Capabilities []string
}

// RunAdhocJob starts a standalone batch job of the given kind. Single jobs
// bypass chunking and run on the shared worker pool.
func (r *CampaignRunner) RunAdhocJob(params AdhocJobParams) (models.BatchJob, error) {
	if len(params.Prospects) == 0 {
		return models.BatchJob{}, errors.New("no prospects to process")
	}

	var op ItemFunc
	switch params.Kind {
	case models.EnrichmentJobKind:
		capabilities := params.Capabilities
		op = func(ctx context.Context, item WorkItem) (map[string]interface{}, error) {
			return r.enricher.Enrich(ctx, item.Prospect, capabilities)
		}
	case models.EmailJobKind:
		req := params
		op = func(ctx context.Context, item WorkItem) (map[string]interface{}, error) {
			email, err := r.generator.Generate(ctx, GenerationRequest{
				Prospect:  item.Prospect,
				Prompt:    buildPrompt(req.Template, item.Prospect),
				Provider:  req.Provider,
				Model:     req.Model,
				MaxTokens: req.MaxTokens,
			})
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"subject": email.Subject, "body": email.Body}, nil
		}
	default:
		return models.BatchJob{}, errors.Errorf("unknown job kind %q", params.Kind)
	}

	jobParams := CreateJobParams{
		UserID: params.UserID,
		Kind:   params.Kind,
		Items:  make([]WorkItem, len(params.Prospects)),
		Config: params.Config,
		Op:     op,
	}
	for i, p := range params.Prospects {
		jobParams.Items[i] = WorkItem{ID: p.ID, Prospect: p}
	}
	if params.Single {
		return r.batches.CreateSingleJob(jobParams)
	}
	return r.batches.CreateJob(jobParams)
}

func (r *CampaignRunner) runStepJob(
	sessionID, userID string,
	step models.WorkflowStep,
	kind models.JobKind,
	prospects []Prospect,
	capabilities []string,
	op ItemFunc,
) (models.BatchJob, error) {
	if len(prospects) == 0 {
		return models.BatchJob{}, errors.Errorf("no prospects to process for step %s", step)
	}
	items := make([]WorkItem, len(prospects))
	for i, p := range prospects {
		items[i] = WorkItem{ID: p.ID, Prospect: p}
	}

	hooks := JobHooks{
		OnProgress: func(job models.BatchJob) {
			msg := fmt.Sprintf("%d/%d prospects processed", job.Processed, job.Total)
			if err := r.workflows.UpdateStepProgress(context.Background(), sessionID, step, job.Percent(), msg); err != nil {
				r.logger.Errorf("Failed to roll job %s progress into step %s: %v", job.ID, step, err)
			}
		},
		OnDone: func(job models.BatchJob) {
			ctx := context.Background()
			switch job.Status {
			case models.CompletedJobStatus:
				msg := fmt.Sprintf("all %d prospects processed", job.Total)
				if err := r.workflows.CompleteStep(ctx, sessionID, step, msg); err != nil {
					r.logger.Errorf("Failed to complete step %s for session %s: %v", step, sessionID, err)
				}
			case models.CompletedWithErrsJobStatus:
				msg := fmt.Sprintf("%d of %d prospects processed, %d failed", job.Completed, job.Total, job.Failed)
				if err := r.workflows.CompleteStep(ctx, sessionID, step, msg); err != nil {
					r.logger.Errorf("Failed to complete step %s for session %s: %v", step, sessionID, err)
				}
			default:
				failure := errors.Errorf("job %s finished as %s", job.ID, job.Status)
				if _, _, err := r.workflows.FailStep(ctx, sessionID, step, failure); err != nil {
					r.logger.Errorf("Failed to fail step %s for session %s: %v", step, sessionID, err)
				}
			}
		},
	}

	var cfg *models.JobConfig
	if len(capabilities) > 0 {
		cfg = &models.JobConfig{Capabilities: capabilities}
	}
	return r.batches.CreateJob(CreateJobParams{
		UserID:    userID,
		SessionID: sessionID,
		Kind:      kind,
		Items:     items,
		Config:    cfg,
		Op:        op,
		Hooks:     hooks,
	})
}

func capabilitiesFromConfig(cfg models.StepConfig) []string {
	if cfg == nil {
		return nil
	}
	switch v := cfg["capabilities"].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// buildPrompt renders a very small template: known placeholders are
// substituted from the prospect, everything else passes through.
func buildPrompt(template string, p Prospect) string {
	if template == "" {
		return fmt.Sprintf("Write a short, friendly outreach email to %s %s at %s.", p.FirstName, p.LastName, p.Company)
	}
	replacements := map[string]string{
		"{{first_name}}": p.FirstName,
		"{{last_name}}":  p.LastName,
		"{{company}}":    p.Company,
		"{{email}}":      p.Email,
	}
	out := template
	for placeholder, value := range replacements {
		out = strings.ReplaceAll(out, placeholder, value)
	}
	return out
}
