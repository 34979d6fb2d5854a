package service

import (
	"github.com/pkg/errors"

	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/models"
)

// StepDefinition declares what one workflow step needs and where it can go.
// Successors form a sparse directed graph rather than a simple "next in
// list": campaign_settings may jump straight to begin_enrichment when the
// enrichment_config step is skipped.
type StepDefinition struct {
	Step       models.WorkflowStep
	Required   []string // Config keys the step refuses to run without
	Optional   []string
	Skippable  bool
	Revertible bool
	DependsOn  []models.WorkflowStep
	Successors []models.WorkflowStep
}

var stepDefinitions = map[models.WorkflowStep]StepDefinition{
	models.StepUploadCSV: {
		Step:       models.StepUploadCSV,
		Required:   []string{"file_name", "contact_count"},
		Optional:   []string{"field_mapping"},
		Successors: []models.WorkflowStep{models.StepCampaignSettings},
	},
	models.StepCampaignSettings: {
		Step:       models.StepCampaignSettings,
		Required:   []string{"campaign_name", "tone"},
		Optional:   []string{"description", "signature"},
		Revertible: true,
		DependsOn:  []models.WorkflowStep{models.StepUploadCSV},
		Successors: []models.WorkflowStep{models.StepEnrichmentConfig, models.StepBeginEnrichment},
	},
	models.StepEnrichmentConfig: {
		Step:       models.StepEnrichmentConfig,
		Required:   []string{"capabilities"},
		Optional:   []string{"provider"},
		Skippable:  true,
		Revertible: true,
		DependsOn:  []models.WorkflowStep{models.StepCampaignSettings},
		Successors: []models.WorkflowStep{models.StepBeginEnrichment},
	},
	models.StepBeginEnrichment: {
		Step:       models.StepBeginEnrichment,
		Optional:   []string{"concurrency"},
		DependsOn:  []models.WorkflowStep{models.StepCampaignSettings},
		Successors: []models.WorkflowStep{models.StepEmailGeneration},
	},
	models.StepEmailGeneration: {
		Step:       models.StepEmailGeneration,
		Required:   []string{"template"},
		Optional:   []string{"provider", "model", "max_tokens"},
		DependsOn:  []models.WorkflowStep{models.StepBeginEnrichment},
		Successors: []models.WorkflowStep{models.StepCompleted},
	},
	models.StepCompleted: {
		Step:      models.StepCompleted,
		DependsOn: []models.WorkflowStep{models.StepEmailGeneration},
	},
}

// GetStepDefinition returns the definition for a step.
func GetStepDefinition(step models.WorkflowStep) (StepDefinition, error) {
	def, ok := stepDefinitions[step]
	if !ok {
		return StepDefinition{}, errors.Errorf("unknown workflow step '%s'", step)
	}
	return def, nil
}

// ValidateTransition fails unless to is in from's declared successor set.
func ValidateTransition(from, to models.WorkflowStep) error {
	def, err := GetStepDefinition(from)
	if err != nil {
		return err
	}
	if _, err := GetStepDefinition(to); err != nil {
		return err
	}
	for _, next := range def.Successors {
		if next == to {
			return nil
		}
	}
	return errors.Errorf("illegal transition from '%s' to '%s'", from, to)
}

// ValidateStep checks that every required key for a step is present in the
// supplied configuration. Missing keys are reported individually, never
// silently defaulted.
func ValidateStep(step models.WorkflowStep, config models.StepConfig) []error {
	def, err := GetStepDefinition(step)
	if err != nil {
		return []error{err}
	}
	var errs []error
	for _, key := range def.Required {
		if _, ok := config[key]; !ok {
			errs = append(errs, errors.Errorf("step '%s': missing required configuration key '%s'", step, key))
		}
	}
	return errs
}
