package models

// WorkflowStep identifies one stage of the campaign workflow.
type WorkflowStep string

const (
	StepUploadCSV        WorkflowStep = "upload_csv"
	StepCampaignSettings WorkflowStep = "campaign_settings"
	StepEnrichmentConfig WorkflowStep = "enrichment_config"
	StepBeginEnrichment  WorkflowStep = "begin_enrichment"
	StepEmailGeneration  WorkflowStep = "email_generation"
	StepCompleted        WorkflowStep = "completed"
)

// WorkflowSteps lists every step in required order. StepCompleted is a
// terminal marker and carries no work of its own.
var WorkflowSteps = []WorkflowStep{
	StepUploadCSV,
	StepCampaignSettings,
	StepEnrichmentConfig,
	StepBeginEnrichment,
	StepEmailGeneration,
	StepCompleted,
}

// IsValid reports whether s is one of the defined workflow steps.
func (s WorkflowStep) IsValid() bool {
	for _, step := range WorkflowSteps {
		if s == step {
			return true
		}
	}
	return false
}
