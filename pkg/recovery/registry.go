package recovery

import (
	"strings"
	"time"
)

// Category groups error codes by where the fault lies.
type Category string

const (
	ValidationCategory Category = "validation"
	ExternalCategory   Category = "external"
	UserCategory       Category = "user"
	SystemCategory     Category = "system"
)

// Severity grades how bad a classified error is.
type Severity string

const (
	LowSeverity      Severity = "low"
	MediumSeverity   Severity = "medium"
	HighSeverity     Severity = "high"
	CriticalSeverity Severity = "critical"
)

// ActionType names a candidate remedy for a classified error.
type ActionType string

const (
	RetryAction   ActionType = "retry"
	SkipAction    ActionType = "skip"
	ManualAction  ActionType = "manual"
	AbortAction   ActionType = "abort"
	RestartAction ActionType = "restart"
)

// Action is one candidate recovery step. Automated actions may be executed
// without user involvement; the rest require an explicit user decision.
type Action struct {
	Type      ActionType    `json:"type"`
	Automated bool          `json:"automated"`
	Delay     time.Duration `json:"delay,omitempty"` // Wait before an automated retry
}

// Code identifies a known error kind.
type Code string

const (
	CodeUploadFileTooLarge     Code = "UPLOAD_FILE_TOO_LARGE"
	CodeInvalidCSVFormat       Code = "INVALID_CSV_FORMAT"
	CodeMissingRequiredHeaders Code = "MISSING_REQUIRED_HEADERS"
	CodeEnrichmentUnavailable  Code = "ENRICHMENT_SERVICE_UNAVAILABLE"
	CodeAPIRateLimitExceeded   Code = "API_RATE_LIMIT_EXCEEDED"
	CodeInsufficientAPICredits Code = "INSUFFICIENT_API_CREDITS"
	CodeGenerationFailed       Code = "EMAIL_GENERATION_FAILED"
	CodeSystemError            Code = "SYSTEM_ERROR"
)

// Definition describes a known error kind and how to talk about it.
type Definition struct {
	Code        Code     `json:"code"`
	Name        string   `json:"name"`
	Category    Category `json:"category"`
	Severity    Severity `json:"severity"`
	Recoverable bool     `json:"recoverable"`
	Actions     []Action `json:"actions"` // Ordered; the first is the suggested one
	Technical   string   `json:"technical_message"`
	UserFacing  string   `json:"user_message"`
}

// SuggestedAction returns the first candidate action, which is the one
// surfaced to callers as the suggested remedy.
func (d Definition) SuggestedAction() Action {
	if len(d.Actions) == 0 {
		return Action{Type: ManualAction}
	}
	return d.Actions[0]
}

// classifier pairs a predicate with the code it classifies to. Classifiers
// are evaluated in registration order; the first match wins.
type classifier struct {
	match func(msg string) bool
	code  Code
}

// Registry maps error codes to definitions and holds the ordered classifier
// list used to turn raw failure messages into codes. The keyword matching is
// heuristic and can misclassify; callers that know the exact code should
// pass it explicitly rather than round-trip through classification.
type Registry struct {
	defs        map[Code]Definition
	classifiers []classifier
}

// NewRegistry returns a registry preloaded with the built-in definitions
// and their keyword classifiers.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[Code]Definition)}
	for _, def := range builtinDefinitions() {
		r.Register(def)
	}
	for _, c := range builtinClassifiers() {
		r.Classify(c.keywords, c.code)
	}
	return r
}

// Register adds or replaces a definition.
func (r *Registry) Register(def Definition) {
	r.defs[def.Code] = def
}

// Classify appends a keyword classifier: a message containing any of the
// keywords (case-insensitive) classifies to code.
func (r *Registry) Classify(keywords []string, code Code) {
	lowered := make([]string, len(keywords))
	for i, kw := range keywords {
		lowered[i] = strings.ToLower(kw)
	}
	r.classifiers = append(r.classifiers, classifier{
		match: func(msg string) bool {
			msg = strings.ToLower(msg)
			for _, kw := range lowered {
				if strings.Contains(msg, kw) {
					return true
				}
			}
			return false
		},
		code: code,
	})
}

// ClassifyFunc appends a classifier with an arbitrary predicate.
func (r *Registry) ClassifyFunc(match func(msg string) bool, code Code) {
	r.classifiers = append(r.classifiers, classifier{match: match, code: code})
}

// Lookup returns the definition for code, falling back to SYSTEM_ERROR.
func (r *Registry) Lookup(code Code) Definition {
	if def, ok := r.defs[code]; ok {
		return def
	}
	return r.defs[CodeSystemError]
}

// Match classifies a raw failure message. The first matching classifier
// wins; unmatched messages fall back to SYSTEM_ERROR.
func (r *Registry) Match(msg string) Definition {
	for _, c := range r.classifiers {
		if c.match(msg) {
			return r.Lookup(c.code)
		}
	}
	return r.Lookup(CodeSystemError)
}

func builtinDefinitions() []Definition {
	return []Definition{
		{
			Code:        CodeUploadFileTooLarge,
			Name:        "Upload file too large",
			Category:    ValidationCategory,
			Severity:    MediumSeverity,
			Recoverable: true,
			Actions: []Action{
				{Type: ManualAction},
				{Type: AbortAction},
			},
			Technical:  "uploaded file exceeds the configured size limit",
			UserFacing: "The uploaded file is too large. Please split it into smaller files and try again.",
		},
		{
			Code:        CodeInvalidCSVFormat,
			Name:        "Invalid CSV format",
			Category:    ValidationCategory,
			Severity:    MediumSeverity,
			Recoverable: true,
			Actions: []Action{
				{Type: ManualAction},
				{Type: AbortAction},
			},
			Technical:  "file could not be parsed as CSV",
			UserFacing: "The file does not look like a valid CSV. Please check the format and re-upload.",
		},
		{
			Code:        CodeMissingRequiredHeaders,
			Name:        "Missing required headers",
			Category:    ValidationCategory,
			Severity:    MediumSeverity,
			Recoverable: true,
			Actions: []Action{
				{Type: ManualAction},
				{Type: AbortAction},
			},
			Technical:  "required CSV columns are missing",
			UserFacing: "The file is missing required columns. Please add them and re-upload.",
		},
		{
			Code:        CodeEnrichmentUnavailable,
			Name:        "Enrichment service unavailable",
			Category:    ExternalCategory,
			Severity:    HighSeverity,
			Recoverable: true,
			Actions: []Action{
				{Type: RetryAction, Automated: true, Delay: 30 * time.Second},
				{Type: SkipAction, Automated: true},
				{Type: ManualAction},
			},
			Technical:  "enrichment provider is unreachable or returned a 5xx",
			UserFacing: "The enrichment service is temporarily unavailable. We will retry shortly.",
		},
		{
			Code:        CodeAPIRateLimitExceeded,
			Name:        "API rate limit exceeded",
			Category:    ExternalCategory,
			Severity:    HighSeverity,
			Recoverable: true,
			Actions: []Action{
				{Type: RetryAction, Automated: true, Delay: 60 * time.Second},
				{Type: SkipAction, Automated: true},
			},
			Technical:  "provider rejected the call with a rate-limit response",
			UserFacing: "We are sending requests too fast and have been rate limited. Retrying after a pause.",
		},
		{
			Code:        CodeInsufficientAPICredits,
			Name:        "Insufficient API credits",
			Category:    UserCategory,
			Severity:    CriticalSeverity,
			Recoverable: false,
			Actions: []Action{
				{Type: ManualAction},
				{Type: AbortAction},
			},
			Technical:  "provider account has no remaining credits",
			UserFacing: "Your provider account is out of credits. Top up your account to continue.",
		},
		{
			Code:        CodeGenerationFailed,
			Name:        "Email generation failed",
			Category:    ExternalCategory,
			Severity:    MediumSeverity,
			Recoverable: true,
			Actions: []Action{
				{Type: RetryAction, Automated: true, Delay: time.Second},
				{Type: SkipAction, Automated: true},
				{Type: ManualAction},
			},
			Technical:  "text-generation provider returned an error",
			UserFacing: "Generating this email failed. We will retry automatically.",
		},
		{
			Code:        CodeSystemError,
			Name:        "Unexpected system error",
			Category:    SystemCategory,
			Severity:    CriticalSeverity,
			Recoverable: true,
			Actions: []Action{
				{Type: RetryAction, Automated: true, Delay: time.Second},
				{Type: RestartAction},
				{Type: ManualAction},
			},
			Technical:  "unclassified internal failure",
			UserFacing: "Something went wrong on our side. We will retry automatically.",
		},
	}
}

type builtinClassifier struct {
	keywords []string
	code     Code
}

// Order matters: more specific keyword sets come first so generic ones do
// not shadow them.
func builtinClassifiers() []builtinClassifier {
	return []builtinClassifier{
		{[]string{"file too large", "exceeds maximum size", "payload too large"}, CodeUploadFileTooLarge},
		{[]string{"missing required header", "missing required column", "required headers"}, CodeMissingRequiredHeaders},
		{[]string{"invalid csv", "malformed csv", "csv parse"}, CodeInvalidCSVFormat},
		{[]string{"rate limit", "too many requests", "429"}, CodeAPIRateLimitExceeded},
		{[]string{"insufficient credits", "out of credits", "quota exceeded", "payment required"}, CodeInsufficientAPICredits},
		{[]string{"service unavailable", "connection refused", "enrichment provider", "502", "503"}, CodeEnrichmentUnavailable},
		{[]string{"generation failed", "generation provider", "model overloaded"}, CodeGenerationFailed},
	}
}
