package service

import (
	"context"
	"fmt"
	"strings"
)

// StubEnricher is a deterministic in-process enrichment provider. It stands
// in for the real vendor integration in local runs and tests.
type StubEnricher struct{}

func NewStubEnricher() *StubEnricher {
	return &StubEnricher{}
}

// Enrich derives enrichment fields from the prospect itself, one map entry
// per requested capability.
func (e *StubEnricher) Enrich(ctx context.Context, p Prospect, capabilities []string) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(capabilities) == 0 {
		capabilities = []string{"company", "domain"}
	}
	out := make(map[string]interface{}, len(capabilities))
	for _, capability := range capabilities {
		switch capability {
		case "company":
			out["company"] = p.Company
		case "domain":
			out["domain"] = domainOf(p)
		case "profile":
			out["profile_url"] = p.ProfileURL
		default:
			out[capability] = "unavailable"
		}
	}
	return out, nil
}

func domainOf(p Prospect) string {
	if p.Domain != "" {
		return p.Domain
	}
	if at := strings.LastIndex(p.Email, "@"); at >= 0 {
		return p.Email[at+1:]
	}
	return ""
}

// StubEmailGenerator renders a plain templated email without calling any
// external text-generation service.
type StubEmailGenerator struct{}

func NewStubEmailGenerator() *StubEmailGenerator {
	return &StubEmailGenerator{}
}

func (g *StubEmailGenerator) Generate(ctx context.Context, req GenerationRequest) (GeneratedEmail, error) {
	if err := ctx.Err(); err != nil {
		return GeneratedEmail{}, err
	}
	name := strings.TrimSpace(req.Prospect.FirstName)
	if name == "" {
		name = "there"
	}
	subject := "Quick question"
	if req.Prospect.Company != "" {
		subject = fmt.Sprintf("Quick question about %s", req.Prospect.Company)
	}
	return GeneratedEmail{
		Subject: subject,
		Body:    fmt.Sprintf("Hi %s,\n\n%s\n", name, req.Prompt),
	}, nil
}
