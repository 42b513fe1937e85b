package llmguard

import (
	"context"
	"fmt"
	"strings"

	"github.com/aicsynergy/llmguard/pkg/types"
)

const (
	maxSubjectBytes   = 64 << 10
	maxCodeBytes      = 256 << 10
	maxListItems      = 32
	defaultCategories = 5
	maxCategories     = 20
	defaultFindings   = 10
	maxFindings       = 50
	defaultUseCases   = 5
	maxUseCases       = 20
)

// Finding severities.
const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Levels used for use case impact and complexity.
const (
	LevelLow    = "low"
	LevelMedium = "medium"
	LevelHigh   = "high"
)

// AssessmentRequest asks for an AI readiness assessment of a subject.
type AssessmentRequest struct {
	// Subject describes the organisation, team or system to assess.
	Subject     string
	Industry    string
	FocusAreas  []string
	Constraints []string
	// MaxCategories defaults to 5.
	MaxCategories int
}

func (r *AssessmentRequest) validate() error {
	if r == nil {
		return fmt.Errorf("request is nil")
	}
	if strings.TrimSpace(r.Subject) == "" {
		return fmt.Errorf("subject is required")
	}
	if len(r.Subject) > maxSubjectBytes {
		return fmt.Errorf("subject exceeds %d bytes", maxSubjectBytes)
	}
	if r.MaxCategories < 0 || r.MaxCategories > maxCategories {
		return fmt.Errorf("max categories must be within [0, %d], got %d", maxCategories, r.MaxCategories)
	}
	if err := checkList("focus areas", r.FocusAreas); err != nil {
		return err
	}
	return checkList("constraints", r.Constraints)
}

// Assessment is the structured result of GenerateAssessment.
type Assessment struct {
	Summary        string               `json:"summary"`
	ReadinessScore int                  `json:"readiness_score"`
	Categories     []AssessmentCategory `json:"categories"`
}

// AssessmentCategory scores one area of the assessment.
type AssessmentCategory struct {
	Name            string   `json:"name"`
	Score           int      `json:"score"`
	Findings        []string `json:"findings"`
	Recommendations []string `json:"recommendations"`
}

func (a *Assessment) validate() error {
	if strings.TrimSpace(a.Summary) == "" {
		return fmt.Errorf("summary is empty")
	}
	if err := checkScore("readiness_score", a.ReadinessScore); err != nil {
		return err
	}
	if len(a.Categories) == 0 {
		return fmt.Errorf("categories is empty")
	}
	for i, cat := range a.Categories {
		if strings.TrimSpace(cat.Name) == "" {
			return fmt.Errorf("categories[%d].name is empty", i)
		}
		if err := checkScore(fmt.Sprintf("categories[%d].score", i), cat.Score); err != nil {
			return err
		}
	}
	return nil
}

// CodeAnalysisRequest asks for a review of a code sample.
type CodeAnalysisRequest struct {
	Language   string
	Code       string
	FocusAreas []string
	// MaxFindings defaults to 10.
	MaxFindings int
}

func (r *CodeAnalysisRequest) validate() error {
	if r == nil {
		return fmt.Errorf("request is nil")
	}
	if strings.TrimSpace(r.Language) == "" {
		return fmt.Errorf("language is required")
	}
	if strings.TrimSpace(r.Code) == "" {
		return fmt.Errorf("code is required")
	}
	if len(r.Code) > maxCodeBytes {
		return fmt.Errorf("code exceeds %d bytes", maxCodeBytes)
	}
	if r.MaxFindings < 0 || r.MaxFindings > maxFindings {
		return fmt.Errorf("max findings must be within [0, %d], got %d", maxFindings, r.MaxFindings)
	}
	return checkList("focus areas", r.FocusAreas)
}

// CodeAnalysis is the structured result of AnalyzeCode.
type CodeAnalysis struct {
	Summary      string        `json:"summary"`
	QualityScore int           `json:"quality_score"`
	Findings     []CodeFinding `json:"findings"`
}

// CodeFinding is one issue found in the sample.
type CodeFinding struct {
	Severity    string `json:"severity"`
	Category    string `json:"category"`
	Description string `json:"description"`
	// Line is 1-based; 0 means the finding is not tied to a line.
	Line       int    `json:"line"`
	Suggestion string `json:"suggestion"`
}

func (a *CodeAnalysis) validate() error {
	if strings.TrimSpace(a.Summary) == "" {
		return fmt.Errorf("summary is empty")
	}
	if err := checkScore("quality_score", a.QualityScore); err != nil {
		return err
	}
	for i, f := range a.Findings {
		if err := checkEnum(fmt.Sprintf("findings[%d].severity", i), f.Severity,
			SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical); err != nil {
			return err
		}
		if strings.TrimSpace(f.Description) == "" {
			return fmt.Errorf("findings[%d].description is empty", i)
		}
		if f.Line < 0 {
			return fmt.Errorf("findings[%d].line %d is negative", i, f.Line)
		}
	}
	return nil
}

// UseCaseRequest asks for candidate AI use cases.
type UseCaseRequest struct {
	Industry        string
	BusinessContext string
	// Count defaults to 5.
	Count       int
	Constraints []string
}

func (r *UseCaseRequest) validate() error {
	if r == nil {
		return fmt.Errorf("request is nil")
	}
	if strings.TrimSpace(r.Industry) == "" {
		return fmt.Errorf("industry is required")
	}
	if len(r.BusinessContext) > maxSubjectBytes {
		return fmt.Errorf("business context exceeds %d bytes", maxSubjectBytes)
	}
	if r.Count < 0 || r.Count > maxUseCases {
		return fmt.Errorf("count must be within [0, %d], got %d", maxUseCases, r.Count)
	}
	return checkList("constraints", r.Constraints)
}

// UseCaseList is the structured result of GenerateUseCases.
type UseCaseList struct {
	UseCases []UseCase `json:"use_cases"`
}

// UseCase is one candidate use case.
type UseCase struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Impact      string   `json:"impact"`
	Complexity  string   `json:"complexity"`
	KPIs        []string `json:"kpis"`
}

func (l *UseCaseList) validate() error {
	if len(l.UseCases) == 0 {
		return fmt.Errorf("use_cases is empty")
	}
	for i, u := range l.UseCases {
		if strings.TrimSpace(u.Title) == "" {
			return fmt.Errorf("use_cases[%d].title is empty", i)
		}
		if err := checkEnum(fmt.Sprintf("use_cases[%d].impact", i), u.Impact, LevelLow, LevelMedium, LevelHigh); err != nil {
			return err
		}
		if err := checkEnum(fmt.Sprintf("use_cases[%d].complexity", i), u.Complexity, LevelLow, LevelMedium, LevelHigh); err != nil {
			return err
		}
	}
	return nil
}

// GenerateAssessment produces a scored readiness assessment.
func (c *Client) GenerateAssessment(ctx context.Context, req *AssessmentRequest) (*Assessment, error) {
	return call(ctx, c, OperationGenerateAssessment, req,
		func() *types.ChatRequest {
			n := req.MaxCategories
			if n == 0 {
				n = defaultCategories
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Assess the AI readiness of the following subject.\n\nSubject:\n%s\n", req.Subject)
			writeField(&b, "Industry", req.Industry)
			writeList(&b, "Focus areas", req.FocusAreas)
			writeList(&b, "Constraints", req.Constraints)
			fmt.Fprintf(&b, "\nReturn at most %d categories.", n)
			return c.chatRequest(assessmentSystemPrompt, b.String(), "assessment", assessmentSchema)
		},
		func(content string) (*Assessment, error) {
			var out Assessment
			if err := decodeInto(content, assessmentShape, &out); err != nil {
				return nil, err
			}
			return &out, nil
		},
	)
}

// AnalyzeCode reviews a code sample.
func (c *Client) AnalyzeCode(ctx context.Context, req *CodeAnalysisRequest) (*CodeAnalysis, error) {
	return call(ctx, c, OperationAnalyzeCode, req,
		func() *types.ChatRequest {
			n := req.MaxFindings
			if n == 0 {
				n = defaultFindings
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Review the following %s code.\n", req.Language)
			writeList(&b, "Focus areas", req.FocusAreas)
			fmt.Fprintf(&b, "\nReport at most %d findings, most severe first.\n\n```%s\n%s\n```", n, req.Language, req.Code)
			return c.chatRequest(codeAnalysisSystemPrompt, b.String(), "code_analysis", codeAnalysisSchema)
		},
		func(content string) (*CodeAnalysis, error) {
			var out CodeAnalysis
			if err := decodeInto(content, codeAnalysisShape, &out); err != nil {
				return nil, err
			}
			return &out, nil
		},
	)
}

// GenerateUseCases proposes use cases for an industry.
func (c *Client) GenerateUseCases(ctx context.Context, req *UseCaseRequest) (*UseCaseList, error) {
	return call(ctx, c, OperationGenerateUseCases, req,
		func() *types.ChatRequest {
			n := req.Count
			if n == 0 {
				n = defaultUseCases
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Propose %d AI use cases for the %s industry.\n", n, req.Industry)
			writeField(&b, "Business context", req.BusinessContext)
			writeList(&b, "Constraints", req.Constraints)
			return c.chatRequest(useCaseSystemPrompt, b.String(), "use_cases", useCaseSchema)
		},
		func(content string) (*UseCaseList, error) {
			var out UseCaseList
			if err := decodeInto(content, useCaseShape, &out); err != nil {
				return nil, err
			}
			return &out, nil
		},
	)
}

const (
	assessmentSystemPrompt = "You are an AI adoption consultant. Score readiness from 0 to 100 " +
		"and answer only with a JSON object matching the requested schema."
	codeAnalysisSystemPrompt = "You are a senior code reviewer. Grade quality from 0 to 100, " +
		"classify each finding by severity and answer only with a JSON object matching the requested schema."
	useCaseSystemPrompt = "You are an AI strategy advisor. Rate impact and complexity as low, medium or high " +
		"and answer only with a JSON object matching the requested schema."
)

func (c *Client) chatRequest(system, user, schemaName string, schema []byte) *types.ChatRequest {
	return &types.ChatRequest{
		Model: c.config.Model,
		Messages: []types.ChatMessage{
			{Role: types.RoleSystem, Content: system},
			{Role: types.RoleUser, Content: user},
		},
		MaxTokens:      c.config.MaxOutputTokens,
		Temperature:    types.Float64(c.config.Temperature),
		ResponseFormat: c.responseFormat(schemaName, schema),
	}
}

func writeField(b *strings.Builder, label, value string) {
	if v := strings.TrimSpace(value); v != "" {
		fmt.Fprintf(b, "%s: %s\n", label, v)
	}
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", label)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", strings.TrimSpace(it))
	}
}

func checkList(label string, items []string) error {
	if len(items) > maxListItems {
		return fmt.Errorf("%s has %d items, at most %d allowed", label, len(items), maxListItems)
	}
	return nil
}
