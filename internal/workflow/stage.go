// Package workflow defines kiln's staged workflow: Research, Plan,
// Implement, Validate. Stages are pure definitions; the daemon decides
// when to run them.
package workflow

import (
	"fmt"
	"strings"

	"github.com/golithk/kiln/internal/board"
)

// Markers embed machine-readable tags in kiln's comments so later
// stages and the revision engine can find their artifacts.
const (
	MarkerResearch  = "<!-- kiln:research -->"
	MarkerPlan      = "<!-- kiln:plan -->"
	MarkerImplement = "<!-- kiln:implement -->"
	MarkerValidate  = "<!-- kiln:validate -->"
	// MarkerResponse tags revision responses.
	MarkerResponse = "<!-- kiln:response -->"
)

// StageContext carries everything a stage prompt can reference.
type StageContext struct {
	IssueURL    string
	IssueTitle  string
	IssueBody   string
	RepoID      string
	IssueNumber int
	// Artifacts maps stage name to the artifact text produced by that
	// stage, for stages that build on earlier output.
	Artifacts map[string]string
	// WorkspacePath is the provisioned worktree.
	WorkspacePath string
}

// Stage is one step of the workflow.
type Stage struct {
	name          string
	column        string
	nextColumn    string
	marker        string
	runningLabel  string
	completeLabel string
	failedLabel   string
	prompt        func(StageContext) string
}

func (s *Stage) Name() string          { return s.name }
func (s *Stage) Column() string        { return s.column }
func (s *Stage) NextColumn() string    { return s.nextColumn }
func (s *Stage) Marker() string        { return s.marker }
func (s *Stage) RunningLabel() string  { return s.runningLabel }
func (s *Stage) CompleteLabel() string { return s.completeLabel }
func (s *Stage) FailedLabel() string   { return s.failedLabel }

// Prompt renders the agent prompt for this stage.
func (s *Stage) Prompt(ctx StageContext) string { return s.prompt(ctx) }

func artifactSection(ctx StageContext, stages ...string) string {
	var sb strings.Builder
	for _, name := range stages {
		if text := ctx.Artifacts[name]; text != "" {
			fmt.Fprintf(&sb, "\n\nPrior %s output:\n\n%s", name, text)
		}
	}
	return sb.String()
}

func newResearchStage() *Stage {
	return &Stage{
		name:          "research",
		column:        board.ColumnResearch,
		nextColumn:    board.ColumnPlan,
		marker:        MarkerResearch,
		runningLabel:  "kiln:researching",
		completeLabel: "kiln:researched",
		failedLabel:   "kiln:research-failed",
		prompt: func(ctx StageContext) string {
			return fmt.Sprintf(
				"/kiln:research_codebase for issue %s\n\n"+
					"Investigate the codebase and summarize everything relevant to this issue: "+
					"affected components, current behavior, related code paths, and constraints.\n\n"+
					"Issue title: %s\n\nIssue body:\n\n%s",
				ctx.IssueURL, ctx.IssueTitle, ctx.IssueBody)
		},
	}
}

func newPlanStage() *Stage {
	return &Stage{
		name:          "plan",
		column:        board.ColumnPlan,
		nextColumn:    board.ColumnImplement,
		marker:        MarkerPlan,
		runningLabel:  "kiln:planning",
		completeLabel: "kiln:planned",
		failedLabel:   "kiln:plan-failed",
		prompt: func(ctx StageContext) string {
			return fmt.Sprintf(
				"/kiln:create_plan for issue %s\n\n"+
					"Write a concrete implementation plan for this issue, broken into "+
					"verifiable steps. Do not change any code yet.%s",
				ctx.IssueURL, artifactSection(ctx, "research"))
		},
	}
}

func newImplementStage() *Stage {
	return &Stage{
		name:          "implement",
		column:        board.ColumnImplement,
		nextColumn:    board.ColumnValidate,
		marker:        MarkerImplement,
		runningLabel:  "kiln:implementing",
		completeLabel: "kiln:implemented",
		failedLabel:   "kiln:implement-failed",
		prompt: func(ctx StageContext) string {
			return fmt.Sprintf(
				"/kiln:implement_plan for issue %s\n\n"+
					"Implement the plan below. Commit your work and open a pull request "+
					"whose body references the issue with a closing keyword.%s",
				ctx.IssueURL, artifactSection(ctx, "research", "plan"))
		},
	}
}

func newValidateStage() *Stage {
	return &Stage{
		name:          "validate",
		column:        board.ColumnValidate,
		nextColumn:    board.ColumnDone,
		marker:        MarkerValidate,
		runningLabel:  "kiln:validating",
		completeLabel: "kiln:validated",
		failedLabel:   "kiln:validate-failed",
		prompt: func(ctx StageContext) string {
			return fmt.Sprintf(
				"/kiln:validate_implementation for issue %s\n\n"+
					"Verify the implementation satisfies the plan: run the test suite, "+
					"check the acceptance criteria, and report anything that fails.%s",
				ctx.IssueURL, artifactSection(ctx, "plan", "implement"))
		},
	}
}

// RevisionPrompt renders the prompt used when human comments request
// changes to a stage's artifact. Later comments win on conflict.
func RevisionPrompt(stage *Stage, ctx StageContext, artifact string, comments []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb,
		"/kiln:revise_%s for issue %s\n\n"+
			"The %s output below received review comments. Produce a revised "+
			"version of the full output incorporating them. When comments "+
			"conflict, prefer the later comments.\n\nCurrent output:\n\n%s",
		stage.Name(), ctx.IssueURL, stage.Name(), artifact)
	for i, c := range comments {
		fmt.Fprintf(&sb, "\n\nComment %d:\n\n%s", i+1, c)
	}
	return sb.String()
}
