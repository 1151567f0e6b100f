// Package prompt assembles the text sent to an agent CLI for one phase
// invocation: item context, the previous phase summary, the phase's
// workflow files, and the output-file contract the agent must satisfy.
package prompt

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/charmbracelet/log"

	"github.com/phase-golem/phase-golem/internal/item"
)

// DefaultTemplate is the built-in prompt template used when no custom
// template file is configured. It uses [[ and ]] as delimiters so that
// {{ and }} occurring in item descriptions or workflow content are never
// misinterpreted as template actions.
const DefaultTemplate = `You are running phase [[.Phase]] for item [[.ItemID]]: [[.Title]]

## Item

[[if .Context]]### Context
[[.Context]]

[[end]][[if .Problem]]### Problem
[[.Problem]]

[[end]][[if .Solution]]### Solution
[[.Solution]]

[[end]][[if .Impact]]### Impact
[[.Impact]]

[[end]][[if .PreviousSummary]]## Previous phase summary

[[.PreviousSummary]]

[[end]][[if .NextPhaseHint]]## Continuing subphase

Resume toward: [[.NextPhaseHint]]

[[end]]## Workflow

[[range .Workflows]]
[[.]]

[[end]]
## Output contract

Write your result to [[.ResultPath]] as JSON matching this shape:

	{
	  "item_id": "[[.ItemID]]",
	  "phase": "[[.Phase]]",
	  "outcome": "complete | subphase_complete | blocked | failed",
	  "summary": "one paragraph describing what was done",
	  "follow_ups": [{"title": "...", "tags": ["..."]}],
	  "duplicates": ["existing-item-id"],
	  "blocked_type": "clarification | decision",
	  "blocked_reason": "...",
	  "failure_reason": "...",
	  "next_phase": "..."
	}

item_id and phase must exactly match the values above. Do not write any
other file at that path beforehand; the path is cleared immediately before
you are invoked.
`

// Context holds everything substituted into a prompt template.
type Context struct {
	ItemID string
	Title  string

	Context  string
	Problem  string
	Solution string
	Impact   string

	PreviousSummary string
	NextPhaseHint   string

	Phase      string
	Workflows  []string
	ResultPath string
}

// Generator loads, caches, and renders prompt templates.
type Generator struct {
	templateDir string
	templates   map[string]*template.Template
	defaultTmpl *template.Template
}

// NewGenerator creates a Generator. If templateDir is non-empty it must
// refer to an existing directory.
func NewGenerator(templateDir string) (*Generator, error) {
	if templateDir != "" {
		info, err := os.Stat(templateDir)
		if err != nil {
			return nil, fmt.Errorf("prompt generator: template directory %q: %w", templateDir, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("prompt generator: template directory %q is not a directory", templateDir)
		}
	}

	defaultTmpl, err := template.New("default").Delims("[[", "]]").Parse(DefaultTemplate)
	if err != nil {
		return nil, fmt.Errorf("prompt generator: parsing default template: %w", err)
	}

	return &Generator{
		templateDir: templateDir,
		templates:   make(map[string]*template.Template),
		defaultTmpl: defaultTmpl,
	}, nil
}

// LoadTemplate loads the named template file from the generator's
// templateDir, parses it with [[ / ]] delimiters, and caches the result.
// Directory traversal outside templateDir is rejected.
func (g *Generator) LoadTemplate(name string) (*template.Template, error) {
	if name == "" {
		return nil, fmt.Errorf("loading template: name must not be empty")
	}
	if g.templateDir == "" {
		return nil, fmt.Errorf("loading template %q: no template directory configured", name)
	}
	if tmpl, ok := g.templates[name]; ok {
		return tmpl, nil
	}

	absDir, err := filepath.Abs(g.templateDir)
	if err != nil {
		return nil, fmt.Errorf("loading template %q: resolving template directory: %w", name, err)
	}
	candidate := filepath.Join(absDir, name)
	rel, err := filepath.Rel(absDir, candidate)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("loading template %q: path escapes template directory (directory traversal rejected)", name)
	}

	raw, err := os.ReadFile(candidate)
	if err != nil {
		return nil, fmt.Errorf("loading template %q: %w", name, err)
	}

	tmpl, err := template.New(name).Delims("[[", "]]").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("loading template %q: parsing: %w", name, err)
	}

	g.templates[name] = tmpl
	log.Debug("loaded prompt template", "name", name, "path", candidate)
	return tmpl, nil
}

// Generate renders a prompt for ctx. If templateName is empty the built-in
// DefaultTemplate is used.
func (g *Generator) Generate(templateName string, ctx Context) (string, error) {
	var tmpl *template.Template
	var err error
	if templateName == "" {
		tmpl = g.defaultTmpl
	} else {
		tmpl, err = g.LoadTemplate(templateName)
		if err != nil {
			return "", fmt.Errorf("generating prompt with template %q: %w", templateName, err)
		}
	}
	return g.execute(tmpl, ctx)
}

func (g *Generator) execute(tmpl *template.Template, ctx Context) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("executing prompt template %q: %w", tmpl.Name(), err)
	}
	result := buf.String()
	log.Debug("rendered prompt template",
		"template", tmpl.Name(), "item", ctx.ItemID, "phase", ctx.Phase, "bytes", len(result))
	return result, nil
}

// BuildContext assembles a Context from an item, the phase being run, the
// previous phase summary (if any), the workflow file contents for the
// phase, and the result file path the agent must write to.
func BuildContext(it *item.Item, phase string, workflows []string, previousSummary, nextPhaseHint, resultPath string) Context {
	ctx := Context{
		ItemID:          it.ID,
		Title:           it.Title,
		Phase:           phase,
		Workflows:       workflows,
		ResultPath:      resultPath,
		PreviousSummary: previousSummary,
		NextPhaseHint:   nextPhaseHint,
	}
	if it.Description != nil {
		ctx.Context = it.Description.Context
		ctx.Problem = it.Description.Problem
		ctx.Solution = it.Description.Solution
		ctx.Impact = it.Description.Impact
	}
	return ctx
}
