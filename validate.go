package substrate

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// mdParser is the shared markdown parser for structural validation.
// TaskList is the only extension we need: PLAN validity hinges on it.
var mdParser = goldmark.New(goldmark.WithExtensions(extension.TaskList))

// ValidateContent checks content against the structural rules of the given
// file kind: required `##` headings present and, for kinds that require a
// task list, at least one task-list item. Returns *ErrValidation on failure.
func ValidateContent(spec FileSpec, content []byte) error {
	if len(spec.RequiredHeadings) == 0 && !spec.RequiresTaskList {
		return nil
	}

	doc := mdParser.Parser().Parse(text.NewReader(content))

	headings := make(map[string]bool)
	hasTaskItem := false
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.Heading:
			if v.Level == 2 {
				headings[strings.TrimSpace(headingText(v, content))] = true
			}
		case *extast.TaskCheckBox:
			hasTaskItem = true
		}
		return ast.WalkContinue, nil
	})

	for _, h := range spec.RequiredHeadings {
		if !headings[h] {
			return &ErrValidation{Kind: spec.Kind, Reason: fmt.Sprintf("missing required section %q", h)}
		}
	}
	if spec.RequiresTaskList && !hasTaskItem {
		return &ErrValidation{Kind: spec.Kind, Reason: "no task list found"}
	}
	return nil
}

// headingText extracts the literal text of a heading node from the source.
func headingText(h *ast.Heading, src []byte) string {
	var b strings.Builder
	for c := h.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			b.Write(t.Segment.Value(src))
		}
	}
	return b.String()
}

// ValidationReport is the result of validating the whole substrate.
type ValidationReport struct {
	Valid    bool
	Problems []string
}
