package engine

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/harrison/dispatch/internal/logger"
	"github.com/harrison/dispatch/internal/models"
)

// maxDeliverables caps the secondary artifacts parsed from a completion
// summary; with the primary that keeps a task at models.MaxArtifacts total.
const maxDeliverables = models.MaxArtifacts - 1

// fallbackOutputLines is how much backend output a synthesized summary keeps.
const fallbackOutputLines = 100

// deliverablesHeading is the summary section listing artifact file paths.
const deliverablesHeading = "key deliverables"

// Collector produces the bounded, ordered artifact list after execution.
// Collection never fails: a missing or malformed completion summary yields a
// synthesized fallback, and the result always contains at least the primary
// artifact.
type Collector struct {
	session Session
	md      goldmark.Markdown
	log     logger.Logger
}

// NewCollector creates a Collector over the execution session.
func NewCollector(session Session, log logger.Logger) *Collector {
	if log == nil {
		log = logger.Discard()
	}
	return &Collector{
		session: session,
		md:      goldmark.New(),
		log:     log,
	}
}

// Collect gathers the artifacts for a finished (or timed-out) execution:
// the completion summary (or fallback) first, then up to four deliverable
// files parsed from the summary's Key Deliverables section.
func (c *Collector) Collect(taskID string) []models.Artifact {
	primaryName := filepath.Join("summaries", taskID+".md")

	summary, err := os.ReadFile(c.session.MarkerPath(taskID))
	if err != nil {
		c.log.Warnf("completion summary missing for task %s, synthesizing fallback", taskID)
		summary = []byte(c.fallbackSummary(taskID))
		primaryName = "fallback-summary.md"
	}

	artifacts := []models.Artifact{{
		ArtifactID: uuid.NewString(),
		Name:       primaryName,
		Parts:      []models.Part{{Text: string(summary)}},
	}}

	for _, rel := range c.extractDeliverables(summary) {
		if len(artifacts) >= models.MaxArtifacts {
			break
		}
		path := filepath.Join(c.session.Workspace(), rel)
		content, err := os.ReadFile(path)
		if err != nil {
			c.log.Warnf("deliverable %s not readable, skipping: %v", rel, err)
			continue
		}
		artifacts = append(artifacts, models.Artifact{
			ArtifactID: uuid.NewString(),
			Name:       rel,
			Parts:      []models.Part{{Text: string(content)}},
		})
	}

	c.log.Infof("collected %d artifacts for task %s", len(artifacts), taskID)
	return artifacts
}

// extractDeliverables parses backtick-quoted file paths from the summary's
// Key Deliverables section. It walks the markdown AST to the section heading
// and collects code spans from the list items that follow, capped at
// maxDeliverables. Paths escaping the workspace are dropped.
func (c *Collector) extractDeliverables(summary []byte) []string {
	doc := c.md.Parser().Parse(text.NewReader(summary))

	var paths []string
	inSection := false

	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		if heading, ok := node.(*ast.Heading); ok {
			if inSection {
				break
			}
			title := strings.ToLower(strings.TrimSpace(nodeText(heading, summary)))
			inSection = title == deliverablesHeading
			continue
		}

		if !inSection {
			continue
		}

		list, ok := node.(*ast.List)
		if !ok {
			continue
		}

		ast.Walk(list, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
			if !entering {
				return ast.WalkContinue, nil
			}
			if span, ok := n.(*ast.CodeSpan); ok && len(paths) < maxDeliverables {
				if rel := sanitizeRelPath(nodeText(span, summary)); rel != "" {
					paths = append(paths, rel)
				} else {
					c.log.Warnf("dropping deliverable path outside workspace: %s", nodeText(span, summary))
				}
			}
			return ast.WalkContinue, nil
		})
	}

	c.log.Debugf("extracted %d deliverable paths from summary", len(paths))
	return paths
}

// sanitizeRelPath normalizes a deliverable path and rejects absolute paths
// and paths that climb out of the workspace.
func sanitizeRelPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return ""
	}
	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return ""
	}
	return clean
}

// fallbackSummary synthesizes a completion summary when the backend never
// produced the marker document. It carries the recent backend output and a
// best-effort workspace listing, and is explicitly tagged as unconfirmed.
// The listing deliberately avoids the Key Deliverables format so an
// unconfirmed run yields exactly one artifact.
func (c *Collector) fallbackSummary(taskID string) string {
	output, err := c.session.CaptureOutput(fallbackOutputLines)
	if err != nil || strings.TrimSpace(output) == "" {
		output = "No output captured"
	}

	var listing bytes.Buffer
	files, err := c.session.Files()
	if err == nil {
		for _, f := range files {
			if isScaffoldingFile(f) {
				continue
			}
			fmt.Fprintf(&listing, "- %s\n", f)
		}
	}
	if listing.Len() == 0 {
		listing.WriteString("(none)\n")
	}

	return fmt.Sprintf(`# Task Completion Summary

## Objective
Task %s

## Workspace Files
%s
## Terminal Output
`+"```"+`
%s
`+"```"+`

## Important Notes
- The completion summary was not created by the execution backend.
- This is an auto-generated fallback.

## Status
NOT CONFIRMED COMPLETE
`, taskID, listing.String(), strings.TrimSpace(output))
}

// isScaffoldingFile reports whether a workspace-relative path is one of the
// documents the pipeline itself wrote, which are never deliverables.
func isScaffoldingFile(rel string) bool {
	switch filepath.Base(rel) {
	case contextDoc, specsDoc, instructionsDoc:
		if !strings.ContainsRune(rel, filepath.Separator) {
			return true
		}
	}
	first := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	return first == "summaries" || first == "tasks"
}

// nodeText collects the raw text of a node's descendants.
func nodeText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := child.(*ast.Text); ok {
			buf.Write(t.Segment.Value(source))
		}
		return ast.WalkContinue, nil
	})
	return buf.String()
}
