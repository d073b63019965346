// Package anchor maps line-anchored comments onto markdown blocks.
//
// A comment carries the 1-based source line its text was copied from.
// Resolve parses the document, locates every top-level block's first
// source line, and flags the blocks whose first line has a comment
// anchored to it. Renumbering across versions is not attempted: if the
// block moved, the annotation silently detaches. That matches how the
// review UI treats stale feedback.
package anchor

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// Block kinds surfaced to the viewer.
const (
	KindParagraph  = "paragraph"
	KindHeading    = "heading"
	KindBlockquote = "blockquote"
	KindCode       = "code"
	KindList       = "list"
)

// Block is one top-level markdown block with its anchor state.
type Block struct {
	StartLine int    `json:"startLine"`
	Kind      string `json:"kind"`
	Annotated bool   `json:"annotated"`
}

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Resolve parses content and returns its top-level blocks in document
// order. A block is Annotated when some anchor equals its start line.
func Resolve(content string, anchors []int) []Block {
	source := []byte(content)
	doc := md.Parser().Parse(text.NewReader(source))

	anchored := make(map[int]bool, len(anchors))
	for _, line := range anchors {
		anchored[line] = true
	}

	blocks := make([]Block, 0)
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		kind, ok := blockKind(node)
		if !ok {
			continue
		}
		start, ok := startLine(source, node)
		if !ok {
			continue
		}
		blocks = append(blocks, Block{
			StartLine: start,
			Kind:      kind,
			Annotated: anchored[start],
		})
	}
	return blocks
}

// RenderHTML converts markdown to HTML with GFM extensions.
func RenderHTML(content string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(content), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

func blockKind(node ast.Node) (string, bool) {
	switch node.Kind() {
	case ast.KindParagraph:
		return KindParagraph, true
	case ast.KindHeading:
		return KindHeading, true
	case ast.KindBlockquote:
		return KindBlockquote, true
	case ast.KindFencedCodeBlock, ast.KindCodeBlock:
		return KindCode, true
	case ast.KindList:
		return KindList, true
	}
	return "", false
}

// startLine derives a node's 1-based first source line. goldmark only
// records byte segments for content lines, so the fence line of a
// fenced code block has to be recovered separately.
func startLine(source []byte, node ast.Node) (int, bool) {
	if fenced, ok := node.(*ast.FencedCodeBlock); ok {
		if fenced.Info != nil {
			return lineAt(source, fenced.Info.Segment.Start), true
		}
		if fenced.Lines().Len() > 0 {
			return lineAt(source, fenced.Lines().At(0).Start) - 1, true
		}
		return 0, false
	}

	offset, ok := firstSegmentStart(node)
	if !ok {
		return 0, false
	}
	return lineAt(source, offset), true
}

func firstSegmentStart(node ast.Node) (int, bool) {
	if lines := node.Lines(); lines != nil && lines.Len() > 0 {
		return lines.At(0).Start, true
	}
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		if offset, ok := firstSegmentStart(child); ok {
			return offset, true
		}
	}
	return 0, false
}

func lineAt(source []byte, offset int) int {
	if offset > len(source) {
		offset = len(source)
	}
	return bytes.Count(source[:offset], []byte("\n")) + 1
}
