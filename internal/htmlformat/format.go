// Package htmlformat renders DOM snapshots as indented, readable HTML.
package htmlformat

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// inlineLimit is the longest text an element may hold and still be printed
// on one line with its tags.
const inlineLimit = 60

// Options controls rendering.
type Options struct {
	Indent       string // defaults to two spaces
	MaxDepth     int    // elements deeper than this print as <tag>…</tag>; 0 means no limit
	StripScripts bool   // drop script and style elements
}

// Format pretty-prints a whole document or a fragment. Input that starts with
// <html> or a doctype is parsed as a document; anything else is parsed as
// body content, which is what an element's outerHTML is.
func Format(input string, opts Options) (string, error) {
	if opts.Indent == "" {
		opts.Indent = "  "
	}

	nodes, err := parse(input)
	if err != nil {
		return "", err
	}

	p := &printer{opts: opts}
	for _, n := range nodes {
		p.node(n, 0)
	}
	return p.buf.String(), nil
}

func parse(input string) ([]*html.Node, error) {
	head := strings.ToLower(strings.TrimSpace(input))
	if strings.HasPrefix(head, "<html") || strings.HasPrefix(head, "<!doctype") {
		doc, err := html.Parse(strings.NewReader(input))
		if err != nil {
			return nil, fmt.Errorf("parse html: %w", err)
		}
		var nodes []*html.Node
		for c := doc.FirstChild; c != nil; c = c.NextSibling {
			nodes = append(nodes, c)
		}
		return nodes, nil
	}

	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(input), body)
	if err != nil {
		return nil, fmt.Errorf("parse html fragment: %w", err)
	}
	return nodes, nil
}

type printer struct {
	opts Options
	buf  bytes.Buffer
}

func (p *printer) line(depth int, s string) {
	p.buf.WriteString(strings.Repeat(p.opts.Indent, depth))
	p.buf.WriteString(s)
	p.buf.WriteByte('\n')
}

func (p *printer) node(n *html.Node, depth int) {
	switch n.Type {
	case html.DoctypeNode:
		p.line(depth, "<!DOCTYPE "+n.Data+">")
	case html.CommentNode:
		p.line(depth, "<!--"+n.Data+"-->")
	case html.TextNode:
		if text := collapse(n.Data); text != "" {
			p.line(depth, html.EscapeString(text))
		}
	case html.ElementNode:
		p.element(n, depth)
	}
}

func (p *printer) element(n *html.Node, depth int) {
	if p.opts.StripScripts && (n.DataAtom == atom.Script || n.DataAtom == atom.Style) {
		return
	}

	open := openTag(n)
	if isVoid(n.DataAtom) {
		p.line(depth, open)
		return
	}
	closeTag := "</" + n.Data + ">"

	switch {
	case n.FirstChild == nil:
		p.line(depth, open+closeTag)
	case isPreformatted(n.DataAtom):
		var raw bytes.Buffer
		_ = html.Render(&raw, n)
		p.line(depth, raw.String())
	case p.opts.MaxDepth > 0 && depth >= p.opts.MaxDepth:
		p.line(depth, open+"…"+closeTag)
	case n.FirstChild == n.LastChild && n.FirstChild.Type == html.TextNode && len(collapse(n.FirstChild.Data)) <= inlineLimit:
		p.line(depth, open+html.EscapeString(collapse(n.FirstChild.Data))+closeTag)
	default:
		p.line(depth, open)
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			p.node(c, depth+1)
		}
		p.line(depth, closeTag)
	}
}

func openTag(n *html.Node) string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(n.Data)
	for _, a := range n.Attr {
		b.WriteByte(' ')
		if a.Namespace != "" {
			b.WriteString(a.Namespace)
			b.WriteByte(':')
		}
		b.WriteString(a.Key)
		b.WriteString(`="`)
		b.WriteString(html.EscapeString(a.Val))
		b.WriteByte('"')
	}
	b.WriteByte('>')
	return b.String()
}

// isPreformatted reports elements whose content must be printed verbatim.
func isPreformatted(a atom.Atom) bool {
	switch a {
	case atom.Pre, atom.Textarea, atom.Script, atom.Style:
		return true
	}
	return false
}

// isVoid reports elements that never have a closing tag.
func isVoid(a atom.Atom) bool {
	switch a {
	case atom.Area, atom.Base, atom.Br, atom.Col, atom.Embed, atom.Hr, atom.Img, atom.Input,
		atom.Link, atom.Meta, atom.Param, atom.Source, atom.Track, atom.Wbr:
		return true
	}
	return false
}

// collapse trims s and folds runs of whitespace into single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
