package extract

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipped elements contribute no text.
var skipped = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Template: true,
	atom.Svg: true, atom.Iframe: true, atom.Head: true, atom.Nav: true, atom.Footer: true,
}

// blocks end the current line.
var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true, atom.Section: true,
	atom.Article: true, atom.Blockquote: true, atom.Pre: true, atom.Table: true, atom.Ul: true, atom.Ol: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Header: true, atom.Main: true,
}

// Page is the readable content of an HTML document.
type Page struct {
	Title string
	Text  string
}

// ParseHTML extracts the <title> and the visible text of an HTML document. Block elements
// become paragraph breaks; scripts, styles and navigation are dropped.
func ParseHTML(content []byte) (*Page, error) {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}
	page := &Page{}
	var b strings.Builder
	var walk func(n *html.Node, hidden bool)
	walk = func(n *html.Node, hidden bool) {
		if n.Type == html.ElementNode {
			if n.DataAtom == atom.Title && page.Title == "" && n.FirstChild != nil {
				page.Title = strings.Join(strings.Fields(n.FirstChild.Data), " ")
			}
			hidden = hidden || skipped[n.DataAtom]
		}
		if n.Type == html.TextNode && !hidden {
			if text := strings.Join(strings.Fields(n.Data), " "); text != "" {
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
					b.WriteByte(' ')
				}
				b.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, hidden)
		}
		if n.Type == html.ElementNode && !hidden && blocks[n.DataAtom] && b.Len() > 0 && !strings.HasSuffix(b.String(), "\n\n") {
			b.WriteString("\n\n")
		}
	}
	walk(doc, false)
	page.Text = strings.TrimSpace(b.String())
	return page, nil
}

func extractHTMLBytes(content []byte) (string, error) {
	page, err := ParseHTML(content)
	if err != nil {
		return "", err
	}
	return page.Text, nil
}
