package content

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// scannedAttributes carry user-facing or form-related text that phishing kits rely on.
var scannedAttributes = map[string]struct{}{
	"placeholder": {},
	"title":       {},
	"alt":         {},
	"aria-label":  {},
	"action":      {},
	"name":        {},
}

// Text is the lowercase text pulled out of a fetched page. Script holds inline script and
// noscript content, which scores at a reduced weight.
type Text struct {
	Visible string
	Script  string
}

// ExtractText reduces HTML to visible text plus selected attributes and keeps inline
// script text apart. Other textual bodies are used as-is.
func ExtractText(page Page) Text {
	if len(page.Body) == 0 {
		return Text{}
	}
	if !isHTML(page.ContentType) {
		return Text{Visible: strings.ToLower(string(page.Body))}
	}
	text, err := extractHTMLText(page.Body)
	if err != nil {
		return Text{Visible: strings.ToLower(string(page.Body))}
	}
	return text
}

type textBuilder struct {
	strings.Builder
}

func (b *textBuilder) write(s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	if b.Len() > 0 {
		b.WriteByte(' ')
	}
	b.WriteString(strings.ToLower(s))
}

func extractHTMLText(body []byte) (Text, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return Text{}, err
	}

	var visible, script textBuilder

	var walk func(n *html.Node, out *textBuilder)
	walk = func(n *html.Node, out *textBuilder) {
		switch n.Type {
		case html.TextNode:
			out.write(n.Data)
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Style, atom.Template:
				return
			case atom.Script, atom.Noscript:
				out = &script
			}
			for _, attr := range n.Attr {
				key := strings.ToLower(attr.Key)
				if _, ok := scannedAttributes[key]; ok {
					out.write(attr.Val)
				} else if key == "type" && n.DataAtom == atom.Input {
					out.write(attr.Val)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, out)
		}
	}
	walk(doc, &visible)

	return Text{Visible: visible.String(), Script: script.String()}, nil
}
