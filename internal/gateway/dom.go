package gateway

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

func attr(node *html.Node, key string) string {
	for _, attribute := range node.Attr {
		if strings.EqualFold(attribute.Key, key) {
			return attribute.Val
		}
	}
	return ""
}

func hasAttr(node *html.Node, key string) bool {
	for _, attribute := range node.Attr {
		if strings.EqualFold(attribute.Key, key) {
			return true
		}
	}
	return false
}

func findAll(root *html.Node, match func(*html.Node) bool) []*html.Node {
	var found []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && match(node) {
			found = append(found, node)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	return found
}

func findFirst(root *html.Node, match func(*html.Node) bool) *html.Node {
	if nodes := findAll(root, match); len(nodes) > 0 {
		return nodes[0]
	}
	return nil
}

func isElement(kind atom.Atom) func(*html.Node) bool {
	return func(node *html.Node) bool {
		return node.DataAtom == kind
	}
}

func enclosingForm(node *html.Node) *html.Node {
	for parent := node.Parent; parent != nil; parent = parent.Parent {
		if parent.Type == html.ElementNode && parent.DataAtom == atom.Form {
			return parent
		}
	}
	return nil
}

// text returns the whitespace-normalised text content of node.
func text(node *html.Node) string {
	var builder strings.Builder
	var walk func(*html.Node)
	walk = func(current *html.Node) {
		if current.Type == html.TextNode {
			builder.WriteString(current.Data)
			builder.WriteByte(' ')
		}
		for child := current.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(node)
	return normalizeSpace(builder.String())
}

func normalizeSpace(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

// submitLabel is the visible label of a button or submit input.
func submitLabel(node *html.Node) string {
	if node.DataAtom == atom.Input {
		return normalizeSpace(attr(node, "value"))
	}
	return text(node)
}

func isSubmitControl(node *html.Node) bool {
	switch node.DataAtom {
	case atom.Button:
		kind := strings.ToLower(attr(node, "type"))
		return kind == "" || kind == "submit"
	case atom.Input:
		return strings.EqualFold(attr(node, "type"), "submit")
	}
	return false
}
