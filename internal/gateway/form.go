package gateway

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/labpresence/internal/presence"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// submission is a resolved HTML form ready to be sent.
type submission struct {
	method string
	action *url.URL
	values url.Values
}

// newSubmission collects the successful controls of form as a browser would when submitter is clicked.
func newSubmission(base *url.URL, form *html.Node, submitter *html.Node) (submission, error) {
	action, err := base.Parse(attr(form, "action"))
	if err != nil {
		return submission{}, fmt.Errorf("%w: form action: %v", presence.ErrGatewayRejected, err)
	}
	method := http.MethodGet
	if strings.EqualFold(attr(form, "method"), http.MethodPost) {
		method = http.MethodPost
	}

	values := url.Values{}
	for _, input := range findAll(form, isElement(atom.Input)) {
		name := attr(input, "name")
		if name == "" || hasAttr(input, "disabled") {
			continue
		}
		switch strings.ToLower(attr(input, "type")) {
		case "submit", "button", "image", "reset", "file":
			continue
		case "checkbox", "radio":
			if !hasAttr(input, "checked") {
				continue
			}
		}
		values.Add(name, attr(input, "value"))
	}
	for _, selectNode := range findAll(form, isElement(atom.Select)) {
		name := attr(selectNode, "name")
		if name == "" {
			continue
		}
		if option := selectedOption(selectNode); option != nil {
			values.Set(name, optionValue(option))
		}
	}
	if submitter != nil {
		if name := attr(submitter, "name"); name != "" {
			values.Set(name, attr(submitter, "value"))
		}
	}
	return submission{method: method, action: action, values: values}, nil
}

func selectedOption(selectNode *html.Node) *html.Node {
	options := findAll(selectNode, isElement(atom.Option))
	for _, option := range options {
		if hasAttr(option, "selected") {
			return option
		}
	}
	if len(options) > 0 {
		return options[0]
	}
	return nil
}

func optionValue(option *html.Node) string {
	if hasAttr(option, "value") {
		return attr(option, "value")
	}
	return text(option)
}

// labSelect locates the lab dropdown: select#lab, then select[name=lab], then any select.
func labSelect(doc *html.Node) *html.Node {
	candidates := []func(*html.Node) bool{
		func(node *html.Node) bool { return node.DataAtom == atom.Select && attr(node, "id") == "lab" },
		func(node *html.Node) bool { return node.DataAtom == atom.Select && attr(node, "name") == "lab" },
		isElement(atom.Select),
	}
	for _, match := range candidates {
		if node := findFirst(doc, match); node != nil {
			return node
		}
	}
	return nil
}

// optionByLabel finds the option whose visible label equals lab.
func optionByLabel(selectNode *html.Node, lab string) *html.Node {
	want := normalizeSpace(lab)
	for _, option := range findAll(selectNode, isElement(atom.Option)) {
		if text(option) == want {
			return option
		}
	}
	return nil
}

// enterButton prefers a control labelled Enter and falls back to the first submit control of the form.
func enterButton(form *html.Node) *html.Node {
	controls := findAll(form, isSubmitControl)
	for _, control := range controls {
		if strings.EqualFold(submitLabel(control), "Enter") {
			return control
		}
	}
	if len(controls) > 0 {
		return controls[0]
	}
	return nil
}

// exitButton finds the "Exit from lab" control anywhere in the page.
func exitButton(doc *html.Node) *html.Node {
	return findFirst(doc, func(node *html.Node) bool {
		return isSubmitControl(node) && strings.HasPrefix(submitLabel(node), exitMarker)
	})
}
