package ui

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
)

// uiautomator dump node. All attributes arrive as strings.
type xmlNode struct {
	XMLName     xml.Name
	ResourceID  string    `xml:"resource-id,attr"`
	Text        string    `xml:"text,attr"`
	Class       string    `xml:"class,attr"`
	Package     string    `xml:"package,attr"`
	ContentDesc string    `xml:"content-desc,attr"`
	Bounds      string    `xml:"bounds,attr"`
	Enabled     string    `xml:"enabled,attr"`
	Clickable   string    `xml:"clickable,attr"`
	Scrollable  string    `xml:"scrollable,attr"`
	Focusable   string    `xml:"focusable,attr"`
	Checked     string    `xml:"checked,attr"`
	Selected    string    `xml:"selected,attr"`
	Children    []xmlNode `xml:",any"`
}

// ParseHierarchyXML converts a uiautomator window dump into an element tree.
// The synthetic <hierarchy> wrapper is collapsed: a single top-level node
// becomes the root, multiple top-level nodes are attached to an empty root.
func ParseHierarchyXML(data []byte) (*Element, error) {
	var doc xmlNode
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse hierarchy xml: %w", err)
	}

	children := make([]*Element, 0, len(doc.Children))
	for i := range doc.Children {
		children = append(children, fromXMLNode(&doc.Children[i]))
	}

	var root *Element
	switch len(children) {
	case 0:
		root = &Element{}
	case 1:
		root = children[0]
	default:
		root = &Element{Children: children}
	}
	root.link()
	return root, nil
}

func fromXMLNode(n *xmlNode) *Element {
	e := &Element{
		ResourceID:  n.ResourceID,
		Text:        n.Text,
		Class:       n.Class,
		Package:     n.Package,
		ContentDesc: n.ContentDesc,
		Enabled:     n.Enabled == "true",
		Clickable:   n.Clickable == "true",
		Scrollable:  n.Scrollable == "true",
		Focusable:   n.Focusable == "true",
		Checked:     n.Checked == "true",
		Selected:    n.Selected == "true",
	}
	if b, err := ParseBounds(n.Bounds); err == nil {
		e.Bounds = b
	}
	for i := range n.Children {
		e.Children = append(e.Children, fromXMLNode(&n.Children[i]))
	}
	return e
}

// SelectorFromMap decodes request parameters into a compiled selector.
func SelectorFromMap(raw map[string]any) (*Selector, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode selector: %w", err)
	}
	var sel Selector
	if err := json.Unmarshal(data, &sel); err != nil {
		return nil, fmt.Errorf("decode selector: %w", err)
	}
	if err := sel.Compile(); err != nil {
		return nil, err
	}
	return &sel, nil
}
