// Package ui models the device UI hierarchy and implements selector matching
// over it.
package ui

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Bounds is an element's on-screen rectangle in pixels.
type Bounds struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Center returns the midpoint of the rectangle, the default tap target.
func (b Bounds) Center() (x, y int) {
	return (b.Left + b.Right) / 2, (b.Top + b.Bottom) / 2
}

// Width returns the horizontal extent.
func (b Bounds) Width() int { return b.Right - b.Left }

// Height returns the vertical extent.
func (b Bounds) Height() int { return b.Bottom - b.Top }

// boundsPattern matches the uiautomator form "[l,t][r,b]".
var boundsPattern = regexp.MustCompile(`^\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]$`)

// ParseBounds parses the "[l,t][r,b]" attribute form used by uiautomator
// dumps.
func ParseBounds(s string) (Bounds, error) {
	m := boundsPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Bounds{}, fmt.Errorf("malformed bounds %q", s)
	}
	vals := make([]int, 4)
	for i := 0; i < 4; i++ {
		v, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Bounds{}, fmt.Errorf("malformed bounds %q: %w", s, err)
		}
		vals[i] = v
	}
	return Bounds{Left: vals[0], Top: vals[1], Right: vals[2], Bottom: vals[3]}, nil
}

// Element is one node of the UI hierarchy.
type Element struct {
	ResourceID  string `json:"resourceId,omitempty"`
	Text        string `json:"text,omitempty"`
	Class       string `json:"className,omitempty"`
	Package     string `json:"package,omitempty"`
	ContentDesc string `json:"contentDesc,omitempty"`
	Bounds      Bounds `json:"bounds"`

	Enabled    bool `json:"enabled"`
	Clickable  bool `json:"clickable"`
	Scrollable bool `json:"scrollable"`
	Focusable  bool `json:"focusable"`
	Checked    bool `json:"checked"`
	Selected   bool `json:"selected"`

	Children []*Element `json:"children,omitempty"`

	parent *Element
}

// Parent returns the enclosing element, nil at the root.
func (e *Element) Parent() *Element { return e.parent }

// Walk visits the subtree rooted at e in pre-order. Returning false stops the
// traversal.
func (e *Element) Walk(visit func(*Element) bool) bool {
	if !visit(e) {
		return false
	}
	for _, child := range e.Children {
		if !child.Walk(visit) {
			return false
		}
	}
	return true
}

// Flatten returns all nodes of the subtree in pre-order.
func (e *Element) Flatten() []*Element {
	var all []*Element
	e.Walk(func(n *Element) bool {
		all = append(all, n)
		return true
	})
	return all
}

// link fixes parent pointers after construction or decoding.
func (e *Element) link() {
	for _, child := range e.Children {
		child.parent = e
		child.link()
	}
}
