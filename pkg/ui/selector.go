package ui

import (
	"fmt"
	"regexp"
	"strings"
)

// Selector describes which elements to match. Specified fields are
// AND-combined; unspecified fields are wildcards. A selector with no fields
// set matches every element.
type Selector struct {
	ResourceID string `json:"resourceId,omitempty"`

	Text         string `json:"text,omitempty"`
	TextContains string `json:"textContains,omitempty"`
	TextMatches  string `json:"textMatches,omitempty"`

	Class string `json:"className,omitempty"`

	ContentDesc         string `json:"description,omitempty"`
	ContentDescContains string `json:"descriptionContains,omitempty"`

	Package string `json:"packageName,omitempty"`

	Enabled    *bool `json:"enabled,omitempty"`
	Clickable  *bool `json:"clickable,omitempty"`
	Scrollable *bool `json:"scrollable,omitempty"`
	Focusable  *bool `json:"focusable,omitempty"`
	Checked    *bool `json:"checked,omitempty"`
	Selected   *bool `json:"selected,omitempty"`

	// Child restricts matches to elements with at least one direct child
	// matching the nested selector; Parent restricts by the enclosing
	// element.
	Child  *Selector `json:"child,omitempty"`
	Parent *Selector `json:"parent,omitempty"`

	textRe *regexp.Regexp
}

// Compile validates the selector, in particular its regular expression, and
// prepares it for matching. Must be called before Matches.
func (s *Selector) Compile() error {
	if s.TextMatches != "" {
		re, err := regexp.Compile(s.TextMatches)
		if err != nil {
			return fmt.Errorf("invalid textMatches pattern: %w", err)
		}
		s.textRe = re
	}
	if s.Child != nil {
		if err := s.Child.Compile(); err != nil {
			return err
		}
	}
	if s.Parent != nil {
		if err := s.Parent.Compile(); err != nil {
			return err
		}
	}
	return nil
}

// Matches reports whether a single element satisfies every specified field.
func (s *Selector) Matches(e *Element) bool {
	if s.ResourceID != "" && e.ResourceID != s.ResourceID {
		return false
	}
	if s.Text != "" && e.Text != s.Text {
		return false
	}
	if s.TextContains != "" && !strings.Contains(e.Text, s.TextContains) {
		return false
	}
	if s.textRe != nil && !s.textRe.MatchString(e.Text) {
		return false
	}
	if s.Class != "" && e.Class != s.Class {
		return false
	}
	if s.ContentDesc != "" && e.ContentDesc != s.ContentDesc {
		return false
	}
	if s.ContentDescContains != "" && !strings.Contains(e.ContentDesc, s.ContentDescContains) {
		return false
	}
	if s.Package != "" && e.Package != s.Package {
		return false
	}
	if s.Enabled != nil && e.Enabled != *s.Enabled {
		return false
	}
	if s.Clickable != nil && e.Clickable != *s.Clickable {
		return false
	}
	if s.Scrollable != nil && e.Scrollable != *s.Scrollable {
		return false
	}
	if s.Focusable != nil && e.Focusable != *s.Focusable {
		return false
	}
	if s.Checked != nil && e.Checked != *s.Checked {
		return false
	}
	if s.Selected != nil && e.Selected != *s.Selected {
		return false
	}
	if s.Child != nil {
		found := false
		for _, child := range e.Children {
			if s.Child.Matches(child) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.Parent != nil {
		if e.parent == nil || !s.Parent.Matches(e.parent) {
			return false
		}
	}
	return true
}

// FindAll returns every matching element of the tree in pre-order; ties are
// broken by first encounter.
func (s *Selector) FindAll(root *Element) []*Element {
	if root == nil {
		return nil
	}
	var matches []*Element
	root.Walk(func(e *Element) bool {
		if s.Matches(e) {
			matches = append(matches, e)
		}
		return true
	})
	return matches
}

// FindFirst returns the first matching element in pre-order, or nil.
func (s *Selector) FindFirst(root *Element) *Element {
	if root == nil {
		return nil
	}
	var match *Element
	root.Walk(func(e *Element) bool {
		if s.Matches(e) {
			match = e
			return false
		}
		return true
	})
	return match
}
