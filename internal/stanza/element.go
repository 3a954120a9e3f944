// Package stanza implements the XMPP element tree used throughout the
// server, attribute helpers and type constants for IQ, Message and
// Presence stanzas (all represented as plain *Element values), and the
// stream-level and stanza-level error builders.
package stanza

import (
	"fmt"
	"strings"
)

// Element is a generic XML element: a name, an optional namespace, a
// set of attributes, character data, and child elements. It is the
// server's in-memory DOM node, analogous to the teacher's xml.XElement.
type Element struct {
	name       string
	namespace  string
	attributes map[string]string
	attrOrder  []string
	text       string
	children   []*Element
}

// NewName creates an element with no namespace.
func NewName(name string) *Element {
	return &Element{name: name, attributes: make(map[string]string)}
}

// NewNamespace creates an element declaring the given namespace.
func NewNamespace(name, namespace string) *Element {
	e := NewName(name)
	e.namespace = namespace
	return e
}

// Name returns the element's local name.
func (e *Element) Name() string { return e.name }

// Namespace returns the element's namespace, or "" if none.
func (e *Element) Namespace() string { return e.namespace }

// SetNamespace sets the element's namespace.
func (e *Element) SetNamespace(ns string) { e.namespace = ns }

// Attribute returns the named attribute's value, or "" if absent.
func (e *Element) Attribute(name string) string { return e.attributes[name] }

// SetAttribute sets an attribute, preserving first-seen order for
// deterministic serialization.
func (e *Element) SetAttribute(name, value string) {
	if _, ok := e.attributes[name]; !ok {
		e.attrOrder = append(e.attrOrder, name)
	}
	e.attributes[name] = value
}

// RemoveAttribute deletes an attribute if present.
func (e *Element) RemoveAttribute(name string) {
	if _, ok := e.attributes[name]; !ok {
		return
	}
	delete(e.attributes, name)
	for i, n := range e.attrOrder {
		if n == name {
			e.attrOrder = append(e.attrOrder[:i], e.attrOrder[i+1:]...)
			break
		}
	}
}

// Text returns the element's character data.
func (e *Element) Text() string { return e.text }

// SetText sets the element's character data.
func (e *Element) SetText(text string) { e.text = text }

// AppendElement adds a child element.
func (e *Element) AppendElement(child *Element) { e.children = append(e.children, child) }

// Elements returns all direct children.
func (e *Element) Elements() []*Element { return e.children }

// Child returns the first direct child with the given name, or nil.
func (e *Element) Child(name string) *Element {
	for _, c := range e.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

// ChildNamespace returns the first direct child matching both name and
// namespace, or nil. This is how the server dispatches IQ payloads by
// their child element's namespace, mirroring the C child_ns lookup.
func (e *Element) ChildNamespace(name, namespace string) *Element {
	for _, c := range e.children {
		if c.name == name && c.namespace == namespace {
			return c
		}
	}
	return nil
}

// AnyChildElement returns the first child element regardless of name,
// mirroring the C loop that skips non-element nodes looking for the
// first payload child of an IQ.
func (e *Element) AnyChildElement() *Element {
	if len(e.children) == 0 {
		return nil
	}
	return e.children[0]
}

// Copy returns a deep copy of e.
func (e *Element) Copy() *Element {
	cp := &Element{
		name:      e.name,
		namespace: e.namespace,
		text:      e.text,
		attributes: make(map[string]string, len(e.attributes)),
		attrOrder:  append([]string(nil), e.attrOrder...),
	}
	for k, v := range e.attributes {
		cp.attributes[k] = v
	}
	for _, c := range e.children {
		cp.children = append(cp.children, c.Copy())
	}
	return cp
}

// String serializes the element to XML text.
func (e *Element) String() string {
	var b strings.Builder
	e.writeTo(&b)
	return b.String()
}

func escapeText(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

func escapeAttr(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "\"", "&quot;")
	return r.Replace(s)
}

func (e *Element) writeTo(b *strings.Builder) {
	b.WriteByte('<')
	b.WriteString(e.name)
	if e.namespace != "" {
		fmt.Fprintf(b, " xmlns=\"%s\"", escapeAttr(e.namespace))
	}
	for _, k := range e.attrOrder {
		fmt.Fprintf(b, " %s=\"%s\"", k, escapeAttr(e.attributes[k]))
	}
	if e.text == "" && len(e.children) == 0 {
		b.WriteString("/>")
		return
	}
	b.WriteByte('>')
	if e.text != "" {
		b.WriteString(escapeText(e.text))
	}
	for _, c := range e.children {
		c.writeTo(b)
	}
	b.WriteString("</")
	b.WriteString(e.name)
	b.WriteByte('>')
}
