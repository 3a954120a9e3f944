// Package parser implements the incremental, namespace-aware stanza
// framer. It feeds bytes to an encoding/xml.Decoder and emits three
// event kinds as complete units become available: stream open, stanza
// complete, and stream close — mirroring the depth-tracking SAX
// algorithm of the original push parser (depth 1 is the stream root,
// depth 2 is a stanza root, depth >=3 nests inside the running stanza).
package parser

import (
	"encoding/xml"
	"io"

	"xmppd/internal/stanza"
)

// EventKind identifies which of the three framer events occurred.
type EventKind int

const (
	// StreamOpened fires when the root <stream:stream> start tag is seen.
	StreamOpened EventKind = iota
	// StanzaComplete fires when a depth-2 element's end tag is seen.
	StanzaComplete
	// StreamClosed fires when the root end tag is seen.
	StreamClosed
)

// Event is one parser callback payload.
type Event struct {
	Kind EventKind

	// Valid for StreamOpened.
	To        string
	Namespace string

	// Valid for StanzaComplete.
	Stanza *stanza.Element
}

// Parser incrementally frames an XMPP stream from a byte stream,
// mirroring the original's push-parser/SAX depth tracking but built on
// encoding/xml.Decoder's tokenizer instead of a hand-rolled one.
type Parser struct {
	dec   *xml.Decoder
	depth int

	current *stanza.Element
	stack   []*stanza.Element

	maxStanzaSize int
	size          int
	tooLarge      bool
}

// New creates a Parser reading from r. maxStanzaSize bounds the total
// character data accumulated for a single in-flight stanza (0 disables
// the bound). Only character data is counted; tag names, attributes and
// other markup bytes do not count toward the bound.
func New(r io.Reader, maxStanzaSize int) *Parser {
	return &Parser{dec: xml.NewDecoder(r), maxStanzaSize: maxStanzaSize}
}

// ErrTooLarge is returned when a stanza body exceeds the configured bound.
var ErrTooLarge = &parseError{"parser: stanza exceeds maximum size"}

type parseError struct{ msg string }

func (e *parseError) Error() string { return e.msg }

// Next blocks until the next framer event is available, or returns an
// error (including io.EOF on clean stream truncation, or a malformed-XML
// error from the underlying decoder).
func (p *Parser) Next() (*Event, error) {
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if ev := p.startElement(t); ev != nil {
				return ev, nil
			}
		case xml.EndElement:
			ev, err := p.endElement(t)
			if err != nil {
				return nil, err
			}
			if ev != nil {
				return ev, nil
			}
		case xml.CharData:
			p.characters(t)
			if p.tooLarge {
				return nil, ErrTooLarge
			}
		}
	}
}

func (p *Parser) startElement(t xml.StartElement) *Event {
	p.depth++

	if p.depth == 1 {
		var to string
		for _, a := range t.Attr {
			if a.Name.Local == "to" {
				to = a.Value
			}
		}
		return &Event{Kind: StreamOpened, To: to, Namespace: t.Name.Space}
	}

	el := stanza.NewNamespace(t.Name.Local, t.Name.Space)
	for _, a := range t.Attr {
		if a.Name.Space != "" && a.Name.Space != "xmlns" {
			el.SetAttribute(a.Name.Space+":"+a.Name.Local, a.Value)
		} else {
			el.SetAttribute(a.Name.Local, a.Value)
		}
	}

	if p.depth == 2 {
		p.current = el
		p.stack = []*stanza.Element{el}
	} else {
		parent := p.stack[len(p.stack)-1]
		parent.AppendElement(el)
		p.stack = append(p.stack, el)
	}
	return nil
}

func (p *Parser) endElement(t xml.EndElement) (*Event, error) {
	p.depth--

	switch {
	case p.depth == 0:
		return &Event{Kind: StreamClosed}, nil
	case p.depth == 1:
		ev := &Event{Kind: StanzaComplete, Stanza: p.current}
		p.current = nil
		p.stack = nil
		p.size = 0
		p.tooLarge = false
		return ev, nil
	default:
		if len(p.stack) > 0 {
			p.stack = p.stack[:len(p.stack)-1]
		}
		return nil, nil
	}
}

func (p *Parser) characters(t xml.CharData) {
	if p.depth < 2 || len(p.stack) == 0 {
		return
	}
	p.size += len(t)
	if p.maxStanzaSize > 0 && p.size > p.maxStanzaSize {
		p.tooLarge = true
		return
	}
	top := p.stack[len(p.stack)-1]
	top.SetText(top.Text() + string(t))
}
