package descriptor

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
)

// maxPayload caps how much of a device reply is read into memory.
const maxPayload = 1 << 20

// Node is a namespace-free view of an XML element. Names are local names
// only: <dev:friendlyName>, <friendlyName xmlns="urn:..."> and
// <friendlyName> all become "friendlyName".
type Node struct {
	Name     string
	Attrs    map[string]string
	Text     string
	Children []*Node
}

// Decode parses an XML payload into a Node tree, discarding namespaces.
// Charset declarations other than UTF-8 are honoured.
func Decode(payload []byte) (*Node, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, errors.New("empty payload")
	}
	return DecodeReader(bytes.NewReader(payload))
}

// DecodeReader is Decode over a reader, bounded to 1 MiB.
func DecodeReader(r io.Reader) (*Node, error) {
	dec := xml.NewDecoder(io.LimitReader(r, maxPayload))
	dec.Strict = false
	dec.CharsetReader = charset.NewReaderLabel

	var (
		root  *Node
		stack []*Node
		text  []*strings.Builder
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &Node{Name: t.Name.Local}
			for _, a := range t.Attr {
				if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
					continue
				}
				if n.Attrs == nil {
					n.Attrs = make(map[string]string, len(t.Attr))
				}
				n.Attrs[a.Name.Local] = a.Value
			}
			if len(stack) == 0 {
				if root != nil {
					// trailing garbage after the document element
					continue
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			}
			stack = append(stack, n)
			text = append(text, &strings.Builder{})

		case xml.CharData:
			if len(text) > 0 {
				text[len(text)-1].Write(t)
			}

		case xml.EndElement:
			if len(stack) == 0 {
				continue
			}
			n := stack[len(stack)-1]
			n.Text = strings.TrimSpace(text[len(text)-1].String())
			stack = stack[:len(stack)-1]
			text = text[:len(text)-1]
		}
	}

	if root == nil {
		return nil, errors.New("no root element")
	}
	return root, nil
}

// Attr returns the attribute with the given local name, matched
// case-insensitively.
func (n *Node) Attr(name string) string {
	if n == nil {
		return ""
	}
	if v, ok := n.Attrs[name]; ok {
		return v
	}
	for k, v := range n.Attrs {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Find returns the first descendant (depth-first, document order) whose
// local name matches one of names, or nil. The receiver itself is included.
func (n *Node) Find(names ...string) *Node {
	if n == nil {
		return nil
	}
	if nameIn(n.Name, names) {
		return n
	}
	for _, c := range n.Children {
		if f := c.Find(names...); f != nil {
			return f
		}
	}
	return nil
}

// FindAll returns every descendant whose local name matches one of names.
func (n *Node) FindAll(names ...string) []*Node {
	var out []*Node
	var walk func(*Node)
	walk = func(x *Node) {
		if nameIn(x.Name, names) {
			out = append(out, x)
		}
		for _, c := range x.Children {
			walk(c)
		}
	}
	if n != nil {
		walk(n)
	}
	return out
}

// FindText returns the text of the first matching descendant, or "".
func (n *Node) FindText(names ...string) string {
	if f := n.Find(names...); f != nil {
		return f.Text
	}
	return ""
}

func nameIn(name string, names []string) bool {
	for _, want := range names {
		if strings.EqualFold(name, want) {
			return true
		}
	}
	return false
}
