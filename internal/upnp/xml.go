package upnp

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrInvalidXML is returned when a document cannot be parsed.
var ErrInvalidXML = errors.New("invalid xml document")

// Attr is an attribute as written in the document. Space is the namespace
// bound to Prefix, if any.
type Attr struct {
	Prefix string
	Local  string
	Space  string
	Value  string
}

// Name returns the qualified attribute name.
func (a Attr) Name() string {
	return qualify(a.Prefix, a.Local)
}

func (a Attr) isNamespaceDecl() bool {
	return a.Prefix == "xmlns" || (a.Prefix == "" && a.Local == "xmlns")
}

func (a Attr) declaredPrefix() string {
	if a.Prefix == "xmlns" {
		return a.Local
	}
	return ""
}

// Element is a node of an XML tree that keeps the prefixes it was parsed
// or created with. Marshal writes them back unchanged and declares a
// namespace only where the enclosing scope does not already bind it.
//
// An element with an empty Space is written exactly as named, without
// namespace declarations, which is how DIDL-Lite children such as
// "dc:title" are produced under a root that declares the prefixes.
type Element struct {
	Prefix   string
	Local    string
	Space    string
	Attrs    []Attr
	Children []*Element
	Text     string
}

// NewElement creates an element without namespace handling. The name may
// carry a prefix.
func NewElement(name string) *Element {
	prefix, local := splitName(name)
	return &Element{Prefix: prefix, Local: local}
}

// NewElementNS creates an element in namespace space.
func NewElementNS(space, name string) *Element {
	e := NewElement(name)
	e.Space = space
	return e
}

// CreateElementNS creates an element named local that uses the prefix and
// namespace of mirror. Responses built this way answer a client in the
// prefix it used itself. Without a namespaced mirror a plain element is
// returned.
func CreateElementNS(mirror *Element, local string) *Element {
	if mirror != nil && mirror.Space != "" {
		return &Element{Prefix: mirror.Prefix, Local: local, Space: mirror.Space}
	}
	return &Element{Local: local}
}

// Name returns the qualified element name.
func (e *Element) Name() string {
	return qualify(e.Prefix, e.Local)
}

// Attr returns the value of the attribute with the given qualified or
// local name.
func (e *Element) Attr(name string) string {
	for _, a := range e.Attrs {
		if a.Name() == name {
			return a.Value
		}
	}
	for _, a := range e.Attrs {
		if a.Local == name && !a.isNamespaceDecl() {
			return a.Value
		}
	}
	return ""
}

// SetAttr sets an attribute without namespace handling.
func (e *Element) SetAttr(name, value string) *Element {
	return e.SetAttrNS("", name, value)
}

// SetAttrNS sets an attribute whose prefix is bound to space.
func (e *Element) SetAttrNS(space, name, value string) *Element {
	prefix, local := splitName(name)
	for i, a := range e.Attrs {
		if a.Prefix == prefix && a.Local == local {
			e.Attrs[i].Space = space
			e.Attrs[i].Value = value
			return e
		}
	}
	e.Attrs = append(e.Attrs, Attr{Prefix: prefix, Local: local, Space: space, Value: value})
	return e
}

// Append adds children and returns e.
func (e *Element) Append(children ...*Element) *Element {
	e.Children = append(e.Children, children...)
	return e
}

// AddText appends a child element holding value and returns the child.
func (e *Element) AddText(name, value string) *Element {
	sub := NewElement(name)
	sub.Text = value
	e.Append(sub)
	return sub
}

// AddTextNS is AddText for an element in namespace space.
func (e *Element) AddTextNS(space, name, value string) *Element {
	sub := NewElementNS(space, name)
	sub.Text = value
	e.Append(sub)
	return sub
}

// FirstChild returns the first child element with the given local name.
func (e *Element) FirstChild(local string) *Element {
	if e == nil {
		return nil
	}
	for _, c := range e.Children {
		if c.Local == local {
			return c
		}
	}
	return nil
}

// Content returns the character data of e and all of its descendants.
func (e *Element) Content() string {
	if e == nil {
		return ""
	}
	if len(e.Children) == 0 {
		return e.Text
	}

	var b strings.Builder
	b.WriteString(e.Text)
	for _, c := range e.Children {
		b.WriteString(c.Content())
	}
	return b.String()
}

// FirstChildElementNS returns the first child of parent matching both
// namespace and local name. If none matches and permissive is set, the
// first child with the local name in any namespace is returned instead.
func FirstChildElementNS(parent *Element, space, local string, permissive bool) *Element {
	if parent == nil {
		return nil
	}
	for _, c := range parent.Children {
		if c.Local == local && c.Space == space {
			return c
		}
	}
	if permissive {
		return parent.FirstChild(local)
	}
	return nil
}

// ParseXML parses a document, resolving every element and attribute
// prefix through the declarations in scope.
func ParseXML(data []byte) (*Element, error) {
	d := xml.NewDecoder(bytes.NewReader(data))

	var (
		root   *Element
		stack  []*Element
		scopes []map[string]string
	)

	for {
		tok, err := d.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidXML, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			e := &Element{Prefix: t.Name.Space, Local: t.Name.Local}
			scope := make(map[string]string)
			for _, a := range t.Attr {
				attr := Attr{Prefix: a.Name.Space, Local: a.Name.Local, Value: a.Value}
				if attr.isNamespaceDecl() {
					scope[attr.declaredPrefix()] = attr.Value
				}
				e.Attrs = append(e.Attrs, attr)
			}
			scopes = append(scopes, scope)

			e.Space = resolve(scopes, e.Prefix)
			for i, a := range e.Attrs {
				if a.Prefix != "" && !a.isNamespaceDecl() {
					e.Attrs[i].Space = resolve(scopes, a.Prefix)
				}
			}

			switch {
			case len(stack) > 0:
				stack[len(stack)-1].Append(e)
			case root == nil:
				root = e
			default:
				return nil, fmt.Errorf("%w: multiple root elements", ErrInvalidXML)
			}
			stack = append(stack, e)

		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("%w: unexpected </%s>", ErrInvalidXML, qualify(t.Name.Space, t.Name.Local))
			}
			top := stack[len(stack)-1]
			if top.Prefix != t.Name.Space || top.Local != t.Name.Local {
				return nil, fmt.Errorf("%w: <%s> closed by </%s>", ErrInvalidXML, top.Name(), qualify(t.Name.Space, t.Name.Local))
			}
			stack = stack[:len(stack)-1]
			scopes = scopes[:len(scopes)-1]

		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}

	if root == nil {
		return nil, fmt.Errorf("%w: no root element", ErrInvalidXML)
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("%w: unclosed <%s>", ErrInvalidXML, stack[len(stack)-1].Name())
	}
	return root, nil
}

func resolve(scopes []map[string]string, prefix string) string {
	if prefix == "xml" {
		return "http://www.w3.org/XML/1998/namespace"
	}
	for i := len(scopes) - 1; i >= 0; i-- {
		if uri, ok := scopes[i][prefix]; ok {
			return uri
		}
	}
	return ""
}

// Marshal serializes e without an XML declaration.
func (e *Element) Marshal() []byte {
	var b bytes.Buffer
	e.write(&b, nil)
	return b.Bytes()
}

// String returns the serialized element.
func (e *Element) String() string {
	return string(e.Marshal())
}

type nsScope struct {
	parent *nsScope
	prefix string
	uri    string
}

func (s *nsScope) lookup(prefix string) (string, bool) {
	for ; s != nil; s = s.parent {
		if s.prefix == prefix {
			return s.uri, true
		}
	}
	return "", false
}

func (s *nsScope) bind(prefix, uri string) *nsScope {
	return &nsScope{parent: s, prefix: prefix, uri: uri}
}

var (
	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
)

func (e *Element) write(b *bytes.Buffer, scope *nsScope) {
	b.WriteByte('<')
	b.WriteString(e.Name())

	for _, a := range e.Attrs {
		if a.isNamespaceDecl() {
			scope = scope.bind(a.declaredPrefix(), a.Value)
		}
	}

	declare := func(prefix, uri string) {
		if bound, ok := scope.lookup(prefix); ok && bound == uri {
			return
		}
		scope = scope.bind(prefix, uri)
		b.WriteByte(' ')
		b.WriteString(qualify("xmlns", prefix))
		b.WriteString(`="`)
		attrEscaper.WriteString(b, uri)
		b.WriteByte('"')
	}

	if e.Space != "" {
		declare(e.Prefix, e.Space)
	}
	for _, a := range e.Attrs {
		if a.Space != "" && a.Prefix != "" && !a.isNamespaceDecl() {
			declare(a.Prefix, a.Space)
		}
	}

	for _, a := range e.Attrs {
		b.WriteByte(' ')
		b.WriteString(a.Name())
		b.WriteString(`="`)
		attrEscaper.WriteString(b, a.Value)
		b.WriteByte('"')
	}

	if len(e.Children) == 0 && e.Text == "" {
		b.WriteString("/>")
		return
	}

	b.WriteByte('>')
	textEscaper.WriteString(b, e.Text)
	for _, c := range e.Children {
		c.write(b, scope)
	}
	b.WriteString("</")
	b.WriteString(e.Name())
	b.WriteByte('>')
}

func splitName(name string) (prefix, local string) {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

func qualify(prefix, local string) string {
	if prefix == "" {
		return local
	}
	return prefix + ":" + local
}
