package loader

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// decodeXML converts a FHIR XML resource document into the same
// map[string]interface{} shape encoding/json would produce, so the rest of
// the loader (and every downstream component) never has to know a resource
// originated as XML. FHIR's XML encoding represents every primitive as an
// empty element with a "value" attribute and every complex type as nested
// elements, repeating a tag name for list-valued fields — decodeElement
// mirrors that convention directly rather than attempting a general-purpose
// XML-to-JSON mapping.
func decodeXML(raw []byte) (map[string]interface{}, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("xml document has no root element")
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		val, err := decodeElement(dec, start)
		if err != nil {
			return nil, err
		}
		m, ok := val.(map[string]interface{})
		if !ok {
			m = map[string]interface{}{}
		}
		m["resourceType"] = start.Name.Local
		return m, nil
	}
}

// decodeElement decodes the element starting at start (whose StartElement
// token has already been consumed) up to and including its matching
// EndElement, returning either a map (element had attributes beyond value/
// children) or a bare scalar string (a pure FHIR primitive).
func decodeElement(dec *xml.Decoder, start xml.StartElement) (interface{}, error) {
	children := map[string]interface{}{}
	hasChildren := false
	var text strings.Builder

loop:
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			hasChildren = true
			val, err := decodeElement(dec, t)
			if err != nil {
				return nil, err
			}
			appendChild(children, t.Name.Local, val)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			break loop
		}
	}

	valueAttr, hasValueAttr := "", false
	for _, a := range start.Attr {
		if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
			continue
		}
		if a.Name.Local == "value" {
			valueAttr, hasValueAttr = a.Value, true
			continue
		}
		children[a.Name.Local] = a.Value
	}

	if hasValueAttr {
		if !hasChildren && len(children) == 0 {
			return valueAttr, nil
		}
		children["value"] = valueAttr
	}

	if !hasChildren && len(children) == 0 {
		if s := strings.TrimSpace(text.String()); s != "" {
			return s, nil
		}
		return map[string]interface{}{}, nil
	}
	return children, nil
}

func appendChild(m map[string]interface{}, name string, val interface{}) {
	existing, ok := m[name]
	if !ok {
		m[name] = val
		return
	}
	if arr, ok := existing.([]interface{}); ok {
		m[name] = append(arr, val)
		return
	}
	m[name] = []interface{}{existing, val}
}
