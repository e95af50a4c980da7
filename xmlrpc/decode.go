package xmlrpc

import (
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"crosnode/errs"
)

// decodeValue parses one <value>...</value> element positioned at its
// opening StartElement (already consumed by the caller) and returns the
// decoded Value. It is a small recursive-descent parser over xml.Decoder
// tokens rather than an xml.Unmarshal struct mapping, because the <value>
// grammar is a tagged union (the child element name *is* the type) which
// encoding/xml's struct-tag model cannot express directly.
func decodeValue(dec *xml.Decoder) (Value, error) {
	tok, err := nextNonCharData(dec)
	if err != nil {
		return Value{}, err
	}

	switch t := tok.(type) {
	case xml.EndElement:
		// <value></value> with no inner tag — XML-RPC treats this as an
		// empty string.
		return Str(""), nil
	case xml.CharData:
		s := string(t)
		if err := expectEnd(dec, "value"); err != nil {
			return Value{}, err
		}
		return Str(s), nil
	case xml.StartElement:
		return decodeTypedValue(dec, t)
	default:
		return Value{}, errs.New(errs.XmlrpcCodec, "malformed value frame")
	}
}

func decodeTypedValue(dec *xml.Decoder, start xml.StartElement) (Value, error) {
	tag := start.Name.Local
	switch tag {
	case "i4", "int":
		text, err := readText(dec, tag)
		if err != nil {
			return Value{}, err
		}
		n, err := strconv.ParseInt(strings.TrimSpace(text), 10, 32)
		if err != nil {
			return Value{}, errs.Wrap(errs.XmlrpcCodec, "malformed integer", err)
		}
		if err := expectEnd(dec, "value"); err != nil {
			return Value{}, err
		}
		return Int32(int32(n)), nil
	case "double":
		text, err := readText(dec, tag)
		if err != nil {
			return Value{}, err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return Value{}, errs.Wrap(errs.XmlrpcCodec, "malformed double", err)
		}
		if err := expectEnd(dec, "value"); err != nil {
			return Value{}, err
		}
		return Double(f), nil
	case "boolean":
		text, err := readText(dec, tag)
		if err != nil {
			return Value{}, err
		}
		b := strings.TrimSpace(text) == "1"
		if err := expectEnd(dec, "value"); err != nil {
			return Value{}, err
		}
		return Boolean(b), nil
	case "string":
		text, err := readText(dec, tag)
		if err != nil {
			return Value{}, err
		}
		if err := expectEnd(dec, "value"); err != nil {
			return Value{}, err
		}
		return Str(text), nil
	case "array":
		v, err := decodeArray(dec)
		if err != nil {
			return Value{}, err
		}
		if err := expectEnd(dec, "value"); err != nil {
			return Value{}, err
		}
		return v, nil
	case "struct":
		v, err := decodeStruct(dec)
		if err != nil {
			return Value{}, err
		}
		if err := expectEnd(dec, "value"); err != nil {
			return Value{}, err
		}
		return v, nil
	default:
		return Value{}, fmtTypeError(tag)
	}
}

func decodeArray(dec *xml.Decoder) (Value, error) {
	if err := expectStart(dec, "data"); err != nil {
		return Value{}, err
	}
	var elems []Value
	for {
		tok, err := nextNonCharData(dec)
		if err != nil {
			return Value{}, err
		}
		if end, ok := tok.(xml.EndElement); ok {
			if end.Name.Local != "data" {
				return Value{}, errs.New(errs.XmlrpcCodec, "malformed array frame")
			}
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "value" {
			return Value{}, errs.New(errs.XmlrpcCodec, "expected <value> inside array")
		}
		v, err := decodeValue(dec)
		if err != nil {
			return Value{}, err
		}
		elems = append(elems, v)
	}
	if err := expectEnd(dec, "array"); err != nil {
		return Value{}, err
	}
	return Value{Kind: KindArray, Array: elems}, nil
}

func decodeStruct(dec *xml.Decoder) (Value, error) {
	var members []Member
	for {
		tok, err := nextNonCharData(dec)
		if err != nil {
			return Value{}, err
		}
		if end, ok := tok.(xml.EndElement); ok {
			if end.Name.Local != "struct" {
				return Value{}, errs.New(errs.XmlrpcCodec, "malformed struct frame")
			}
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "member" {
			return Value{}, errs.New(errs.XmlrpcCodec, "expected <member> inside struct")
		}
		if err := expectStart(dec, "name"); err != nil {
			return Value{}, err
		}
		name, err := readText(dec, "name")
		if err != nil {
			return Value{}, err
		}
		if err := expectValueStart(dec); err != nil {
			return Value{}, err
		}
		v, err := decodeValue(dec)
		if err != nil {
			return Value{}, err
		}
		if err := expectEnd(dec, "member"); err != nil {
			return Value{}, err
		}
		members = append(members, Member{Name: name, Value: v})
	}
	return Value{Kind: KindStruct, Members: members}, nil
}

// nextNonCharData returns the next token, skipping pure-whitespace CharData
// (which formatted — but not our own compact — XML-RPC producers emit
// between structural elements).
func nextNonCharData(dec *xml.Decoder) (xml.Token, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				return nil, errs.New(errs.XmlrpcCodec, "truncated frame")
			}
			return nil, errs.Wrap(errs.XmlrpcCodec, "malformed frame", err)
		}
		if cd, ok := tok.(xml.CharData); ok {
			if strings.TrimSpace(string(cd)) == "" {
				continue
			}
			return tok, nil
		}
		if _, ok := tok.(xml.Comment); ok {
			continue
		}
		if _, ok := tok.(xml.ProcInst); ok {
			continue
		}
		return tok, nil
	}
}

func expectStart(dec *xml.Decoder, name string) error {
	tok, err := nextNonCharData(dec)
	if err != nil {
		return err
	}
	start, ok := tok.(xml.StartElement)
	if !ok || start.Name.Local != name {
		return errs.New(errs.XmlrpcCodec, "expected <"+name+">")
	}
	return nil
}

func expectValueStart(dec *xml.Decoder) error {
	return expectStart(dec, "value")
}

func expectEnd(dec *xml.Decoder, name string) error {
	tok, err := nextNonCharData(dec)
	if err != nil {
		return err
	}
	end, ok := tok.(xml.EndElement)
	if !ok || end.Name.Local != name {
		return errs.New(errs.XmlrpcCodec, "expected </"+name+">")
	}
	return nil
}

// readText reads CharData up to the matching EndElement for tag, tolerating
// an entirely empty element (e.g. <string></string>).
func readText(dec *xml.Decoder, tag string) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", errs.Wrap(errs.XmlrpcCodec, "truncated frame", err)
	}
	switch t := tok.(type) {
	case xml.CharData:
		text := string(t)
		if err := expectEnd(dec, tag); err != nil {
			return "", err
		}
		return text, nil
	case xml.EndElement:
		if t.Name.Local != tag {
			return "", errs.New(errs.XmlrpcCodec, "expected </"+tag+">")
		}
		return "", nil
	default:
		return "", errs.New(errs.XmlrpcCodec, "malformed "+tag+" content")
	}
}
