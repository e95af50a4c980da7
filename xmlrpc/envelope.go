package xmlrpc

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"encoding/xml"

	"crosnode/errs"
)

// Fault represents an XML-RPC <fault> response, e.g. the "-1: unknown
// method" response spec.md §4.5 requires for unrecognized inbound methods.
type Fault struct {
	Code    int32
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("xmlrpc fault %d: %s", f.Code, f.Message)
}

// EncodeCall builds a complete HTTP/1.0 POST carrying a <methodCall> envelope
// for method with the given params, per spec.md §4.3.
func EncodeCall(method string, params []Value) []byte {
	var body strings.Builder
	body.WriteString(`<?xml version="1.0"?><methodCall><methodName>`)
	body.WriteString(escapeXML(method))
	body.WriteString(`</methodName><params>`)
	for _, p := range params {
		body.WriteString("<param>")
		encodeValue(&body, p)
		body.WriteString("</param>")
	}
	body.WriteString(`</params></methodCall>`)
	return wrapHTTPRequest(body.String())
}

// EncodeResponse builds a complete HTTP/1.0 response carrying a
// <methodResponse> envelope with a single successful params vector.
func EncodeResponse(params []Value) []byte {
	var body strings.Builder
	body.WriteString(`<?xml version="1.0"?><methodResponse><params>`)
	for _, p := range params {
		body.WriteString("<param>")
		encodeValue(&body, p)
		body.WriteString("</param>")
	}
	body.WriteString(`</params></methodResponse>`)
	return wrapHTTPResponse(body.String())
}

// EncodeFault builds a complete HTTP/1.0 response carrying a
// <methodResponse><fault> envelope.
func EncodeFault(code int32, message string) []byte {
	faultValue := Struct(
		Field("faultCode", Int32(code)),
		Field("faultString", Str(message)),
	)
	var body strings.Builder
	body.WriteString(`<?xml version="1.0"?><methodResponse><fault>`)
	encodeValue(&body, faultValue)
	body.WriteString(`</fault></methodResponse>`)
	return wrapHTTPResponse(body.String())
}

func wrapHTTPRequest(xmlBody string) []byte {
	var sb strings.Builder
	sb.WriteString("POST / HTTP/1.0\r\n")
	sb.WriteString("Content-Type: text/xml\r\n")
	sb.WriteString("Content-Length: ")
	sb.WriteString(strconv.Itoa(len(xmlBody)))
	sb.WriteString("\r\n\r\n")
	sb.WriteString(xmlBody)
	return []byte(sb.String())
}

func wrapHTTPResponse(xmlBody string) []byte {
	var sb strings.Builder
	sb.WriteString("HTTP/1.0 200 OK\r\n")
	sb.WriteString("Content-Type: text/xml\r\n")
	sb.WriteString("Content-Length: ")
	sb.WriteString(strconv.Itoa(len(xmlBody)))
	sb.WriteString("\r\n\r\n")
	sb.WriteString(xmlBody)
	return []byte(sb.String())
}

// DecodeCall parses one HTTP/1.0 POST carrying a <methodCall> envelope, as
// received by the Control-Plane Server from the master or a peer.
func DecodeCall(r io.Reader) (method string, params []Value, err error) {
	req, err := http.ReadRequest(bufio.NewReader(r))
	if err != nil {
		return "", nil, errs.Wrap(errs.XmlrpcCodec, "malformed HTTP request", err)
	}
	defer req.Body.Close()
	return decodeMethodCall(req.Body)
}

func decodeMethodCall(body io.Reader) (method string, params []Value, err error) {
	dec := xml.NewDecoder(body)
	if err := expectStart(dec, "methodCall"); err != nil {
		return "", nil, err
	}
	if err := expectStart(dec, "methodName"); err != nil {
		return "", nil, err
	}
	method, err = readText(dec, "methodName")
	if err != nil {
		return "", nil, err
	}
	params, err = decodeParams(dec)
	if err != nil {
		return "", nil, err
	}
	if err := expectEnd(dec, "methodCall"); err != nil {
		return "", nil, err
	}
	return method, params, nil
}

// DecodeResponse parses one HTTP response carrying a <methodResponse>
// envelope, as received by an outbound RPC call's dispatcher. If the
// envelope is a fault, fault is non-nil and params is nil.
func DecodeResponse(r io.Reader) (params []Value, fault *Fault, err error) {
	resp, err := http.ReadResponse(bufio.NewReader(r), nil)
	if err != nil {
		return nil, nil, errs.Wrap(errs.XmlrpcCodec, "malformed HTTP response", err)
	}
	defer resp.Body.Close()

	dec := xml.NewDecoder(resp.Body)
	if err := expectStart(dec, "methodResponse"); err != nil {
		return nil, nil, err
	}

	tok, err := nextNonCharData(dec)
	if err != nil {
		return nil, nil, err
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return nil, nil, errs.New(errs.XmlrpcCodec, "malformed methodResponse frame")
	}

	switch start.Name.Local {
	case "params":
		params, err = decodeParamsBody(dec)
		if err != nil {
			return nil, nil, err
		}
	case "fault":
		if err := expectValueStart(dec); err != nil {
			return nil, nil, err
		}
		v, err := decodeValue(dec)
		if err != nil {
			return nil, nil, err
		}
		if err := expectEnd(dec, "fault"); err != nil {
			return nil, nil, err
		}
		codeVal, _ := v.Get("faultCode")
		msgVal, _ := v.Get("faultString")
		fault = &Fault{Code: codeVal.Int, Message: msgVal.String}
	default:
		return nil, nil, errs.New(errs.XmlrpcCodec, "expected <params> or <fault>")
	}

	if err := expectEnd(dec, "methodResponse"); err != nil {
		return nil, nil, err
	}
	return params, fault, nil
}

// decodeParams consumes an expected <params>...</params> element.
func decodeParams(dec *xml.Decoder) ([]Value, error) {
	if err := expectStart(dec, "params"); err != nil {
		return nil, err
	}
	return decodeParamsBody(dec)
}

// decodeParamsBody parses the <param> children of an already-opened
// <params> element and consumes its closing tag.
func decodeParamsBody(dec *xml.Decoder) ([]Value, error) {
	var params []Value
	for {
		tok, err := nextNonCharData(dec)
		if err != nil {
			return nil, err
		}
		if end, ok := tok.(xml.EndElement); ok {
			if end.Name.Local != "params" {
				return nil, errs.New(errs.XmlrpcCodec, "malformed params frame")
			}
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "param" {
			return nil, errs.New(errs.XmlrpcCodec, "expected <param>")
		}
		if err := expectValueStart(dec); err != nil {
			return nil, err
		}
		v, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		if err := expectEnd(dec, "param"); err != nil {
			return nil, err
		}
		params = append(params, v)
	}
	return params, nil
}
