package registry

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// ChangelogEntry is one row of changelog_since_serial's 5-tuple return
// shape: (name, version, timestamp, action, serial).
type ChangelogEntry struct {
	Name      string
	Version   string // empty when the activity has no associated release
	Timestamp int64
	Action    string
	Serial    int64
}

// ChangelogLastSerial implements changelog_last_serial(): the XML-RPC
// method takes no arguments and returns a single integer.
func (c *Client) ChangelogLastSerial(ctx context.Context) (int64, error) {
	var result int64
	if err := c.xmlrpcCall(ctx, "changelog_last_serial", []xmlrpcParam{}, &result); err != nil {
		return 0, err
	}
	return result, nil
}

// ChangelogSince implements changelog_since(serial): changelog_since_serial
// with the given int argument, returning the list of 5-tuples strictly after
// serial.
func (c *Client) ChangelogSince(ctx context.Context, serial int64) ([]ChangelogEntry, error) {
	var result [][]xmlrpcValue
	if err := c.xmlrpcCall(ctx, "changelog_since_serial", []xmlrpcParam{{Int: &serial}}, &result); err != nil {
		return nil, err
	}
	entries := make([]ChangelogEntry, 0, len(result))
	for _, row := range result {
		if len(row) < 5 {
			continue
		}
		entries = append(entries, ChangelogEntry{
			Name:      row[0].str(),
			Version:   row[1].str(),
			Timestamp: row[2].int(),
			Action:    row[3].str(),
			Serial:    row[4].int(),
		})
	}
	return entries, nil
}

// xmlrpcCall implements just enough of the XML-RPC wire protocol
// (method call request, scalar/array response parsing) to drive the two
// changelog methods this adapter needs.
func (c *Client) xmlrpcCall(ctx context.Context, method string, params []xmlrpcParam, out interface{}) error {
	var body bytes.Buffer
	body.WriteString(xml.Header)
	fmt.Fprintf(&body, "<methodCall><methodName>%s</methodName><params>", method)
	for _, p := range params {
		body.WriteString("<param><value>")
		p.encode(&body)
		body.WriteString("</value></param>")
	}
	body.WriteString("</params></methodCall>")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.XMLRPCURL, bytes.NewReader(body.Bytes()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/xml")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("xmlrpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("xmlrpc %s: reading response: %w", method, err)
	}

	var envelope methodResponse
	if err := xml.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("xmlrpc %s: decoding response: %w", method, err)
	}
	if envelope.Fault != nil {
		return fmt.Errorf("xmlrpc %s: fault: %s", method, envelope.Fault.Value.String())
	}
	if len(envelope.Params) == 0 {
		return fmt.Errorf("xmlrpc %s: empty response", method)
	}

	switch v := out.(type) {
	case *int64:
		*v = envelope.Params[0].Value.int()
	case *[][]xmlrpcValue:
		*v = envelope.Params[0].Value.array()
	default:
		return fmt.Errorf("xmlrpc %s: unsupported output type %T", method, out)
	}
	return nil
}

type xmlrpcParam struct {
	Int *int64
}

func (p xmlrpcParam) encode(w io.Writer) {
	if p.Int != nil {
		fmt.Fprintf(w, "<int>%d</int>", *p.Int)
	}
}

// methodResponse mirrors the XML-RPC <methodResponse> envelope.
type methodResponse struct {
	XMLName xml.Name          `xml:"methodResponse"`
	Params  []xmlrpcRespParam `xml:"params>param"`
	Fault   *xmlrpcFault      `xml:"fault"`
}

type xmlrpcRespParam struct {
	Value xmlrpcValue `xml:"value"`
}

type xmlrpcFault struct {
	Value xmlrpcValue `xml:"value"`
}

// xmlrpcValue decodes the small subset of XML-RPC value types this adapter's
// two methods actually return: int, string, and array (whose members are
// themselves xmlrpcValue, used for the changelog's array-of-arrays shape).
type xmlrpcValue struct {
	Int    string        `xml:"int"`
	I4     string        `xml:"i4"`
	Str    string        `xml:"string"`
	Array  []xmlrpcValue `xml:"array>data>value"`
}

func (v xmlrpcValue) int() int64 {
	s := v.Int
	if s == "" {
		s = v.I4
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func (v xmlrpcValue) str() string {
	return v.Str
}

func (v xmlrpcValue) array() [][]xmlrpcValue {
	rows := make([][]xmlrpcValue, 0, len(v.Array))
	for _, row := range v.Array {
		rows = append(rows, row.Array)
	}
	return rows
}

func (v xmlrpcValue) String() string {
	if v.Str != "" {
		return v.Str
	}
	return strconv.FormatInt(v.int(), 10)
}
