package callmanager

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type twimlGather struct {
	XMLName   xml.Name   `xml:"Gather"`
	NumDigits int        `xml:"numDigits,attr"`
	Action    string     `xml:"action,attr,omitempty"`
	Method    string     `xml:"method,attr,omitempty"`
	Say       []twimlSay `xml:"Say"`
}

type twimlRedirect struct {
	XMLName xml.Name `xml:"Redirect"`
	URL     string   `xml:",chardata"`
}

type twimlDial struct {
	XMLName xml.Name `xml:"Dial"`
	Timeout int      `xml:"timeout,attr,omitempty"`
	Action  string   `xml:"action,attr,omitempty"`
}

func (r *twimlResponse) say(text string) {
	r.Verbs = append(r.Verbs, twimlSay{Text: text})
}

func (r twimlResponse) render() (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", fmt.Errorf("rendering twiml: %w", err)
	}
	if err := enc.Flush(); err != nil {
		return "", fmt.Errorf("rendering twiml: %w", err)
	}
	return buf.String(), nil
}
