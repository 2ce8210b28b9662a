package xmltv

import (
	"encoding/xml"
	"time"
)

// XMLTV document shapes. Channels are emitted before programmes; start and
// stop use the mandated "YYYYMMDDHHMMSS +0000" UTC format.

type TV struct {
	XMLName           xml.Name    `xml:"tv"`
	GeneratorInfoName string      `xml:"generator-info-name,attr"`
	GeneratorInfoURL  string      `xml:"generator-info-url,attr,omitempty"`
	Channels          []Channel   `xml:"channel"`
	Programmes        []Programme `xml:"programme"`
}

type Channel struct {
	ID          string `xml:"id,attr"`
	DisplayName string `xml:"display-name"`
	Icon        *Icon  `xml:"icon,omitempty"`
}

type Programme struct {
	Start      string     `xml:"start,attr"`
	Stop       string     `xml:"stop,attr"`
	ChannelID  string     `xml:"channel,attr"`
	Title      *LangText  `xml:"title,omitempty"`
	Desc       *LangText  `xml:"desc,omitempty"`
	Categories []LangText `xml:"category,omitempty"`
	Icon       *Icon      `xml:"icon,omitempty"`
	Date       string     `xml:"date,omitempty"`
	Live       *struct{}  `xml:"live,omitempty"`
	New        *struct{}  `xml:"new,omitempty"`
}

type LangText struct {
	Lang string `xml:"lang,attr"`
	Text string `xml:",chardata"`
}

type Icon struct {
	Src string `xml:"src,attr"`
}

// xmltvTime formats an instant in the XMLTV datetime format, in UTC.
func xmltvTime(t time.Time) string {
	return t.UTC().Format("20060102150405 +0000")
}

// Marshal serializes the document with the XML declaration.
func (tv *TV) Marshal() ([]byte, error) {
	body, err := xml.MarshalIndent(tv, "", "  ")
	if err != nil {
		return nil, err
	}
	out := append([]byte(xml.Header), body...)
	return append(out, '\n'), nil
}
