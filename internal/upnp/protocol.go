package upnp

import (
	"strings"
)

// ProtocolType selects the protocol list a content item is offered with.
type ProtocolType int

// Protocol types.
const (
	ProtocolNone ProtocolType = iota
	ProtocolAudio
	ProtocolVideo
	ProtocolImage
)

// DefaultFlags is the DLNA.ORG_FLAGS value for streamed content: background
// and streaming transfer modes, connection stalling and DLNA 1.5.
const DefaultFlags = "01700000"

// Protocol is one DLNA protocolInfo entry.
type Protocol struct {
	Protocol      string // e.g. "http-get"
	Network       string
	ContentFormat string // MIME type for http-get

	// Profile is the DLNA profile name, e.g. "MPEG_PS_PAL".
	Profile             string
	PlaySpeed           bool
	ConversionIndicator bool
	OperationsRange     bool
	OperationsTimeSeek  bool

	// Flags holds the leading DLNA.ORG_FLAGS digits. It is padded with
	// zeros to 32 digits when written.
	Flags string

	// Suffix is the file name suffix of resource URLs, e.g. ".mpeg".
	Suffix string
	// QueryItems are added to the query of resource URLs.
	QueryItems map[string]string
}

// NewProtocol returns a protocol with the default DLNA parameters.
func NewProtocol(protocol, contentFormat string, conversion bool, profile, suffix string, queryItems map[string]string) Protocol {
	return Protocol{
		Protocol:            protocol,
		Network:             "*",
		ContentFormat:       contentFormat,
		Profile:             profile,
		PlaySpeed:           true,
		ConversionIndicator: conversion,
		Flags:               DefaultFlags,
		Suffix:              suffix,
		QueryItems:          queryItems,
	}
}

// String returns the protocolInfo string. A brief string carries only the
// profile, as used in GetProtocolInfo.
func (p Protocol) String(brief bool) string {
	var b strings.Builder
	b.WriteString(p.Protocol)
	b.WriteByte(':')
	b.WriteString(p.Network)
	b.WriteByte(':')
	b.WriteString(p.ContentFormat)
	b.WriteByte(':')

	switch {
	case p.Profile == "":
		b.WriteByte('*')
	case brief:
		b.WriteString("DLNA.ORG_PN=")
		b.WriteString(p.Profile)
	default:
		b.WriteString(p.ContentFeatures())
	}
	return b.String()
}

// ContentFeatures returns the value of the contentFeatures.dlna.org field.
func (p Protocol) ContentFeatures() string {
	var b strings.Builder

	if p.Profile != "" {
		b.WriteString("DLNA.ORG_PN=")
		b.WriteString(p.Profile)
		b.WriteByte(';')
	}

	if !strings.HasPrefix(p.ContentFormat, "image/") {
		b.WriteString("DLNA.ORG_PS=")
		b.WriteString(flag(p.PlaySpeed))
		b.WriteString(";DLNA.ORG_OP=")
		b.WriteString(flag(p.OperationsTimeSeek))
		b.WriteString(flag(p.OperationsRange))
		b.WriteByte(';')
	}

	b.WriteString("DLNA.ORG_CI=")
	b.WriteString(flag(p.ConversionIndicator))

	if p.Flags != "" {
		b.WriteString(";DLNA.ORG_FLAGS=")
		b.WriteString(p.Flags)
		if n := 32 - len(p.Flags); n > 0 {
			b.WriteString(strings.Repeat("0", n))
		}
	}

	return b.String()
}

// MimeType returns the content format without parameters.
func (p Protocol) MimeType() string {
	if i := strings.IndexByte(p.ContentFormat, ';'); i >= 0 {
		return p.ContentFormat[:i]
	}
	return p.ContentFormat
}

// JoinProtocols returns the comma separated protocolInfo list.
func JoinProtocols(list []Protocol, brief bool) string {
	parts := make([]string, len(list))
	for i, p := range list {
		parts[i] = p.String(brief)
	}
	return strings.Join(parts, ",")
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
