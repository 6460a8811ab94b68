package upnp

import (
	"strings"
	"testing"
)

var paddedFlags = DefaultFlags + strings.Repeat("0", 24)

func TestProtocol_String(t *testing.T) {
	video := NewProtocol("http-get", "video/mpeg", true, "MPEG_PS_PAL", ".mpeg", nil)
	image := NewProtocol("http-get", "image/jpeg", false, "JPEG_TN", ".jpeg", nil)
	plain := NewProtocol("http-get", "audio/mpeg", false, "", ".mp3", nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"brief", video.String(true), "http-get:*:video/mpeg:DLNA.ORG_PN=MPEG_PS_PAL"},
		{"full", video.String(false), "http-get:*:video/mpeg:DLNA.ORG_PN=MPEG_PS_PAL;DLNA.ORG_PS=1;DLNA.ORG_OP=00;DLNA.ORG_CI=1;DLNA.ORG_FLAGS=" + paddedFlags},
		{"image features", image.ContentFeatures(), "DLNA.ORG_PN=JPEG_TN;DLNA.ORG_CI=0;DLNA.ORG_FLAGS=" + paddedFlags},
		{"no profile", plain.String(false), "http-get:*:audio/mpeg:*"},
		{"no profile features", plain.ContentFeatures(), "DLNA.ORG_PS=1;DLNA.ORG_OP=00;DLNA.ORG_CI=0;DLNA.ORG_FLAGS=" + paddedFlags},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got  %s\nwant %s", tt.got, tt.want)
			}
		})
	}
}

func TestProtocol_Options(t *testing.T) {
	p := NewProtocol("http-get", "video/MP2T", false, "MPEG_TS_SD_EU_ISO", ".ts", nil)
	p.OperationsRange = true
	p.OperationsTimeSeek = true
	p.Flags = ""

	if got, want := p.ContentFeatures(), "DLNA.ORG_PN=MPEG_TS_SD_EU_ISO;DLNA.ORG_PS=1;DLNA.ORG_OP=11;DLNA.ORG_CI=0"; got != want {
		t.Errorf("ContentFeatures = %s, want %s", got, want)
	}
}

func TestProtocol_MimeType(t *testing.T) {
	p := NewProtocol("http-get", "audio/L16;rate=48000;channels=2", false, "LPCM", ".lpcm", nil)
	if p.MimeType() != "audio/L16" {
		t.Errorf("MimeType = %q", p.MimeType())
	}
}

func TestJoinProtocols(t *testing.T) {
	list := []Protocol{
		NewProtocol("http-get", "video/mpeg", false, "MPEG_PS_PAL", ".mpeg", nil),
		NewProtocol("http-get", "audio/mpeg", false, "", ".mp3", nil),
	}
	if got, want := JoinProtocols(list, true), "http-get:*:video/mpeg:DLNA.ORG_PN=MPEG_PS_PAL,http-get:*:audio/mpeg:*"; got != want {
		t.Errorf("JoinProtocols = %s, want %s", got, want)
	}
}
