package upnp

import (
	"strings"
	"testing"

	"github.com/lximedia/lxiserver/internal/model"
)

func TestConnectionManager_GetProtocolInfo(t *testing.T) {
	cm := NewConnectionManager("/upnp/")
	t.Cleanup(cm.Close)

	mpeg := NewProtocol("http-get", "video/mpeg", true, "MPEG_PS_PAL", ".mpeg", nil)
	cm.SetSourceProtocols([]Protocol{
		mpeg,
		NewProtocol("http-get", "video/mpeg", true, "MPEG_PS_PAL", ".mpeg", map[string]string{"size": "720x576"}),
		NewProtocol("http-get", "audio/mpeg", false, "", ".mp3", nil),
	})

	resp := cm.HTTPRequest(soapRequest(cm.ControlPath(), ServiceTypeConnectionManager, "GetProtocolInfo", ""), nil)
	if resp.Status() != model.StatusOK {
		t.Fatalf("status = %d: %s", resp.Status(), resp.Content)
	}

	info := FirstChildElementNS(responseBody(t, resp), ServiceTypeConnectionManager, "GetProtocolInfoResponse", false)
	if info == nil {
		t.Fatalf("no GetProtocolInfoResponse in %s", resp.Content)
	}
	if got, want := info.FirstChild("Source").Content(), "http-get:*:video/mpeg:DLNA.ORG_PN=MPEG_PS_PAL,http-get:*:audio/mpeg:*"; got != want {
		t.Errorf("Source = %s, want %s", got, want)
	}
	if info.FirstChild("Sink") == nil || info.FirstChild("Sink").Content() != "" {
		t.Error("Sink should be present and empty")
	}
}

func TestConnectionManager_Connections(t *testing.T) {
	cm := NewConnectionManager("/upnp/")
	t.Cleanup(cm.Close)

	resp := cm.HTTPRequest(soapRequest(cm.ControlPath(), ServiceTypeConnectionManager, "GetCurrentConnectionIDs", ""), nil)
	ids := responseBody(t, resp).FirstChild("GetCurrentConnectionIDsResponse")
	if ids.FirstChild("ConnectionIDs").Content() != "0" {
		t.Errorf("ConnectionIDs = %s", resp.Content)
	}

	resp = cm.HTTPRequest(soapRequest(cm.ControlPath(), ServiceTypeConnectionManager,
		"GetCurrentConnectionInfo", "<ConnectionID>0</ConnectionID>"), nil)
	if resp.Status() != model.StatusOK {
		t.Fatalf("status = %d", resp.Status())
	}
	info := responseBody(t, resp).FirstChild("GetCurrentConnectionInfoResponse")
	for name, want := range map[string]string{"RcsID": "-1", "AVTransportID": "-1", "Direction": "Output", "Status": "OK"} {
		if got := info.FirstChild(name).Content(); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}

	tests := []struct {
		name   string
		args   string
		status int
		code   string
	}{
		{"unknown connection", "<ConnectionID>5</ConnectionID>", model.StatusInternalServerError, "706"},
		{"missing argument", "", model.StatusPreconditionFailed, "402"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := cm.HTTPRequest(soapRequest(cm.ControlPath(), ServiceTypeConnectionManager, "GetCurrentConnectionInfo", tt.args), nil)
			if resp.Status() != tt.status {
				t.Errorf("status = %d, want %d", resp.Status(), tt.status)
			}
			if got := faultCode(t, resp); got != tt.code {
				t.Errorf("errorCode = %s, want %s", got, tt.code)
			}
		})
	}
}

func TestConnectionManager_Description(t *testing.T) {
	cm := NewConnectionManager("/upnp/")
	t.Cleanup(cm.Close)

	req := model.NewRequestMessage()
	req.SetRequest(model.MethodGet, "/upnp/connectionmanager/description.xml")
	doc := string(cm.HTTPRequest(req, nil).Content)

	for _, want := range []string{
		"<name>GetProtocolInfo</name>",
		"<name>GetCurrentConnectionInfo</name>",
		`<stateVariable sendEvents="yes"><name>CurrentConnectionIDs</name>`,
		"<allowedValue>Output</allowedValue>",
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("description missing %q", want)
		}
	}
}

func TestMediaReceiverRegistrar(t *testing.T) {
	r := NewMediaReceiverRegistrar("/upnp/")
	t.Cleanup(r.Close)

	for _, action := range []string{"IsAuthorized", "IsValidated"} {
		t.Run(action, func(t *testing.T) {
			resp := r.HTTPRequest(soapRequest(r.ControlPath(), ServiceTypeMediaReceiverRegistrar, action, "<DeviceID></DeviceID>"), nil)
			if resp.Status() != model.StatusOK {
				t.Fatalf("status = %d", resp.Status())
			}
			want := `<u:` + action + `Response xmlns:u="` + ServiceTypeMediaReceiverRegistrar + `">` +
				`<Result xmlns:dt="` + NSDatatypes + `" dt:dt="int">1</Result>`
			if !strings.Contains(string(resp.Content), want) {
				t.Errorf("response = %s", resp.Content)
			}
		})
	}

	resp := r.HTTPRequest(soapRequest(r.ControlPath(), ServiceTypeMediaReceiverRegistrar, "RegisterDevice", ""), nil)
	if resp.Status() != model.StatusPreconditionFailed {
		t.Errorf("RegisterDevice status = %d, want 412", resp.Status())
	}

	req := model.NewRequestMessage()
	req.SetRequest(model.MethodGet, "/upnp/mediareceiverregistrar/description.xml")
	doc := string(r.HTTPRequest(req, nil).Content)
	if !strings.Contains(doc, "<name>IsAuthorized</name>") || strings.Contains(doc, "RegisterDevice") {
		t.Errorf("description = %s", doc)
	}
}
