package upnp

import (
	"strings"
	"sync"
	"testing"

	"github.com/lximedia/lxiserver/internal/model"
	"github.com/lximedia/lxiserver/internal/server"
)

type publication struct {
	nt, url string
	repeat  int
}

type recordingPublisher struct {
	mu   sync.Mutex
	seen []publication
}

func (p *recordingPublisher) Publish(nt, url string, repeat int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seen = append(p.seen, publication{nt, url, repeat})
}

func TestDeviceUDN(t *testing.T) {
	a := DeviceUDN("living-room")
	if a != DeviceUDN("living-room") {
		t.Error("UDN should be stable for the same name")
	}
	if a == DeviceUDN("bedroom") {
		t.Error("UDN should differ between names")
	}
	if !strings.HasPrefix(a, "uuid:") || len(a) != len("uuid:")+36 {
		t.Errorf("UDN = %q", a)
	}
}

func TestMediaServer_Publishes(t *testing.T) {
	pub := &recordingPublisher{}
	ms := NewMediaServer("/upnp/", DeviceInfo{FriendlyName: "test"})
	ms.Initialize(server.New(), pub)
	t.Cleanup(ms.Close)

	cm := NewConnectionManager("/upnp/")
	t.Cleanup(cm.Close)
	cm.Initialize(server.New(), ms)

	want := []publication{
		{RootDevice, "/upnp/mediaserver/description.xml", 3},
		{DeviceTypeMediaServer, "/upnp/mediaserver/description.xml", 2},
		{ServiceTypeConnectionManager, "/upnp/connectionmanager/description.xml", 1},
	}
	if len(pub.seen) != len(want) {
		t.Fatalf("publications = %+v", pub.seen)
	}
	for i := range want {
		if pub.seen[i] != want[i] {
			t.Errorf("publication %d = %+v, want %+v", i, pub.seen[i], want[i])
		}
	}
}

func TestMediaServer_Description(t *testing.T) {
	ms := NewMediaServer("/upnp/", DeviceInfo{
		FriendlyName: "host: lxiserver",
		Manufacturer: "LXiMedia",
		ModelName:    "lxiserver",
	})
	ms.Initialize(server.New(), nil)
	t.Cleanup(ms.Close)

	ms.AddIcon("/img/icon.png", 32, 32, 24)
	ms.RegisterService(ServiceInfo{
		ServiceType: ServiceTypeConnectionManager,
		ServiceID:   ServiceIDConnectionManager,
		SCPDURL:     "/upnp/connectionmanager/description.xml",
		ControlURL:  "/upnp/connectionmanager/control",
		EventSubURL: "/upnp/connectionmanager/event/control",
	})
	ms.SetDeviceName("renamed")

	req := model.NewRequestMessage()
	req.SetRequest(model.MethodGet, ms.DescriptionPath())
	req.SetHost("10.0.0.1:4280")
	resp := ms.HTTPRequest(req, nil)
	if resp.Status() != model.StatusOK {
		t.Fatalf("status = %d", resp.Status())
	}

	doc := string(resp.Content)
	for _, want := range []string{
		`<root xmlns="` + NSDevice + `"><specVersion>`,
		`<URLBase>http://10.0.0.1:4280/</URLBase>`,
		`<deviceType>` + DeviceTypeMediaServer + `</deviceType>`,
		`<friendlyName>renamed</friendlyName>`,
		`<UDN>` + DeviceUDN("host: lxiserver") + `</UDN>`,
		`<dlna:X_DLNADOC xmlns:dlna="` + NSDLNADevice + `">DMS-1.50</dlna:X_DLNADOC>`,
		`<presentationURL>http://10.0.0.1:4280/</presentationURL>`,
		`<mimetype>image/png</mimetype>`,
		`<eventSubURL>/upnp/connectionmanager/event/control</eventSubURL>`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("description missing %q", want)
		}
	}

	req.SetRequest(model.MethodGet, "/upnp/mediaserver/other.xml")
	if got := ms.HTTPRequest(req, nil).Status(); got != model.StatusNotFound {
		t.Errorf("status for unknown file = %d", got)
	}
}
