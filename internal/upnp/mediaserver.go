package upnp

import (
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/lximedia/lxiserver/internal/model"
	"github.com/lximedia/lxiserver/internal/server"
)

// Device constants.
const (
	DeviceTypeMediaServer = "urn:schemas-upnp-org:device:MediaServer:1"
	NSDLNADevice          = "urn:schemas-dlna-org:device-1-0"
	RootDevice            = "upnp:rootdevice"
)

// Publisher announces URLs through SSDP. Publish is fire-and-forget; repeat
// is the number of times each announcement is sent.
type Publisher interface {
	Publish(nt, url string, repeat int)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, string, int) {}

// DeviceInfo holds the identity reported in the device description.
type DeviceInfo struct {
	FriendlyName     string
	Manufacturer     string
	ManufacturerURL  string
	ModelDescription string
	ModelName        string
	ModelNumber      string
	ModelURL         string
	SerialNumber     string
	// UDN defaults to a name based UUID of FriendlyName.
	UDN string
}

// Icon is an entry of the device iconList.
type Icon struct {
	URL      string
	MimeType string
	Width    int
	Height   int
	Depth    int
}

// MediaServer serves the root device description and announces the device
// and its services.
type MediaServer struct {
	path string

	mu        sync.RWMutex
	info      DeviceInfo
	http      *server.Server
	publisher Publisher
	services  []ServiceInfo
	icons     []Icon
}

// NewMediaServer creates the device mounted at basePath + "mediaserver/".
func NewMediaServer(basePath string, info DeviceInfo) *MediaServer {
	if info.UDN == "" {
		info.UDN = DeviceUDN(info.FriendlyName)
	}
	return &MediaServer{
		path:      basePath + "mediaserver/",
		info:      info,
		publisher: nopPublisher{},
	}
}

// DeviceUDN returns a UDN that stays the same for the same name.
func DeviceUDN(name string) string {
	return "uuid:" + uuid.NewSHA1(uuid.NameSpaceDNS, []byte(name)).String()
}

// DescriptionPath returns the device description URL path.
func (m *MediaServer) DescriptionPath() string {
	return m.path + "description.xml"
}

// UDN returns the unique device name.
func (m *MediaServer) UDN() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.info.UDN
}

// Initialize registers the description with srv and announces the device.
// A nil pub disables announcements.
func (m *MediaServer) Initialize(srv *server.Server, pub Publisher) {
	m.mu.Lock()
	m.http = srv
	if pub != nil {
		m.publisher = pub
	}
	pub = m.publisher
	m.mu.Unlock()

	srv.RegisterCallback(m.path, m)

	pub.Publish(RootDevice, m.DescriptionPath(), 3)
	pub.Publish(DeviceTypeMediaServer, m.DescriptionPath(), 2)
}

// Close unregisters the description.
func (m *MediaServer) Close() {
	m.mu.Lock()
	srv := m.http
	m.http = nil
	m.mu.Unlock()

	if srv != nil {
		srv.UnregisterCallback(m)
	}
}

// RegisterService adds a service to the serviceList and announces it.
func (m *MediaServer) RegisterService(info ServiceInfo) {
	m.mu.Lock()
	m.services = append(m.services, info)
	pub := m.publisher
	m.mu.Unlock()

	pub.Publish(info.ServiceType, info.SCPDURL, 1)
}

// AddIcon adds an icon, deriving its MIME type from the URL.
func (m *MediaServer) AddIcon(url string, width, height, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.icons = append(m.icons, Icon{
		URL:      url,
		MimeType: model.ToMimeType(url),
		Width:    width,
		Height:   height,
		Depth:    depth,
	})
}

// SetDeviceName changes the friendly name. The UDN is unchanged.
func (m *MediaServer) SetDeviceName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.info.FriendlyName = name
}

// HTTPRequest serves the device description.
func (m *MediaServer) HTTPRequest(req *model.RequestMessage, conn *server.Conn) *model.ResponseMessage {
	if req.PathOnly() != m.DescriptionPath() || !(req.IsGet() || req.IsHead()) {
		return model.NewResponseMessage(&req.RequestHeader, model.StatusNotFound)
	}

	resp := xmlResponse(req, model.StatusOK)
	resp.SetContent(append([]byte(XMLDeclaration), m.Description(req.Host()).Marshal()...))
	return resp
}

// Description builds the root device document as seen by a client that
// reached the server at host.
func (m *MediaServer) Description(host string) *Element {
	m.mu.RLock()
	defer m.mu.RUnlock()

	root := NewElementNS(NSDevice, "root")
	AddSpecVersion(root)
	if host != "" {
		root.AddText("URLBase", "http://"+host+"/")
	}

	device := NewElement("device")
	device.AddText("deviceType", DeviceTypeMediaServer)
	device.AddText("friendlyName", m.info.FriendlyName)
	device.AddText("manufacturer", m.info.Manufacturer)
	device.AddText("manufacturerURL", m.info.ManufacturerURL)
	device.AddText("modelDescription", m.info.ModelDescription)
	device.AddText("modelName", m.info.ModelName)
	device.AddText("modelNumber", m.info.ModelNumber)
	device.AddText("modelURL", m.info.ModelURL)
	device.AddText("serialNumber", m.info.SerialNumber)
	device.AddText("UDN", m.info.UDN)
	device.AddTextNS(NSDLNADevice, "dlna:X_DLNADOC", "DMS-"+DLNADoc)
	if host != "" {
		device.AddText("presentationURL", "http://"+host+"/")
	}

	if len(m.icons) > 0 {
		list := NewElement("iconList")
		for _, icon := range m.icons {
			e := NewElement("icon")
			e.AddText("mimetype", icon.MimeType)
			e.AddText("width", strconv.Itoa(icon.Width))
			e.AddText("height", strconv.Itoa(icon.Height))
			e.AddText("depth", strconv.Itoa(icon.Depth))
			e.AddText("url", icon.URL)
			list.Append(e)
		}
		device.Append(list)
	}

	list := NewElement("serviceList")
	for _, svc := range m.services {
		e := NewElement("service")
		e.AddText("serviceType", svc.ServiceType)
		e.AddText("serviceId", svc.ServiceID)
		e.AddText("SCPDURL", svc.SCPDURL)
		e.AddText("controlURL", svc.ControlURL)
		e.AddText("eventSubURL", svc.EventSubURL)
		list.Append(e)
	}
	device.Append(list)

	return root.Append(device)
}
