// Package upnp implements the SOAP control and description plumbing shared
// by the UPnP services of the media server.
package upnp

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lximedia/lxiserver/internal/gena"
	"github.com/lximedia/lxiserver/internal/model"
	"github.com/lximedia/lxiserver/internal/server"
)

// Protocol versions announced by the server.
const (
	MajorVersion = 1
	MinorVersion = 0
	DLNADoc      = "1.50"
)

// ResponseTimeout bounds outgoing UPnP requests.
const ResponseTimeout = 30 * time.Second

// XMLDeclaration prefixes every document the server writes.
const XMLDeclaration = `<?xml version="1.0" encoding="utf-8"?>` + "\n"

// XML namespaces.
const (
	NSDLNA         = "urn:schemas-dlna-org:metadata-1-0/"
	NSDIDL         = "urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/"
	NSDublinCore   = "http://purl.org/dc/elements/1.1/"
	NSMetadata     = "urn:schemas-upnp-org:metadata-1-0/upnp/"
	NSSOAP         = "http://schemas.xmlsoap.org/soap/envelope/"
	NSSOAPEncoding = "http://schemas.xmlsoap.org/soap/encoding/"
	NSControl      = "urn:schemas-upnp-org:control-1-0"
	NSService      = "urn:schemas-upnp-org:service-1-0"
	NSDevice       = "urn:schemas-upnp-org:device-1-0"
)

// ProtocolVersion returns the version tokens for Server and User-Agent
// fields.
func ProtocolVersion() string {
	return "UPnP/1.0 DLNADOC/" + DLNADoc
}

// Service is the part of a UPnP service that differs per service type.
type Service interface {
	// BuildDescription fills the scpd root element.
	BuildDescription(scpd *Element)
	// HandleSOAPMessage runs the action in req.Body and appends its
	// response to req.Response. A returned *Fault is sent to the client;
	// any other error is reported as Action Failed.
	HandleSOAPMessage(req *SOAPRequest) error
}

// SOAPRequest is a parsed control request.
type SOAPRequest struct {
	Body     *Element
	Response *Element
	HTTP     *model.RequestMessage
	// Peer is the remote host address, without the port.
	Peer string

	permissive bool
}

// Action returns the action element local in service namespace space, or
// nil when the body holds another action.
func (r *SOAPRequest) Action(space, local string) *Element {
	return FirstChildElementNS(r.Body, space, local, r.permissive)
}

// Reply appends an element named local to the response, mirroring the
// prefix of action, and returns it.
func (r *SOAPRequest) Reply(action *Element, local string) *Element {
	e := CreateElementNS(action, local)
	r.Response.Append(e)
	return e
}

// UserAgent returns the client's User-Agent field.
func (r *SOAPRequest) UserAgent() string {
	return r.HTTP.UserAgent()
}

// ServiceInfo describes a service for a device description.
type ServiceInfo struct {
	ServiceType string
	ServiceID   string
	SCPDURL     string
	ControlURL  string
	EventSubURL string
}

// Base serves the description and control URLs of one service and owns its
// event server.
type Base struct {
	basePath   string
	service    Service
	logger     *slog.Logger
	permissive bool
	eventOpts  []gena.Option

	mu     sync.RWMutex
	http   *server.Server
	events *gena.Server
}

// Option configures a Base.
type Option func(*Base)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Base) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithPermissiveSOAP controls whether elements in the wrong namespace are
// accepted by local name. It is on by default.
func WithPermissiveSOAP(permissive bool) Option {
	return func(b *Base) {
		b.permissive = permissive
	}
}

// WithEventOptions passes options to the event server.
func WithEventOptions(opts ...gena.Option) Option {
	return func(b *Base) {
		b.eventOpts = append(b.eventOpts, opts...)
	}
}

// NewBase creates the plumbing for svc mounted at basePath, which must end
// with a slash.
func NewBase(basePath string, svc Service, opts ...Option) *Base {
	b := &Base{
		basePath:   basePath,
		service:    svc,
		logger:     slog.Default(),
		permissive: true,
	}
	for _, opt := range opts {
		opt(b)
	}

	eventOpts := append([]gena.Option{gena.WithLogger(b.logger)}, b.eventOpts...)
	b.events = gena.New(basePath, eventOpts...)
	return b
}

// BasePath returns the path the service is mounted at.
func (b *Base) BasePath() string {
	return b.basePath
}

// Events returns the event server.
func (b *Base) Events() *gena.Server {
	return b.events
}

// Logger returns the service logger.
func (b *Base) Logger() *slog.Logger {
	return b.logger
}

// DescriptionPath returns the scpd URL path.
func (b *Base) DescriptionPath() string {
	return b.basePath + "description.xml"
}

// ControlPath returns the control URL path.
func (b *Base) ControlPath() string {
	return b.basePath + "control"
}

// Initialize registers the service and its event server with srv. The
// returned info is ready for a device's serviceList.
func (b *Base) Initialize(srv *server.Server, serviceType, serviceID string) ServiceInfo {
	b.mu.Lock()
	b.http = srv
	b.mu.Unlock()

	srv.RegisterCallback(b.basePath, b)
	b.events.Initialize(srv)

	return ServiceInfo{
		ServiceType: serviceType,
		ServiceID:   serviceID,
		SCPDURL:     b.DescriptionPath(),
		ControlURL:  b.ControlPath(),
		EventSubURL: b.events.Path(),
	}
}

// Close unregisters the service and stops its event server.
func (b *Base) Close() {
	b.mu.Lock()
	srv := b.http
	b.http = nil
	b.mu.Unlock()

	b.events.Close()
	if srv != nil {
		srv.UnregisterCallback(b)
	}
}

// EmitEvent publishes evented state variables to subscribers.
func (b *Base) EmitEvent(props ...gena.Property) {
	b.events.EmitEvent(props...)
}

// HTTPRequest answers GET description.xml and POST control.
func (b *Base) HTTPRequest(req *model.RequestMessage, conn *server.Conn) *model.ResponseMessage {
	switch path := req.PathOnly(); {
	case path == b.ControlPath() && req.IsPost():
		return b.handleControl(req, conn)

	case path == b.DescriptionPath() && (req.IsGet() || req.IsHead()):
		return b.handleDescription(req)
	}

	return model.NewResponseMessage(&req.RequestHeader, model.StatusNotFound)
}

// HTTPOptions lists the methods the service answers.
func (b *Base) HTTPOptions(req *model.RequestMessage) *model.ResponseMessage {
	resp := model.NewResponseMessage(&req.RequestHeader, model.StatusOK)
	resp.SetField("Allow", "GET,HEAD,POST")
	return resp
}

func (b *Base) handleDescription(req *model.RequestMessage) *model.ResponseMessage {
	scpd := NewElementNS(NSService, "scpd")
	AddSpecVersion(scpd)
	b.service.BuildDescription(scpd)

	resp := xmlResponse(req, model.StatusOK)
	resp.SetContent(append([]byte(XMLDeclaration), scpd.Marshal()...))
	return resp
}

func (b *Base) handleControl(req *model.RequestMessage, conn *server.Conn) *model.ResponseMessage {
	if len(req.Content) == 0 {
		return model.NewResponseMessage(&req.RequestHeader, model.StatusBadRequest)
	}

	_, body, err := ParseSOAPMessage(req.Content, b.permissive)
	if err != nil {
		b.logger.Debug("invalid soap request", "path", req.Path(), "error", err)
		return model.NewResponseMessage(&req.RequestHeader, model.StatusBadRequest)
	}

	envelope, respBody := MakeSOAPMessage(body)
	soap := &SOAPRequest{
		Body:       body,
		Response:   respBody,
		HTTP:       req,
		permissive: b.permissive,
	}
	if conn != nil {
		soap.Peer, _ = model.SplitHost(conn.RemoteAddr().String())
	}

	err = b.service.HandleSOAPMessage(soap)
	if err == nil && len(respBody.Children) == 0 {
		err = NewFault(FaultInvalidAction)
	}
	if err != nil {
		var fault *Fault
		if !errors.As(err, &fault) {
			b.logger.Warn("soap action failed", "path", req.Path(), "error", err)
			fault = NewFault(FaultActionFailed)
		}
		b.logger.Debug("soap fault", "path", req.Path(), "code", fault.Code)

		envelope, respBody = MakeSOAPMessage(body)
		fault.AppendTo(respBody)

		resp := xmlResponse(req, fault.HTTPStatus())
		resp.SetContent(SerializeSOAPMessage(envelope))
		return resp
	}

	resp := xmlResponse(req, model.StatusOK)
	resp.SetContent(SerializeSOAPMessage(envelope))
	return resp
}

func xmlResponse(req *model.RequestMessage, status int) *model.ResponseMessage {
	resp := model.NewResponseMessage(&req.RequestHeader, status)
	resp.SetContentType(model.MimeTextXML)
	resp.SetField("Cache-Control", "no-cache")
	resp.SetField("Accept-Ranges", "bytes")
	return resp
}

// AddSpecVersion appends the specVersion element to a description root.
func AddSpecVersion(root *Element) {
	spec := NewElement("specVersion")
	spec.AddText("major", "1")
	spec.AddText("minor", "0")
	root.Append(spec)
}

// Argument is an action argument in a service description.
type Argument struct {
	Name      string
	Direction string
	Related   string
}

// In returns an input argument bound to state variable related.
func In(name, related string) Argument {
	return Argument{Name: name, Direction: "in", Related: related}
}

// Out returns an output argument bound to state variable related.
func Out(name, related string) Argument {
	return Argument{Name: name, Direction: "out", Related: related}
}

// AddAction appends an action to an actionList element.
func AddAction(actionList *Element, name string, args ...Argument) {
	action := NewElement("action")
	action.AddText("name", name)

	if len(args) > 0 {
		list := NewElement("argumentList")
		for _, a := range args {
			arg := NewElement("argument")
			arg.AddText("name", a.Name)
			arg.AddText("direction", a.Direction)
			arg.AddText("relatedStateVariable", a.Related)
			list.Append(arg)
		}
		action.Append(list)
	}

	actionList.Append(action)
}

// AddStateVariable appends a variable to a serviceStateTable element.
func AddStateVariable(table *Element, sendEvents bool, name, dataType string, allowed ...string) {
	v := NewElement("stateVariable")
	if sendEvents {
		v.SetAttr("sendEvents", "yes")
	} else {
		v.SetAttr("sendEvents", "no")
	}
	v.AddText("name", name)
	v.AddText("dataType", dataType)

	if len(allowed) > 0 {
		list := NewElement("allowedValueList")
		for _, a := range allowed {
			list.AddText("allowedValue", a)
		}
		v.Append(list)
	}

	table.Append(v)
}
