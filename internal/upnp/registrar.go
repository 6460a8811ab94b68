package upnp

import (
	"github.com/lximedia/lxiserver/internal/gena"
	"github.com/lximedia/lxiserver/internal/server"
)

// MediaReceiverRegistrar service identifiers.
const (
	ServiceTypeMediaReceiverRegistrar = "urn:microsoft.com:service:X_MS_MediaReceiverRegistrar:1"
	ServiceIDMediaReceiverRegistrar   = "urn:microsoft.com:serviceId:X_MS_MediaReceiverRegistrar"
	NSDatatypes                       = "urn:schemas-microsoft-com:datatypes"
)

// MediaReceiverRegistrar implements the registrar Windows Media clients
// require before browsing. Every device is authorized and validated.
type MediaReceiverRegistrar struct {
	*Base
}

// NewMediaReceiverRegistrar creates the service mounted at
// basePath + "mediareceiverregistrar/".
func NewMediaReceiverRegistrar(basePath string, opts ...Option) *MediaReceiverRegistrar {
	r := &MediaReceiverRegistrar{}
	r.Base = NewBase(basePath+"mediareceiverregistrar/", r, opts...)
	return r
}

// Initialize registers the service with srv and, if ms is not nil, adds it
// to the device.
func (r *MediaReceiverRegistrar) Initialize(srv *server.Server, ms *MediaServer) {
	info := r.Base.Initialize(srv, ServiceTypeMediaReceiverRegistrar, ServiceIDMediaReceiverRegistrar)
	if ms != nil {
		ms.RegisterService(info)
	}

	r.EmitEvent(
		gena.Property{Name: "AuthorizationGrantedUpdateID", Value: "0"},
		gena.Property{Name: "AuthorizationDeniedUpdateID", Value: "0"},
		gena.Property{Name: "ValidationSucceededUpdateID", Value: "0"},
		gena.Property{Name: "ValidationRevokedUpdateID", Value: "0"},
	)
}

// BuildDescription implements Service.
func (r *MediaReceiverRegistrar) BuildDescription(scpd *Element) {
	actions := NewElement("actionList")
	AddAction(actions, "IsAuthorized",
		In("DeviceID", "A_ARG_TYPE_DeviceID"),
		Out("Result", "A_ARG_TYPE_Result"))
	AddAction(actions, "IsValidated",
		In("DeviceID", "A_ARG_TYPE_DeviceID"),
		Out("Result", "A_ARG_TYPE_Result"))
	scpd.Append(actions)

	table := NewElement("serviceStateTable")
	AddStateVariable(table, false, "A_ARG_TYPE_DeviceID", "string")
	AddStateVariable(table, false, "A_ARG_TYPE_Result", "int")
	AddStateVariable(table, true, "AuthorizationGrantedUpdateID", "ui4")
	AddStateVariable(table, true, "AuthorizationDeniedUpdateID", "ui4")
	AddStateVariable(table, true, "ValidationSucceededUpdateID", "ui4")
	AddStateVariable(table, true, "ValidationRevokedUpdateID", "ui4")
	scpd.Append(table)
}

// HandleSOAPMessage implements Service. RegisterDevice is not supported.
func (r *MediaReceiverRegistrar) HandleSOAPMessage(req *SOAPRequest) error {
	for _, name := range []string{"IsAuthorized", "IsValidated"} {
		if action := req.Action(ServiceTypeMediaReceiverRegistrar, name); action != nil {
			result := req.Reply(action, name+"Response").AddText("Result", "1")
			result.SetAttr("xmlns:dt", NSDatatypes)
			result.SetAttr("dt:dt", "int")
			return nil
		}
	}

	if req.Action(ServiceTypeMediaReceiverRegistrar, "RegisterDevice") != nil {
		return NewFault(FaultInvalidArgs)
	}
	return NewFault(FaultInvalidAction)
}
