package upnp

import (
	"strings"
	"sync"

	"github.com/lximedia/lxiserver/internal/gena"
	"github.com/lximedia/lxiserver/internal/server"
)

// ConnectionManager service identifiers.
const (
	ServiceTypeConnectionManager = "urn:schemas-upnp-org:service:ConnectionManager:1"
	ServiceIDConnectionManager   = "urn:upnp-org:serviceId:ConnectionManager"
)

// ConnectionManager implements the ConnectionManager:1 service of a media
// server. Only the implicit connection 0 exists.
type ConnectionManager struct {
	*Base

	mu     sync.RWMutex
	source []Protocol
	sink   []Protocol
}

// NewConnectionManager creates the service mounted at
// basePath + "connectionmanager/".
func NewConnectionManager(basePath string, opts ...Option) *ConnectionManager {
	cm := &ConnectionManager{}
	cm.Base = NewBase(basePath+"connectionmanager/", cm, opts...)
	return cm
}

// Initialize registers the service with srv and, if ms is not nil, adds it
// to the device.
func (cm *ConnectionManager) Initialize(srv *server.Server, ms *MediaServer) {
	info := cm.Base.Initialize(srv, ServiceTypeConnectionManager, ServiceIDConnectionManager)
	if ms != nil {
		ms.RegisterService(info)
	}
	cm.emitEvent()
}

// SetSourceProtocols sets the protocols content is offered with.
func (cm *ConnectionManager) SetSourceProtocols(protocols []Protocol) {
	cm.mu.Lock()
	cm.source = append([]Protocol(nil), protocols...)
	cm.mu.Unlock()

	cm.emitEvent()
}

// SetSinkProtocols sets the protocols that are accepted.
func (cm *ConnectionManager) SetSinkProtocols(protocols []Protocol) {
	cm.mu.Lock()
	cm.sink = append([]Protocol(nil), protocols...)
	cm.mu.Unlock()

	cm.emitEvent()
}

// SourceProtocolInfo returns the brief source protocol list.
func (cm *ConnectionManager) SourceProtocolInfo() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	return uniqueProtocols(cm.source)
}

// SinkProtocolInfo returns the brief sink protocol list.
func (cm *ConnectionManager) SinkProtocolInfo() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	return uniqueProtocols(cm.sink)
}

func uniqueProtocols(list []Protocol) string {
	seen := make(map[string]bool, len(list))
	parts := make([]string, 0, len(list))
	for _, p := range list {
		s := p.String(true)
		if !seen[s] {
			seen[s] = true
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ",")
}

func (cm *ConnectionManager) emitEvent() {
	cm.EmitEvent(
		gena.Property{Name: "SourceProtocolInfo", Value: cm.SourceProtocolInfo()},
		gena.Property{Name: "SinkProtocolInfo", Value: cm.SinkProtocolInfo()},
		gena.Property{Name: "CurrentConnectionIDs", Value: "0"},
	)
}

// BuildDescription implements Service.
func (cm *ConnectionManager) BuildDescription(scpd *Element) {
	actions := NewElement("actionList")
	AddAction(actions, "GetProtocolInfo",
		Out("Source", "SourceProtocolInfo"),
		Out("Sink", "SinkProtocolInfo"))
	AddAction(actions, "GetCurrentConnectionIDs",
		Out("ConnectionIDs", "CurrentConnectionIDs"))
	AddAction(actions, "GetCurrentConnectionInfo",
		In("ConnectionID", "A_ARG_TYPE_ConnectionID"),
		Out("RcsID", "A_ARG_TYPE_RcsID"),
		Out("AVTransportID", "A_ARG_TYPE_AVTransportID"),
		Out("ProtocolInfo", "A_ARG_TYPE_ProtocolInfo"),
		Out("PeerConnectionManager", "A_ARG_TYPE_ConnectionManager"),
		Out("PeerConnectionID", "A_ARG_TYPE_ConnectionID"),
		Out("Direction", "A_ARG_TYPE_Direction"),
		Out("Status", "A_ARG_TYPE_ConnectionStatus"))
	scpd.Append(actions)

	table := NewElement("serviceStateTable")
	AddStateVariable(table, true, "SourceProtocolInfo", "string")
	AddStateVariable(table, true, "SinkProtocolInfo", "string")
	AddStateVariable(table, true, "CurrentConnectionIDs", "string")
	AddStateVariable(table, false, "A_ARG_TYPE_ConnectionStatus", "string",
		"OK", "ContentFormatMismatch", "InsufficientBandwidth", "UnreliableChannel", "Unknown")
	AddStateVariable(table, false, "A_ARG_TYPE_ConnectionManager", "string")
	AddStateVariable(table, false, "A_ARG_TYPE_Direction", "string", "Input", "Output")
	AddStateVariable(table, false, "A_ARG_TYPE_ProtocolInfo", "string")
	AddStateVariable(table, false, "A_ARG_TYPE_ConnectionID", "i4")
	AddStateVariable(table, false, "A_ARG_TYPE_AVTransportID", "i4")
	AddStateVariable(table, false, "A_ARG_TYPE_RcsID", "i4")
	scpd.Append(table)
}

// HandleSOAPMessage implements Service.
func (cm *ConnectionManager) HandleSOAPMessage(req *SOAPRequest) error {
	if action := req.Action(ServiceTypeConnectionManager, "GetProtocolInfo"); action != nil {
		resp := req.Reply(action, "GetProtocolInfoResponse")
		resp.AddText("Source", cm.SourceProtocolInfo())
		resp.AddText("Sink", cm.SinkProtocolInfo())
		return nil
	}

	if action := req.Action(ServiceTypeConnectionManager, "GetCurrentConnectionIDs"); action != nil {
		req.Reply(action, "GetCurrentConnectionIDsResponse").AddText("ConnectionIDs", "0")
		return nil
	}

	if action := req.Action(ServiceTypeConnectionManager, "GetCurrentConnectionInfo"); action != nil {
		id := action.FirstChild("ConnectionID")
		if id == nil {
			return NewFault(FaultInvalidArgs)
		}
		if strings.TrimSpace(id.Content()) != "0" {
			return NewFault(FaultInvalidConnectionRef)
		}

		resp := req.Reply(action, "GetCurrentConnectionInfoResponse")
		resp.AddText("RcsID", "-1")
		resp.AddText("AVTransportID", "-1")
		resp.AddText("ProtocolInfo", "")
		resp.AddText("PeerConnectionManager", "")
		resp.AddText("PeerConnectionID", "-1")
		resp.AddText("Direction", "Output")
		resp.AddText("Status", "OK")
		return nil
	}

	return NewFault(FaultInvalidAction)
}
