package upnp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/lximedia/lxiserver/internal/model"
)

// ErrNoSOAPBody is returned when an envelope has no Body element.
var ErrNoSOAPBody = errors.New("soap envelope has no body")

// UPnP control fault codes.
const (
	FaultInvalidAction        = 401
	FaultInvalidArgs          = 402
	FaultActionFailed         = 501
	FaultNoSuchObject         = 701
	FaultInvalidConnectionRef = 706
)

var faultDescriptions = map[int]string{
	FaultInvalidAction:        "Invalid Action",
	FaultInvalidArgs:          "Invalid Args",
	FaultActionFailed:         "Action Failed",
	FaultNoSuchObject:         "No such object",
	FaultInvalidConnectionRef: "Invalid connection reference",
}

// Fault is a UPnP error returned by an action.
type Fault struct {
	Code        int
	Description string
}

// NewFault returns a fault with the standard description for code.
func NewFault(code int) *Fault {
	return &Fault{Code: code, Description: faultDescriptions[code]}
}

func (f *Fault) Error() string {
	return fmt.Sprintf("upnp fault %d: %s", f.Code, f.Description)
}

// HTTPStatus returns the status a fault is sent with. Invalid Args maps to
// 412 Precondition Failed, all other faults to 500.
func (f *Fault) HTTPStatus() int {
	if f.Code == FaultInvalidArgs {
		return model.StatusPreconditionFailed
	}
	return model.StatusInternalServerError
}

// AppendTo adds the soap Fault element to body, mirroring its prefix.
func (f *Fault) AppendTo(body *Element) {
	fault := CreateElementNS(body, "Fault")

	code := NewElement("faultcode")
	code.Text = qualify(body.Prefix, "Client")
	str := NewElement("faultstring")
	str.Text = "UPnPError"

	upnpErr := NewElementNS(NSControl, "UPnPError")
	upnpErr.AddText("errorCode", strconv.Itoa(f.Code))
	upnpErr.AddText("errorDescription", f.Description)

	fault.Append(code, str, NewElement("detail").Append(upnpErr))
	body.Append(fault)
}

// MakeSOAPMessage creates an Envelope with an empty Body. The envelope uses
// the prefix and namespace of mirror, or "s" with the SOAP namespace when
// mirror is nil.
func MakeSOAPMessage(mirror *Element) (envelope, body *Element) {
	if mirror == nil || mirror.Space == "" {
		mirror = &Element{Prefix: "s", Space: NSSOAP}
	}

	envelope = CreateElementNS(mirror, "Envelope")
	if mirror.Prefix != "" {
		envelope.SetAttrNS(mirror.Space, mirror.Prefix+":encodingStyle", NSSOAPEncoding)
	} else {
		envelope.SetAttr("encodingStyle", NSSOAPEncoding)
	}

	body = CreateElementNS(mirror, "Body")
	envelope.Append(body)
	return envelope, body
}

// SerializeSOAPMessage writes envelope with an XML declaration.
//
// Some renderers cannot handle "&gt;" escaped twice inside the DIDL-Lite
// Result string, so that sequence is collapsed back into "&gt;".
func SerializeSOAPMessage(envelope *Element) []byte {
	data := append([]byte(XMLDeclaration), envelope.Marshal()...)
	return bytes.ReplaceAll(data, []byte("&amp;gt;"), []byte("&gt;"))
}

// ParseSOAPMessage parses an envelope and returns its Body. With
// permissive set, a Body in the wrong namespace is accepted.
func ParseSOAPMessage(data []byte, permissive bool) (envelope, body *Element, err error) {
	envelope, err = ParseXML(data)
	if err != nil {
		return nil, nil, err
	}

	if envelope.Local != "Envelope" || (envelope.Space != NSSOAP && !permissive) {
		return nil, nil, fmt.Errorf("%w: root element is %s", ErrNoSOAPBody, envelope.Name())
	}

	body = FirstChildElementNS(envelope, NSSOAP, "Body", permissive)
	if body == nil {
		return nil, nil, ErrNoSOAPBody
	}
	return envelope, body, nil
}
