// Package contentdir implements the UPnP ContentDirectory service. Content
// is provided by callbacks registered under path prefixes and exposed as a
// DIDL-Lite tree with playback variants as virtual items.
package contentdir

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lximedia/lxiserver/internal/gena"
	"github.com/lximedia/lxiserver/internal/server"
	"github.com/lximedia/lxiserver/internal/upnp"
)

// ContentDirectory service identifiers.
const (
	ServiceType = "urn:schemas-upnp-org:service:ContentDirectory:1"
	ServiceID   = "urn:upnp-org:serviceId:ContentDirectory"
)

// Browse flags.
const (
	BrowseMetadata       = "BrowseMetadata"
	BrowseDirectChildren = "BrowseDirectChildren"
)

// ActiveClientTimeout is how long a client counts as active after its last
// Browse.
const ActiveClientTimeout = 15 * time.Minute

type activeClient struct {
	userAgent string
	lastSeen  time.Time
}

// Directory is the ContentDirectory service.
type Directory struct {
	*upnp.Base

	baseOpts []upnp.Option
	now      func() time.Time

	objectIDs      *idTable
	queryIDs       *idTable
	systemUpdateID atomic.Uint32

	mu         sync.RWMutex
	callbacks  map[string]Callback
	protocols  map[upnp.ProtocolType][]upnp.Protocol
	queryItems map[string]map[string]string
	clients    map[string]activeClient
}

// Option configures a Directory.
type Option func(*Directory)

// WithServiceOptions passes options to the service base.
func WithServiceOptions(opts ...upnp.Option) Option {
	return func(d *Directory) {
		d.baseOpts = append(d.baseOpts, opts...)
	}
}

// WithClock sets the time source for client tracking.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDirectory creates the service mounted at basePath + "contentdirectory/".
func NewDirectory(basePath string, opts ...Option) *Directory {
	d := &Directory{
		now:        time.Now,
		objectIDs:  newIDTable(),
		queryIDs:   newIDTable(),
		callbacks:  make(map[string]Callback),
		protocols:  make(map[upnp.ProtocolType][]upnp.Protocol),
		queryItems: make(map[string]map[string]string),
		clients:    make(map[string]activeClient),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.callbacks["/"] = rootCallback{d}
	d.systemUpdateID.Store(1)
	d.Base = upnp.NewBase(basePath+"contentdirectory/", d, d.baseOpts...)
	return d
}

// Initialize registers the service with srv and, if ms is not nil, adds it
// to the device.
func (d *Directory) Initialize(srv *server.Server, ms *upnp.MediaServer) {
	info := d.Base.Initialize(srv, ServiceType, ServiceID)
	if ms != nil {
		ms.RegisterService(info)
	}
	d.emitEvent(d.systemUpdateID.Load())
}

// RegisterCallback mounts cb at prefix, which must start and end with a
// slash.
func (d *Directory) RegisterCallback(prefix string, cb Callback) {
	d.mu.Lock()
	d.callbacks[prefix] = cb
	d.mu.Unlock()

	d.Modified()
}

// UnregisterCallback removes every mount of cb.
func (d *Directory) UnregisterCallback(cb Callback) {
	d.mu.Lock()
	maps.DeleteFunc(d.callbacks, func(_ string, c Callback) bool { return c == cb })
	if _, ok := d.callbacks["/"]; !ok {
		d.callbacks["/"] = rootCallback{d}
	}
	d.mu.Unlock()

	d.Modified()
}

// SetProtocols sets the protocols items of type t are offered with.
func (d *Directory) SetProtocols(t upnp.ProtocolType, protocols []upnp.Protocol) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.protocols[t] = slices.Clone(protocols)
}

// SetQueryItems sets query items added to the resource URLs sent to peer.
// An empty peer sets the items for all other peers.
func (d *Directory) SetQueryItems(peer string, items map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(items) == 0 {
		delete(d.queryItems, peer)
		return
	}
	d.queryItems[peer] = maps.Clone(items)
}

func (d *Directory) peerQueryItems(peer string) map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if items, ok := d.queryItems[peer]; ok {
		return items
	}
	return d.queryItems[""]
}

// ActiveClients returns the User-Agent of every peer that browsed within
// ActiveClientTimeout, keyed by peer address.
func (d *Directory) ActiveClients() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	result := make(map[string]string, len(d.clients))
	for peer, c := range d.clients {
		if now.Sub(c.lastSeen) > ActiveClientTimeout {
			delete(d.clients, peer)
			continue
		}
		result[peer] = c.userAgent
	}
	return result
}

func (d *Directory) seen(peer, userAgent string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.clients[peer] = activeClient{userAgent: userAgent, lastSeen: d.now()}
}

// SystemUpdateID returns the current update counter.
func (d *Directory) SystemUpdateID() uint32 {
	return d.systemUpdateID.Load()
}

// Modified signals that content changed. It bumps SystemUpdateID and
// notifies subscribers.
func (d *Directory) Modified() {
	d.emitEvent(d.systemUpdateID.Add(1))
}

func (d *Directory) emitEvent(id uint32) {
	d.EmitEvent(gena.Property{Name: "SystemUpdateID", Value: strconv.FormatUint(uint64(id), 10)})
}

// DecodeQuery returns the query string a resource URL was compacted from.
// id is the part after "..", with or without the dots.
func (d *Directory) DecodeQuery(id string) (string, bool) {
	return d.queryIDs.fromQueryID(strings.TrimPrefix(id, ".."))
}

// findCallback returns the callback mounted at dir or its closest parent.
func (d *Directory) findCallback(dir string) (Callback, string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for ; dir != ""; dir = parentDir(dir) {
		if cb, ok := d.callbacks[dir]; ok {
			return cb, dir, true
		}
	}
	return nil, "", false
}

func (d *Directory) getItem(cb Callback, client, dir, index string) (Item, bool) {
	n, err := strconv.Atoi(index)
	if err != nil || n < 0 {
		return Item{}, false
	}

	if g, ok := cb.(ItemGetter); ok {
		return g.GetContentDirItem(client, dir+index)
	}
	items := cb.ListContentDirItems(client, dir, n, 1)
	if len(items) == 0 {
		return Item{}, false
	}
	return items[0], true
}

// BuildDescription implements upnp.Service.
func (d *Directory) BuildDescription(scpd *upnp.Element) {
	actions := upnp.NewElement("actionList")
	upnp.AddAction(actions, "Browse",
		upnp.In("ObjectID", "A_ARG_TYPE_ObjectID"),
		upnp.In("BrowseFlag", "A_ARG_TYPE_BrowseFlag"),
		upnp.In("Filter", "A_ARG_TYPE_Filter"),
		upnp.In("StartingIndex", "A_ARG_TYPE_Index"),
		upnp.In("RequestedCount", "A_ARG_TYPE_Count"),
		upnp.In("SortCriteria", "A_ARG_TYPE_SortCriteria"),
		upnp.Out("Result", "A_ARG_TYPE_Result"),
		upnp.Out("NumberReturned", "A_ARG_TYPE_Count"),
		upnp.Out("TotalMatches", "A_ARG_TYPE_Count"),
		upnp.Out("UpdateID", "A_ARG_TYPE_UpdateID"))
	upnp.AddAction(actions, "GetSearchCapabilities",
		upnp.Out("SearchCaps", "SearchCapabilities"))
	upnp.AddAction(actions, "GetSortCapabilities",
		upnp.Out("SortCaps", "SortCapabilities"))
	upnp.AddAction(actions, "GetSystemUpdateID",
		upnp.Out("Id", "SystemUpdateID"))
	scpd.Append(actions)

	table := upnp.NewElement("serviceStateTable")
	upnp.AddStateVariable(table, false, "A_ARG_TYPE_ObjectID", "string")
	upnp.AddStateVariable(table, false, "A_ARG_TYPE_Result", "string")
	upnp.AddStateVariable(table, false, "A_ARG_TYPE_BrowseFlag", "string", BrowseMetadata, BrowseDirectChildren)
	upnp.AddStateVariable(table, false, "A_ARG_TYPE_Filter", "string")
	upnp.AddStateVariable(table, false, "A_ARG_TYPE_SortCriteria", "string")
	upnp.AddStateVariable(table, false, "A_ARG_TYPE_Index", "ui4")
	upnp.AddStateVariable(table, false, "A_ARG_TYPE_Count", "ui4")
	upnp.AddStateVariable(table, false, "A_ARG_TYPE_UpdateID", "ui4")
	upnp.AddStateVariable(table, false, "SearchCapabilities", "string")
	upnp.AddStateVariable(table, false, "SortCapabilities", "string")
	upnp.AddStateVariable(table, true, "SystemUpdateID", "ui4")
	scpd.Append(table)
}

// HandleSOAPMessage implements upnp.Service.
func (d *Directory) HandleSOAPMessage(req *upnp.SOAPRequest) error {
	if action := req.Action(ServiceType, "Browse"); action != nil {
		return d.browse(req, action)
	}

	if action := req.Action(ServiceType, "GetSearchCapabilities"); action != nil {
		req.Reply(action, "GetSearchCapabilitiesResponse").AddText("SearchCaps", "")
		return nil
	}

	if action := req.Action(ServiceType, "GetSortCapabilities"); action != nil {
		req.Reply(action, "GetSortCapabilitiesResponse").AddText("SortCaps", "")
		return nil
	}

	if action := req.Action(ServiceType, "GetSystemUpdateID"); action != nil {
		req.Reply(action, "GetSystemUpdateIDResponse").
			AddText("Id", strconv.FormatUint(uint64(d.SystemUpdateID()), 10))
		return nil
	}

	return upnp.NewFault(upnp.FaultInvalidAction)
}

func argument(action *upnp.Element, name string) string {
	return strings.TrimSpace(action.FirstChild(name).Content())
}

func (d *Directory) browse(req *upnp.SOAPRequest, action *upnp.Element) error {
	path, ok := d.objectIDs.fromObjectID(argument(action, "ObjectID"))
	if !ok || path == "" {
		return upnp.NewFault(upnp.FaultNoSuchObject)
	}
	flag := argument(action, "BrowseFlag")
	start, _ := strconv.Atoi(argument(action, "StartingIndex"))
	count, _ := strconv.Atoi(argument(action, "RequestedCount"))
	start, count = max(start, 0), max(count, 0)

	d.seen(req.Peer, req.UserAgent())
	client := upnp.ClientString(req.UserAgent(), req.Peer)

	dir := baseDir(path)
	cb, key, ok := d.findCallback(dir)
	if !ok || !strings.HasPrefix(path, key) {
		return upnp.NewFault(upnp.FaultNoSuchObject)
	}

	ic := itemContext{host: req.HTTP.Host(), queryItems: d.peerQueryItems(req.Peer)}
	didl := newDIDL()
	var returned, total int

	if strings.HasSuffix(path, "/") {
		switch flag {
		case BrowseDirectChildren:
			items := cb.ListContentDirItems(client, path, start, count)
			for i, item := range items {
				if item.IsDir {
					didl.Append(d.didlDirectory(item.Type, path+item.Title+"/", item.Title))
					continue
				}

				if item.Played {
					item.Title = "*" + item.Title
				}
				itemPath := path + strconv.Itoa(start+i)
				if item.Direct {
					didl.Append(d.didlFile(ic, item, itemPath))
				} else {
					didl.Append(d.didlDirectory(item.Type, itemPath, item.Title))
				}
			}
			returned, total = len(items), cb.CountContentDirItems(client, path)

		case BrowseMetadata:
			didl.Append(d.didlDirectory(TypeNone, path, ""))
			returned, total = 1, 1

		default:
			return upnp.NewFault(upnp.FaultInvalidArgs)
		}
	} else {
		props := splitItemProps(path[len(dir):])
		item, ok := d.getItem(cb, client, dir, props.index)
		if !ok || item.IsNull() {
			return upnp.NewFault(upnp.FaultNoSuchObject)
		}

		switch flag {
		case BrowseDirectChildren:
			all := virtualItems(item, props.kind)
			page := paginate(all, start, count)
			for _, v := range page {
				sub := path + "|" + v
				subProps := splitItemProps(sub[len(dir):])
				if subProps.kind == "p" {
					didl.Append(d.didlFile(ic, makePlayItem(item, subProps), sub))
				} else {
					didl.Append(d.didlDirectory(item.Type, sub, subProps.title))
				}
			}
			returned, total = len(page), len(all)

		case BrowseMetadata:
			if props.kind == "" || props.kind == "p" {
				didl.Append(d.didlFile(ic, makePlayItem(item, props), path))
			} else {
				didl.Append(d.didlDirectory(item.Type, path, props.title))
			}
			returned, total = 1, 1

		default:
			return upnp.NewFault(upnp.FaultInvalidArgs)
		}
	}

	resp := req.Reply(action, "BrowseResponse")
	resp.AddText("Result", didl.String())
	resp.AddText("NumberReturned", strconv.Itoa(returned))
	resp.AddText("TotalMatches", strconv.Itoa(total))
	resp.AddText("UpdateID", strconv.FormatUint(uint64(d.SystemUpdateID()), 10))
	return nil
}

func paginate(list []string, start, count int) []string {
	if start >= len(list) {
		return nil
	}
	list = list[start:]
	if count > 0 && count < len(list) {
		list = list[:count]
	}
	return list
}

// rootCallback lists the first path segment of every mounted prefix as a
// directory.
type rootCallback struct {
	d *Directory
}

func (r rootCallback) subdirs(path string) []string {
	r.d.mu.RLock()
	keys := slices.Sorted(maps.Keys(r.d.callbacks))
	r.d.mu.RUnlock()

	var result []string
	for _, key := range keys {
		if !strings.HasPrefix(key, path) {
			continue
		}
		sub := key[len(path)-1:]
		end := strings.IndexByte(sub[1:], '/')
		if end < 0 {
			continue
		}
		sub = sub[:end+2]
		if len(sub) > 1 && (len(result) == 0 || result[len(result)-1] != sub) {
			result = append(result, sub)
		}
	}
	return result
}

func (r rootCallback) CountContentDirItems(_, path string) int {
	return len(r.subdirs(path))
}

func (r rootCallback) ListContentDirItems(_, path string, start, count int) []Item {
	var items []Item
	for _, sub := range paginate(r.subdirs(path), start, count) {
		items = append(items, Item{IsDir: true, Title: strings.Trim(sub, "/")})
	}
	return items
}
