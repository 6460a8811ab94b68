package contentdir

import (
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"

	"github.com/lximedia/lxiserver/internal/upnp"
)

func newDIDL() *upnp.Element {
	root := upnp.NewElementNS(upnp.NSDIDL, "DIDL-Lite")
	root.SetAttr("xmlns:dc", upnp.NSDublinCore)
	root.SetAttr("xmlns:dlna", upnp.NSDLNA)
	root.SetAttr("xmlns:upnp", upnp.NSMetadata)
	return root
}

func containerClass(t Type) string {
	switch t {
	case TypePlaylist:
		return "object.container.playlistContainer"
	case TypeMusic, TypeMusicVideo:
		return "object.container.album.musicAlbum"
	case TypePhoto:
		return "object.container.album.photoAlbum"
	default:
		return "object.container.album"
	}
}

var itemClasses = map[Type]string{
	TypeNone:           "object.item",
	TypePlaylist:       "object.item.playlistItem",
	TypeAudio:          "object.item.audioItem",
	TypeMusic:          "object.item.audioItem.musicTrack",
	TypeAudioBroadcast: "object.item.audioItem.audioBroadcast",
	TypeAudioBook:      "object.item.audioItem.audioBook",
	TypeVideo:          "object.item.videoItem",
	TypeMovie:          "object.item.videoItem.movie",
	TypeVideoBroadcast: "object.item.videoItem.videoBroadcast",
	TypeMusicVideo:     "object.item.videoItem.musicVideoClip",
	TypeImage:          "object.item.imageItem",
	TypePhoto:          "object.item.imageItem.photo",
}

func protocolTypes(t Type) []upnp.ProtocolType {
	switch t {
	case TypePlaylist, TypeMusicVideo:
		return []upnp.ProtocolType{upnp.ProtocolVideo, upnp.ProtocolAudio}
	case TypeAudio, TypeMusic, TypeAudioBroadcast, TypeAudioBook:
		return []upnp.ProtocolType{upnp.ProtocolAudio}
	case TypeVideo, TypeMovie, TypeVideoBroadcast:
		return []upnp.ProtocolType{upnp.ProtocolVideo}
	case TypeImage, TypePhoto:
		return []upnp.ProtocolType{upnp.ProtocolImage}
	}
	return []upnp.ProtocolType{upnp.ProtocolNone}
}

func isMusic(t Type) bool {
	return t == TypeMusic || t == TypeMusicVideo
}

func (d *Directory) didlDirectory(t Type, path, title string) *upnp.Element {
	parent := parentDir(path)

	e := upnp.NewElement("container")
	e.SetAttr("id", d.objectIDs.toObjectID(path))
	e.SetAttr("restricted", "1")
	e.SetAttr("parentID", d.objectIDs.toObjectID(parent))

	if title == "" {
		if parent != "" {
			title = strings.TrimSuffix(path[len(parent):], "/")
		} else {
			title = "root"
		}
	}
	e.AddText("dc:title", title)
	e.AddText("upnp:class", containerClass(t))
	return e
}

// itemContext carries the per-request values a DIDL item depends on.
type itemContext struct {
	host       string
	queryItems map[string]string
}

func (d *Directory) didlFile(ic itemContext, item Item, path string) *upnp.Element {
	e := upnp.NewElement("item")
	e.SetAttr("id", d.objectIDs.toObjectID(path))
	e.SetAttr("restricted", "1")
	e.SetAttr("parentID", d.objectIDs.toObjectID(parentDir(path)))

	e.AddText("dc:title", item.Title)
	if item.Artist != "" {
		e.AddText("upnp:artist", item.Artist)
	}
	if item.Album != "" {
		e.AddText("upnp:album", item.Album)
	}
	if item.Track > 0 && isMusic(item.Type) {
		e.AddText("upnp:originalTrackNumber", strconv.Itoa(item.Track))
	}

	if icon, err := url.Parse(item.IconURL); item.IconURL != "" && err == nil {
		icon.Scheme, icon.Host = "http", ic.host
		art := e.AddText("upnp:albumArtURI", icon.String())
		if strings.HasSuffix(strings.ToLower(icon.Path), ".png") {
			art.SetAttr("dlna:profileID", "PNG_SM")
		} else {
			art.SetAttr("dlna:profileID", "JPEG_TN")
		}
	}

	base, err := url.Parse(item.URL)
	if err != nil {
		d.Logger().Debug("invalid item url", "url", item.URL, "error", err)
		return e
	}
	base.Scheme, base.Host = "http", ic.host
	query := base.Query()
	for k, v := range ic.queryItems {
		query.Set(k, v)
	}

	itemType := item.Type
	switch query.Get("musicmode") {
	case "addvideo":
		if itemType >= TypeAudio && itemType <= TypeAudioBook {
			itemType = TypeMusicVideo
		}
	case "removevideo":
		if itemType == TypeMusicVideo {
			itemType = TypeMusic
		}
	}
	e.AddText("upnp:class", itemClasses[itemType])

	types := protocolTypes(itemType)
	for _, pt := range types {
		if pt == upnp.ProtocolAudio {
			query.Set("music", "true")
		}
	}

	for _, protocol := range d.protocolsFor(item, types) {
		res := upnp.NewElement("res")
		res.SetAttr("protocolInfo", protocol.String(false))
		if item.Duration > 0 {
			res.SetAttr("duration", formatDuration(item.Duration))
		}

		u := *base
		u.Path += protocol.Suffix
		q := cloneValues(query)
		q.Set("contentFeatures", hex.EncodeToString([]byte(protocol.ContentFeatures())))
		for k, v := range protocol.QueryItems {
			q.Set(k, v)
		}

		if w, h, ok := parseResolution(q.Get("resolution")); ok {
			res.SetAttr("resolution", strconv.Itoa(w)+"x"+strconv.Itoa(h))
			if strings.HasPrefix(protocol.Profile, "MPEG_TS_HD") && w < 1280 && h < 720 {
				continue
			}
		}

		u.RawQuery = ""
		res.Text = u.String() + ".." + d.queryIDs.toQueryID(q.Encode())
		e.Append(res)
	}
	return e
}

func (d *Directory) protocolsFor(item Item, types []upnp.ProtocolType) []upnp.Protocol {
	if len(item.Protocols) > 0 {
		return item.Protocols
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var list []upnp.Protocol
	for _, t := range types {
		list = append(list, d.protocols[t]...)
	}
	return list
}

func cloneValues(v url.Values) url.Values {
	c := make(url.Values, len(v))
	for k, vs := range v {
		c[k] = append([]string(nil), vs...)
	}
	return c
}

// parseResolution reads "<w>x<h>" from the leading digits of s. The first
// non-digit separates width and height and the second ends the value.
func parseResolution(s string) (w, h int, ok bool) {
	var b strings.Builder
scan:
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			b.WriteRune(c)
		case !strings.Contains(b.String(), "x"):
			b.WriteByte('x')
		default:
			break scan
		}
	}
	ws, hs, found := strings.Cut(b.String(), "x")
	if !found {
		return 0, 0, false
	}
	w, errW := strconv.Atoi(ws)
	h, errH := strconv.Atoi(hs)
	if errW != nil || errH != nil {
		return 0, 0, false
	}
	return w, h, true
}
