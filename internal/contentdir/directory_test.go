package contentdir

import (
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/lximedia/lxiserver/internal/model"
	"github.com/lximedia/lxiserver/internal/upnp"
)

type provider struct {
	items []Item
}

func (p *provider) CountContentDirItems(_, _ string) int {
	return len(p.items)
}

func (p *provider) ListContentDirItems(_, _ string, start, count int) []Item {
	if start >= len(p.items) {
		return nil
	}
	items := p.items[start:]
	if count > 0 && count < len(items) {
		items = items[:count]
	}
	return items
}

type getterProvider struct {
	*provider
	paths []string
}

func (g *getterProvider) GetContentDirItem(_, path string) (Item, bool) {
	g.paths = append(g.paths, path)
	n, err := strconv.Atoi(path[strings.LastIndexByte(path, '/')+1:])
	if err != nil || n >= len(g.items) {
		return Item{}, false
	}
	return g.items[n], true
}

func newTestDirectory(t *testing.T, opts ...Option) *Directory {
	t.Helper()

	d := NewDirectory("/", opts...)
	t.Cleanup(d.Close)
	return d
}

func soapRequest(action, args string) *model.RequestMessage {
	body := `<?xml version="1.0" encoding="utf-8"?>` +
		`<s:Envelope xmlns:s="` + upnp.NSSOAP + `" s:encodingStyle="` + upnp.NSSOAPEncoding + `">` +
		`<s:Body><u:` + action + ` xmlns:u="` + ServiceType + `">` + args + `</u:` + action + `></s:Body></s:Envelope>`

	req := model.NewRequestMessage()
	req.SetRequest(model.MethodPost, "/contentdirectory/control")
	req.SetHost("10.0.0.1:4280")
	req.SetField("User-Agent", "UPnP/1.0 DLNADOC/1.50 Platinum/0.5.3.0")
	req.SetContentType(model.MimeTextXML)
	req.SetField("SOAPACTION", `"`+ServiceType+"#"+action+`"`)
	req.SetContent([]byte(body))
	return req
}

func browseArgs(objectID, flag string, start, count int) string {
	return "<ObjectID>" + objectID + "</ObjectID>" +
		"<BrowseFlag>" + flag + "</BrowseFlag>" +
		"<Filter>*</Filter>" +
		"<StartingIndex>" + strconv.Itoa(start) + "</StartingIndex>" +
		"<RequestedCount>" + strconv.Itoa(count) + "</RequestedCount>" +
		"<SortCriteria></SortCriteria>"
}

type browseResult struct {
	returned, total string
	didl            *upnp.Element
}

func browse(t *testing.T, d *Directory, objectID, flag string, start, count int) browseResult {
	t.Helper()

	resp := d.HTTPRequest(soapRequest("Browse", browseArgs(objectID, flag, start, count)), nil)
	if resp.Status() != model.StatusOK {
		t.Fatalf("Browse(%s, %s) status = %d: %s", objectID, flag, resp.Status(), resp.Content)
	}
	_, body, err := upnp.ParseSOAPMessage(resp.Content, false)
	if err != nil {
		t.Fatalf("invalid soap response: %v", err)
	}

	r := body.FirstChild("BrowseResponse")
	didl, err := upnp.ParseXML([]byte(r.FirstChild("Result").Content()))
	if err != nil {
		t.Fatalf("invalid DIDL-Lite: %v\n%s", err, r.FirstChild("Result").Content())
	}
	if didl.Local != "DIDL-Lite" || didl.Space != upnp.NSDIDL {
		t.Fatalf("result root = %s in %s", didl.Name(), didl.Space)
	}
	return browseResult{
		returned: r.FirstChild("NumberReturned").Content(),
		total:    r.FirstChild("TotalMatches").Content(),
		didl:     didl,
	}
}

func faultCode(t *testing.T, resp *model.ResponseMessage) string {
	t.Helper()

	_, body, err := upnp.ParseSOAPMessage(resp.Content, false)
	if err != nil {
		t.Fatalf("invalid soap response: %v", err)
	}
	return body.FirstChild("Fault").FirstChild("detail").FirstChild("UPnPError").FirstChild("errorCode").Content()
}

func titles(didl *upnp.Element) []string {
	var result []string
	for _, c := range didl.Children {
		result = append(result, c.FirstChild("title").Content())
	}
	return result
}

func TestDescription(t *testing.T) {
	d := newTestDirectory(t)

	req := model.NewRequestMessage()
	req.SetRequest(model.MethodGet, "/contentdirectory/description.xml")
	resp := d.HTTPRequest(req, nil)
	if resp.Status() != model.StatusOK {
		t.Fatalf("status = %d", resp.Status())
	}

	scpd, err := upnp.ParseXML(resp.Content)
	if err != nil {
		t.Fatalf("description is not well-formed: %v", err)
	}
	if scpd.Local != "scpd" {
		t.Fatalf("root = %s", scpd.Local)
	}

	doc := string(resp.Content)
	for _, want := range []string{
		"<name>Browse</name>",
		"<name>GetSystemUpdateID</name>",
		`<stateVariable sendEvents="yes"><name>SystemUpdateID</name>`,
		"<allowedValue>BrowseDirectChildren</allowedValue>",
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("description missing %q", want)
		}
	}
}

func TestBrowse_DirectChildren(t *testing.T) {
	d := newTestDirectory(t)
	d.RegisterCallback("/", &provider{items: []Item{
		{Direct: true, Type: TypeMusic, URL: "/media/a.mp3", Title: "A", Artist: "Artist", Track: 3, Duration: 200},
		{Type: TypeMovie, URL: "/media/b.mkv", Title: "B", Played: true},
		{IsDir: true, Title: "Sub"},
	}})

	r := browse(t, d, "0", BrowseDirectChildren, 0, 10)
	if r.returned != "3" || r.total != "3" {
		t.Errorf("NumberReturned = %s, TotalMatches = %s, want 3 and 3", r.returned, r.total)
	}
	if len(r.didl.Children) != 3 {
		t.Fatalf("DIDL has %d elements, want 3", len(r.didl.Children))
	}

	wantNames := []string{"item", "container", "container"}
	wantTitles := []string{"A", "*B", "Sub"}
	for i, c := range r.didl.Children {
		if c.Local != wantNames[i] {
			t.Errorf("element %d = %s, want %s", i, c.Local, wantNames[i])
		}
		if got := c.FirstChild("title").Content(); got != wantTitles[i] {
			t.Errorf("title %d = %q, want %q", i, got, wantTitles[i])
		}
		if c.Attr("parentID") != "0" || c.Attr("restricted") != "1" {
			t.Errorf("element %d attrs = %+v", i, c.Attrs)
		}
	}

	music := r.didl.Children[0]
	if got := music.FirstChild("class").Content(); got != "object.item.audioItem.musicTrack" {
		t.Errorf("class = %s", got)
	}
	if music.FirstChild("artist").Content() != "Artist" || music.FirstChild("originalTrackNumber").Content() != "3" {
		t.Errorf("music metadata missing: %+v", music.Children)
	}
	if got := r.didl.Children[2].Attr("id"); got != d.objectIDs.toObjectID("/Sub/") {
		t.Errorf("directory id = %s", got)
	}

	page := browse(t, d, "0", BrowseDirectChildren, 1, 1)
	if page.returned != "1" || page.total != "3" || titles(page.didl)[0] != "*B" {
		t.Errorf("page = %s/%s %v", page.returned, page.total, titles(page.didl))
	}
}

func TestBrowse_Metadata(t *testing.T) {
	d := newTestDirectory(t)

	r := browse(t, d, "0", BrowseMetadata, 0, 0)
	if r.returned != "1" || r.total != "1" {
		t.Errorf("NumberReturned = %s, TotalMatches = %s", r.returned, r.total)
	}
	root := r.didl.FirstChild("container")
	if root.Attr("id") != "0" || root.Attr("parentID") != "-1" || root.FirstChild("title").Content() != "root" {
		t.Errorf("root container = %+v %+v", root.Attrs, root.Children)
	}
}

func TestBrowse_RootAggregatesPrefixes(t *testing.T) {
	d := newTestDirectory(t)
	rock := &provider{items: []Item{{Direct: true, Type: TypeMusic, URL: "/media/r.mp3", Title: "Rock"}}}
	d.RegisterCallback("/movies/", &provider{})
	d.RegisterCallback("/music/rock/", rock)
	d.RegisterCallback("/music/jazz/", &provider{})

	r := browse(t, d, "0", BrowseDirectChildren, 0, 0)
	if got := strings.Join(titles(r.didl), ","); got != "movies,music" {
		t.Fatalf("root = %s", got)
	}
	if r.total != "2" {
		t.Errorf("TotalMatches = %s", r.total)
	}

	music := r.didl.Children[1].Attr("id")
	r = browse(t, d, music, BrowseDirectChildren, 0, 0)
	if got := strings.Join(titles(r.didl), ","); got != "jazz,rock" {
		t.Fatalf("music = %s", got)
	}

	r = browse(t, d, r.didl.Children[1].Attr("id"), BrowseDirectChildren, 0, 0)
	if got := titles(r.didl); len(got) != 1 || got[0] != "Rock" {
		t.Errorf("rock = %v", got)
	}
	if got := r.didl.Children[0].Attr("parentID"); got != d.objectIDs.toObjectID("/music/rock/") {
		t.Errorf("parentID = %s", got)
	}
}

func TestBrowse_VirtualItems(t *testing.T) {
	movie := Item{
		Type:            TypeMovie,
		URL:             "/media/m.mkv",
		Title:           "Movie",
		Duration:        300,
		AudioStreams:    []Stream{{ID: 1, Language: "en"}, {ID: 2, Language: "nl"}},
		SubtitleStreams: []Stream{{ID: 3, Language: "fr"}},
		Chapters:        []Chapter{{Position: 0}, {Title: "End", Position: 250}},
	}

	for _, getter := range []bool{false, true} {
		t.Run("getter="+strconv.FormatBool(getter), func(t *testing.T) {
			d := newTestDirectory(t)
			var cb Callback = &provider{items: []Item{movie}}
			if getter {
				cb = &getterProvider{provider: cb.(*provider)}
			}
			d.RegisterCallback("/movies/", cb)

			movieID := d.objectIDs.toObjectID("/movies/0")
			streams := browse(t, d, movieID, BrowseDirectChildren, 0, 0)
			want := []string{"1. en, 1. fr", "1. en", "2. nl, 1. fr", "2. nl"}
			if got := titles(streams.didl); strings.Join(got, "|") != strings.Join(want, "|") {
				t.Fatalf("stream items = %q, want %q", got, want)
			}
			if streams.total != "4" {
				t.Errorf("TotalMatches = %s", streams.total)
			}

			first := streams.didl.Children[0]
			if first.Local != "container" || first.Attr("parentID") != movieID {
				t.Errorf("stream item = %s %+v", first.Local, first.Attrs)
			}

			play := browse(t, d, first.Attr("id"), BrowseDirectChildren, 0, 0)
			if got := strings.Join(titles(play.didl), ","); got != "Play,Chapters,Seek" {
				t.Fatalf("play items = %s", got)
			}
			if play.didl.Children[0].Local != "item" || play.didl.Children[1].Local != "container" {
				t.Errorf("play item kinds = %s, %s", play.didl.Children[0].Local, play.didl.Children[1].Local)
			}

			chapters := browse(t, d, play.didl.Children[1].Attr("id"), BrowseDirectChildren, 0, 0)
			if got := strings.Join(titles(chapters.didl), ","); got != "Chapter 1,Chapter 2, End" {
				t.Errorf("chapters = %s", got)
			}

			seek := browse(t, d, play.didl.Children[2].Attr("id"), BrowseDirectChildren, 1, 5)
			if got := strings.Join(titles(seek.didl), ","); got != "Play from 0:02,Play from 0:04" {
				t.Errorf("seek = %s", got)
			}
			if seek.total != "3" || seek.returned != "2" {
				t.Errorf("seek counts = %s/%s", seek.returned, seek.total)
			}

			meta := browse(t, d, play.didl.Children[0].Attr("id"), BrowseMetadata, 0, 0)
			if got := meta.didl.FirstChild("item").FirstChild("title").Content(); got != "Play" {
				t.Errorf("metadata title = %s", got)
			}

			if g, ok := cb.(*getterProvider); ok && (len(g.paths) == 0 || g.paths[0] != "/movies/0") {
				t.Errorf("getter paths = %v", g.paths)
			}
		})
	}
}

func TestBrowse_Faults(t *testing.T) {
	d := newTestDirectory(t)
	d.RegisterCallback("/movies/", &provider{items: []Item{{Type: TypeMovie, URL: "/media/m.mkv", Title: "M"}}})

	tests := []struct {
		name   string
		args   string
		status int
		code   string
	}{
		{"unknown object", browseArgs("999", BrowseDirectChildren, 0, 0), model.StatusInternalServerError, "701"},
		{"missing item", browseArgs(d.objectIDs.toObjectID("/movies/9"), BrowseMetadata, 0, 0), model.StatusInternalServerError, "701"},
		{"unmounted directory", browseArgs(d.objectIDs.toObjectID("/other/x/"), BrowseMetadata, 0, 0), model.StatusOK, ""},
		{"bad flag on directory", browseArgs("0", "BrowseEverything", 0, 0), model.StatusPreconditionFailed, "402"},
		{"bad flag on item", browseArgs(d.objectIDs.toObjectID("/movies/0"), "Browse", 0, 0), model.StatusPreconditionFailed, "402"},
		{"unknown action", "", model.StatusInternalServerError, "401"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action := "Browse"
			if tt.args == "" {
				action = "Search"
			}
			resp := d.HTTPRequest(soapRequest(action, tt.args), nil)
			if resp.Status() != tt.status {
				t.Fatalf("status = %d, want %d: %s", resp.Status(), tt.status, resp.Content)
			}
			if tt.code != "" {
				if got := faultCode(t, resp); got != tt.code {
					t.Errorf("errorCode = %s, want %s", got, tt.code)
				}
			}
		})
	}
}

func TestBrowse_ResourceURLs(t *testing.T) {
	d := newTestDirectory(t)
	mp3 := upnp.NewProtocol("http-get", "audio/mpeg", false, "MP3", ".mp3", nil)
	d.SetProtocols(upnp.ProtocolAudio, []upnp.Protocol{mp3})
	d.RegisterCallback("/", &provider{items: []Item{
		{Direct: true, Type: TypeMusic, URL: "/media/song", Title: "Song", Duration: 200, IconURL: "/img/song.png"},
	}})

	item := browse(t, d, "0", BrowseDirectChildren, 0, 0).didl.FirstChild("item")
	art := item.FirstChild("albumArtURI")
	if art.Content() != "http://10.0.0.1:4280/img/song.png" || art.Attr("dlna:profileID") != "PNG_SM" {
		t.Errorf("albumArtURI = %q %+v", art.Content(), art.Attrs)
	}

	res := item.FirstChild("res")
	if res == nil {
		t.Fatal("no res element")
	}
	if got := res.Attr("protocolInfo"); got != mp3.String(false) {
		t.Errorf("protocolInfo = %s", got)
	}
	if got := res.Attr("duration"); got != "0:03:20.000" {
		t.Errorf("duration = %s", got)
	}

	prefix := "http://10.0.0.1:4280/media/song.mp3.."
	if !strings.HasPrefix(res.Content(), prefix) {
		t.Fatalf("res = %s", res.Content())
	}
	id := strings.TrimPrefix(res.Content(), prefix)
	if len(id) != 8 || strings.ToLower(id) != id {
		t.Errorf("query id = %q", id)
	}

	query, ok := d.DecodeQuery(".." + id)
	if !ok {
		t.Fatalf("DecodeQuery(%s) failed", id)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		t.Fatal(err)
	}
	if values.Get("music") != "true" {
		t.Errorf("music = %q", values.Get("music"))
	}
	if got, want := values.Get("contentFeatures"), "444c4e412e4f52475f504e3d4d5033"; !strings.HasPrefix(got, want) {
		t.Errorf("contentFeatures = %s, want prefix %s", got, want)
	}

	if _, ok := d.DecodeQuery("ffffffff"); ok {
		t.Error("unknown query id decoded")
	}
}

func TestBrowse_SkipsHDProfileForSmallResolution(t *testing.T) {
	d := newTestDirectory(t)
	d.SetProtocols(upnp.ProtocolVideo, []upnp.Protocol{
		upnp.NewProtocol("http-get", "video/vnd.dlna.mpeg-tts", true, "MPEG_TS_HD_EU", ".m2ts", nil),
		upnp.NewProtocol("http-get", "video/mpeg", true, "MPEG_PS_PAL", ".mpeg", nil),
	})
	d.RegisterCallback("/", &provider{items: []Item{
		{Direct: true, Type: TypeVideo, URL: "/media/sd?resolution=720x576", Title: "SD"},
		{Direct: true, Type: TypeVideo, URL: "/media/hd?resolution=1920x1080/16:9", Title: "HD"},
	}})

	r := browse(t, d, "0", BrowseDirectChildren, 0, 0)

	tests := []struct {
		title      string
		resources  int
		resolution string
	}{
		{"SD", 1, "720x576"},
		{"HD", 2, "1920x1080"},
	}
	for i, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			var res []*upnp.Element
			for _, c := range r.didl.Children[i].Children {
				if c.Local == "res" {
					res = append(res, c)
				}
			}
			if len(res) != tt.resources {
				t.Fatalf("res count = %d, want %d", len(res), tt.resources)
			}
			if got := res[0].Attr("resolution"); got != tt.resolution {
				t.Errorf("resolution = %s, want %s", got, tt.resolution)
			}
		})
	}
}

func TestBrowse_MusicMode(t *testing.T) {
	d := newTestDirectory(t)
	d.RegisterCallback("/", &provider{items: []Item{{Direct: true, Type: TypeMusic, URL: "/media/a", Title: "A"}}})

	class := func() string {
		return browse(t, d, "0", BrowseDirectChildren, 0, 0).didl.FirstChild("item").FirstChild("class").Content()
	}
	if got := class(); got != "object.item.audioItem.musicTrack" {
		t.Errorf("class = %s", got)
	}

	d.SetQueryItems("", map[string]string{"musicmode": "addvideo"})
	if got := class(); got != "object.item.videoItem.musicVideoClip" {
		t.Errorf("addvideo class = %s", got)
	}
	d.SetQueryItems("10.0.0.9", map[string]string{"musicmode": "removevideo"})
	if got := class(); got != "object.item.videoItem.musicVideoClip" {
		t.Errorf("other peer changed the default: %s", got)
	}
}

func TestSystemUpdateID(t *testing.T) {
	d := newTestDirectory(t)
	if d.SystemUpdateID() != 1 {
		t.Fatalf("initial SystemUpdateID = %d", d.SystemUpdateID())
	}

	d.Modified()
	d.RegisterCallback("/x/", &provider{})

	resp := d.HTTPRequest(soapRequest("GetSystemUpdateID", ""), nil)
	_, body, err := upnp.ParseSOAPMessage(resp.Content, false)
	if err != nil {
		t.Fatal(err)
	}
	if got := body.FirstChild("GetSystemUpdateIDResponse").FirstChild("Id").Content(); got != "3" {
		t.Errorf("Id = %s, want 3", got)
	}
}

func TestCapabilities(t *testing.T) {
	d := newTestDirectory(t)

	for _, action := range []string{"GetSearchCapabilities", "GetSortCapabilities"} {
		t.Run(action, func(t *testing.T) {
			resp := d.HTTPRequest(soapRequest(action, ""), nil)
			if resp.Status() != model.StatusOK {
				t.Fatalf("status = %d", resp.Status())
			}
			if !strings.Contains(string(resp.Content), action+"Response") {
				t.Errorf("response = %s", resp.Content)
			}
		})
	}
}

func TestActiveClients(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	d := newTestDirectory(t, WithClock(func() time.Time { return now }))

	browse(t, d, "0", BrowseMetadata, 0, 0)
	clients := d.ActiveClients()
	if got := clients[""]; got != "UPnP/1.0 DLNADOC/1.50 Platinum/0.5.3.0" {
		t.Errorf("ActiveClients = %v", clients)
	}

	now = now.Add(ActiveClientTimeout + time.Second)
	if clients := d.ActiveClients(); len(clients) != 0 {
		t.Errorf("ActiveClients after timeout = %v", clients)
	}
}

func TestUnregisterCallback_RestoresRoot(t *testing.T) {
	d := newTestDirectory(t)
	own := &provider{items: []Item{{IsDir: true, Title: "own"}}}
	d.RegisterCallback("/", own)
	d.RegisterCallback("/movies/", &provider{})

	if got := titles(browse(t, d, "0", BrowseDirectChildren, 0, 0).didl); len(got) != 1 || got[0] != "own" {
		t.Fatalf("root = %v", got)
	}

	d.UnregisterCallback(own)
	if got := titles(browse(t, d, "0", BrowseDirectChildren, 0, 0).didl); len(got) != 1 || got[0] != "movies" {
		t.Errorf("root after unregister = %v", got)
	}
}
