package mediadir

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/lximedia/lxiserver/internal/contentdir"
	"github.com/lximedia/lxiserver/internal/model"
	"github.com/lximedia/lxiserver/internal/protocol"
	"github.com/lximedia/lxiserver/internal/sandbox"
	"github.com/lximedia/lxiserver/internal/server"
	"github.com/lximedia/lxiserver/internal/upnp"
)

func writeFile(t *testing.T, name, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(name, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestTree(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.mp3"), "audio")
	writeFile(t, filepath.Join(root, "b.jpg"), "image")
	writeFile(t, filepath.Join(root, "notes.txt"), "text")
	writeFile(t, filepath.Join(root, ".hidden.mp3"), "hidden")
	writeFile(t, filepath.Join(root, "sub dir", "c.mpeg"), "video")
	return root
}

func newTestProvider(t *testing.T, root string, opts ...Option) (*Provider, *contentdir.Directory) {
	t.Helper()

	cd := contentdir.NewDirectory("/")
	t.Cleanup(cd.Close)

	p := New(root, "/files/", cd, opts...)
	if err := p.Initialize(server.New()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p, cd
}

func get(p *Provider, path string) *model.ResponseMessage {
	req := model.NewRequestMessage()
	req.SetRequest(model.MethodGet, path)
	return p.HTTPRequest(req, nil)
}

// body drains and closes a streamed response body.
func body(t *testing.T, resp *model.ResponseMessage) string {
	t.Helper()

	if resp.Body == nil {
		return string(resp.Content)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if c, ok := resp.Body.(io.Closer); ok {
		if err := c.Close(); err != nil {
			t.Errorf("close body: %v", err)
		}
	}
	return string(data)
}

func TestProvider_List(t *testing.T) {
	p, _ := newTestProvider(t, newTestTree(t))

	if got := p.CountContentDirItems("", "/files/"); got != 3 {
		t.Errorf("Count = %d, want 3", got)
	}

	items := p.ListContentDirItems("", "/files/", 0, 0)
	want := []struct {
		title string
		dir   bool
		url   string
		typ   contentdir.Type
	}{
		{"sub dir", true, "", contentdir.TypeNone},
		{"a", false, "/media/a.mp3", contentdir.TypeMusic},
		{"b", false, "/media/b.jpg", contentdir.TypePhoto},
	}
	if len(items) != len(want) {
		t.Fatalf("items = %+v", items)
	}
	for i, w := range want {
		got := items[i]
		if got.Title != w.title || got.IsDir != w.dir || got.URL != w.url || got.Type != w.typ {
			t.Errorf("item %d = %+v, want %+v", i, got, w)
		}
	}

	sub := p.ListContentDirItems("", "/files/sub dir/", 0, 0)
	if len(sub) != 1 || sub[0].URL != "/media/sub%20dir/c.mpeg" || sub[0].Type != contentdir.TypeMovie {
		t.Errorf("sub = %+v", sub)
	}

	if page := p.ListContentDirItems("", "/files/", 2, 5); len(page) != 1 || page[0].Title != "b" {
		t.Errorf("page = %+v", page)
	}
	if got := p.ListContentDirItems("", "/files/missing/", 0, 0); got != nil {
		t.Errorf("missing directory = %+v", got)
	}
}

func TestProvider_ServesFiles(t *testing.T) {
	p, _ := newTestProvider(t, newTestTree(t))

	tests := []struct {
		path    string
		status  int
		content string
		mime    string
	}{
		{"/media/a.mp3", model.StatusOK, "audio", "audio/mpeg"},
		{"/media/sub%20dir/c.mpeg", model.StatusOK, "video", "video/mpeg"},
		{"/media/sub%20dir/c.mpeg..00000999", model.StatusNotFound, "", ""},
		{"/media/sub%20dir/", model.StatusNotFound, "", ""},
		{"/media/../../../etc/passwd", model.StatusNotFound, "", ""},
		{"/media/missing.mp3", model.StatusNotFound, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp := get(p, tt.path)
			if resp.Status() != tt.status {
				t.Fatalf("status = %d, want %d", resp.Status(), tt.status)
			}
			if tt.status != model.StatusOK {
				return
			}
			if got := body(t, resp); got != tt.content {
				t.Errorf("content = %q", got)
			}
			if resp.ContentLength() != int64(len(tt.content)) {
				t.Errorf("Content-Length = %d, want %d", resp.ContentLength(), len(tt.content))
			}
			if got := resp.ContentType(); got != tt.mime {
				t.Errorf("Content-Type = %q, want %q", got, tt.mime)
			}
		})
	}

	req := model.NewRequestMessage()
	req.SetRequest(model.MethodPost, "/media/a.mp3")
	if got := p.HTTPRequest(req, nil).Status(); got != model.StatusMethodNotAllowed {
		t.Errorf("POST status = %d", got)
	}
}

func browse(t *testing.T, cd *contentdir.Directory, objectID string) *upnp.Element {
	t.Helper()

	body := `<?xml version="1.0" encoding="utf-8"?>` +
		`<s:Envelope xmlns:s="` + upnp.NSSOAP + `"><s:Body>` +
		`<u:Browse xmlns:u="` + contentdir.ServiceType + `">` +
		`<ObjectID>` + objectID + `</ObjectID><BrowseFlag>BrowseDirectChildren</BrowseFlag>` +
		`<StartingIndex>0</StartingIndex><RequestedCount>0</RequestedCount>` +
		`</u:Browse></s:Body></s:Envelope>`

	req := model.NewRequestMessage()
	req.SetRequest(model.MethodPost, "/contentdirectory/control")
	req.SetHost("127.0.0.1:4280")
	req.SetContentType(model.MimeTextXML)
	req.SetContent([]byte(body))

	resp := cd.HTTPRequest(req, nil)
	if resp.Status() != model.StatusOK {
		t.Fatalf("Browse(%s) status = %d: %s", objectID, resp.Status(), resp.Content)
	}
	_, soap, err := upnp.ParseSOAPMessage(resp.Content, false)
	if err != nil {
		t.Fatal(err)
	}
	didl, err := upnp.ParseXML([]byte(soap.FirstChild("BrowseResponse").FirstChild("Result").Content()))
	if err != nil {
		t.Fatal(err)
	}
	return didl
}

func TestProvider_ThroughContentDirectory(t *testing.T) {
	p, cd := newTestProvider(t, newTestTree(t))

	root := browse(t, cd, "0")
	files := root.FirstChild("container")
	if files == nil || files.FirstChild("title").Content() != "files" {
		t.Fatalf("root listing = %+v", root.Children)
	}

	listing := browse(t, cd, files.Attr("id"))
	var audio *upnp.Element
	for _, c := range listing.Children {
		if c.Local == "item" && c.FirstChild("title").Content() == "a" {
			audio = c
		}
	}
	if audio == nil {
		t.Fatalf("no item for a.mp3 in %+v", listing.Children)
	}

	res := audio.FirstChild("res")
	if got := res.Attr("protocolInfo"); got != "http-get:*:audio/mpeg:*" {
		t.Errorf("protocolInfo = %s", got)
	}
	u, err := url.Parse(res.Content())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(u.Path, "/media/a.mp3..") {
		t.Fatalf("res path = %s", u.Path)
	}

	resp := get(p, u.Path)
	if got := body(t, resp); resp.Status() != model.StatusOK || got != "audio" {
		t.Errorf("GET %s = %d %q", u.Path, resp.Status(), got)
	}
}

func TestProvider_Head(t *testing.T) {
	p, _ := newTestProvider(t, newTestTree(t))

	req := model.NewRequestMessage()
	req.SetRequest(model.MethodHead, "/media/a.mp3")
	resp := p.HTTPRequest(req, nil)
	if resp.Status() != model.StatusOK {
		t.Fatalf("status = %d", resp.Status())
	}
	if resp.Body != nil || len(resp.Content) != 0 {
		t.Error("HEAD response carries a body")
	}
	if resp.ContentLength() != int64(len("audio")) {
		t.Errorf("Content-Length = %d, want 5", resp.ContentLength())
	}
	if resp.ContentType() != "audio/mpeg" {
		t.Errorf("Content-Type = %q", resp.ContentType())
	}
}

func TestProvider_StreamsLargeFile(t *testing.T) {
	root := t.TempDir()
	data := bytes.Repeat([]byte("0123456789abcdef"), 256*1024) // 4MB
	if err := os.WriteFile(filepath.Join(root, "big.mpeg"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(root, "empty.mp3"), "")

	p, _ := newTestProvider(t, root)

	srv := server.New()
	srv.RegisterCallback(MediaPath, p)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	resp := get(p, "/media/big.mpeg")
	if resp.Body == nil || resp.Content != nil {
		t.Fatal("large file should be streamed, not buffered")
	}
	if c, ok := resp.Body.(io.Closer); ok {
		c.Close()
	}

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	r := bufio.NewReader(conn)

	tests := []struct {
		path string
		want []byte
	}{
		{"/media/big.mpeg", data},
		{"/media/empty.mp3", nil},
		{"/media/big.mpeg", data},
	}
	for _, tt := range tests {
		if _, err := io.WriteString(conn, "GET "+tt.path+" HTTP/1.1\r\nHost: x\r\n\r\n"); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		got, err := protocol.ReadResponse(r, 0, int64(len(data)), false)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.path, err)
		}
		if got.Status() != model.StatusOK || got.ContentLength() != int64(len(tt.want)) {
			t.Fatalf("GET %s = %d, Content-Length %d", tt.path, got.Status(), got.ContentLength())
		}
		if !bytes.Equal(got.Content, tt.want) {
			t.Errorf("GET %s body differs from file (%d bytes)", tt.path, len(got.Content))
		}
		if got.Connection() != model.ConnectionKeepAlive {
			t.Errorf("GET %s Connection = %q, want keep-alive", tt.path, got.Connection())
		}
	}
}

func TestProvider_Stat(t *testing.T) {
	root := newTestTree(t)

	tests := []struct {
		name   string
		stat   StatFunc
		status int
	}{
		{"directory", func(string) (*sandbox.FileInfo, error) { return &sandbox.FileInfo{IsDir: true}, nil }, model.StatusNotFound},
		{"error", func(string) (*sandbox.FileInfo, error) { return nil, errors.New("probe failed") }, model.StatusNotFound},
		{"file", func(name string) (*sandbox.FileInfo, error) { return &sandbox.FileInfo{Path: name}, nil }, model.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestProvider(t, root, WithStat(tt.stat))
			resp := get(p, "/media/a.mp3")
			body(t, resp)
			if got := resp.Status(); got != tt.status {
				t.Errorf("status = %d, want %d", got, tt.status)
			}
		})
	}
}

func TestProvider_Initialize(t *testing.T) {
	cd := contentdir.NewDirectory("/")
	t.Cleanup(cd.Close)

	file := filepath.Join(t.TempDir(), "file")
	writeFile(t, file, "x")

	if err := New(file, "/files/", cd).Initialize(server.New()); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("Initialize(file) = %v, want ErrNotDirectory", err)
	}
	if err := New(filepath.Join(file, "missing"), "/files/", cd).Initialize(server.New()); err == nil {
		t.Error("Initialize(missing) succeeded")
	}
}

func TestProvider_WatchReportsChanges(t *testing.T) {
	root := newTestTree(t)
	_, cd := newTestProvider(t, root, WithWatch(200*time.Millisecond))

	before := cd.SystemUpdateID()
	for i := range 3 {
		writeFile(t, filepath.Join(root, "sub dir", "new"+strconv.Itoa(i)+".mp3"), "new")
	}

	deadline := time.Now().Add(5 * time.Second)
	for cd.SystemUpdateID() == before {
		if time.Now().After(deadline) {
			t.Fatal("no modification reported")
		}
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(400 * time.Millisecond)
	if got := cd.SystemUpdateID(); got != before+1 {
		t.Errorf("SystemUpdateID = %d, want %d after debounced changes", got, before+1)
	}
}
