package contentdir

import (
	"github.com/lximedia/lxiserver/internal/upnp"
)

// Type classifies an item for its DIDL-Lite class and protocol list.
type Type uint8

// Item types. The tens digit groups them by medium.
const (
	TypeNone Type = iota
	TypePlaylist
)

const (
	TypeAudio Type = 10 + iota
	TypeMusic
	TypeAudioBroadcast
	TypeAudioBook
)

const (
	TypeVideo Type = 20 + iota
	TypeMovie
	TypeVideoBroadcast
	TypeMusicVideo
)

const (
	TypeImage Type = 30 + iota
	TypePhoto
)

// Stream is an audio, video or subtitle stream of an item.
type Stream struct {
	ID       uint32
	Language string
}

// Chapter is a chapter mark, Position in seconds.
type Chapter struct {
	Title    string
	Position int
}

// Item is one entry of a directory listing.
type Item struct {
	IsDir  bool
	Played bool
	// Direct items are listed as playable items. Other files are listed
	// as containers holding their virtual items.
	Direct bool
	Type   Type

	// URL is the path, and optional query, the item is streamed from.
	URL     string
	IconURL string

	Title  string
	Artist string
	Album  string
	Track  int

	AudioStreams    []Stream
	VideoStreams    []Stream
	SubtitleStreams []Stream

	// Duration and LastPosition are in seconds.
	Duration     int
	LastPosition int
	Chapters     []Chapter

	// Protocols replaces the directory protocols for the item's type.
	Protocols []upnp.Protocol
}

// IsNull reports whether the item is empty, as returned for a missing
// entry.
func (i *Item) IsNull() bool {
	return i.URL == "" && !i.IsDir
}

// Callback provides the content below a registered path. Paths passed in
// are directories and end with a slash. client identifies the control
// point as returned by upnp.ClientString.
type Callback interface {
	CountContentDirItems(client, path string) int
	// ListContentDirItems returns up to count items starting at start. A
	// count of 0 returns all remaining items.
	ListContentDirItems(client, path string, start, count int) []Item
}

// ItemGetter is implemented by callbacks that can look up a single item by
// its path, e.g. "/movies/12", without listing its directory.
type ItemGetter interface {
	GetContentDirItem(client, path string) (Item, bool)
}
