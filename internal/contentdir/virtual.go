package contentdir

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Playable items carry their virtual nodes in the path after the item
// index, each section separated by '|':
//
//	/movies/12|r&language=1#1. English|p#Play
//
// A section "<kind><query>#<title>" selects the virtual list the next
// level shows ('r' streams, 's' seek points, 'c' chapters) or a leaf to
// play ('p'). Queries accumulate from section to section.

const seekInterval = 120

// itemProps is the decoded form of an item path below its directory.
type itemProps struct {
	index string
	kind  string
	query string
	title string
}

func splitItemProps(file string) itemProps {
	var props itemProps
	for _, section := range strings.Split(file, "|") {
		if hash := strings.IndexByte(section, '#'); hash > 0 {
			props.kind = section[:1]
			props.query += section[1:hash]
			props.title = section[hash+1:]
		} else if section != "" {
			props.index = section
		}
	}
	return props
}

// baseDir returns the directory part of path, up to and including the
// last slash before any virtual sections.
func baseDir(path string) string {
	if i := strings.IndexByte(path, '|'); i >= 0 {
		path = path[:i]
	}
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i+1]
	}
	return ""
}

// parentDir returns the parent of a directory or item path, or "" for the
// root. The parent of a virtual item is the path without its last section.
func parentDir(dir string) string {
	if dir == "" {
		return ""
	}
	d := dir[:len(dir)-1]
	if i := strings.LastIndexByte(d, '|'); i > 0 {
		return dir[:i]
	}
	if i := strings.LastIndexByte(d, '/'); i >= 0 {
		return dir[:i+1]
	}
	return ""
}

// makePlayItem applies the title and the accumulated query of props to
// item.
func makePlayItem(item Item, props itemProps) Item {
	if props.title != "" {
		item.Title = props.title
	}
	if props.query == "" {
		return item
	}

	u, err := url.Parse(item.URL)
	if err != nil {
		return item
	}
	q := u.Query()
	for _, pair := range strings.Split(props.query, "&") {
		if k, v, ok := strings.Cut(pair, "="); ok && k != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	item.URL = u.String()
	return item
}

func languageOrUnknown(lang string) string {
	if lang == "" {
		return "Unknown"
	}
	return lang
}

// streamItems offers a choice of audio and subtitle streams when there is
// more than one combination, and the play nodes otherwise.
func streamItems(item Item) []string {
	if len(item.AudioStreams) <= 1 && len(item.SubtitleStreams) == 0 {
		return playSeekItems(item)
	}

	subtitles := append(append([]Stream(nil), item.SubtitleStreams...), Stream{ID: 0xFFFF})

	var result []string
	for a, audio := range item.AudioStreams {
		for d, sub := range subtitles {
			var b strings.Builder
			fmt.Fprintf(&b, "r&language=%x", audio.ID)
			if sub.ID != 0xFFFF {
				fmt.Fprintf(&b, "&subtitles=%x", sub.ID)
			}
			fmt.Fprintf(&b, "#%d. %s", a+1, languageOrUnknown(audio.Language))
			if sub.ID != 0xFFFF {
				fmt.Fprintf(&b, ", %d. %s", d+1, languageOrUnknown(sub.Language))
			}
			result = append(result, b.String())
		}
	}
	return result
}

// playSeekItems returns the play node followed by resume, chapter and
// seek nodes where they apply.
func playSeekItems(item Item) []string {
	var result []string
	if resumable(item) {
		result = append(result, fmt.Sprintf("p&position=%d#Resume (%s/%s)",
			item.LastPosition, formatTime(item.LastPosition, true), formatTime(item.Duration, true)))
	}

	result = append(result, "p#Play")
	if len(item.Chapters) > 1 {
		result = append(result, "c#Chapters")
	}
	if item.Duration > 0 {
		result = append(result, "s#Seek")
	}
	return result
}

func resumable(item Item) bool {
	if item.LastPosition <= 0 || item.Duration <= 0 {
		return false
	}
	return item.LastPosition <= item.Duration-max(item.Duration/10, 60)
}

func seekItems(item Item) []string {
	var result []string
	for i := 0; i < item.Duration; i += seekInterval {
		title := "Play from " + formatTime(i, false)
		if item.LastPosition > i+seekInterval {
			title = "*" + title
		}
		result = append(result, fmt.Sprintf("p&position=%d#%s", i, title))
	}
	return result
}

func chapterItems(item Item) []string {
	result := make([]string, 0, len(item.Chapters))
	for n, c := range item.Chapters {
		title := "Chapter " + strconv.Itoa(n+1)
		if c.Title != "" {
			title += ", " + c.Title
		}
		result = append(result, fmt.Sprintf("p&position=%d#%s", c.Position, title))
	}
	return result
}

// virtualItems returns the nodes shown below an item path of the given
// kind.
func virtualItems(item Item, kind string) []string {
	switch kind {
	case "":
		return streamItems(item)
	case "r":
		return playSeekItems(item)
	case "s":
		return seekItems(item)
	case "c":
		return chapterItems(item)
	}
	return nil
}

// formatTime writes seconds as h:mm, or h:mm:ss with seconds set.
func formatTime(secs int, seconds bool) string {
	h, m, s := secs/3600, (secs/60)%60, secs%60
	if seconds {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", h, m)
}

// formatDuration writes a res@duration value.
func formatDuration(secs int) string {
	return formatTime(secs, true) + ".000"
}
