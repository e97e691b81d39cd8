package consumer

import (
	"crypto/md5"
	"math/big"
	"net/url"
	"path"
	"strings"
)

// audioTag is the single-character prefix §4.4 assigns each kind of audio
// resource for deterministic file naming: m music, a ambient, s sound,
// d dialogue, n narration.
type audioTag string

const (
	tagMusic     audioTag = "m"
	tagAmbient   audioTag = "a"
	tagSound     audioTag = "s"
	tagDialogue  audioTag = "d"
	tagNarration audioTag = "n"
)

// shortHash is the base36 encoding of the first 6 bytes of md5(s)'s hex
// digest — deterministic and short enough for a readable filename.
func shortHash(s string) string {
	sum := md5.Sum([]byte(s))
	n := new(big.Int).SetBytes(sum[:3])
	return n.Text(36)
}

// urlExt guesses a file extension from a URL's path, defaulting to "bin"
// when none is present (a data: URI or an extensionless URL).
func urlExt(rawURL string) string {
	if strings.HasPrefix(rawURL, "data:") {
		return dataURIExt(rawURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "bin"
	}
	ext := strings.TrimPrefix(path.Ext(u.Path), ".")
	if ext == "" {
		return "bin"
	}
	return ext
}

func dataURIExt(uri string) string {
	rest := strings.TrimPrefix(uri, "data:")
	if idx := strings.IndexByte(rest, ';'); idx >= 0 {
		rest = rest[:idx]
	} else if idx := strings.IndexByte(rest, ','); idx >= 0 {
		rest = rest[:idx]
	}
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return rest[idx+1:]
	}
	return "bin"
}

// audioFilename builds the deterministic `<tag><short_hash>.<ext>` name
// for an audio resource.
func audioFilename(tag audioTag, rawURL string) string {
	return string(tag) + shortHash(rawURL) + "." + urlExt(rawURL)
}

// imageFilename builds `<tag>.<ext>` or, when attribute is non-empty,
// `<tag> <attribute>.<ext>` for an image resource (attribute is an
// emotion for portraits, a bg_id for backgrounds).
func imageFilename(tag, attribute, rawURL string) string {
	ext := urlExt(rawURL)
	if attribute == "" {
		return tag + "." + ext
	}
	return tag + " " + attribute + "." + ext
}
