// Package track provides the Track domain entity and its binary descriptor codec.
package track

import (
	"math"
	"time"
)

// DurationUnbounded is the sentinel duration for tracks with no known end,
// such as live streams or descriptors carrying the maximum encodable length.
const DurationUnbounded = time.Duration(math.MaxInt64)

// Track represents a single playable track known to the remote node.
// Hash is the canonical descriptor; every other field except Position is
// derived from it and immutable once constructed.
type Track struct {
	Hash       string        // Opaque base64 descriptor, codec-roundtrippable
	ID         string        // Source-specific identifier
	Title      string        // Track title
	Author     string        // Track author
	URL        string        // Source URL, may be empty
	Duration   time.Duration // Track length, DurationUnbounded for streams
	IsStream   bool          // Live stream flag
	IsSeekable bool          // Seek support flag
	Position   time.Duration // Current playback position, updated during playback
}

// SearchType selects how a search query is interpreted by the node.
type SearchType int

const (
	SearchTypeDirect     SearchType = iota // Raw identifier or URL, passed through
	SearchTypeYouTube                      // YouTube search
	SearchTypeSoundCloud                   // SoundCloud search
)

// String returns the string representation of the search type.
func (s SearchType) String() string {
	switch s {
	case SearchTypeDirect:
		return "direct"
	case SearchTypeYouTube:
		return "youtube"
	case SearchTypeSoundCloud:
		return "soundcloud"
	default:
		return "unknown"
	}
}

// Query returns the source-prefixed identifier the node expects for the
// given raw query.
func (s SearchType) Query(query string) string {
	switch s {
	case SearchTypeYouTube:
		return "ytsearch:" + query
	case SearchTypeSoundCloud:
		return "scsearch:" + query
	default:
		return query
	}
}

// LoadType describes the outcome of a loadtracks call.
type LoadType string

const (
	LoadTypeTrackLoaded    LoadType = "TRACK_LOADED"
	LoadTypePlaylistLoaded LoadType = "PLAYLIST_LOADED"
	LoadTypeSearchResult   LoadType = "SEARCH_RESULT"
	LoadTypeNoMatches      LoadType = "NO_MATCHES"
	LoadTypeLoadFailed     LoadType = "LOAD_FAILED"
)

// PlaylistInfo describes the playlist a loadtracks result belongs to.
type PlaylistInfo struct {
	Name          string `json:"name"`
	SelectedTrack int    `json:"selectedTrack"`
}

// LoadException carries the failure reported by the node for a failed load.
type LoadException struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// LoadResult is the decoded response of a loadtracks call.
type LoadResult struct {
	LoadType  LoadType       `json:"loadType"`
	Tracks    []*Track       `json:"-"`
	Playlist  *PlaylistInfo  `json:"playlistInfo,omitempty"`
	Exception *LoadException `json:"exception,omitempty"`
}
