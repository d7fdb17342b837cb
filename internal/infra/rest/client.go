// Package rest provides a client for the remote node's HTTP query surface.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/osa030/audiolink/internal/domain/track"
)

// RemoteError is a non-success status from the node's REST surface.
type RemoteError struct {
	Status int
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("node returned status %d: %s", e.Status, e.Reason)
}

// Config represents REST client configuration.
type Config struct {
	Endpoint      string // http(s)://host:port
	Authorization string
	UserAgent     string
}

// Client is a client for one node's REST endpoints.
type Client struct {
	endpoint      string
	authorization string
	userAgent     string
	httpClient    *http.Client
}

// New creates a new REST client.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" || cfg.Authorization == "" {
		return nil, errors.New("endpoint and authorization are required")
	}

	return &Client{
		endpoint:      cfg.Endpoint,
		authorization: cfg.Authorization,
		userAgent:     cfg.UserAgent,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// trackEnvelope is one track entry in a REST response: the opaque descriptor
// plus the node's own decode of it.
type trackEnvelope struct {
	Track string    `json:"track"`
	Info  trackInfo `json:"info"`
}

type trackInfo struct {
	Identifier string `json:"identifier"`
	IsSeekable bool   `json:"isSeekable"`
	Author     string `json:"author"`
	Length     int64  `json:"length"`
	IsStream   bool   `json:"isStream"`
	Position   int64  `json:"position"`
	Title      string `json:"title"`
	URI        string `json:"uri"`
}

// loadResponse is the wire shape of a loadtracks result.
type loadResponse struct {
	LoadType  track.LoadType       `json:"loadType"`
	Playlist  *track.PlaylistInfo  `json:"playlistInfo"`
	Tracks    []trackEnvelope      `json:"tracks"`
	Exception *track.LoadException `json:"exception"`
}

// LoadTracks resolves a source-prefixed identifier into tracks.
func (c *Client) LoadTracks(ctx context.Context, identifier string) (*track.LoadResult, error) {
	if identifier == "" {
		return nil, errors.New("identifier is required")
	}

	reqURL := c.endpoint + "/loadtracks?identifier=" + url.QueryEscape(identifier)
	body, err := c.get(ctx, reqURL)
	if err != nil {
		return nil, errors.Wrap(err, "loadtracks request failed")
	}

	var resp loadResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to decode loadtracks response")
	}

	result := &track.LoadResult{
		LoadType:  resp.LoadType,
		Playlist:  resp.Playlist,
		Exception: resp.Exception,
		Tracks:    make([]*track.Track, 0, len(resp.Tracks)),
	}
	for _, env := range resp.Tracks {
		result.Tracks = append(result.Tracks, env.toTrack())
	}
	return result, nil
}

// DecodeTrack asks the node to decode a single descriptor.
func (c *Client) DecodeTrack(ctx context.Context, hash string) (*track.Track, error) {
	if hash == "" {
		return nil, errors.New("track hash is required")
	}

	reqURL := c.endpoint + "/decodeTrack?track=" + url.QueryEscape(hash)
	body, err := c.get(ctx, reqURL)
	if err != nil {
		return nil, errors.Wrap(err, "decodeTrack request failed")
	}

	var info trackInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, errors.Wrap(err, "failed to decode decodeTrack response")
	}
	return trackEnvelope{Track: hash, Info: info}.toTrack(), nil
}

// DecodeTracks decodes a batch of descriptors in one call. Mirroring the
// node's API, a failure for part of the set is a single aggregate failure,
// never partial results.
func (c *Client) DecodeTracks(ctx context.Context, hashes []string) ([]*track.Track, error) {
	if len(hashes) == 0 {
		return nil, errors.New("at least one track hash is required")
	}

	payload, err := json.Marshal(hashes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode track hashes")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/decodeTracks", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, errors.Wrap(err, "decodeTracks request failed")
	}

	var envelopes []trackEnvelope
	if err := json.Unmarshal(body, &envelopes); err != nil {
		return nil, errors.Wrap(err, "failed to decode decodeTracks response")
	}

	tracks := make([]*track.Track, 0, len(envelopes))
	for _, env := range envelopes {
		tracks = append(tracks, env.toTrack())
	}
	return tracks, nil
}

func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Authorization", c.authorization)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reason := http.StatusText(resp.StatusCode)
		if len(body) > 0 {
			reason = string(body)
		}
		return nil, &RemoteError{Status: resp.StatusCode, Reason: reason}
	}
	return body, nil
}

func (env trackEnvelope) toTrack() *track.Track {
	return &track.Track{
		Hash:       env.Track,
		ID:         env.Info.Identifier,
		Title:      env.Info.Title,
		Author:     env.Info.Author,
		URL:        env.Info.URI,
		Duration:   track.DurationFromMillis(env.Info.Length),
		IsStream:   env.Info.IsStream,
		IsSeekable: env.Info.IsSeekable,
		Position:   track.DurationFromMillis(env.Info.Position),
	}
}
