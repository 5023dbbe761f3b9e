package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/warble-fm/warble/store"
)

const apiBase = "https://api.spotify.com/v1"

var (
	// ErrRateLimited means Spotify told us to back off; the retry-after
	// window is recorded in the store so every worker sees it.
	ErrRateLimited = errors.New("catalog: rate limited")

	// ErrNotFound means the track/episode/artist id does not resolve.
	ErrNotFound = errors.New("catalog: not found")
)

// Artist is a track credit.
type Artist struct {
	ID   string
	Name string
}

// TrackMeta is the catalog metadata for one track.
type TrackMeta struct {
	URI       string
	Title     string
	Artists   []Artist
	AlbumID   string
	AlbumName string
	Duration  int // seconds
	BigImg    string
	Img       string
}

// EpisodeMeta is the catalog metadata for one podcast episode.
type EpisodeMeta struct {
	URI       string
	Title     string
	ShowName  string
	Publisher string
	Duration  int
	BigImg    string
	Img       string
}

// ArtistMeta carries the genre list used for seed resolution.
type ArtistMeta struct {
	ID     string
	Name   string
	Genres []string
}

// Client talks to the Spotify Web API with app (client-credentials) auth.
// The token source refreshes 60 s before expiry; requests share a modest
// rate limiter so one busy nest can't starve the rest.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	store   *store.Store
	market  string
	logger  zerolog.Logger
}

// New builds a catalog client. store may be nil in tests that never hit
// the rate-limit path.
func New(clientID, clientSecret, market string, st *store.Store, logger zerolog.Logger) *Client {
	conf := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     "https://accounts.spotify.com/api/token",
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient,
		&http.Client{Timeout: 10 * time.Second})
	src := oauth2.ReuseTokenSourceWithExpiry(nil, conf.TokenSource(ctx), 60*time.Second)

	return &Client{
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: &oauth2.Transport{Source: src},
		},
		limiter: rate.NewLimiter(rate.Limit(8), 16),
		store:   st,
		market:  market,
		logger:  logger,
	}
}

// IsRateLimited reports whether the process-wide back-off window is live.
func (c *Client) IsRateLimited(ctx context.Context) bool {
	if c.store == nil {
		return false
	}
	_, ok, err := c.store.Get(ctx, store.RateLimitedKey)
	return err == nil && ok
}

func (c *Client) setRateLimited(ctx context.Context, retryAfter time.Duration) {
	if c.store == nil {
		return
	}
	if retryAfter <= 0 {
		retryAfter = 30 * time.Second
	}
	if err := c.store.SetEx(ctx, store.RateLimitedKey, "1", retryAfter); err != nil {
		c.logger.Warn().Err(err).Msg("failed to record rate limit window")
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := apiBase + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		retry, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		c.setRateLimited(ctx, time.Duration(retry)*time.Second)
		return ErrRateLimited
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("spotify API error (%d): %s", resp.StatusCode, body)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// BareID strips a spotify:track:/spotify:episode: URI down to the id part.
func BareID(uri string) string {
	if i := strings.LastIndex(uri, ":"); i >= 0 {
		return uri[i+1:]
	}
	return uri
}

// IsEpisodeURI reports whether a URI names a podcast episode.
func IsEpisodeURI(uri string) bool {
	parts := strings.Split(uri, ":")
	return len(parts) >= 2 && parts[1] == "episode"
}

type image struct {
	URL string `json:"url"`
}

// pickImages returns the (big, small) image pair from an album image list,
// which Spotify orders largest first.
func pickImages(images []image) (string, string) {
	if len(images) == 0 {
		return "", ""
	}
	big := images[0].URL
	small := big
	if len(images) > 1 {
		small = images[len(images)-1].URL
	}
	return big, small
}

// Track fetches track metadata. Accepts a bare id or full URI.
func (c *Client) Track(ctx context.Context, id string) (TrackMeta, error) {
	var response struct {
		URI     string `json:"uri"`
		Name    string `json:"name"`
		Artists []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"artists"`
		Album struct {
			ID     string  `json:"id"`
			Name   string  `json:"name"`
			Images []image `json:"images"`
		} `json:"album"`
		DurationMs int `json:"duration_ms"`
	}

	if err := c.get(ctx, "/tracks/"+BareID(id), nil, &response); err != nil {
		return TrackMeta{}, err
	}

	meta := TrackMeta{
		URI:       response.URI,
		Title:     response.Name,
		AlbumID:   response.Album.ID,
		AlbumName: response.Album.Name,
		Duration:  response.DurationMs / 1000,
	}
	if meta.URI == "" {
		meta.URI = "spotify:track:" + BareID(id)
	}
	for _, a := range response.Artists {
		meta.Artists = append(meta.Artists, Artist{ID: a.ID, Name: a.Name})
	}
	meta.BigImg, meta.Img = pickImages(response.Album.Images)
	return meta, nil
}

// Episode fetches podcast-episode metadata. Accepts a bare id or full URI.
func (c *Client) Episode(ctx context.Context, id string) (EpisodeMeta, error) {
	var response struct {
		Name   string  `json:"name"`
		Images []image `json:"images"`
		Show   struct {
			Name      string `json:"name"`
			Publisher string `json:"publisher"`
		} `json:"show"`
		DurationMs int `json:"duration_ms"`
	}

	bare := BareID(id)
	if err := c.get(ctx, "/episodes/"+bare, url.Values{"market": {c.market}}, &response); err != nil {
		return EpisodeMeta{}, err
	}
	if response.Name == "" {
		return EpisodeMeta{}, fmt.Errorf("invalid episode data for %s: %w", bare, ErrNotFound)
	}

	meta := EpisodeMeta{
		URI:       "spotify:episode:" + bare,
		Title:     response.Name,
		ShowName:  response.Show.Name,
		Publisher: response.Show.Publisher,
		Duration:  response.DurationMs / 1000,
	}
	meta.BigImg, meta.Img = pickImages(response.Images)
	return meta, nil
}

// Artist fetches artist metadata including genres.
func (c *Client) Artist(ctx context.Context, id string) (ArtistMeta, error) {
	var response struct {
		ID     string   `json:"id"`
		Name   string   `json:"name"`
		Genres []string `json:"genres"`
	}
	if err := c.get(ctx, "/artists/"+BareID(id), nil, &response); err != nil {
		return ArtistMeta{}, err
	}
	return ArtistMeta{ID: response.ID, Name: response.Name, Genres: response.Genres}, nil
}

// AlbumTracks returns the URIs of an album's tracks.
func (c *Client) AlbumTracks(ctx context.Context, albumID string) ([]string, error) {
	var response struct {
		Items []struct {
			URI string `json:"uri"`
		} `json:"items"`
	}
	if err := c.get(ctx, "/albums/"+albumID+"/tracks", url.Values{"limit": {"50"}}, &response); err != nil {
		return nil, err
	}
	uris := make([]string, 0, len(response.Items))
	for _, item := range response.Items {
		uris = append(uris, item.URI)
	}
	return uris, nil
}

// ArtistTopTracks returns the URIs of an artist's top tracks in the
// client's market.
func (c *Client) ArtistTopTracks(ctx context.Context, artistID string) ([]string, error) {
	var response struct {
		Tracks []struct {
			URI string `json:"uri"`
		} `json:"tracks"`
	}
	q := url.Values{"market": {c.market}}
	if err := c.get(ctx, "/artists/"+artistID+"/top-tracks", q, &response); err != nil {
		return nil, err
	}
	uris := make([]string, 0, len(response.Tracks))
	for _, t := range response.Tracks {
		uris = append(uris, t.URI)
	}
	return uris, nil
}

// Search runs a track search and returns result URIs.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]string, error) {
	q := url.Values{
		"q":      {query},
		"type":   {"track"},
		"limit":  {strconv.Itoa(limit)},
		"market": {c.market},
	}
	var response struct {
		Tracks struct {
			Items []struct {
				URI string `json:"uri"`
			} `json:"items"`
		} `json:"tracks"`
	}
	if err := c.get(ctx, "/search", q, &response); err != nil {
		return nil, err
	}
	uris := make([]string, 0, len(response.Tracks.Items))
	for _, item := range response.Tracks.Items {
		uris = append(uris, item.URI)
	}
	return uris, nil
}
