// Package arr provides typed clients for the Radarr (movies) and Sonarr
// (series) v3 REST APIs.
//
// Both clients share one capability set, [Server]. Every call reads the
// server's credentials through a [CredentialFunc] at request time, sends
// the API key in the X-Api-Key header, bounds each attempt with a
// timeout, retries transient failures with exponential backoff and
// returns errors classified with the apperr taxonomy.
package arr

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/akstspace/media-mgmt-agent/internal/vault"
)

// CredentialFunc returns the credentials for a server kind. In
// production this is [vault.ReadFromContext].
type CredentialFunc func(ctx context.Context, kind vault.Kind) (vault.Record, error)

// Server is the capability set shared by both media servers.
type Server interface {
	// Kind identifies the server ("movie" or "series").
	Kind() vault.Kind
	// Search looks up titles that could be added, in relevance order.
	Search(ctx context.Context, query string) ([]Item, error)
	// Add adds the title with the given external id (TMDB for movies,
	// TVDB for series). Adding a title already in the library fails with
	// AlreadyExists and changes nothing.
	Add(ctx context.Context, externalID int, opts AddOptions) (*Added, error)
	// Status reports download activity.
	Status(ctx context.Context, filter StatusFilter) ([]Activity, error)
	// DiskSpace summarizes storage on the server.
	DiskSpace(ctx context.Context) (*DiskSummary, error)
	// Upcoming lists scheduled releases in a date range, ordered by date.
	Upcoming(ctx context.Context, r DateRange) ([]Scheduled, error)

	QualityProfiles(ctx context.Context) ([]QualityProfile, error)
	RootFolders(ctx context.Context) ([]RootFolder, error)
	SystemStatus(ctx context.Context) (*SystemStatus, error)
	// Library lists everything already managed by the server.
	Library(ctx context.Context) ([]Item, error)
	// History lists recent server events, newest first.
	History(ctx context.Context, filter HistoryFilter) ([]HistoryEvent, error)
	// SearchReleases starts an indexer search for a title already in the
	// library, identified by its library id.
	SearchReleases(ctx context.Context, id int) (*Command, error)
}

// EpisodeServer adds the episode-level capabilities only Sonarr has.
type EpisodeServer interface {
	Server
	// Episodes lists a series' episodes, optionally one season only.
	Episodes(ctx context.Context, filter EpisodeFilter) ([]Episode, error)
	// SearchEpisodes starts an indexer search for specific episodes.
	SearchEpisodes(ctx context.Context, episodeIDs []int) (*Command, error)
	// Wanted lists monitored episodes that are missing or below the
	// quality cutoff.
	Wanted(ctx context.Context, filter WantedFilter) ([]Episode, error)
}

// Item is a movie or series, from a lookup or from the library.
type Item struct {
	// ID is the server's library id; zero when the item is not in the
	// library.
	ID int
	// ExternalID is the TMDB id (movies) or TVDB id (series) used by Add.
	ExternalID int
	Title      string
	Year       int
	Status     string
	Overview   string
	Genres     []string
	Monitored  bool

	// Studio for movies, network for series.
	Studio string

	// Movies: whether the file is on disk. Series: episodes on disk and
	// total episodes.
	HasFile      bool
	EpisodeFiles int
	Episodes     int
	Seasons      int

	SizeOnDisk int64
}

// InLibrary reports whether the item is already managed by the server.
func (i Item) InLibrary() bool { return i.ID > 0 }

// AddOptions tunes an Add call. Zero values fall back to the configured
// defaults, then to the first profile or root folder on the server.
type AddOptions struct {
	QualityProfileID int
	RootFolderPath   string
	// Search starts an indexer search immediately after adding.
	Search bool
	// Monitor selects which episodes to monitor (series only): all,
	// future, missing, existing, pilot, firstSeason, latestSeason, none.
	Monitor string
}

// SeriesMonitorModes are the accepted AddOptions.Monitor values.
var SeriesMonitorModes = []string{"all", "future", "missing", "existing", "pilot", "firstSeason", "latestSeason", "none"}

// Added confirms a successful Add.
type Added struct {
	ID               int
	ExternalID       int
	Title            string
	Year             int
	Path             string
	QualityProfileID int
	RootFolderPath   string
	Searching        bool
}

// ActivityState classifies an activity record.
type ActivityState string

// Activity states.
const (
	StateDownloading ActivityState = "downloading"
	StateQueued      ActivityState = "queued"
	StateCompleted   ActivityState = "completed"
)

// StatusFilter narrows Status results.
type StatusFilter struct {
	// State limits results to one state; empty means all.
	State ActivityState
	// Limit caps the number of records; zero means 20.
	Limit int
}

// Activity is one queued, downloading or recently imported item.
type Activity struct {
	Title    string
	Detail   string // episode designation for series, e.g. "S02E05 · Title"
	State    ActivityState
	Progress float64 // percent, 0-100
	Size     int64
	SizeLeft int64
	Quality  string
	Protocol string
	// ETA is set for queue records when the server estimates completion.
	ETA time.Time
	// Date is the import time for completed records.
	Date time.Time
}

// Disk is one mount reported by the server.
type Disk struct {
	Path  string
	Label string
	Free  int64
	Total int64
}

// DiskSummary aggregates all mounts.
type DiskSummary struct {
	Disks []Disk
	Free  int64
	Total int64
}

// DateRange is an inclusive range of calendar days.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Scheduled is one upcoming release: a movie release date or an episode
// air date.
type Scheduled struct {
	Title   string
	Detail  string // release type for movies, episode designation for series
	Date    time.Time
	HasFile bool
	// Monitored reports whether the server will grab the release.
	Monitored bool
}

// QualityProfile is a server quality profile.
type QualityProfile struct {
	ID             int
	Name           string
	UpgradeAllowed bool
}

// RootFolder is a server library folder.
type RootFolder struct {
	ID         int
	Path       string
	Free       int64
	Accessible bool
}

// SystemStatus describes the server software.
type SystemStatus struct {
	AppName      string
	InstanceName string
	Version      string
	Branch       string
	OSName       string
	OSVersion    string
	IsDocker     bool
	StartTime    time.Time
}

// HistoryFilter narrows History results.
type HistoryFilter struct {
	// ItemID limits events to one library movie or series.
	ItemID int
	// Limit caps the number of events; zero means 20.
	Limit int
}

// HistoryEvent is one entry in the server's history: a grab, an import,
// a failed download, a deleted file and so on.
type HistoryEvent struct {
	Date    time.Time
	Event   string
	Title   string
	Detail  string // episode designation for series
	Quality string
	// Release is the release name the event concerns.
	Release string
	Indexer string
}

// Command is a background task accepted by the server.
type Command struct {
	ID     int
	Name   string
	Status string
	Queued time.Time
	// Subject names what the command works on, e.g. a movie title.
	Subject string
}

// EpisodeFilter selects the episodes of one series.
type EpisodeFilter struct {
	SeriesID int
	// Season limits results to one season when non-nil. Season 0 holds
	// specials.
	Season *int
}

// Episode is one series episode.
type Episode struct {
	ID          int
	SeriesID    int
	SeriesTitle string
	Season      int
	Number      int
	Title       string
	AirDate     time.Time
	HasFile     bool
	Monitored   bool
	// LastSearch is when the server last searched for the episode.
	LastSearch time.Time
}

// Designation returns "S02E05 · Title".
func (e Episode) Designation() string {
	d := fmt.Sprintf("S%02dE%02d", e.Season, e.Number)
	if e.Title != "" {
		d += " · " + e.Title
	}
	return d
}

// WantedKind selects a wanted list.
type WantedKind string

// Wanted lists.
const (
	WantedMissing WantedKind = "missing"
	WantedCutoff  WantedKind = "cutoff"
)

// WantedFilter narrows Wanted results.
type WantedFilter struct {
	// Kind defaults to WantedMissing.
	Kind WantedKind
	// Limit caps the number of episodes; zero means 20.
	Limit int
}

// Options configures a client. Credentials is required; everything else
// has a default.
type Options struct {
	Credentials CredentialFunc
	HTTPClient  *http.Client
	Logger      *slog.Logger

	// Timeout bounds each HTTP attempt. Default 15s.
	Timeout time.Duration
	// MaxAttempts bounds total attempts for retryable failures. Default 3.
	MaxAttempts int
	// BackoffInitial and BackoffMax shape the exponential delay between
	// attempts. Defaults 500ms and 5s.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Defaults for Add.
	QualityProfileID int
	RootFolderPath   string

	// Now is the clock used for default date ranges.
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 500 * time.Millisecond
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = 10 * o.BackoffInitial
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// New returns the client for kind.
func New(kind vault.Kind, opts Options) (Server, error) {
	switch kind {
	case vault.KindMovie:
		return NewMovieClient(opts), nil
	case vault.KindSeries:
		return NewSeriesClient(opts), nil
	}
	return nil, fmt.Errorf("unknown server kind %q", kind)
}
