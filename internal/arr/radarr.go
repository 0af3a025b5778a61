package arr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/akstspace/media-mgmt-agent/internal/apperr"
	"github.com/akstspace/media-mgmt-agent/internal/vault"
)

// MovieClient talks to Radarr.
type MovieClient struct {
	*client
}

var _ Server = (*MovieClient)(nil)

// NewMovieClient creates a Radarr client.
func NewMovieClient(opts Options) *MovieClient {
	return &MovieClient{client: newClient(vault.KindMovie, "radarr", opts)}
}

type movieResource struct {
	ID                  int             `json:"id,omitempty"`
	Title               string          `json:"title"`
	Year                int             `json:"year"`
	TmdbID              int             `json:"tmdbId"`
	ImdbID              string          `json:"imdbId,omitempty"`
	TitleSlug           string          `json:"titleSlug,omitempty"`
	Status              string          `json:"status,omitempty"`
	Overview            string          `json:"overview,omitempty"`
	Studio              string          `json:"studio,omitempty"`
	Genres              []string        `json:"genres,omitempty"`
	Images              json.RawMessage `json:"images,omitempty"`
	Monitored           bool            `json:"monitored"`
	HasFile             bool            `json:"hasFile"`
	SizeOnDisk          int64           `json:"sizeOnDisk,omitempty"`
	Path                string          `json:"path,omitempty"`
	QualityProfileID    int             `json:"qualityProfileId,omitempty"`
	RootFolderPath      string          `json:"rootFolderPath,omitempty"`
	MinimumAvailability string          `json:"minimumAvailability,omitempty"`
	InCinemas           *time.Time      `json:"inCinemas,omitempty"`
	DigitalRelease      *time.Time      `json:"digitalRelease,omitempty"`
	PhysicalRelease     *time.Time      `json:"physicalRelease,omitempty"`
	AddOptions          *movieAddOpts   `json:"addOptions,omitempty"`
}

type movieAddOpts struct {
	SearchForMovie bool `json:"searchForMovie"`
}

func (m movieResource) item() Item {
	return Item{
		ID:         m.ID,
		ExternalID: m.TmdbID,
		Title:      m.Title,
		Year:       m.Year,
		Status:     m.Status,
		Overview:   m.Overview,
		Genres:     m.Genres,
		Monitored:  m.Monitored,
		Studio:     m.Studio,
		HasFile:    m.HasFile,
		SizeOnDisk: m.SizeOnDisk,
	}
}

// Search looks up movies by title, or by "tmdb:<id>" / "imdb:<id>".
func (c *MovieClient) Search(ctx context.Context, query string) ([]Item, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.New(apperr.KindValidation, "radarr.search", "search term is required")
	}
	res, err := c.lookup(ctx, query)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(res))
	for _, m := range res {
		items = append(items, m.item())
	}
	return items, nil
}

func (c *MovieClient) lookup(ctx context.Context, term string) ([]movieResource, error) {
	var res []movieResource
	err := c.get(ctx, "search", "/api/v3/movie/lookup", url.Values{"term": {term}}, &res)
	return res, err
}

// Add adds the movie with the given TMDB id. The lookup that precedes
// the POST makes a repeated Add return AlreadyExists without touching
// the library.
func (c *MovieClient) Add(ctx context.Context, tmdbID int, opts AddOptions) (*Added, error) {
	const op = "radarr.add"
	if tmdbID <= 0 {
		return nil, apperr.New(apperr.KindValidation, op, "a positive TMDB id is required")
	}

	found, err := c.lookup(ctx, fmt.Sprintf("tmdb:%d", tmdbID))
	if err != nil {
		return nil, err
	}
	var movie *movieResource
	for i := range found {
		if found[i].TmdbID == tmdbID {
			movie = &found[i]
			break
		}
	}
	if movie == nil {
		return nil, apperr.New(apperr.KindNotFound, op, "no movie with TMDB id %d", tmdbID)
	}
	if movie.ID > 0 {
		return nil, apperr.New(apperr.KindAlreadyExists, op,
			"%s (%d) is already in the Radarr library", movie.Title, movie.Year)
	}

	profile, root, err := c.addDefaults(ctx, opts)
	if err != nil {
		return nil, err
	}

	req := *movie
	req.QualityProfileID = profile
	req.RootFolderPath = root
	req.Monitored = true
	req.MinimumAvailability = "released"
	req.AddOptions = &movieAddOpts{SearchForMovie: opts.Search}

	var created movieResource
	if err := c.post(ctx, "add", "/api/v3/movie", req, &created); err != nil {
		return nil, err
	}
	c.logger.Info("movie added", "title", created.Title, "tmdb_id", tmdbID, "id", created.ID)

	return &Added{
		ID:               created.ID,
		ExternalID:       tmdbID,
		Title:            created.Title,
		Year:             created.Year,
		Path:             created.Path,
		QualityProfileID: profile,
		RootFolderPath:   root,
		Searching:        opts.Search,
	}, nil
}

type movieQueueRecord struct {
	Title                   string          `json:"title"`
	Status                  string          `json:"status"`
	Size                    float64         `json:"size"`
	SizeLeft                float64         `json:"sizeleft"`
	EstimatedCompletionTime *time.Time      `json:"estimatedCompletionTime"`
	Protocol                string          `json:"protocol"`
	Quality                 qualityResource `json:"quality"`
	Movie                   *movieResource  `json:"movie"`
}

type movieHistoryRecord struct {
	Date        time.Time       `json:"date"`
	EventType   string          `json:"eventType"`
	SourceTitle string          `json:"sourceTitle"`
	Quality     qualityResource `json:"quality"`
	Data        historyData     `json:"data"`
	Movie       *movieResource  `json:"movie"`
}

func (r movieHistoryRecord) event() HistoryEvent {
	title := r.SourceTitle
	if r.Movie != nil && r.Movie.Title != "" {
		title = fmt.Sprintf("%s (%d)", r.Movie.Title, r.Movie.Year)
	}
	return HistoryEvent{
		Date:    r.Date,
		Event:   r.EventType,
		Title:   title,
		Quality: r.Quality.Quality.Name,
		Release: r.SourceTitle,
		Indexer: r.Data.Indexer,
	}
}

// Status merges the download queue with recent imports.
func (c *MovieClient) Status(ctx context.Context, filter StatusFilter) ([]Activity, error) {
	if err := checkState("radarr.status", filter.State); err != nil {
		return nil, err
	}

	var queue queuePage[movieQueueRecord]
	q := url.Values{"page": {"1"}, "pageSize": {"50"}, "includeMovie": {"true"}}
	if err := c.get(ctx, "status", "/api/v3/queue", q, &queue); err != nil {
		return nil, err
	}

	var all []Activity
	for _, r := range queue.Records {
		title := r.Title
		if r.Movie != nil && r.Movie.Title != "" {
			title = fmt.Sprintf("%s (%d)", r.Movie.Title, r.Movie.Year)
		}
		a := Activity{
			Title:    title,
			State:    queueState(r.Status),
			Size:     int64(r.Size),
			SizeLeft: int64(r.SizeLeft),
			Progress: progress(int64(r.Size), int64(r.SizeLeft)),
			Quality:  r.Quality.Quality.Name,
			Protocol: r.Protocol,
		}
		if r.EstimatedCompletionTime != nil {
			a.ETA = *r.EstimatedCompletionTime
		}
		all = append(all, a)
	}

	if wantsHistory(filter) {
		var history queuePage[movieHistoryRecord]
		hq := historyQuery(20)
		hq.Set("includeMovie", "true")
		if err := c.get(ctx, "status", "/api/v3/history", hq, &history); err != nil {
			return nil, err
		}
		for _, r := range history.Records {
			if r.EventType != "" && r.EventType != "downloadFolderImported" {
				continue
			}
			title := r.SourceTitle
			if r.Movie != nil && r.Movie.Title != "" {
				title = fmt.Sprintf("%s (%d)", r.Movie.Title, r.Movie.Year)
			}
			all = append(all, Activity{
				Title:    title,
				State:    StateCompleted,
				Progress: 100,
				Quality:  r.Quality.Quality.Name,
				Date:     r.Date,
			})
		}
	}
	return filterActivity(all, filter), nil
}

// Upcoming lists cinema, digital and physical releases in the range.
func (c *MovieClient) Upcoming(ctx context.Context, r DateRange) ([]Scheduled, error) {
	r, err := c.defaultRange(r)
	if err != nil {
		return nil, err
	}
	var res []movieResource
	if err := c.get(ctx, "upcoming", "/api/v3/calendar", calendarQuery(r), &res); err != nil {
		return nil, err
	}

	from := dayStart(r.Start)
	to := dayStart(r.End).AddDate(0, 0, 1)
	var out []Scheduled
	for _, m := range res {
		releases := []struct {
			kind string
			at   *time.Time
		}{
			{"in cinemas", m.InCinemas},
			{"digital release", m.DigitalRelease},
			{"physical release", m.PhysicalRelease},
		}
		for _, rel := range releases {
			if rel.at == nil || rel.at.Before(from) || !rel.at.Before(to) {
				continue
			}
			out = append(out, Scheduled{
				Title:     fmt.Sprintf("%s (%d)", m.Title, m.Year),
				Detail:    rel.kind,
				Date:      *rel.at,
				HasFile:   m.HasFile,
				Monitored: m.Monitored,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// History lists recent events, newest first. With an ItemID only that
// movie's events are returned.
func (c *MovieClient) History(ctx context.Context, filter HistoryFilter) ([]HistoryEvent, error) {
	limit := listLimit(filter.Limit)
	var records []movieHistoryRecord
	if filter.ItemID > 0 {
		var movie movieResource
		if err := c.libraryItem(ctx, "history", "/api/v3/movie", filter.ItemID, &movie); err != nil {
			return nil, err
		}
		q := url.Values{"movieId": {fmt.Sprint(filter.ItemID)}}
		if err := c.get(ctx, "history", "/api/v3/history/movie", q, &records); err != nil {
			return nil, err
		}
		for i := range records {
			if records[i].Movie == nil {
				records[i].Movie = &movie
			}
		}
		sort.SliceStable(records, func(i, j int) bool { return records[i].Date.After(records[j].Date) })
	} else {
		var page queuePage[movieHistoryRecord]
		q := eventsQuery(limit)
		q.Set("includeMovie", "true")
		if err := c.get(ctx, "history", "/api/v3/history", q, &page); err != nil {
			return nil, err
		}
		records = page.Records
	}

	records = records[:min(len(records), limit)]
	out := make([]HistoryEvent, 0, len(records))
	for _, r := range records {
		out = append(out, r.event())
	}
	return out, nil
}

// SearchReleases queues a MoviesSearch for a movie in the library.
func (c *MovieClient) SearchReleases(ctx context.Context, id int) (*Command, error) {
	const op = "search_releases"
	var movie movieResource
	if err := c.libraryItem(ctx, op, "/api/v3/movie", id, &movie); err != nil {
		return nil, err
	}
	return c.command(ctx, op, map[string]any{"name": "MoviesSearch", "movieIds": []int{id}},
		fmt.Sprintf("%s (%d)", movie.Title, movie.Year))
}

// Library lists every movie Radarr manages, sorted by title.
func (c *MovieClient) Library(ctx context.Context) ([]Item, error) {
	var res []movieResource
	if err := c.get(ctx, "library", "/api/v3/movie", nil, &res); err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(res))
	for _, m := range res {
		items = append(items, m.item())
	}
	sort.SliceStable(items, func(i, j int) bool {
		return strings.ToLower(items[i].Title) < strings.ToLower(items[j].Title)
	})
	return items, nil
}
