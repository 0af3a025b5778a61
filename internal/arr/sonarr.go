package arr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/akstspace/media-mgmt-agent/internal/apperr"
	"github.com/akstspace/media-mgmt-agent/internal/vault"
)

// SeriesClient talks to Sonarr.
type SeriesClient struct {
	*client
}

var _ EpisodeServer = (*SeriesClient)(nil)

// NewSeriesClient creates a Sonarr client.
func NewSeriesClient(opts Options) *SeriesClient {
	return &SeriesClient{client: newClient(vault.KindSeries, "sonarr", opts)}
}

type seriesResource struct {
	ID               int               `json:"id,omitempty"`
	Title            string            `json:"title"`
	Year             int               `json:"year"`
	TvdbID           int               `json:"tvdbId"`
	TitleSlug        string            `json:"titleSlug,omitempty"`
	Status           string            `json:"status,omitempty"`
	Overview         string            `json:"overview,omitempty"`
	Network          string            `json:"network,omitempty"`
	Genres           []string          `json:"genres,omitempty"`
	Images           json.RawMessage   `json:"images,omitempty"`
	Seasons          json.RawMessage   `json:"seasons,omitempty"`
	SeasonCount      int               `json:"seasonCount,omitempty"`
	SeriesType       string            `json:"seriesType,omitempty"`
	Monitored        bool              `json:"monitored"`
	SeasonFolder     bool              `json:"seasonFolder"`
	Path             string            `json:"path,omitempty"`
	QualityProfileID int               `json:"qualityProfileId,omitempty"`
	RootFolderPath   string            `json:"rootFolderPath,omitempty"`
	Statistics       *seriesStatistics `json:"statistics,omitempty"`
	AddOptions       *seriesAddOpts    `json:"addOptions,omitempty"`
}

type seriesStatistics struct {
	SeasonCount      int   `json:"seasonCount"`
	EpisodeFileCount int   `json:"episodeFileCount"`
	EpisodeCount     int   `json:"episodeCount"`
	SizeOnDisk       int64 `json:"sizeOnDisk"`
}

type seriesAddOpts struct {
	Monitor                  string `json:"monitor"`
	SearchForMissingEpisodes bool   `json:"searchForMissingEpisodes"`
}

func (s seriesResource) item() Item {
	it := Item{
		ID:         s.ID,
		ExternalID: s.TvdbID,
		Title:      s.Title,
		Year:       s.Year,
		Status:     s.Status,
		Overview:   s.Overview,
		Genres:     s.Genres,
		Monitored:  s.Monitored,
		Studio:     s.Network,
		Seasons:    s.SeasonCount,
	}
	if st := s.Statistics; st != nil {
		it.EpisodeFiles = st.EpisodeFileCount
		it.Episodes = st.EpisodeCount
		it.SizeOnDisk = st.SizeOnDisk
		if it.Seasons == 0 {
			it.Seasons = st.SeasonCount
		}
	}
	it.HasFile = it.EpisodeFiles > 0
	return it
}

type episodeResource struct {
	ID             int             `json:"id"`
	SeriesID       int             `json:"seriesId"`
	SeasonNumber   int             `json:"seasonNumber"`
	EpisodeNumber  int             `json:"episodeNumber"`
	Title          string          `json:"title"`
	AirDateUTC     *time.Time      `json:"airDateUtc"`
	HasFile        bool            `json:"hasFile"`
	Monitored      bool            `json:"monitored"`
	LastSearchTime *time.Time      `json:"lastSearchTime"`
	Series         *seriesResource `json:"series"`
}

func (e episodeResource) episode() Episode {
	ep := Episode{
		ID:        e.ID,
		SeriesID:  e.SeriesID,
		Season:    e.SeasonNumber,
		Number:    e.EpisodeNumber,
		Title:     e.Title,
		HasFile:   e.HasFile,
		Monitored: e.Monitored,
	}
	if e.AirDateUTC != nil {
		ep.AirDate = *e.AirDateUTC
	}
	if e.LastSearchTime != nil {
		ep.LastSearch = *e.LastSearchTime
	}
	if e.Series != nil {
		ep.SeriesTitle = e.Series.Title
	}
	return ep
}

func (e episodeResource) designation() string { return e.episode().Designation() }

// Search looks up series by title, or by "tvdb:<id>".
func (c *SeriesClient) Search(ctx context.Context, query string) ([]Item, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.New(apperr.KindValidation, "sonarr.search", "search term is required")
	}
	res, err := c.lookup(ctx, query)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(res))
	for _, s := range res {
		items = append(items, s.item())
	}
	return items, nil
}

func (c *SeriesClient) lookup(ctx context.Context, term string) ([]seriesResource, error) {
	var res []seriesResource
	err := c.get(ctx, "search", "/api/v3/series/lookup", url.Values{"term": {term}}, &res)
	return res, err
}

// Add adds the series with the given TVDB id.
func (c *SeriesClient) Add(ctx context.Context, tvdbID int, opts AddOptions) (*Added, error) {
	const op = "sonarr.add"
	if tvdbID <= 0 {
		return nil, apperr.New(apperr.KindValidation, op, "a positive TVDB id is required")
	}
	monitor := opts.Monitor
	if monitor == "" {
		monitor = "all"
	}
	if !slices.Contains(SeriesMonitorModes, monitor) {
		return nil, apperr.New(apperr.KindValidation, op, "unknown monitor mode %q", monitor)
	}

	found, err := c.lookup(ctx, fmt.Sprintf("tvdb:%d", tvdbID))
	if err != nil {
		return nil, err
	}
	var series *seriesResource
	for i := range found {
		if found[i].TvdbID == tvdbID {
			series = &found[i]
			break
		}
	}
	if series == nil {
		return nil, apperr.New(apperr.KindNotFound, op, "no series with TVDB id %d", tvdbID)
	}
	if series.ID > 0 {
		return nil, apperr.New(apperr.KindAlreadyExists, op,
			"%s (%d) is already in the Sonarr library", series.Title, series.Year)
	}

	profile, root, err := c.addDefaults(ctx, opts)
	if err != nil {
		return nil, err
	}

	req := *series
	req.QualityProfileID = profile
	req.RootFolderPath = root
	req.Monitored = true
	req.SeasonFolder = true
	if req.SeriesType == "" {
		req.SeriesType = "standard"
	}
	req.Statistics = nil
	req.AddOptions = &seriesAddOpts{Monitor: monitor, SearchForMissingEpisodes: opts.Search}

	var created seriesResource
	if err := c.post(ctx, "add", "/api/v3/series", req, &created); err != nil {
		return nil, err
	}
	c.logger.Info("series added", "title", created.Title, "tvdb_id", tvdbID, "id", created.ID)

	return &Added{
		ID:               created.ID,
		ExternalID:       tvdbID,
		Title:            created.Title,
		Year:             created.Year,
		Path:             created.Path,
		QualityProfileID: profile,
		RootFolderPath:   root,
		Searching:        opts.Search,
	}, nil
}

type seriesQueueRecord struct {
	Title                   string           `json:"title"`
	Status                  string           `json:"status"`
	Size                    float64          `json:"size"`
	SizeLeft                float64          `json:"sizeleft"`
	EstimatedCompletionTime *time.Time       `json:"estimatedCompletionTime"`
	Protocol                string           `json:"protocol"`
	Quality                 qualityResource  `json:"quality"`
	Series                  *seriesResource  `json:"series"`
	Episode                 *episodeResource `json:"episode"`
}

type seriesHistoryRecord struct {
	Date        time.Time        `json:"date"`
	EventType   string           `json:"eventType"`
	SourceTitle string           `json:"sourceTitle"`
	Quality     qualityResource  `json:"quality"`
	Data        historyData      `json:"data"`
	Series      *seriesResource  `json:"series"`
	Episode     *episodeResource `json:"episode"`
}

func (r seriesHistoryRecord) event() HistoryEvent {
	ev := HistoryEvent{
		Date:    r.Date,
		Event:   r.EventType,
		Title:   r.SourceTitle,
		Quality: r.Quality.Quality.Name,
		Release: r.SourceTitle,
		Indexer: r.Data.Indexer,
	}
	if r.Series != nil && r.Series.Title != "" {
		ev.Title = r.Series.Title
	}
	if r.Episode != nil {
		ev.Detail = r.Episode.designation()
	}
	return ev
}

// Status merges the download queue with recent imports.
func (c *SeriesClient) Status(ctx context.Context, filter StatusFilter) ([]Activity, error) {
	if err := checkState("sonarr.status", filter.State); err != nil {
		return nil, err
	}

	var queue queuePage[seriesQueueRecord]
	q := url.Values{
		"page":           {"1"},
		"pageSize":       {"50"},
		"includeSeries":  {"true"},
		"includeEpisode": {"true"},
	}
	if err := c.get(ctx, "status", "/api/v3/queue", q, &queue); err != nil {
		return nil, err
	}

	var all []Activity
	for _, r := range queue.Records {
		a := Activity{
			Title:    r.Title,
			State:    queueState(r.Status),
			Size:     int64(r.Size),
			SizeLeft: int64(r.SizeLeft),
			Progress: progress(int64(r.Size), int64(r.SizeLeft)),
			Quality:  r.Quality.Quality.Name,
			Protocol: r.Protocol,
		}
		if r.Series != nil && r.Series.Title != "" {
			a.Title = r.Series.Title
		}
		if r.Episode != nil {
			a.Detail = r.Episode.designation()
		}
		if r.EstimatedCompletionTime != nil {
			a.ETA = *r.EstimatedCompletionTime
		}
		all = append(all, a)
	}

	if wantsHistory(filter) {
		var history queuePage[seriesHistoryRecord]
		hq := historyQuery(20)
		hq.Set("includeSeries", "true")
		hq.Set("includeEpisode", "true")
		if err := c.get(ctx, "status", "/api/v3/history", hq, &history); err != nil {
			return nil, err
		}
		for _, r := range history.Records {
			if r.EventType != "" && r.EventType != "downloadFolderImported" {
				continue
			}
			a := Activity{
				Title:    r.SourceTitle,
				State:    StateCompleted,
				Progress: 100,
				Quality:  r.Quality.Quality.Name,
				Date:     r.Date,
			}
			if r.Series != nil && r.Series.Title != "" {
				a.Title = r.Series.Title
			}
			if r.Episode != nil {
				a.Detail = r.Episode.designation()
			}
			all = append(all, a)
		}
	}
	return filterActivity(all, filter), nil
}

// Upcoming lists episode air dates in the range.
func (c *SeriesClient) Upcoming(ctx context.Context, r DateRange) ([]Scheduled, error) {
	r, err := c.defaultRange(r)
	if err != nil {
		return nil, err
	}
	q := calendarQuery(r)
	q.Set("includeSeries", "true")

	var res []episodeResource
	if err := c.get(ctx, "upcoming", "/api/v3/calendar", q, &res); err != nil {
		return nil, err
	}

	from := dayStart(r.Start)
	to := dayStart(r.End).AddDate(0, 0, 1)
	out := make([]Scheduled, 0, len(res))
	for _, e := range res {
		if e.AirDateUTC == nil || e.AirDateUTC.Before(from) || !e.AirDateUTC.Before(to) {
			continue
		}
		title := "Unknown series"
		if e.Series != nil {
			title = e.Series.Title
		}
		out = append(out, Scheduled{
			Title:     title,
			Detail:    e.designation(),
			Date:      *e.AirDateUTC,
			HasFile:   e.HasFile,
			Monitored: e.Monitored,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// History lists recent events, newest first. With an ItemID only that
// series' events are returned.
func (c *SeriesClient) History(ctx context.Context, filter HistoryFilter) ([]HistoryEvent, error) {
	limit := listLimit(filter.Limit)
	var records []seriesHistoryRecord
	if filter.ItemID > 0 {
		var series seriesResource
		if err := c.libraryItem(ctx, "history", "/api/v3/series", filter.ItemID, &series); err != nil {
			return nil, err
		}
		q := url.Values{"seriesId": {fmt.Sprint(filter.ItemID)}, "includeEpisode": {"true"}}
		if err := c.get(ctx, "history", "/api/v3/history/series", q, &records); err != nil {
			return nil, err
		}
		for i := range records {
			if records[i].Series == nil {
				records[i].Series = &series
			}
		}
		sort.SliceStable(records, func(i, j int) bool { return records[i].Date.After(records[j].Date) })
	} else {
		var page queuePage[seriesHistoryRecord]
		q := eventsQuery(limit)
		q.Set("includeSeries", "true")
		q.Set("includeEpisode", "true")
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

// SearchReleases queues a SeriesSearch, which looks for every missing
// monitored episode of a series in the library.
func (c *SeriesClient) SearchReleases(ctx context.Context, id int) (*Command, error) {
	const op = "search_releases"
	var series seriesResource
	if err := c.libraryItem(ctx, op, "/api/v3/series", id, &series); err != nil {
		return nil, err
	}
	return c.command(ctx, op, map[string]any{"name": "SeriesSearch", "seriesId": id}, series.Title)
}

// Episodes lists a series' episodes in season and episode order.
func (c *SeriesClient) Episodes(ctx context.Context, filter EpisodeFilter) ([]Episode, error) {
	const op = "episodes"
	var series seriesResource
	if err := c.libraryItem(ctx, op, "/api/v3/series", filter.SeriesID, &series); err != nil {
		return nil, err
	}
	q := url.Values{"seriesId": {fmt.Sprint(filter.SeriesID)}}
	if filter.Season != nil {
		q.Set("seasonNumber", fmt.Sprint(*filter.Season))
	}
	var res []episodeResource
	if err := c.get(ctx, op, "/api/v3/episode", q, &res); err != nil {
		return nil, err
	}

	out := make([]Episode, 0, len(res))
	for _, e := range res {
		ep := e.episode()
		ep.SeriesTitle = series.Title
		out = append(out, ep)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Season != out[j].Season {
			return out[i].Season < out[j].Season
		}
		return out[i].Number < out[j].Number
	})
	return out, nil
}

// SearchEpisodes queues an EpisodeSearch for the given episode ids.
func (c *SeriesClient) SearchEpisodes(ctx context.Context, episodeIDs []int) (*Command, error) {
	const op = "search_episodes"
	if len(episodeIDs) == 0 {
		return nil, apperr.New(apperr.KindValidation, "sonarr."+op, "at least one episode id is required")
	}
	ids := slices.Clone(episodeIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if ids[0] <= 0 {
		return nil, apperr.New(apperr.KindValidation, "sonarr."+op, "episode ids must be positive")
	}
	return c.command(ctx, op, map[string]any{"name": "EpisodeSearch", "episodeIds": ids},
		fmt.Sprintf("%d episode(s)", len(ids)))
}

// Wanted lists monitored episodes that are missing or below the quality
// cutoff, most recently aired first.
func (c *SeriesClient) Wanted(ctx context.Context, filter WantedFilter) ([]Episode, error) {
	kind := filter.Kind
	if kind == "" {
		kind = WantedMissing
	}
	if kind != WantedMissing && kind != WantedCutoff {
		return nil, apperr.New(apperr.KindValidation, "sonarr.wanted", "unknown wanted list %q (valid: missing, cutoff)", kind)
	}
	q := url.Values{
		"page":          {"1"},
		"pageSize":      {fmt.Sprint(listLimit(filter.Limit))},
		"sortKey":       {"airDateUtc"},
		"sortDirection": {"descending"},
		"includeSeries": {"true"},
		"monitored":     {"true"},
	}
	var page queuePage[episodeResource]
	if err := c.get(ctx, "wanted", "/api/v3/wanted/"+string(kind), q, &page); err != nil {
		return nil, err
	}
	out := make([]Episode, 0, len(page.Records))
	for _, e := range page.Records {
		out = append(out, e.episode())
	}
	return out, nil
}

// Library lists every series Sonarr manages, sorted by title.
func (c *SeriesClient) Library(ctx context.Context) ([]Item, error) {
	var res []seriesResource
	if err := c.get(ctx, "library", "/api/v3/series", nil, &res); err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(res))
	for _, s := range res {
		items = append(items, s.item())
	}
	sort.SliceStable(items, func(i, j int) bool {
		return strings.ToLower(items[i].Title) < strings.ToLower(items[j].Title)
	})
	return items, nil
}
