package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/akstspace/media-mgmt-agent/internal/arr"
)

// Result size limits for list-shaped tools.
const (
	searchLimit         = 10
	defaultLibraryLimit = 50
	maxLibraryLimit     = 200
	defaultStatusLimit  = 20
	maxStatusLimit      = 100
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	defaultWantedLimit  = 20
	maxWantedLimit      = 100
)

// MediaOptions tunes RegisterMediaTools.
type MediaOptions struct {
	// Now supplies "today" for the default upcoming range.
	Now func() time.Time
}

// RegisterMediaTools registers the tools for one media server. Tool
// names are prefixed with the server kind: movie_search, series_add and
// so on. A server that also implements [arr.EpisodeServer] gets the
// episode tools.
func RegisterMediaTools(c *Catalog, srv arr.Server, opts MediaOptions) error {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &mediaTools{srv: srv, kind: string(srv.Kind()), now: opts.Now}
	ds := m.descriptors()
	if eps, ok := srv.(arr.EpisodeServer); ok {
		ds = append(ds, m.episodeDescriptors(eps)...)
	}
	for _, d := range ds {
		if err := c.Register(d); err != nil {
			return err
		}
	}
	return nil
}

type mediaTools struct {
	srv  arr.Server
	kind string
	now  func() time.Time
}

func (m *mediaTools) name(verb string) string { return m.kind + "_" + verb }

func (m *mediaTools) app() string {
	if m.kind == "movie" {
		return "Radarr"
	}
	return "Sonarr"
}

func (m *mediaTools) descriptors() []Descriptor {
	label := externalLabel(m.kind)
	add := []Field{
		{Name: "id", Type: TypeInteger, Required: true, Min: Bound(1),
			Description: fmt.Sprintf("The %s from a %s result.", label, m.name("search"))},
		{Name: "quality_profile_id", Type: TypeInteger, Min: Bound(1),
			Description: fmt.Sprintf("Quality profile to use; see %s. Defaults to the configured profile.", m.name("quality_profiles"))},
		{Name: "root_folder_path", Type: TypeString,
			Description: fmt.Sprintf("Library folder to add into; see %s. Defaults to the configured folder.", m.name("root_folders"))},
		{Name: "search", Type: TypeBoolean,
			Description: "Start searching for a release right away. Default true."},
	}
	if m.kind == "series" {
		add = append(add, Field{
			Name: "monitor", Type: TypeString, Enum: arr.SeriesMonitorModes,
			Description: "Which episodes to monitor. Default all.",
		})
	}

	return []Descriptor{
		{
			Name: m.name("search"),
			Description: fmt.Sprintf("Search %s for %s by title. Returns candidates with their %s, which %s needs. Shows whether each is already in the library.",
				m.app(), noun(m.kind, 2), label, m.name("add")),
			Schema: []Field{
				{Name: "query", Type: TypeString, Required: true, Description: "Title to search for, optionally with a year."},
			},
			Target: m.search,
		},
		{
			Name: m.name("add"),
			Description: fmt.Sprintf("Add a %s to the %s library by %s. Adding something already in the library changes nothing and reports already_exists.",
				m.kind, m.app(), label),
			Schema: add,
			Target: m.add,
		},
		{
			Name:        m.name("status"),
			Description: fmt.Sprintf("Show %s downloads that are queued, downloading or recently completed.", m.kind),
			Schema: []Field{
				{Name: "state", Type: TypeString, Enum: []string{string(arr.StateDownloading), string(arr.StateQueued), string(arr.StateCompleted)},
					Description: "Only show records in this state."},
				{Name: "limit", Type: TypeInteger, Min: Bound(1), Max: Bound(maxStatusLimit),
					Description: fmt.Sprintf("Maximum records. Default %d.", defaultStatusLimit)},
			},
			Target: m.status,
		},
		{
			Name:        m.name("disk_space"),
			Description: fmt.Sprintf("Report free and total disk space on the %s server.", m.app()),
			Target:      m.diskSpace,
		},
		{
			Name:        m.name("upcoming"),
			Description: fmt.Sprintf("List upcoming %s releases on the %s calendar. Defaults to today through the next 7 days.", m.kind, m.app()),
			Schema: []Field{
				{Name: "start", Type: TypeDate, Description: "First day, YYYY-MM-DD. Default today."},
				{Name: "end", Type: TypeDate, Description: "Last day, YYYY-MM-DD. Default 7 days after start."},
			},
			Target: m.upcoming,
		},
		{
			Name:        m.name("quality_profiles"),
			Description: fmt.Sprintf("List the quality profiles defined on %s.", m.app()),
			Target:      m.qualityProfiles,
		},
		{
			Name:        m.name("root_folders"),
			Description: fmt.Sprintf("List the library root folders configured on %s.", m.app()),
			Target:      m.rootFolders,
		},
		{
			Name:        m.name("system_status"),
			Description: fmt.Sprintf("Show the %s version and host details.", m.app()),
			Target:      m.systemStatus,
		},
		{
			Name:        m.name("library"),
			Description: fmt.Sprintf("List %s already in the %s library, optionally filtered by title.", noun(m.kind, 2), m.app()),
			Schema: []Field{
				{Name: "filter", Type: TypeString, Description: "Case-insensitive title substring."},
				{Name: "limit", Type: TypeInteger, Min: Bound(1), Max: Bound(maxLibraryLimit),
					Description: fmt.Sprintf("Maximum rows. Default %d.", defaultLibraryLimit)},
			},
			Target: m.library,
		},
		{
			Name: m.name("history"),
			Description: fmt.Sprintf("Show recent %s history: grabs, imports, failed downloads and deleted files, newest first.",
				m.app()),
			Schema: []Field{
				{Name: "id", Type: TypeInteger, Min: Bound(1),
					Description: fmt.Sprintf("Only this %s, by the library ID from %s.", m.kind, m.name("library"))},
				{Name: "limit", Type: TypeInteger, Min: Bound(1), Max: Bound(maxHistoryLimit),
					Description: fmt.Sprintf("Maximum events. Default %d.", defaultHistoryLimit)},
			},
			Target: m.history,
		},
		{
			Name: m.name("trigger_search"),
			Description: fmt.Sprintf("Ask %s to search indexers now for a %s already in the library. %s",
				m.app(), m.kind, searchScope(m.kind)),
			Schema: []Field{
				{Name: "id", Type: TypeInteger, Required: true, Min: Bound(1),
					Description: fmt.Sprintf("The library ID from %s.", m.name("library"))},
			},
			Target: m.triggerSearch,
		},
	}
}

func searchScope(kind string) string {
	if kind == "movie" {
		return "Use it when a monitored movie has no file yet."
	}
	return "It searches for every missing monitored episode of the series."
}

// episodeDescriptors are the tools only an episode-aware server has.
func (m *mediaTools) episodeDescriptors(eps arr.EpisodeServer) []Descriptor {
	e := &episodeTools{mediaTools: m, eps: eps}
	return []Descriptor{
		{
			Name:        m.name("episodes"),
			Description: "List the episodes of a series in the library with air dates and whether each is downloaded or monitored.",
			Schema: []Field{
				{Name: "series_id", Type: TypeInteger, Required: true, Min: Bound(1),
					Description: fmt.Sprintf("The library ID from %s.", m.name("library"))},
				{Name: "season", Type: TypeInteger, Min: Bound(0),
					Description: "Only this season. Season 0 holds specials."},
			},
			Target: e.episodes,
		},
		{
			Name:        m.name("episode_search"),
			Description: fmt.Sprintf("Ask %s to search indexers now for specific episodes.", m.app()),
			Schema: []Field{
				{Name: "episode_ids", Type: TypeIntegerList, Required: true, Min: Bound(1),
					Description: fmt.Sprintf("Episode IDs from %s or %s.", m.name("episodes"), m.name("wanted"))},
			},
			Target: e.episodeSearch,
		},
		{
			Name:        m.name("wanted"),
			Description: "List monitored episodes that are missing, or that are downloaded below the quality cutoff.",
			Schema: []Field{
				{Name: "list", Type: TypeString, Enum: []string{string(arr.WantedMissing), string(arr.WantedCutoff)},
					Description: "missing (default) or cutoff."},
				{Name: "limit", Type: TypeInteger, Min: Bound(1), Max: Bound(maxWantedLimit),
					Description: fmt.Sprintf("Maximum episodes. Default %d.", defaultWantedLimit)},
			},
			Target: e.wanted,
		},
	}
}

func (m *mediaTools) search(ctx context.Context, args Args) (string, error) {
	query := args.String("query")
	items, err := m.srv.Search(ctx, query)
	if err != nil {
		return "", err
	}
	return formatSearch(m.kind, query, items, searchLimit), nil
}

func (m *mediaTools) add(ctx context.Context, args Args) (string, error) {
	added, err := m.srv.Add(ctx, args.Int("id"), arr.AddOptions{
		QualityProfileID: args.Int("quality_profile_id"),
		RootFolderPath:   args.String("root_folder_path"),
		Search:           args.Bool("search", true),
		Monitor:          args.String("monitor"),
	})
	if err != nil {
		return "", err
	}
	return formatAdded(m.kind, added), nil
}

func (m *mediaTools) status(ctx context.Context, args Args) (string, error) {
	limit := args.Int("limit")
	if limit == 0 {
		limit = defaultStatusLimit
	}
	state := arr.ActivityState(args.String("state"))
	acts, err := m.srv.Status(ctx, arr.StatusFilter{State: state, Limit: limit})
	if err != nil {
		return "", err
	}
	return formatActivity(m.kind, acts, state), nil
}

func (m *mediaTools) diskSpace(ctx context.Context, _ Args) (string, error) {
	sum, err := m.srv.DiskSpace(ctx)
	if err != nil {
		return "", err
	}
	return formatDisks(sum), nil
}

func (m *mediaTools) upcoming(ctx context.Context, args Args) (string, error) {
	r := arr.DateRange{Start: args.Date("start"), End: args.Date("end")}
	if r.Start.IsZero() {
		now := m.now()
		r.Start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	}
	if r.End.IsZero() {
		r.End = r.Start.AddDate(0, 0, 7)
	}
	items, err := m.srv.Upcoming(ctx, r)
	if err != nil {
		return "", err
	}
	return formatUpcoming(m.kind, items, r), nil
}

func (m *mediaTools) qualityProfiles(ctx context.Context, _ Args) (string, error) {
	profiles, err := m.srv.QualityProfiles(ctx)
	if err != nil {
		return "", err
	}
	return formatProfiles(profiles), nil
}

func (m *mediaTools) rootFolders(ctx context.Context, _ Args) (string, error) {
	folders, err := m.srv.RootFolders(ctx)
	if err != nil {
		return "", err
	}
	return formatRootFolders(folders), nil
}

func (m *mediaTools) systemStatus(ctx context.Context, _ Args) (string, error) {
	st, err := m.srv.SystemStatus(ctx)
	if err != nil {
		return "", err
	}
	return formatSystemStatus(st), nil
}

func (m *mediaTools) library(ctx context.Context, args Args) (string, error) {
	items, err := m.srv.Library(ctx)
	if err != nil {
		return "", err
	}
	filter := args.String("filter")
	if filter != "" {
		needle := strings.ToLower(filter)
		kept := items[:0]
		for _, it := range items {
			if strings.Contains(strings.ToLower(it.Title), needle) {
				kept = append(kept, it)
			}
		}
		items = kept
	}
	limit := args.Int("limit")
	if limit == 0 {
		limit = defaultLibraryLimit
	}
	return formatLibrary(m.kind, items, filter, limit), nil
}

func (m *mediaTools) history(ctx context.Context, args Args) (string, error) {
	limit := args.Int("limit")
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	events, err := m.srv.History(ctx, arr.HistoryFilter{ItemID: args.Int("id"), Limit: limit})
	if err != nil {
		return "", err
	}
	return formatHistory(m.app(), events), nil
}

func (m *mediaTools) triggerSearch(ctx context.Context, args Args) (string, error) {
	cmd, err := m.srv.SearchReleases(ctx, args.Int("id"))
	if err != nil {
		return "", err
	}
	return formatCommand(cmd, m.name("status")), nil
}

type episodeTools struct {
	*mediaTools
	eps arr.EpisodeServer
}

func (e *episodeTools) episodes(ctx context.Context, args Args) (string, error) {
	filter := arr.EpisodeFilter{SeriesID: args.Int("series_id")}
	if args.Has("season") {
		season := args.Int("season")
		filter.Season = &season
	}
	list, err := e.eps.Episodes(ctx, filter)
	if err != nil {
		return "", err
	}
	return formatEpisodes(list, filter.Season), nil
}

func (e *episodeTools) episodeSearch(ctx context.Context, args Args) (string, error) {
	cmd, err := e.eps.SearchEpisodes(ctx, args.Ints("episode_ids"))
	if err != nil {
		return "", err
	}
	return formatCommand(cmd, e.name("status")), nil
}

func (e *episodeTools) wanted(ctx context.Context, args Args) (string, error) {
	limit := args.Int("limit")
	if limit == 0 {
		limit = defaultWantedLimit
	}
	kind := arr.WantedKind(args.String("list"))
	if kind == "" {
		kind = arr.WantedMissing
	}
	list, err := e.eps.Wanted(ctx, arr.WantedFilter{Kind: kind, Limit: limit})
	if err != nil {
		return "", err
	}
	return formatWanted(list, kind), nil
}
