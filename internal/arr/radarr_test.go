package arr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/akstspace/media-mgmt-agent/internal/apperr"
	"github.com/akstspace/media-mgmt-agent/internal/vault"
)

// fakeRadarr is a minimal in-memory Radarr: lookup reflects the library,
// POST /movie adds, and a duplicate POST gets the real validation error.
type fakeRadarr struct {
	mu      sync.Mutex
	library map[int]int // tmdbId -> radarr id
	posts   []map[string]any
	nextID  int
}

func newFakeRadarr(t *testing.T) (*fakeRadarr, *httptest.Server) {
	t.Helper()
	f := &fakeRadarr{library: map[int]int{}, nextID: 100}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

var fakeCatalog = []map[string]any{
	{"title": "Inception", "year": 2010, "tmdbId": 27205, "imdbId": "tt1375666", "titleSlug": "inception-27205",
		"status": "released", "studio": "Legendary Pictures", "genres": []string{"Action", "Science Fiction"},
		"overview": "Cobb steals secrets from dreams."},
	{"title": "Interstellar", "year": 2014, "tmdbId": 157336, "status": "released"},
}

func (f *fakeRadarr) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Api-Key") != testAPIKey {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/v3/movie/lookup":
		term := r.URL.Query().Get("term")
		var out []map[string]any
		for _, m := range fakeCatalog {
			tmdb := m["tmdbId"].(int)
			match := strings.Contains(strings.ToLower(m["title"].(string)), strings.ToLower(term)) ||
				term == fmt.Sprintf("tmdb:%d", tmdb)
			if !match {
				continue
			}
			c := map[string]any{}
			for k, v := range m {
				c[k] = v
			}
			if id, ok := f.library[tmdb]; ok {
				c["id"] = id
			}
			out = append(out, c)
		}
		json.NewEncoder(w).Encode(out)

	case r.Method == http.MethodGet && r.URL.Path == "/api/v3/qualityprofile":
		w.Write([]byte(`[{"id":4,"name":"HD-1080p"},{"id":6,"name":"Ultra-HD"}]`))

	case r.Method == http.MethodGet && r.URL.Path == "/api/v3/rootfolder":
		w.Write([]byte(`[{"id":1,"path":"/movies","freeSpace":5000,"accessible":true}]`))

	case r.Method == http.MethodPost && r.URL.Path == "/api/v3/movie":
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.posts = append(f.posts, body)
		tmdb := int(body["tmdbId"].(float64))
		if _, ok := f.library[tmdb]; ok {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`[{"propertyName":"TmdbId","errorMessage":"This movie has already been added","errorCode":"MovieExistsValidator"}]`))
			return
		}
		f.nextID++
		f.library[tmdb] = f.nextID
		body["id"] = f.nextID
		body["path"] = body["rootFolderPath"].(string) + "/" + body["title"].(string)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(body)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeRadarr) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func TestMovieSearch(t *testing.T) {
	_, srv := newFakeRadarr(t)
	c := NewMovieClient(testOptions(srv.URL))

	items, err := c.Search(context.Background(), "inception")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	got := items[0]
	if got.Title != "Inception" || got.Year != 2010 || got.ExternalID != 27205 || got.Studio != "Legendary Pictures" {
		t.Errorf("item = %+v", got)
	}
	if got.InLibrary() {
		t.Error("lookup result should not be in library")
	}

	if _, err := c.Search(context.Background(), "  "); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("empty search: err = %v, want ValidationError", err)
	}
}

func TestMovieAdd_Idempotent(t *testing.T) {
	fake, srv := newFakeRadarr(t)
	c := NewMovieClient(testOptions(srv.URL))
	ctx := context.Background()

	added, err := c.Add(ctx, 27205, AddOptions{Search: true})
	if err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if added.ID == 0 || added.Title != "Inception" {
		t.Errorf("added = %+v", added)
	}
	if added.QualityProfileID != 4 || added.RootFolderPath != "/movies" {
		t.Errorf("defaults not resolved from server: %+v", added)
	}

	_, err = c.Add(ctx, 27205, AddOptions{Search: true})
	if !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Fatalf("second Add: err = %v, want AlreadyExists", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.posts) != 1 {
		t.Fatalf("POST count = %d, want exactly 1", len(fake.posts))
	}
	post := fake.posts[0]
	if post["qualityProfileId"].(float64) != 4 || post["rootFolderPath"] != "/movies" {
		t.Errorf("post body = %v", post)
	}
	opts, _ := post["addOptions"].(map[string]any)
	if opts["searchForMovie"] != true {
		t.Errorf("addOptions = %v", post["addOptions"])
	}
}

func TestMovieAdd_ConfiguredDefaults(t *testing.T) {
	fake, srv := newFakeRadarr(t)
	opts := testOptions(srv.URL)
	opts.QualityProfileID = 6
	opts.RootFolderPath = "/data/films"
	c := NewMovieClient(opts)

	added, err := c.Add(context.Background(), 157336, AddOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if added.QualityProfileID != 6 || added.RootFolderPath != "/data/films" {
		t.Errorf("added = %+v", added)
	}
	if added.Path != "/data/films/Interstellar" {
		t.Errorf("path = %q", added.Path)
	}
	if n := fake.postCount(); n != 1 {
		t.Errorf("posts = %d", n)
	}
}

func TestMovieAdd_AlreadyInLibrary(t *testing.T) {
	fake, srv := newFakeRadarr(t)
	fake.library[27205] = 7
	c := NewMovieClient(testOptions(srv.URL))

	if _, err := c.Add(context.Background(), 27205, AddOptions{}); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("err = %v, want AlreadyExists", err)
	}
	if n := fake.postCount(); n != 0 {
		t.Errorf("posts = %d, want none", n)
	}
}

func TestMovieAdd_Errors(t *testing.T) {
	_, srv := newFakeRadarr(t)
	c := NewMovieClient(testOptions(srv.URL))

	if _, err := c.Add(context.Background(), 999, AddOptions{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown id: err = %v, want NotFound", err)
	}
	if _, err := c.Add(context.Background(), 0, AddOptions{}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("zero id: err = %v, want ValidationError", err)
	}
}

func TestMovieAdd_WrongKey(t *testing.T) {
	_, srv := newFakeRadarr(t)
	opts := testOptions(srv.URL)
	opts.Credentials = func(ctx context.Context, k vault.Kind) (vault.Record, error) {
		return vault.Record{Kind: k, BaseURL: srv.URL, APIKey: "wrong"}, nil
	}
	c := NewMovieClient(opts)
	_, err := c.Add(context.Background(), 27205, AddOptions{})
	if !errors.Is(err, apperr.ErrAuth) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if !strings.Contains(apperr.DetailOf(err), "check API key") {
		t.Errorf("detail = %q", apperr.DetailOf(err))
	}
}

func TestMovieStatus(t *testing.T) {
	srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/queue":
			w.Write([]byte(`{"totalRecords":2,"records":[
				{"title":"Dune.Part.Two.2024.2160p","status":"downloading","size":1000,"sizeleft":250,
				 "estimatedCompletionTime":"2026-10-19T20:00:00Z","protocol":"torrent",
				 "quality":{"quality":{"name":"Bluray-2160p"}},"movie":{"title":"Dune: Part Two","year":2024}},
				{"title":"Arrival.2016.1080p","status":"queued","size":500,"sizeleft":500,"protocol":"usenet",
				 "movie":{"title":"Arrival","year":2016}}
			]}`))
		case "/api/v3/history":
			if r.URL.Query().Get("eventType") != "3" {
				t.Errorf("history eventType = %q", r.URL.Query().Get("eventType"))
			}
			w.Write([]byte(`{"records":[
				{"date":"2026-10-18T10:00:00Z","eventType":"downloadFolderImported","sourceTitle":"Heat.1995",
				 "quality":{"quality":{"name":"Bluray-1080p"}},"movie":{"title":"Heat","year":1995}}
			]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	c := NewMovieClient(testOptions(srv.URL))

	all, err := c.Status(context.Background(), StatusFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d records, want 3", len(all))
	}
	if all[0].Title != "Dune: Part Two (2024)" || all[0].State != StateDownloading || all[0].Progress != 75 {
		t.Errorf("record 0 = %+v", all[0])
	}
	if all[0].ETA.IsZero() {
		t.Error("ETA not parsed")
	}
	if all[1].State != StateQueued || all[2].State != StateCompleted || all[2].Title != "Heat (1995)" {
		t.Errorf("records = %+v", all)
	}

	downloading, err := c.Status(context.Background(), StatusFilter{State: StateDownloading})
	if err != nil {
		t.Fatal(err)
	}
	if len(downloading) != 1 {
		t.Errorf("downloading filter = %+v", downloading)
	}

	if _, err := c.Status(context.Background(), StatusFilter{State: "stalled"}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("bad state: err = %v", err)
	}

	limited, _ := c.Status(context.Background(), StatusFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d records", len(limited))
	}
}

func TestMovieUpcoming(t *testing.T) {
	var gotStart, gotEnd string
	srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotStart = r.URL.Query().Get("start")
		gotEnd = r.URL.Query().Get("end")
		w.Write([]byte(`[
			{"title":"Late","year":2026,"digitalRelease":"2026-10-24T00:00:00Z","monitored":true},
			{"title":"Early","year":2026,"inCinemas":"2026-10-20T00:00:00Z","physicalRelease":"2027-02-01T00:00:00Z"}
		]`))
	})
	opts := testOptions(srv.URL)
	opts.Now = func() time.Time { return time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC) }
	c := NewMovieClient(opts)

	got, err := c.Upcoming(context.Background(), DateRange{})
	if err != nil {
		t.Fatal(err)
	}
	if gotStart != "2026-10-19" || gotEnd != "2026-10-27" {
		t.Errorf("range = %s..%s, want 2026-10-19..2026-10-27", gotStart, gotEnd)
	}
	if len(got) != 2 {
		t.Fatalf("got %d, want 2 (physical release outside range)", len(got))
	}
	if got[0].Title != "Early (2026)" || got[0].Detail != "in cinemas" || got[1].Title != "Late (2026)" {
		t.Errorf("order = %+v", got)
	}

	bad := DateRange{Start: time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)}
	if _, err := c.Upcoming(context.Background(), bad); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("inverted range: err = %v", err)
	}
}

func TestMovieLibrary_Sorted(t *testing.T) {
	srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":2,"title":"zodiac","year":2007,"hasFile":true},{"id":1,"title":"Alien","year":1979}]`))
	})
	items, err := NewMovieClient(testOptions(srv.URL)).Library(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].Title != "Alien" || !items[1].HasFile {
		t.Errorf("items = %+v", items)
	}
}

func TestMovieHistory(t *testing.T) {
	var gotQuery string
	srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/history" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"records":[
			{"date":"2026-10-18T10:00:00Z","eventType":"grabbed","sourceTitle":"Dune.Part.Two.2024.2160p",
			 "quality":{"quality":{"name":"Bluray-2160p"}},"data":{"indexer":"NZBgeek"},
			 "movie":{"title":"Dune: Part Two","year":2024}},
			{"date":"2026-10-17T10:00:00Z","eventType":"downloadFailed","sourceTitle":"Alien.1979.1080p"}
		]}`))
	})
	got, err := NewMovieClient(testOptions(srv.URL)).History(context.Background(), HistoryFilter{Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(gotQuery, "eventType") || !strings.Contains(gotQuery, "pageSize=5") {
		t.Errorf("query = %s, want every event type, 5 per page", gotQuery)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events", len(got))
	}
	want := HistoryEvent{
		Date:    time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC),
		Event:   "grabbed",
		Title:   "Dune: Part Two (2024)",
		Quality: "Bluray-2160p",
		Release: "Dune.Part.Two.2024.2160p",
		Indexer: "NZBgeek",
	}
	if !got[0].Date.Equal(want.Date) || got[0].Title != want.Title || got[0].Indexer != want.Indexer ||
		got[0].Release != want.Release || got[0].Quality != want.Quality || got[0].Event != want.Event {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Title != "Alien.1979.1080p" || got[1].Event != "downloadFailed" {
		t.Errorf("second = %+v", got[1])
	}
}

func TestMovieHistory_OneMovie(t *testing.T) {
	srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/movie/7":
			w.Write([]byte(`{"id":7,"title":"Heat","year":1995,"tmdbId":949}`))
		case "/api/v3/history/movie":
			if r.URL.Query().Get("movieId") != "7" {
				t.Errorf("movieId = %s", r.URL.Query().Get("movieId"))
			}
			w.Write([]byte(`[
				{"date":"2026-10-01T00:00:00Z","eventType":"grabbed","sourceTitle":"Heat.1995"},
				{"date":"2026-10-02T00:00:00Z","eventType":"downloadFolderImported","sourceTitle":"Heat.1995"}
			]`))
		default:
			http.NotFound(w, r)
		}
	})
	c := NewMovieClient(testOptions(srv.URL))
	got, err := c.History(context.Background(), HistoryFilter{ItemID: 7})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Event != "downloadFolderImported" || got[0].Title != "Heat (1995)" {
		t.Errorf("events = %+v, want newest first with the movie title", got)
	}

	_, err = c.History(context.Background(), HistoryFilter{ItemID: 99})
	if !errors.Is(err, apperr.ErrNotFound) || !strings.Contains(apperr.DetailOf(err), "library id 99") {
		t.Errorf("unknown movie: err = %v", err)
	}
}

func TestMovieSearchReleases(t *testing.T) {
	var body map[string]any
	srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v3/movie/7":
			w.Write([]byte(`{"id":7,"title":"Heat","year":1995,"tmdbId":949}`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/v3/command":
			json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":41,"name":"MoviesSearch","status":"queued","queued":"2026-10-19T08:00:00Z"}`))
		default:
			http.NotFound(w, r)
		}
	})
	c := NewMovieClient(testOptions(srv.URL))
	cmd, err := c.SearchReleases(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if body["name"] != "MoviesSearch" || fmt.Sprint(body["movieIds"]) != "[7]" {
		t.Errorf("command body = %v", body)
	}
	if cmd.ID != 41 || cmd.Status != "queued" || cmd.Subject != "Heat (1995)" {
		t.Errorf("command = %+v", cmd)
	}

	if _, err := c.SearchReleases(context.Background(), 0); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("zero id: err = %v", err)
	}
	if _, err := c.SearchReleases(context.Background(), 8); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown id: err = %v", err)
	}
}
