package arr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/akstspace/media-mgmt-agent/internal/apperr"
	"github.com/akstspace/media-mgmt-agent/internal/httpkit"
	"github.com/akstspace/media-mgmt-agent/internal/vault"
)

// client is the request core shared by MovieClient and SeriesClient.
// It also implements the endpoints both servers expose identically.
type client struct {
	kind   vault.Kind
	app    string // "radarr" or "sonarr", used in ops and messages
	opts   Options
	logger *slog.Logger
}

func newClient(kind vault.Kind, app string, opts Options) *client {
	opts.applyDefaults()
	return &client{
		kind:   kind,
		app:    app,
		opts:   opts,
		logger: opts.Logger.With("component", app),
	}
}

// Kind returns the server kind.
func (c *client) Kind() vault.Kind { return c.kind }

func (c *client) get(ctx context.Context, op, path string, query url.Values, result any) error {
	return c.do(ctx, op, http.MethodGet, path, query, nil, result)
}

func (c *client) post(ctx context.Context, op, path string, data, result any) error {
	return c.do(ctx, op, http.MethodPost, path, nil, data, result)
}

// do issues one logical request, retrying retryable failures.
func (c *client) do(ctx context.Context, op, method, path string, query url.Values, data, result any) error {
	op = c.app + "." + op

	cred, err := c.opts.Credentials(ctx, c.kind)
	if err != nil {
		return err
	}

	var payload []byte
	if data != nil {
		payload, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
	}

	endpoint := strings.TrimRight(cred.BaseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	attempts := 0
	operation := func() error {
		attempts++
		err := c.attempt(ctx, op, method, endpoint, cred.APIKey, payload, result)
		if err != nil && (ctx.Err() != nil || !apperr.Retryable(err)) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("retrying request",
			"op", op,
			"attempt", attempts,
			"max_attempts", c.opts.MaxAttempts,
			"wait", wait,
			"kind", apperr.KindOf(err),
		)
	}

	start := time.Now()
	err = backoff.RetryNotify(operation, c.policy(ctx), notify)
	if err == nil {
		c.logger.Debug("request complete", "op", op, "attempts", attempts,
			"elapsed", time.Since(start).Round(time.Millisecond))
		return nil
	}

	if cerr := ctx.Err(); cerr != nil {
		if errors.Is(cerr, context.Canceled) {
			return &apperr.Error{Kind: apperr.KindCancelled, Op: op, Detail: "request cancelled", Err: cerr}
		}
		return &apperr.Error{Kind: apperr.KindUpstreamUnavailable, Op: op,
			Detail: fmt.Sprintf("%s did not answer before the deadline", c.display()), Err: cerr}
	}

	var e *apperr.Error
	if attempts > 1 && errors.As(err, &e) && e.Kind.Retryable() {
		return &apperr.Error{Kind: e.Kind, Op: op,
			Detail: fmt.Sprintf("%s (gave up after %d attempts)", e.Detail, attempts), Err: e.Err}
	}
	return err
}

func (c *client) policy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BackoffInitial
	b.MaxInterval = c.opts.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxAttempts-1)), ctx)
}

// attempt performs a single HTTP exchange under the per-attempt timeout.
func (c *client) attempt(ctx context.Context, op, method, endpoint, apiKey string, payload []byte, result any) error {
	actx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(actx, method, endpoint, body)
	if err != nil {
		return apperr.New(apperr.KindValidation, op, "build request: %v", err)
	}
	req.Header.Set("X-Api-Key", apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &apperr.Error{Kind: apperr.KindUpstreamUnavailable, Op: op,
			Detail: c.unreachableDetail(err), Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(op, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		if actx.Err() != nil && ctx.Err() == nil {
			return &apperr.Error{Kind: apperr.KindUpstreamUnavailable, Op: op,
				Detail: fmt.Sprintf("%s timed out while sending its response", c.display()), Err: err}
		}
		return &apperr.Error{Kind: apperr.KindUpstream, Op: op,
			Detail: fmt.Sprintf("%s sent a response that could not be decoded", c.display()), Err: err}
	}
	return nil
}

func (c *client) unreachableDetail(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("%s did not respond within %s", c.display(), c.opts.Timeout)
	}
	if !httpkit.IsUnreachable(err) {
		return fmt.Sprintf("request to %s failed", c.display())
	}
	return fmt.Sprintf("%s is unreachable", c.display())
}

// validationFailure is one entry of the array Radarr and Sonarr return
// for a 400.
type validationFailure struct {
	PropertyName string `json:"propertyName"`
	ErrorMessage string `json:"errorMessage"`
	ErrorCode    string `json:"errorCode"`
}

// statusError maps a non-2xx response onto the error taxonomy.
func (c *client) statusError(op string, status int, body string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.New(apperr.KindAuth, op,
			"%s rejected the request (HTTP %d); check API key", c.display(), status)

	case status == http.StatusNotFound:
		return apperr.New(apperr.KindNotFound, op, "%s has no such resource", c.display())

	case status == http.StatusConflict:
		return apperr.New(apperr.KindAlreadyExists, op, "already exists in %s", c.display())

	case status >= 400 && status < 500:
		failures := parseValidation(body)
		for _, f := range failures {
			if isExistsFailure(f) {
				return apperr.New(apperr.KindAlreadyExists, op, "%s", f.ErrorMessage)
			}
		}
		return apperr.New(apperr.KindInvalidRequest, op, "%s rejected the request (HTTP %d): %s",
			c.display(), status, summarizeFailures(failures, body))

	default:
		return apperr.New(apperr.KindUpstream, op, "%s returned HTTP %d: %s",
			c.display(), status, truncate(strings.TrimSpace(body), 200))
	}
}

func parseValidation(body string) []validationFailure {
	var failures []validationFailure
	if json.Unmarshal([]byte(body), &failures) == nil {
		return failures
	}
	var single struct {
		Message string `json:"message"`
	}
	if json.Unmarshal([]byte(body), &single) == nil && single.Message != "" {
		return []validationFailure{{ErrorMessage: single.Message}}
	}
	return nil
}

func isExistsFailure(f validationFailure) bool {
	switch f.ErrorCode {
	case "MovieExistsValidator", "SeriesExistsValidator", "MovieExistsCheck", "SeriesExistsCheck":
		return true
	}
	return strings.Contains(strings.ToLower(f.ErrorMessage), "already been added")
}

func summarizeFailures(failures []validationFailure, body string) string {
	if len(failures) == 0 {
		return truncate(strings.TrimSpace(body), 200)
	}
	msgs := make([]string, 0, len(failures))
	for _, f := range failures {
		if f.PropertyName != "" {
			msgs = append(msgs, f.PropertyName+": "+f.ErrorMessage)
		} else {
			msgs = append(msgs, f.ErrorMessage)
		}
	}
	return strings.Join(msgs, "; ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func (c *client) display() string {
	if c.app == "radarr" {
		return "Radarr"
	}
	return "Sonarr"
}

// Resource shapes common to both servers.

type diskSpaceResource struct {
	Path       string `json:"path"`
	Label      string `json:"label"`
	FreeSpace  int64  `json:"freeSpace"`
	TotalSpace int64  `json:"totalSpace"`
}

type qualityProfileResource struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	UpgradeAllowed bool   `json:"upgradeAllowed"`
}

type rootFolderResource struct {
	ID         int    `json:"id"`
	Path       string `json:"path"`
	FreeSpace  int64  `json:"freeSpace"`
	Accessible bool   `json:"accessible"`
}

type systemStatusResource struct {
	AppName      string    `json:"appName"`
	InstanceName string    `json:"instanceName"`
	Version      string    `json:"version"`
	Branch       string    `json:"branch"`
	OSName       string    `json:"osName"`
	OSVersion    string    `json:"osVersion"`
	IsDocker     bool      `json:"isDocker"`
	StartTime    time.Time `json:"startTime"`
}

type queuePage[T any] struct {
	TotalRecords int `json:"totalRecords"`
	Records      []T `json:"records"`
}

type qualityResource struct {
	Quality struct {
		Name string `json:"name"`
	} `json:"quality"`
}

type commandResource struct {
	ID     int       `json:"id"`
	Name   string    `json:"name"`
	Status string    `json:"status"`
	Queued time.Time `json:"queued"`
}

// historyData carries the event details both servers put under "data".
type historyData struct {
	Indexer string `json:"indexer"`
}

// command queues a server command. body holds the command name and its
// arguments.
func (c *client) command(ctx context.Context, op string, body map[string]any, subject string) (*Command, error) {
	var res commandResource
	if err := c.post(ctx, op, "/api/v3/command", body, &res); err != nil {
		return nil, err
	}
	c.logger.Info("command queued", "command", res.Name, "command_id", res.ID, "subject", subject)
	return &Command{
		ID:      res.ID,
		Name:    res.Name,
		Status:  res.Status,
		Queued:  res.Queued,
		Subject: subject,
	}, nil
}

// libraryItem fetches one library entry by id, turning a 404 into a
// NotFound that names the id.
func (c *client) libraryItem(ctx context.Context, op, path string, id int, result any) error {
	if id <= 0 {
		return apperr.New(apperr.KindValidation, c.app+"."+op, "a positive library id is required")
	}
	err := c.get(ctx, op, fmt.Sprintf("%s/%d", path, id), nil, result)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return apperr.New(apperr.KindNotFound, c.app+"."+op, "%s has nothing with library id %d", c.display(), id)
	}
	return err
}

// DiskSpace summarizes every mount the server reports.
func (c *client) DiskSpace(ctx context.Context) (*DiskSummary, error) {
	var res []diskSpaceResource
	if err := c.get(ctx, "disk_space", "/api/v3/diskspace", nil, &res); err != nil {
		return nil, err
	}
	sum := &DiskSummary{Disks: make([]Disk, 0, len(res))}
	for _, d := range res {
		sum.Disks = append(sum.Disks, Disk{Path: d.Path, Label: d.Label, Free: d.FreeSpace, Total: d.TotalSpace})
		sum.Free += d.FreeSpace
		sum.Total += d.TotalSpace
	}
	return sum, nil
}

// QualityProfiles lists the server's quality profiles.
func (c *client) QualityProfiles(ctx context.Context) ([]QualityProfile, error) {
	var res []qualityProfileResource
	if err := c.get(ctx, "quality_profiles", "/api/v3/qualityprofile", nil, &res); err != nil {
		return nil, err
	}
	out := make([]QualityProfile, 0, len(res))
	for _, p := range res {
		out = append(out, QualityProfile(p))
	}
	return out, nil
}

// RootFolders lists the server's library folders.
func (c *client) RootFolders(ctx context.Context) ([]RootFolder, error) {
	var res []rootFolderResource
	if err := c.get(ctx, "root_folders", "/api/v3/rootfolder", nil, &res); err != nil {
		return nil, err
	}
	out := make([]RootFolder, 0, len(res))
	for _, f := range res {
		out = append(out, RootFolder{ID: f.ID, Path: f.Path, Free: f.FreeSpace, Accessible: f.Accessible})
	}
	return out, nil
}

// SystemStatus describes the server software.
func (c *client) SystemStatus(ctx context.Context) (*SystemStatus, error) {
	var res systemStatusResource
	if err := c.get(ctx, "system_status", "/api/v3/system/status", nil, &res); err != nil {
		return nil, err
	}
	s := SystemStatus(res)
	return &s, nil
}

// addDefaults resolves the quality profile and root folder for an Add:
// explicit options first, then configured defaults, then the first
// entry the server reports.
func (c *client) addDefaults(ctx context.Context, opts AddOptions) (int, string, error) {
	op := c.app + ".add"
	profile := opts.QualityProfileID
	if profile == 0 {
		profile = c.opts.QualityProfileID
	}
	if profile == 0 {
		profiles, err := c.QualityProfiles(ctx)
		if err != nil {
			return 0, "", err
		}
		if len(profiles) == 0 {
			return 0, "", apperr.New(apperr.KindInvalidRequest, op, "%s has no quality profiles configured", c.display())
		}
		profile = profiles[0].ID
	}

	root := opts.RootFolderPath
	if root == "" {
		root = c.opts.RootFolderPath
	}
	if root == "" {
		folders, err := c.RootFolders(ctx)
		if err != nil {
			return 0, "", err
		}
		if len(folders) == 0 {
			return 0, "", apperr.New(apperr.KindInvalidRequest, op, "%s has no root folders configured", c.display())
		}
		root = folders[0].Path
	}
	return profile, root, nil
}

// defaultRange fills a zero range with today through seven days out and
// rejects inverted ranges.
func (c *client) defaultRange(r DateRange) (DateRange, error) {
	if r.Start.IsZero() {
		r.Start = c.opts.Now()
	}
	if r.End.IsZero() {
		r.End = r.Start.AddDate(0, 0, 7)
	}
	if r.End.Before(r.Start) {
		return r, apperr.New(apperr.KindValidation, c.app+".upcoming",
			"end date %s is before start date %s", r.End.Format(time.DateOnly), r.Start.Format(time.DateOnly))
	}
	return r, nil
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// calendarQuery turns an inclusive day range into the servers' instant
// range. A bare date means midnight, so end is the day after r.End.
func calendarQuery(r DateRange) url.Values {
	q := url.Values{}
	q.Set("start", dayStart(r.Start).Format(time.DateOnly))
	q.Set("end", dayStart(r.End).AddDate(0, 0, 1).Format(time.DateOnly))
	q.Set("unmonitored", "false")
	return q
}

func historyQuery(limit int) url.Values {
	q := url.Values{}
	q.Set("page", "1")
	q.Set("pageSize", fmt.Sprint(limit))
	q.Set("sortKey", "date")
	q.Set("sortDirection", "descending")
	q.Set("eventType", "3") // downloadFolderImported
	return q
}

// eventsQuery pages through all history events, newest first.
func eventsQuery(limit int) url.Values {
	q := url.Values{}
	q.Set("page", "1")
	q.Set("pageSize", fmt.Sprint(limit))
	q.Set("sortKey", "date")
	q.Set("sortDirection", "descending")
	return q
}

func listLimit(n int) int {
	if n <= 0 {
		return 20
	}
	return n
}

func queueState(status string) ActivityState {
	switch strings.ToLower(status) {
	case "downloading":
		return StateDownloading
	case "completed":
		return StateCompleted
	default:
		return StateQueued
	}
}

func progress(size, left int64) float64 {
	if size <= 0 {
		return 0
	}
	p := float64(size-left) / float64(size) * 100
	if p < 0 {
		return 0
	}
	return p
}

// filterActivity applies the state filter and limit.
func filterActivity(all []Activity, f StatusFilter) []Activity {
	limit := listLimit(f.Limit)
	out := make([]Activity, 0, min(len(all), limit))
	for _, a := range all {
		if f.State != "" && a.State != f.State {
			continue
		}
		out = append(out, a)
		if len(out) == limit {
			break
		}
	}
	return out
}

func checkState(op string, s ActivityState) error {
	switch s {
	case "", StateDownloading, StateQueued, StateCompleted:
		return nil
	}
	return apperr.New(apperr.KindValidation, op, "unknown state %q (valid: downloading, queued, completed)", s)
}

func wantsHistory(f StatusFilter) bool {
	return f.State == "" || f.State == StateCompleted
}
