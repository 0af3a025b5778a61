package tools

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/akstspace/media-mgmt-agent/internal/arr"
)

// table renders a Markdown table. Cells are escaped so titles with
// pipes or newlines cannot break the layout.
func table(header []string, rows [][]string) string {
	var sb strings.Builder
	writeRow := func(cells []string) {
		sb.WriteString("|")
		for _, c := range cells {
			sb.WriteString(" ")
			sb.WriteString(cell(c))
			sb.WriteString(" |")
		}
		sb.WriteString("\n")
	}
	writeRow(header)
	sb.WriteString("|")
	for range header {
		sb.WriteString(" --- |")
	}
	sb.WriteString("\n")
	for _, r := range rows {
		writeRow(r)
	}
	return sb.String()
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", " ")
}

func bytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(n))
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func year(y int) string {
	if y <= 0 {
		return "?"
	}
	return fmt.Sprint(y)
}

func day(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(DateLayout)
}

func summarize(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n-1])) + "…"
}

// noun returns "movie" or "series" with the plural when n != 1.
func noun(kind string, n int) string {
	if kind == "movie" && n != 1 {
		return "movies"
	}
	return kind
}

func externalLabel(kind string) string {
	if kind == "movie" {
		return "TMDB id"
	}
	return "TVDB id"
}

func formatSearch(kind, query string, items []arr.Item, limit int) string {
	if len(items) == 0 {
		return fmt.Sprintf("No %s found for %q.", noun(kind, 0), query)
	}
	shown := items[:min(len(items), limit)]
	rows := make([][]string, 0, len(shown))
	for i, it := range shown {
		state := "not in library"
		if it.InLibrary() {
			state = "in library"
			if kind == "movie" && it.HasFile {
				state = "in library, downloaded"
			}
		}
		rows = append(rows, []string{
			fmt.Sprint(i + 1), it.Title, year(it.Year), fmt.Sprint(it.ExternalID), state, summarize(it.Overview, 120),
		})
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d %s for %q", len(items), noun(kind, len(items)), query)
	if len(shown) < len(items) {
		fmt.Fprintf(&sb, " (showing the first %d)", len(shown))
	}
	sb.WriteString(":\n\n")
	sb.WriteString(table([]string{"#", "Title", "Year", externalLabel(kind), "Library", "Overview"}, rows))
	return sb.String()
}

func formatAdded(kind string, a *arr.Added) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Added %s (%s) to the %s library.\n\n", a.Title, year(a.Year), kind)
	fmt.Fprintf(&sb, "- %s: %d\n", externalLabel(kind), a.ExternalID)
	if a.Path != "" {
		fmt.Fprintf(&sb, "- Path: %s\n", a.Path)
	}
	fmt.Fprintf(&sb, "- Quality profile: %d\n", a.QualityProfileID)
	fmt.Fprintf(&sb, "- Root folder: %s\n", a.RootFolderPath)
	if a.Searching {
		sb.WriteString("- Search started for releases.\n")
	} else {
		sb.WriteString("- No search started; the title is monitored.\n")
	}
	return sb.String()
}

func formatActivity(kind string, acts []arr.Activity, state arr.ActivityState) string {
	if len(acts) == 0 {
		if state != "" {
			return fmt.Sprintf("No %s %s activity.", state, kind)
		}
		return fmt.Sprintf("No %s downloads queued or recently completed.", kind)
	}
	rows := make([][]string, 0, len(acts))
	for _, a := range acts {
		title := a.Title
		if a.Detail != "" {
			title += " " + a.Detail
		}
		progress := fmt.Sprintf("%.0f%%", a.Progress)
		when := "-"
		switch {
		case a.State == arr.StateCompleted:
			when = "imported " + day(a.Date)
		case !a.ETA.IsZero():
			when = "ETA " + humanize.Time(a.ETA)
		}
		rows = append(rows, []string{title, string(a.State), progress, bytes(a.Size), a.Quality, when})
	}
	return fmt.Sprintf("%d %s download record(s):\n\n", len(acts), kind) +
		table([]string{"Title", "State", "Progress", "Size", "Quality", "When"}, rows)
}

func formatDisks(sum *arr.DiskSummary) string {
	if len(sum.Disks) == 0 {
		return "The server reported no disks."
	}
	rows := make([][]string, 0, len(sum.Disks))
	for _, d := range sum.Disks {
		used := 0.0
		if d.Total > 0 {
			used = 100 * float64(d.Total-d.Free) / float64(d.Total)
		}
		rows = append(rows, []string{d.Path, d.Label, bytes(d.Free), bytes(d.Total), fmt.Sprintf("%.0f%%", used)})
	}
	return fmt.Sprintf("%s free of %s across %d disk(s):\n\n", bytes(sum.Free), bytes(sum.Total), len(sum.Disks)) +
		table([]string{"Path", "Label", "Free", "Total", "Used"}, rows)
}

func formatUpcoming(kind string, items []arr.Scheduled, r arr.DateRange) string {
	span := fmt.Sprintf("%s to %s", day(r.Start), day(r.End))
	if len(items) == 0 {
		return fmt.Sprintf("Nothing %s scheduled for %s.", kind, span)
	}
	rows := make([][]string, 0, len(items))
	for _, s := range items {
		rows = append(rows, []string{day(s.Date), s.Title, s.Detail, yesNo(s.Monitored), yesNo(s.HasFile)})
	}
	return fmt.Sprintf("%d upcoming %s release(s) for %s:\n\n", len(items), kind, span) +
		table([]string{"Date", "Title", "Release", "Monitored", "Downloaded"}, rows)
}

func formatProfiles(profiles []arr.QualityProfile) string {
	if len(profiles) == 0 {
		return "No quality profiles are defined."
	}
	rows := make([][]string, 0, len(profiles))
	for _, p := range profiles {
		rows = append(rows, []string{fmt.Sprint(p.ID), p.Name, yesNo(p.UpgradeAllowed)})
	}
	return table([]string{"ID", "Name", "Upgrades"}, rows)
}

func formatRootFolders(folders []arr.RootFolder) string {
	if len(folders) == 0 {
		return "No root folders are configured."
	}
	rows := make([][]string, 0, len(folders))
	for _, f := range folders {
		rows = append(rows, []string{fmt.Sprint(f.ID), f.Path, bytes(f.Free), yesNo(f.Accessible)})
	}
	return table([]string{"ID", "Path", "Free", "Accessible"}, rows)
}

func formatSystemStatus(st *arr.SystemStatus) string {
	var sb strings.Builder
	name := st.AppName
	if st.InstanceName != "" && st.InstanceName != st.AppName {
		name += " (" + st.InstanceName + ")"
	}
	fmt.Fprintf(&sb, "%s %s", name, st.Version)
	if st.Branch != "" {
		fmt.Fprintf(&sb, " on branch %s", st.Branch)
	}
	sb.WriteString("\n\n")
	if st.OSName != "" {
		fmt.Fprintf(&sb, "- OS: %s %s\n", st.OSName, st.OSVersion)
	}
	fmt.Fprintf(&sb, "- Docker: %s\n", yesNo(st.IsDocker))
	if !st.StartTime.IsZero() {
		fmt.Fprintf(&sb, "- Started: %s\n", humanize.Time(st.StartTime))
	}
	return sb.String()
}

func formatLibrary(kind string, items []arr.Item, filter string, limit int) string {
	if len(items) == 0 {
		if filter != "" {
			return fmt.Sprintf("No %s in the library match %q.", noun(kind, 0), filter)
		}
		return fmt.Sprintf("The %s library is empty.", kind)
	}
	shown := items[:min(len(items), limit)]
	rows := make([][]string, 0, len(shown))
	for _, it := range shown {
		var files string
		if kind == "movie" {
			files = yesNo(it.HasFile)
		} else {
			files = fmt.Sprintf("%d/%d", it.EpisodeFiles, it.Episodes)
		}
		rows = append(rows, []string{fmt.Sprint(it.ID), it.Title, year(it.Year), it.Status, yesNo(it.Monitored), files, bytes(it.SizeOnDisk)})
	}
	filesHeader := "Downloaded"
	if kind != "movie" {
		filesHeader = "Episodes"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d %s in the library", len(items), noun(kind, len(items)))
	if len(shown) < len(items) {
		fmt.Fprintf(&sb, " (showing the first %d)", len(shown))
	}
	sb.WriteString(":\n\n")
	sb.WriteString(table([]string{"ID", "Title", "Year", "Status", "Monitored", filesHeader, "Size"}, rows))
	return sb.String()
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

// eventNames shortens the servers' history event types.
var eventNames = map[string]string{
	"downloadFolderImported": "imported",
	"downloadFailed":         "download failed",
	"downloadIgnored":        "ignored",
	"movieFileDeleted":       "file deleted",
	"episodeFileDeleted":     "file deleted",
	"movieFileRenamed":       "file renamed",
	"episodeFileRenamed":     "file renamed",
}

func eventName(e string) string {
	if n, ok := eventNames[e]; ok {
		return n
	}
	if e == "" {
		return "unknown"
	}
	return e
}

func formatHistory(app string, events []arr.HistoryEvent) string {
	if len(events) == 0 {
		return fmt.Sprintf("%s has no matching history.", app)
	}
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		title := e.Title
		if e.Detail != "" {
			title += " " + e.Detail
		}
		indexer := e.Indexer
		if indexer == "" {
			indexer = "-"
		}
		rows = append(rows, []string{stamp(e.Date), eventName(e.Event), title, e.Quality, indexer, e.Release})
	}
	return fmt.Sprintf("%d %s history event(s), newest first:\n\n", len(events), app) +
		table([]string{"Date (UTC)", "Event", "Title", "Quality", "Indexer", "Release"}, rows)
}

func formatCommand(c *arr.Command, statusTool string) string {
	return fmt.Sprintf("Started a release search for %s (command %d, %s). Grabbed releases show up in %s.",
		c.Subject, c.ID, c.Status, statusTool)
}

func formatEpisodes(eps []arr.Episode, season *int) string {
	if len(eps) == 0 {
		if season != nil {
			return fmt.Sprintf("Season %d has no episodes.", *season)
		}
		return "The series has no episodes."
	}
	var have int
	rows := make([][]string, 0, len(eps))
	for _, e := range eps {
		if e.HasFile {
			have++
		}
		rows = append(rows, []string{fmt.Sprint(e.ID), fmt.Sprintf("S%02dE%02d", e.Season, e.Number), e.Title,
			day(e.AirDate), yesNo(e.Monitored), yesNo(e.HasFile)})
	}
	return fmt.Sprintf("%s: %d episode(s), %d downloaded:\n\n", eps[0].SeriesTitle, len(eps), have) +
		table([]string{"ID", "Episode", "Title", "Air date", "Monitored", "Downloaded"}, rows)
}

func formatWanted(eps []arr.Episode, kind arr.WantedKind) string {
	what := "missing"
	if kind == arr.WantedCutoff {
		what = "below the quality cutoff"
	}
	if len(eps) == 0 {
		return fmt.Sprintf("No monitored episodes are %s.", what)
	}
	rows := make([][]string, 0, len(eps))
	for _, e := range eps {
		last := "never"
		if !e.LastSearch.IsZero() {
			last = humanize.Time(e.LastSearch)
		}
		rows = append(rows, []string{fmt.Sprint(e.ID), e.SeriesTitle, e.Designation(), day(e.AirDate), last})
	}
	return fmt.Sprintf("%d monitored episode(s) %s:\n\n", len(eps), what) +
		table([]string{"ID", "Series", "Episode", "Air date", "Last search"}, rows)
}
