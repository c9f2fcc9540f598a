package server

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/SamWylde/grant-tracker-new-sub002/internal/routing"
)

// handleGrantsExportCSV streams the org's grants as a CSV download.
func handleGrantsExportCSV(w http.ResponseWriter, r *http.Request, grants grantStore) {
	org, _, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	list, err := grants.List(r.Context(), org.ID, grantFilter{IncludeArchived: r.URL.Query().Get("include_archived") == "1"})
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "grant_export_failed", "grant export failed")
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="grants.csv"`)
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "title", "funder", "opportunity_number", "amount_cents", "stage", "close_date", "assignee_id", "source", "archived"})
	for _, g := range list {
		_ = cw.Write([]string{
			g.ID,
			g.Title,
			g.Funder,
			g.OpportunityNumber,
			strconv.FormatInt(g.AmountCents, 10),
			g.Stage,
			g.CloseDate,
			g.AssigneeID,
			g.Source,
			strconv.FormatBool(g.Archived),
		})
	}
	cw.Flush()
}

// handleGrantsCalendarICS renders close dates as an iCalendar feed of
// all-day events, one per active grant with a known close date.
func handleGrantsCalendarICS(w http.ResponseWriter, r *http.Request, grants grantStore) {
	org, _, ok := currentOrgAndMember(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	list, err := grants.List(r.Context(), org.ID, grantFilter{})
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "grant_export_failed", "grant export failed")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="grants.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(renderGrantsICS(org, list, time.Now().UTC())))
}

func renderGrantsICS(org Org, list []Grant, now time.Time) string {
	var b strings.Builder
	writeICSLine(&b, "BEGIN:VCALENDAR")
	writeICSLine(&b, "VERSION:2.0")
	writeICSLine(&b, "PRODID:-//grant-tracker//grants//EN")
	writeICSLine(&b, "CALSCALE:GREGORIAN")
	writeICSLine(&b, "X-WR-CALNAME:"+escapeICSText(org.Name+" grant deadlines"))

	stamp := now.Format("20060102T150405Z")
	for _, g := range list {
		if g.CloseDate == "" || terminalStage(g.Stage) {
			continue
		}
		day, err := time.Parse(dayLayout, g.CloseDate)
		if err != nil {
			continue
		}
		writeICSLine(&b, "BEGIN:VEVENT")
		writeICSLine(&b, "UID:"+g.ID+"@grant-tracker")
		writeICSLine(&b, "DTSTAMP:"+stamp)
		writeICSLine(&b, "DTSTART;VALUE=DATE:"+day.Format("20060102"))
		writeICSLine(&b, "DTEND;VALUE=DATE:"+day.AddDate(0, 0, 1).Format("20060102"))
		writeICSLine(&b, "SUMMARY:"+escapeICSText(fmt.Sprintf("%s closes (%s)", g.Title, g.Stage)))
		if g.Funder != "" {
			writeICSLine(&b, "DESCRIPTION:"+escapeICSText("Funder: "+g.Funder))
		}
		writeICSLine(&b, "END:VEVENT")
	}

	writeICSLine(&b, "END:VCALENDAR")
	return b.String()
}

// writeICSLine folds lines longer than 75 octets per RFC 5545 and ends each
// line with CRLF. Folds never split a multi-octet UTF-8 sequence.
func writeICSLine(b *strings.Builder, line string) {
	const limit = 75
	for len(line) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		if cut == 0 {
			cut = limit
		}
		b.WriteString(line[:cut])
		b.WriteString("\r\n ")
		line = line[cut:]
	}
	b.WriteString(line)
	b.WriteString("\r\n")
}

func escapeICSText(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, ";", `\;`)
	s = strings.ReplaceAll(s, ",", `\,`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}
