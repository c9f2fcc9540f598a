package server

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SamWylde/grant-tracker-new-sub002/internal/gcal"
	"github.com/SamWylde/grant-tracker-new-sub002/internal/notify"
)

const defaultReminderWindowDays = 14

// orgLister enumerates the orgs a background sweep must visit.
type orgLister interface {
	ListActiveOrgs(ctx context.Context) ([]Org, error)
}

type pgOrgLister struct {
	pool *pgxpool.Pool
}

func newPGOrgLister(pool *pgxpool.Pool) orgLister {
	return &pgOrgLister{pool: pool}
}

func (l *pgOrgLister) ListActiveOrgs(ctx context.Context) ([]Org, error) {
	rows, err := l.pool.Query(ctx, `
SELECT id::text, slug, name, reminder_window_days
FROM iam.orgs
WHERE is_active = true
ORDER BY slug;
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Org
	for rows.Next() {
		var o Org
		if err := rows.Scan(&o.ID, &o.Slug, &o.Name, &o.ReminderWindowDays); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type staticOrgLister []Org

func (l staticOrgLister) ListActiveOrgs(context.Context) ([]Org, error) {
	return []Org(l), nil
}

// calendarinserter is the Google Calendar edge used for reminder events.
type calendarInserter interface {
	Refresh(ctx context.Context, refreshToken string) (gcal.Tokens, error)
	InsertEvent(ctx context.Context, accessToken string, calendarID string, ev gcal.Event) error
}

// ReminderReport summarizes one sweep for logging.
type ReminderReport struct {
	OrgsVisited   int
	RemindersSent int
	EventsCreated int
	CloseDateSync int
	Errors        []string
}

// ReminderService walks every active org, notifies about grants whose close
// date falls inside the org's reminder window, mirrors those deadlines into
// the org's Google calendar, and refreshes close dates of grants imported
// from grants.gov.
type ReminderService struct {
	orgs          orgLister
	grants        grantStore
	integrations  integrationStore
	notifier      notifier
	calendar      calendarInserter
	opportunities opportunitySource
}

type ReminderServiceOptions struct {
	Orgs          []Org
	Grants        grantStore
	Integrations  integrationStore
	Notifier      notifier
	Calendar      calendarInserter
	Opportunities opportunitySource
}

// NewReminderService builds a sweep over PG-backed stores. pool may not be
// nil unless every store is supplied in opts.
func NewReminderService(pool *pgxpool.Pool, opts ReminderServiceOptions) *ReminderService {
	svc := &ReminderService{
		grants:        opts.Grants,
		integrations:  opts.Integrations,
		notifier:      opts.Notifier,
		calendar:      opts.Calendar,
		opportunities: opts.Opportunities,
	}
	if opts.Orgs != nil {
		svc.orgs = staticOrgLister(opts.Orgs)
	} else {
		svc.orgs = newPGOrgLister(pool)
	}
	if svc.grants == nil {
		svc.grants = newGrantStore(pool)
	}
	if svc.integrations == nil {
		svc.integrations = newIntegrationStore(pool)
	}
	if svc.notifier == nil {
		svc.notifier = newChannelNotifier(svc.integrations, notify.NewPoster())
	}
	return svc
}

// RunOnce performs a single sweep. Per-grant failures are collected in the
// report instead of aborting: one dead webhook must not starve other orgs.
func (s *ReminderService) RunOnce(ctx context.Context) (ReminderReport, error) {
	var report ReminderReport

	orgs, err := s.orgs.ListActiveOrgs(ctx)
	if err != nil {
		return report, err
	}

	today := currentUTCDay()
	for _, org := range orgs {
		report.OrgsVisited++
		s.remindOrg(ctx, org, today, &report)
		s.syncOrg(ctx, org, &report)
	}
	return report, nil
}

func (s *ReminderService) remindOrg(ctx context.Context, org Org, today string, report *ReminderReport) {
	window := org.ReminderWindowDays
	if window <= 0 {
		window = defaultReminderWindowDays
	}

	due, err := s.grants.DueForReminder(ctx, org.ID, window, today)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("org %s: list due grants: %v", org.Slug, err))
		return
	}

	var cal Integration
	var calOK bool
	if s.calendar != nil {
		intg, found, err := s.integrations.Get(ctx, org.ID, integrationGCal)
		if err == nil && found && intg.Enabled && intg.RefreshToken != "" {
			cal, calOK = intg, true
		}
	}

	for _, g := range due {
		s.notifier.DeadlineDue(ctx, org, g)

		if calOK {
			if err := s.insertCalendarEvent(ctx, cal, g); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("org %s: calendar event for %s: %v", org.Slug, g.ID, err))
			} else {
				report.EventsCreated++
			}
		}

		if err := s.grants.MarkReminded(ctx, org.ID, g.ID, g.CloseDate); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("org %s: mark reminded %s: %v", org.Slug, g.ID, err))
			continue
		}
		report.RemindersSent++
		remindersSentTotal.Inc()
	}
}

func (s *ReminderService) insertCalendarEvent(ctx context.Context, intg Integration, g Grant) error {
	tokens, err := s.calendar.Refresh(ctx, intg.RefreshToken)
	if err != nil {
		return err
	}
	return s.calendar.InsertEvent(ctx, tokens.AccessToken, intg.CalendarID, gcal.Event{
		Summary:     g.Title + " closes",
		Description: "Grant application deadline",
		Date:        g.CloseDate,
	})
}

// syncOrg refreshes close dates of grants imported from grants.gov so
// reminders track the funder's latest deadline.
func (s *ReminderService) syncOrg(ctx context.Context, org Org, report *ReminderReport) {
	if s.opportunities == nil {
		return
	}

	imported, err := s.grants.ImportedFromGrantsGov(ctx, org.ID)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("org %s: list imported grants: %v", org.Slug, err))
		return
	}

	for _, g := range imported {
		if g.OpportunityNumber == "" {
			continue
		}
		opp, found, err := s.opportunities.LookupByNumber(ctx, g.OpportunityNumber)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("org %s: lookup %s: %v", org.Slug, g.OpportunityNumber, err))
			continue
		}
		if !found || opp.CloseDate == "" || opp.CloseDate == g.CloseDate {
			continue
		}
		if !validDay(opp.CloseDate) {
			continue
		}
		if err := s.grants.SetCloseDate(ctx, org.ID, g.ID, opp.CloseDate); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("org %s: set close date %s: %v", org.Slug, g.ID, err))
			continue
		}
		report.CloseDateSync++
	}
}
