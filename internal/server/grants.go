package server

import (
	"strings"
	"time"
)

const dayLayout = "2006-01-02"

const (
	stageResearch  = "research"
	stageDrafting  = "drafting"
	stageSubmitted = "submitted"
	stageAwarded   = "awarded"
	stageDeclined  = "declined"
	stageAbandoned = "abandoned"
)

const (
	grantSourceManual    = "manual"
	grantSourceGrantsGov = "grants_gov"
)

type Grant struct {
	ID                string
	OrgID             string
	Title             string
	Funder            string
	OpportunityNumber string
	AmountCents       int64
	Stage             string
	CloseDate         string // YYYY-MM-DD, empty when unknown
	AssigneeID        string
	Source            string
	ExternalID        string
	Summary           string
	Archived          bool
	RemindedFor       string // close date a reminder was last sent for
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// stageTransitions is the single source of truth for pipeline legality.
// Forward moves go one step at a time, a grant can be pulled back one
// step for rework, and any active stage can exit to declined/abandoned.
// Terminal stages have no outgoing edges.
var stageTransitions = map[string][]string{
	stageResearch:  {stageDrafting, stageDeclined, stageAbandoned},
	stageDrafting:  {stageSubmitted, stageResearch, stageDeclined, stageAbandoned},
	stageSubmitted: {stageAwarded, stageDrafting, stageDeclined, stageAbandoned},
	stageAwarded:   {},
	stageDeclined:  {},
	stageAbandoned: {},
}

func validStage(stage string) bool {
	_, ok := stageTransitions[stage]
	return ok
}

func validStageTransition(from, to string) bool {
	for _, next := range stageTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func terminalStage(stage string) bool {
	next, ok := stageTransitions[stage]
	return ok && len(next) == 0
}

func validDay(day string) bool {
	_, err := time.Parse(dayLayout, day)
	return err == nil
}

func currentUTCDay() string {
	return time.Now().UTC().Format(dayLayout)
}

// daysToClose returns the whole days between today (UTC) and the close
// date; negative when the close date has passed, 0 when unset or invalid.
func daysToClose(closeDate string) int {
	if strings.TrimSpace(closeDate) == "" {
		return 0
	}
	closeDay, err := time.Parse(dayLayout, closeDate)
	if err != nil {
		return 0
	}
	today, _ := time.Parse(dayLayout, currentUTCDay())
	return int(closeDay.Sub(today) / (24 * time.Hour))
}
