package state

import (
	"context"

	"funding-arb-bot/internal/venue"
)

const ShutdownReportKey = "shutdown:last_report"

// ShutdownReport is the persisted summary of the last shutdown run. The next
// start logs it so an operator sees exposure the previous process left behind.
type ShutdownReport struct {
	Success            bool            `json:"success"`
	Phase              string          `json:"phase"`
	Errors             []string        `json:"errors,omitempty"`
	RemainingPositions []VenuePosition `json:"remaining_positions,omitempty"`
	ElapsedSeconds     float64         `json:"elapsed_seconds"`
	PositionsClosed    int             `json:"positions_closed"`
	OrdersCancelled    int             `json:"orders_cancelled"`
	FinishedAtMS       int64           `json:"finished_at_ms"`
}

type VenuePosition struct {
	Venue    string         `json:"venue"`
	Position venue.Position `json:"position"`
}

func LoadShutdownReport(ctx context.Context, store Store) (ShutdownReport, bool, error) {
	var report ShutdownReport
	ok, err := getJSON(ctx, store, ShutdownReportKey, &report)
	if err != nil || !ok {
		return ShutdownReport{}, false, err
	}
	return report, true, nil
}

func SaveShutdownReport(ctx context.Context, store Store, report ShutdownReport) error {
	return setJSON(ctx, store, ShutdownReportKey, report)
}
