package serve

import (
	"context"
	"fmt"
	"time"

	vigil "github.com/MooreSA/vigil"
)

// departure-check defaults.
const (
	defaultLeadMinutes = 7
	defaultPollMinutes = 5
)

// departureConfig is the skill's parsed job config.
type departureConfig struct {
	Origin      string
	Destination string
	ArrivalTime string // "HH:MM", local
	LeadMinutes int
	PollEvery   time.Duration
}

// directionsAPI is the slice of the directions client the skill needs.
type directionsAPI interface {
	Route(ctx context.Context, origin, destination string, departure, arrival *time.Time) (*Route, error)
}

// pushSender is the slice of the notifier the skill needs.
type pushSender interface {
	Notify(ctx context.Context, title, body, tag, clickURL string)
}

// DepartureCheckSkill polls traffic-aware travel time toward a target
// arrival and notifies the user when it is time to leave. It is a
// one-shot skill: once it has notified, or the arrival time has
// passed, it disables its job.
type DepartureCheckSkill struct {
	directions directionsAPI
	notifier   pushSender
	now        func() time.Time
}

// NewDepartureCheckSkill creates the skill.
func NewDepartureCheckSkill(directions directionsAPI, notifier pushSender) *DepartureCheckSkill {
	return &DepartureCheckSkill{
		directions: directions,
		notifier:   notifier,
		now:        time.Now,
	}
}

// SetClock overrides the skill clock. Test use only.
func (d *DepartureCheckSkill) SetClock(now func() time.Time) { d.now = now }

func (d *DepartureCheckSkill) Name() string { return "departure-check" }

func (d *DepartureCheckSkill) Description() string {
	return "Watches traffic toward a target arrival time and sends a push notification when it is time to leave."
}

func (d *DepartureCheckSkill) ConfigSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"version":             map[string]any{"type": "number", "description": "Config version, currently 1"},
			"origin":              map[string]any{"type": "string", "description": "Starting address or place"},
			"destination":         map[string]any{"type": "string", "description": "Destination address or place"},
			"arrivalTime":         map[string]any{"type": "string", "description": "Target arrival, HH:MM local time"},
			"leadMinutes":         map[string]any{"type": "number", "description": "Minutes of warning before leave-by (default 7)"},
			"pollIntervalMinutes": map[string]any{"type": "number", "description": "How often to re-check traffic (default 5)"},
		},
		"required": []string{"origin", "destination", "arrivalTime"},
	}
}

// parseConfig validates the job's skill config.
func (d *DepartureCheckSkill) parseConfig(raw map[string]any) (*departureConfig, error) {
	cfg := &departureConfig{
		LeadMinutes: defaultLeadMinutes,
		PollEvery:   defaultPollMinutes * time.Minute,
	}
	cfg.Origin, _ = raw["origin"].(string)
	cfg.Destination, _ = raw["destination"].(string)
	cfg.ArrivalTime, _ = raw["arrivalTime"].(string)
	if cfg.Origin == "" || cfg.Destination == "" || cfg.ArrivalTime == "" {
		return nil, fmt.Errorf("origin, destination, and arrivalTime are required")
	}
	if _, err := time.Parse("15:04", cfg.ArrivalTime); err != nil {
		return nil, fmt.Errorf("invalid arrivalTime %q: use HH:MM", cfg.ArrivalTime)
	}
	if n, ok := raw["leadMinutes"].(float64); ok && n > 0 {
		cfg.LeadMinutes = int(n)
	}
	if n, ok := raw["pollIntervalMinutes"].(float64); ok && n > 0 {
		cfg.PollEvery = time.Duration(n * float64(time.Minute))
	}
	return cfg, nil
}

// Execute runs the polling loop until it is time to leave, the arrival
// time passes, or the context is cancelled.
func (d *DepartureCheckSkill) Execute(ctx context.Context, sc vigil.SkillContext) (vigil.SkillResult, error) {
	cfg, err := d.parseConfig(sc.Job.Config)
	if err != nil {
		return vigil.SkillResult{}, err
	}

	for {
		if ctx.Err() != nil {
			return vigil.SkillResult{Success: true, Message: "Aborted"}, nil
		}

		now := d.now()
		arrival := todayAt(now, cfg.ArrivalTime)
		if now.After(arrival) {
			return vigil.SkillResult{Success: true, Message: "Past arrival time", DisableJob: true}, nil
		}

		route, err := d.directions.Route(ctx, cfg.Origin, cfg.Destination, nil, &arrival)
		if err != nil {
			// Directions hiccups never fail the run; wait and re-check.
			sc.Log.Warn("directions check failed", "error", err)
			if !sleepCtx(ctx, cfg.PollEvery) {
				return vigil.SkillResult{Success: true, Message: "Aborted"}, nil
			}
			continue
		}

		leaveBy := arrival.Add(-route.TravelTime())
		lead := time.Duration(cfg.LeadMinutes) * time.Minute

		sc.Log.Debug("departure check",
			"leave_by", leaveBy.Format("15:04"),
			"travel_time", route.TravelTime(),
			"arrival", arrival.Format("15:04"))

		if !leaveBy.After(now.Add(lead)) {
			body := fmt.Sprintf("Leave by %s to reach %s by %s (%s drive).",
				leaveBy.Format("3:04 PM"), cfg.Destination,
				arrival.Format("3:04 PM"), formatDuration(route.TravelTime()))
			d.notifier.Notify(ctx, "Time to leave", body, "car", "")
			return vigil.SkillResult{
				Success:    true,
				Message:    "Notification sent: " + body,
				DisableJob: true,
			}, nil
		}

		if !sleepCtx(ctx, cfg.PollEvery) {
			return vigil.SkillResult{Success: true, Message: "Aborted"}, nil
		}
	}
}

// todayAt combines now's date with an HH:MM wall-clock time in now's
// location.
func todayAt(now time.Time, hhmm string) time.Time {
	t, _ := time.Parse("15:04", hhmm)
	return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
