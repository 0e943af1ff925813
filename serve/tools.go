package serve

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	vigil "github.com/MooreSA/vigil"
	"github.com/MooreSA/vigil/store"
)

// toolDeps collects everything the tool set closes over. The remote
// clients sit behind the same small interfaces the skills use.
type toolDeps struct {
	memory     *MemoryService
	notifier   pushSender
	directions directionsAPI
	fetcher    *Fetcher
	jobs       *JobsService
	skills     *vigil.SkillRegistry
	now        func() time.Time
}

// RegisterTools builds the full tool set exposed to the model.
func RegisterTools(t *vigil.Tools, deps toolDeps) {
	if deps.now == nil {
		deps.now = time.Now
	}

	t.Register("remember", vigil.ToolDef{
		Description: "Save ONE atomic fact to long-term memory. Always call recall first; to update an existing memory pass its id as replace_id, otherwise the old and new facts will coexist.",
		Params: map[string]vigil.ParamDef{
			"content": {
				Type:        "string",
				Description: "The single fact to remember",
				Required:    true,
			},
			"replace_id": {
				Type:        "number",
				Description: "Id of an existing memory to overwrite (from recall)",
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			content, _ := args["content"].(string)
			if content == "" {
				return "", fmt.Errorf("content is required")
			}
			replaceID := argID(args, "replace_id")

			entry, err := deps.memory.Remember(ctx, content, store.MemoryAgent, nil, replaceID)
			if err != nil {
				return "", fmt.Errorf("save memory: %w", err)
			}
			if replaceID != nil {
				return fmt.Sprintf("Updated memory %d: %s", entry.ID, entry.Content), nil
			}
			return fmt.Sprintf("Remembered (id=%d): %s", entry.ID, entry.Content), nil
		},
	})

	t.Register("recall", vigil.ToolDef{
		Description: "Search long-term memory by meaning. Returns the closest stored facts with their ids and relevance. Use before remember, and whenever past context could help.",
		Params: map[string]vigil.ParamDef{
			"query": {
				Type:        "string",
				Description: "What to look for",
				Required:    true,
			},
			"limit": {
				Type:        "number",
				Description: "Maximum results, up to 20 (default 10)",
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", fmt.Errorf("query is required")
			}
			limit := defaultRecallLimit
			if l, ok := args["limit"].(float64); ok && l > 0 {
				limit = int(l)
			}
			if limit > 20 {
				limit = 20
			}

			matches, err := deps.memory.Recall(ctx, query, limit)
			if err != nil {
				return "", fmt.Errorf("search memory: %w", err)
			}
			return FormatRecallMatches(matches), nil
		},
	})

	t.Register("current_datetime", vigil.ToolDef{
		Description: "Get the current local date and time.",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return deps.now().Format("Monday, January 2, 2006 at 3:04:05 PM (MST)"), nil
		},
	})

	t.Register("fetch_url", vigil.ToolDef{
		Description: "Fetch a web page and return its readable content as markdown. Long pages are truncated.",
		Params: map[string]vigil.ParamDef{
			"url": {
				Type:        "string",
				Description: "The http(s) URL to fetch",
				Required:    true,
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			rawURL, _ := args["url"].(string)
			if rawURL == "" {
				return "", fmt.Errorf("url is required")
			}
			// Fetch never fails across the tool boundary; problems come
			// back as readable text.
			return deps.fetcher.Fetch(ctx, rawURL), nil
		},
	})

	t.Register("directions", vigil.ToolDef{
		Description: "Get driving directions and travel time between two places. Set arrival_time to get a leave-by recommendation. At most one of departure_time and arrival_time may be set; neither means leave now.",
		Params: map[string]vigil.ParamDef{
			"origin": {
				Type:        "string",
				Description: "Starting address or place",
				Required:    true,
			},
			"destination": {
				Type:        "string",
				Description: "Destination address or place",
				Required:    true,
			},
			"departure_time": {
				Type:        "string",
				Description: "Departure time, ISO-8601",
			},
			"arrival_time": {
				Type:        "string",
				Description: "Desired arrival time, ISO-8601",
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			origin, _ := args["origin"].(string)
			destination, _ := args["destination"].(string)
			if origin == "" || destination == "" {
				return "", fmt.Errorf("origin and destination are required")
			}

			departure, err := argTime(args, "departure_time")
			if err != nil {
				return "", err
			}
			arrival, err := argTime(args, "arrival_time")
			if err != nil {
				return "", err
			}
			if departure != nil && arrival != nil {
				return "", fmt.Errorf("set departure_time or arrival_time, not both")
			}

			route, err := deps.directions.Route(ctx, origin, destination, departure, arrival)
			if err != nil {
				return "", err
			}

			var b strings.Builder
			fmt.Fprintf(&b, "%s to %s", origin, destination)
			if route.Summary != "" {
				fmt.Fprintf(&b, " via %s", route.Summary)
			}
			fmt.Fprintf(&b, "\nDistance: %s", route.Distance)
			fmt.Fprintf(&b, "\nTravel time: %s", formatDuration(route.TravelTime()))
			if route.DurationInTraffic > 0 {
				b.WriteString(" (with current traffic)")
			}
			if arrival != nil {
				leaveBy := arrival.Add(-route.TravelTime())
				fmt.Fprintf(&b, "\nLeave by %s to arrive at %s",
					leaveBy.Format("3:04 PM"), arrival.Format("3:04 PM"))
			}
			return b.String(), nil
		},
	})

	t.Register("notify", vigil.ToolDef{
		Description: "Send a push notification to the user's devices.",
		Params: map[string]vigil.ParamDef{
			"title": {
				Type:        "string",
				Description: "Notification title",
				Required:    true,
			},
			"body": {
				Type:        "string",
				Description: "Notification body",
				Required:    true,
			},
			"tag": {
				Type:        "string",
				Description: "Optional emoji tag, e.g. bell",
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			title, _ := args["title"].(string)
			body, _ := args["body"].(string)
			if title == "" || body == "" {
				return "", fmt.Errorf("title and body are required")
			}
			tag, _ := args["tag"].(string)
			deps.notifier.Notify(ctx, title, body, tag, "")
			return "Notification sent.", nil
		},
	})

	registerJobTools(t, deps)
}

// registerJobTools adds the scheduled-job CRUD tools and list_skills.
func registerJobTools(t *vigil.Tools, deps toolDeps) {
	t.Register("list_jobs", vigil.ToolDef{
		Description: "List all scheduled jobs with their schedules and next run times.",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			jobs, err := deps.jobs.List(ctx)
			if err != nil {
				return "", err
			}
			if len(jobs) == 0 {
				return "No scheduled jobs.", nil
			}
			var b strings.Builder
			for i, j := range jobs {
				if i > 0 {
					b.WriteString("\n")
				}
				b.WriteString(formatJob(&j))
			}
			return b.String(), nil
		},
	})

	t.Register("create_job", vigil.ToolDef{
		Description: "Schedule a job. Give either a cron schedule (recurring) or run_at (one-shot), and either a prompt to run through the assistant or a skill_name with skill_config.",
		Params: map[string]vigil.ParamDef{
			"name": {
				Type:        "string",
				Description: "Human-readable job name",
				Required:    true,
			},
			"schedule": {
				Type:        "string",
				Description: "Standard 5-field cron expression for recurring jobs",
			},
			"run_at": {
				Type:        "string",
				Description: "One-shot fire time, ISO-8601",
			},
			"prompt": {
				Type:        "string",
				Description: "Prompt executed by the assistant when the job fires",
			},
			"skill_name": {
				Type:        "string",
				Description: "Registered skill to run instead of a prompt (see list_skills)",
			},
			"skill_config": {
				Type:        "object",
				Description: "Configuration object for the skill",
			},
			"max_retries": {
				Type:        "number",
				Description: "Retry budget for failed runs (default 0)",
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			params, err := jobParamsFromArgs(args)
			if err != nil {
				return "", err
			}
			job, err := deps.jobs.Create(ctx, params)
			if err != nil {
				return "", err
			}
			return "Created job:\n" + formatJob(job), nil
		},
	})

	t.Register("update_job", vigil.ToolDef{
		Description: "Update a scheduled job. All fields are rewritten; fetch current values with list_jobs first.",
		Params: map[string]vigil.ParamDef{
			"id": {
				Type:        "number",
				Description: "Id of the job to update",
				Required:    true,
			},
			"name":         {Type: "string", Description: "Job name", Required: true},
			"schedule":     {Type: "string", Description: "Cron expression, omit for one-shot"},
			"run_at":       {Type: "string", Description: "One-shot fire time, ISO-8601"},
			"prompt":       {Type: "string", Description: "Prompt payload"},
			"skill_name":   {Type: "string", Description: "Skill payload"},
			"skill_config": {Type: "object", Description: "Skill configuration"},
			"max_retries":  {Type: "number", Description: "Retry budget"},
			"enabled":      {Type: "boolean", Description: "Whether the job is enabled"},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			id := argID(args, "id")
			if id == nil {
				return "", fmt.Errorf("id is required")
			}
			params, err := jobParamsFromArgs(args)
			if err != nil {
				return "", err
			}
			if enabled, ok := args["enabled"].(bool); ok {
				params.Enabled = &enabled
			}
			job, err := deps.jobs.Update(ctx, *id, params)
			if err != nil {
				return "", err
			}
			return "Updated job:\n" + formatJob(job), nil
		},
	})

	t.Register("delete_job", vigil.ToolDef{
		Description: "Delete a scheduled job by id.",
		Params: map[string]vigil.ParamDef{
			"id": {
				Type:        "number",
				Description: "Id of the job to delete",
				Required:    true,
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			id := argID(args, "id")
			if id == nil {
				return "", fmt.Errorf("id is required")
			}
			if err := deps.jobs.Delete(ctx, *id); err != nil {
				return "", err
			}
			return fmt.Sprintf("Job %d deleted.", *id), nil
		},
	})

	t.Register("list_skills", vigil.ToolDef{
		Description: "List the registered skills and their configuration schemas.",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			skills := deps.skills.List()
			if len(skills) == 0 {
				return "No skills registered.", nil
			}
			var b strings.Builder
			for i, s := range skills {
				if i > 0 {
					b.WriteString("\n")
				}
				fmt.Fprintf(&b, "- %s: %s", s.Name(), s.Description())
				if schema := s.ConfigSchema(); len(schema) > 0 {
					fmt.Fprintf(&b, "\n  config schema: %v", schema)
				}
			}
			return b.String(), nil
		},
	})
}

// jobParamsFromArgs maps tool arguments to JobParams.
func jobParamsFromArgs(args map[string]any) (*JobParams, error) {
	p := &JobParams{}
	p.Name, _ = args["name"].(string)
	if s, ok := args["schedule"].(string); ok && s != "" {
		p.Schedule = &s
	}
	if s, ok := args["run_at"].(string); ok && s != "" {
		at, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("invalid run_at %q: use ISO-8601", s)
		}
		p.RunAt = &at
	}
	if s, ok := args["prompt"].(string); ok && s != "" {
		p.Prompt = &s
	}
	if s, ok := args["skill_name"].(string); ok && s != "" {
		p.SkillName = &s
	}
	if m, ok := args["skill_config"].(map[string]any); ok {
		p.SkillConfig = m
	}
	if n, ok := args["max_retries"].(float64); ok {
		p.MaxRetries = int(n)
	}
	return p, nil
}

// argID reads an integer id argument that may arrive as a JSON number
// or a string.
func argID(args map[string]any, key string) *int64 {
	switch v := args[key].(type) {
	case float64:
		id := int64(v)
		return &id
	case string:
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return &id
		}
	}
	return nil
}

// argTime reads an optional ISO-8601 time argument.
func argTime(args map[string]any, key string) (*time.Time, error) {
	s, ok := args[key].(string)
	if !ok || s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: use ISO-8601", key, s)
	}
	return &t, nil
}

func formatJob(j *store.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- [id %d] %s", j.ID, j.Name)
	if j.Cron != nil {
		fmt.Fprintf(&b, " (cron %q)", *j.Cron)
	} else {
		b.WriteString(" (one-shot)")
	}
	if !j.Enabled {
		b.WriteString(" [disabled]")
	}
	if j.Prompt != nil {
		fmt.Fprintf(&b, "\n  prompt: %s", clip(*j.Prompt, 120))
	}
	if j.SkillName != nil {
		fmt.Fprintf(&b, "\n  skill: %s", *j.SkillName)
	}
	fmt.Fprintf(&b, "\n  next run: %s", j.NextRunAt.Local().Format("2006-01-02 15:04"))
	if j.LastRunAt != nil {
		fmt.Fprintf(&b, ", last run: %s", j.LastRunAt.Local().Format("2006-01-02 15:04"))
	}
	return b.String()
}

// clip cuts s to at most max bytes.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
