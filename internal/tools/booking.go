package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/conciergelabs/concierge/internal/calendar"
)

// RegisterBookingTools adds the calendar tools for one conversation.
// The handlers close over the session's timezone and calendar provider,
// so the model never has to ask the user where they are.
func RegisterBookingTools(r *Registry, provider calendar.Provider, timezone string, clock func() time.Time) error {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	if clock == nil {
		clock = time.Now
	}

	if err := r.Register(&Tool{
		Name: "get_current_time",
		Description: "Get the current date and time in the user's timezone, " +
			"including the UTC offset. Call this before interpreting any " +
			"relative date like 'tomorrow' or 'next Tuesday'.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			now := clock().In(loc)
			return map[string]any{
				"current_time": now.Format(time.RFC3339),
				"timezone":     timezone,
				"utc_offset":   now.Format("-07:00"),
				"weekday":      now.Weekday().String(),
			}, nil
		},
	}); err != nil {
		return err
	}

	if err := r.Register(&Tool{
		Name: "get_slots",
		Description: "Get the BUSY periods in the user's calendar between " +
			"time_min and time_max. The returned intervals are times the user " +
			"is NOT available; any time inside the window not covered by a " +
			"returned interval is free.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"time_min": map[string]any{
					"type":        "string",
					"description": "Start of the query window, RFC 3339 (e.g. 2025-12-15T00:00:00Z)",
				},
				"time_max": map[string]any{
					"type":        "string",
					"description": "End of the query window, RFC 3339",
				},
			},
			"required": []string{"time_min", "time_max"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			timeMin, err := parseTimeArg(args, "time_min")
			if err != nil {
				return nil, err
			}
			timeMax, err := parseTimeArg(args, "time_max")
			if err != nil {
				return nil, err
			}
			if !timeMax.After(timeMin) {
				return nil, fmt.Errorf("time_max must be after time_min")
			}

			busy, err := provider.GetBusySlots(ctx, timeMin, timeMax)
			if err != nil {
				return nil, fmt.Errorf("calendar unavailable: %w", err)
			}

			// Empty slice, not nil: "no busy periods" must serialize
			// as [] so the model reads it as a free window.
			if busy == nil {
				busy = []calendar.Interval{}
			}
			return map[string]any{
				"time_min": timeMin.Format(time.RFC3339),
				"time_max": timeMax.Format(time.RFC3339),
				"busy":     busy,
			}, nil
		},
	}); err != nil {
		return err
	}

	if err := r.Register(&Tool{
		Name: "book_slot",
		Description: "Create a calendar event. Call this exactly once per " +
			"booking, only after the user has confirmed the time: each call " +
			"creates a new event.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary": map[string]any{
					"type":        "string",
					"description": "Short title for the event",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "Optional longer description",
				},
				"start_time": map[string]any{
					"type":        "string",
					"description": "Event start, RFC 3339 with offset (e.g. 2025-12-15T14:00:00+05:30)",
				},
				"end_time": map[string]any{
					"type":        "string",
					"description": "Event end, RFC 3339 with offset",
				},
			},
			"required": []string{"summary", "start_time", "end_time"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			summary, _ := args["summary"].(string)
			if summary == "" {
				return nil, fmt.Errorf("summary must be a non-empty string")
			}
			description, _ := args["description"].(string)

			start, err := parseTimeArg(args, "start_time")
			if err != nil {
				return nil, err
			}
			end, err := parseTimeArg(args, "end_time")
			if err != nil {
				return nil, err
			}
			if !end.After(start) {
				return nil, fmt.Errorf("end_time must be after start_time")
			}

			conf, err := provider.CreateEvent(ctx, calendar.EventRequest{
				Summary:     summary,
				Description: description,
				Start:       calendar.EventTime{DateTime: start.Format(time.RFC3339)},
				End:         calendar.EventTime{DateTime: end.Format(time.RFC3339)},
			})
			if err != nil {
				return nil, fmt.Errorf("booking failed: %w", err)
			}
			return conf, nil
		},
	}); err != nil {
		return err
	}

	return nil
}

func parseTimeArg(args map[string]any, name string) (time.Time, error) {
	raw, _ := args[name].(string)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp string", name)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s is not a valid RFC 3339 timestamp: %q", name, raw)
	}
	return t, nil
}
