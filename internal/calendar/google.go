package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/conciergelabs/concierge/internal/httpkit"
)

const googleCalendarBaseURL = "https://www.googleapis.com/calendar/v3"

// GoogleClient talks to the Google Calendar REST API. The caller supplies
// an *http.Client that already injects the user's OAuth credentials
// (typically oauth2.NewClient over a refreshing token source).
type GoogleClient struct {
	baseURL    string
	calendarID string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGoogleClient creates a Google Calendar client for one calendar.
// httpClient must add Authorization headers itself; pass nil to use an
// unauthenticated client (only useful in tests).
func NewGoogleClient(httpClient *http.Client, calendarID string, logger *slog.Logger) *GoogleClient {
	if httpClient == nil {
		httpClient = httpkit.NewClient(httpkit.WithTimeout(30 * time.Second))
	}
	if logger == nil {
		logger = slog.Default()
	}
	if calendarID == "" {
		calendarID = "primary"
	}
	return &GoogleClient{
		baseURL:    googleCalendarBaseURL,
		calendarID: calendarID,
		httpClient: httpClient,
		logger:     logger.With("provider", "google-calendar"),
	}
}

// SetBaseURL overrides the API endpoint. Used by tests.
func (c *GoogleClient) SetBaseURL(u string) {
	c.baseURL = u
}

type googleFreeBusyRequest struct {
	TimeMin string               `json:"timeMin"`
	TimeMax string               `json:"timeMax"`
	Items   []googleFreeBusyItem `json:"items"`
}

type googleFreeBusyItem struct {
	ID string `json:"id"`
}

type googleFreeBusyResponse struct {
	Calendars map[string]struct {
		Busy []struct {
			Start time.Time `json:"start"`
			End   time.Time `json:"end"`
		} `json:"busy"`
		Errors []struct {
			Domain string `json:"domain"`
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"calendars"`
}

// GetBusySlots queries the freeBusy endpoint for the configured calendar.
func (c *GoogleClient) GetBusySlots(ctx context.Context, timeMin, timeMax time.Time) ([]Interval, error) {
	reqBody := googleFreeBusyRequest{
		TimeMin: timeMin.Format(time.RFC3339),
		TimeMax: timeMax.Format(time.RFC3339),
		Items:   []googleFreeBusyItem{{ID: c.calendarID}},
	}

	var resp googleFreeBusyResponse
	if err := c.postJSON(ctx, "/freeBusy", reqBody, &resp); err != nil {
		return nil, fmt.Errorf("freebusy query: %w", err)
	}

	cal, ok := resp.Calendars[c.calendarID]
	if !ok {
		return nil, fmt.Errorf("freebusy response missing calendar %q", c.calendarID)
	}
	if len(cal.Errors) > 0 {
		return nil, fmt.Errorf("freebusy error for calendar %q: %s", c.calendarID, cal.Errors[0].Reason)
	}

	intervals := make([]Interval, 0, len(cal.Busy))
	for _, b := range cal.Busy {
		intervals = append(intervals, Interval{Start: b.Start, End: b.End})
	}

	c.logger.Debug("freebusy query complete",
		"calendar", c.calendarID,
		"time_min", reqBody.TimeMin,
		"time_max", reqBody.TimeMax,
		"busy", len(intervals),
	)
	return intervals, nil
}

type googleEventResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	HTMLLink string `json:"htmlLink"`
}

// CreateEvent inserts an event into the configured calendar.
func (c *GoogleClient) CreateEvent(ctx context.Context, req EventRequest) (*EventConfirmation, error) {
	path := "/calendars/" + url.PathEscape(c.calendarID) + "/events"

	var resp googleEventResponse
	if err := c.postJSON(ctx, path, req, &resp); err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	c.logger.Info("event created",
		"calendar", c.calendarID,
		"event_id", resp.ID,
		"summary", req.Summary,
		"start", req.Start.DateTime,
	)
	return &EventConfirmation{ID: resp.ID, Status: resp.Status, Link: resp.HTMLLink}, nil
}

func (c *GoogleClient) postJSON(ctx context.Context, path string, body, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "path", path, "status", resp.StatusCode, "body", errBody)
		return fmt.Errorf("google calendar API error %d: %s", resp.StatusCode, errBody)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
