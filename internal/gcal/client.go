// Package gcal is a typed client for the Google Calendar v3 REST API,
// covering the narrow surface the sync engine consumes: calendar
// provisioning, incremental change listing, and event writes.
package gcal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"
)

const (
	defaultBaseURL = "https://www.googleapis.com/calendar/v3"
	pageSize       = "250"

	maxRetries = 3
	retryBase  = 500 * time.Millisecond
)

// ScopeCalendar is the OAuth scope covering calendar reads and writes.
const ScopeCalendar = "https://www.googleapis.com/auth/calendar"

// OAuthEndpoint is Google's OAuth 2.0 authorization and token endpoint pair.
var OAuthEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

// ErrSyncTokenExpired reports that the provider invalidated the incremental
// cursor; the caller must fall back to a full listing.
var ErrSyncTokenExpired = errors.New("sync token expired")

// apiError carries the provider's status code so callers can tell terminal
// rejections apart from transport failures.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	if e.message != "" {
		return fmt.Sprintf("calendar API status %d: %s", e.status, e.message)
	}
	return fmt.Sprintf("calendar API status %d", e.status)
}

// Client talks to the calendar API on behalf of a single user. Construct one
// per sync cycle from that user's token source.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = u
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func New(ts oauth2.TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Transport: &oauth2.Transport{Source: ts},
			Timeout:   30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureCalendar returns the id of the secondary calendar named name,
// creating it if no owned calendar carries that name. Keeps application
// events out of the user's primary calendar.
func (c *Client) EnsureCalendar(ctx context.Context, name string) (string, error) {
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("minAccessRole", "owner")
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		var page calendarListPage
		if err := c.do(ctx, http.MethodGet, c.baseURL+"/users/me/calendarList?"+q.Encode(), nil, &page); err != nil {
			return "", fmt.Errorf("list calendars: %w", err)
		}
		for _, item := range page.Items {
			if item.Summary == name {
				return item.ID, nil
			}
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	var created calendarResource
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/calendars", calendarResource{Summary: name, TimeZone: "UTC"}, &created); err != nil {
		return "", fmt.Errorf("create calendar: %w", err)
	}
	return created.ID, nil
}

// ListChanges returns the events changed since syncToken was issued, or the
// full listing when syncToken is empty, along with the cursor for the next
// incremental pull. Cancelled events are included. A stale cursor maps to
// ErrSyncTokenExpired.
func (c *Client) ListChanges(ctx context.Context, calendarID, syncToken string) ([]Event, string, error) {
	var (
		events    []Event
		nextSync  string
		pageToken string
	)
	for {
		q := url.Values{}
		q.Set("maxResults", pageSize)
		q.Set("showDeleted", "true")
		if syncToken != "" {
			q.Set("syncToken", syncToken)
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		var page eventsPage
		if err := c.do(ctx, http.MethodGet, c.eventsURL(calendarID)+"?"+q.Encode(), nil, &page); err != nil {
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.status == http.StatusGone {
				return nil, "", ErrSyncTokenExpired
			}
			return nil, "", fmt.Errorf("list events: %w", err)
		}
		for _, item := range page.Items {
			events = append(events, item.event())
		}
		// The provider sends the sync token only on the final page.
		if page.NextSyncToken != "" {
			nextSync = page.NextSyncToken
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return events, nextSync, nil
}

// Insert creates ev on the given calendar and returns the remote id.
func (c *Client) Insert(ctx context.Context, calendarID string, ev Event) (string, error) {
	var created wireEvent
	if err := c.do(ctx, http.MethodPost, c.eventsURL(calendarID), toWire(ev), &created); err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return created.ID, nil
}

// Update overwrites the remote event with ev's fields.
func (c *Client) Update(ctx context.Context, calendarID, remoteID string, ev Event) error {
	if err := c.do(ctx, http.MethodPut, c.eventsURL(calendarID)+"/"+url.PathEscape(remoteID), toWire(ev), nil); err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return nil
}

// Delete removes the remote event. An event the provider no longer has
// counts as deleted.
func (c *Client) Delete(ctx context.Context, calendarID, remoteID string) error {
	err := c.do(ctx, http.MethodDelete, c.eventsURL(calendarID)+"/"+url.PathEscape(remoteID), nil, nil)
	var apiErr *apiError
	if errors.As(err, &apiErr) && (apiErr.status == http.StatusNotFound || apiErr.status == http.StatusGone) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}

func (c *Client) eventsURL(calendarID string) string {
	return c.baseURL + "/calendars/" + url.PathEscape(calendarID) + "/events"
}

// do runs one API call, retrying transport failures, rate limits, and server
// errors with exponential backoff. Other rejections come back as *apiError.
func (c *Client) do(ctx context.Context, method, rawURL string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	b := retry.WithMaxRetries(maxRetries, retry.NewExponential(retryBase))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("calendar API request: %w", err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return retry.RetryableError(&apiError{status: resp.StatusCode})
		case resp.StatusCode >= 400:
			return &apiError{status: resp.StatusCode, message: apiMessage(resp)}
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode calendar response: %w", err)
			}
		}
		return nil
	})
}

func apiMessage(resp *http.Response) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ""
	}
	return body.Error.Message
}
