package services

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"calendar-sync-server/models"

	"github.com/go-resty/resty/v2"
)

// HTTPChannel talks to a channel's REST calendar API:
//
//	POST {base}/listings/{listing}/availability  {date, status, version}
//	POST {base}/listings/{listing}/prices        {date, price, version}
//	GET  {base}/listings/{listing}/calendar?from=&to=
//	GET  {base}/health
type HTTPChannel struct {
	name   string
	client *resty.Client
}

func NewHTTPChannel(name, baseURL string, timeout time.Duration) *HTTPChannel {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &HTTPChannel{name: name, client: client}
}

func (c *HTTPChannel) Name() string { return c.name }

type httpCalendarDay struct {
	Date   string `json:"date"`
	Status string `json:"status"`
}

type httpCalendarResponse struct {
	Days []httpCalendarDay `json:"days"`
}

type httpHealthResponse struct {
	Status string `json:"status"`
}

func listingPath(listing ListingRef) string {
	if listing.ExternalListingID != "" {
		return listing.ExternalListingID
	}
	return strconv.FormatUint(uint64(listing.PropertyID), 10)
}

func idempotencyKey(update ChannelUpdate, kind string) string {
	return fmt.Sprintf("%d:%s:%s:%d", update.Listing.PropertyID, update.Date, kind, update.Version)
}

func (c *HTTPChannel) request(ctx context.Context, listing ListingRef) *resty.Request {
	req := c.client.R().SetContext(ctx)
	if listing.APIKey != "" {
		req.SetAuthToken(listing.APIKey)
	}
	return req
}

func (c *HTTPChannel) PushAvailability(ctx context.Context, update ChannelUpdate) error {
	resp, err := c.request(ctx, update.Listing).
		SetHeader("Idempotency-Key", idempotencyKey(update, "availability")).
		SetPathParam("listing", listingPath(update.Listing)).
		SetBody(map[string]any{"date": update.Date, "status": update.Status, "version": update.Version}).
		Post("/listings/{listing}/availability")
	return c.classify(resp, err)
}

func (c *HTTPChannel) PushPrice(ctx context.Context, update ChannelUpdate) error {
	resp, err := c.request(ctx, update.Listing).
		SetHeader("Idempotency-Key", idempotencyKey(update, "price")).
		SetPathParam("listing", listingPath(update.Listing)).
		SetBody(map[string]any{"date": update.Date, "price": update.Price.StringFixed(2), "version": update.Version}).
		Post("/listings/{listing}/prices")
	return c.classify(resp, err)
}

func (c *HTTPChannel) FetchExternalState(ctx context.Context, listing ListingRef, from, to string) (map[string]string, error) {
	var body httpCalendarResponse
	resp, err := c.request(ctx, listing).
		SetPathParam("listing", listingPath(listing)).
		SetQueryParams(map[string]string{"from": from, "to": to}).
		SetResult(&body).
		Get("/listings/{listing}/calendar")
	if err := c.classify(resp, err); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(body.Days))
	for _, day := range body.Days {
		out[day.Date] = normalizeExternalStatus(day.Status)
	}
	return out, nil
}

func (c *HTTPChannel) HealthCheck(ctx context.Context, listing ListingRef) (string, error) {
	var body httpHealthResponse
	resp, err := c.request(ctx, listing).SetResult(&body).Get("/health")
	if err != nil {
		return models.HealthDown, &TransientChannelError{Channel: c.name, Err: err}
	}
	switch {
	case resp.StatusCode() == http.StatusOK && (body.Status == "" || body.Status == "ok" || body.Status == "up"):
		return models.HealthUp, nil
	case resp.StatusCode() == http.StatusOK, resp.StatusCode() == http.StatusTooManyRequests:
		return models.HealthDegraded, nil
	default:
		return models.HealthDown, fmt.Errorf("health endpoint returned %d", resp.StatusCode())
	}
}

// classify maps transport errors, 408, 429 and 5xx to transient failures and
// any other non-2xx answer to a permanent one.
func (c *HTTPChannel) classify(resp *resty.Response, err error) error {
	if err != nil {
		return &TransientChannelError{Channel: c.name, Err: err}
	}
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return &TransientChannelError{Channel: c.name, Err: fmt.Errorf("status %d: %s", code, resp.String())}
	default:
		return &PermanentChannelError{Channel: c.name, Err: fmt.Errorf("status %d: %s", code, resp.String())}
	}
}
