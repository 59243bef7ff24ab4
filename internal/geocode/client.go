// Package geocode resolves coordinates to a country and place name using a
// Nominatim-compatible reverse geocoding API.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rewired-gh/crashguard/internal/models"
)

// ErrNoResult is returned when the service has no address for a position.
var ErrNoResult = errors.New("no address for position")

// HTTPDoer is the subset of *http.Client the client needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client provides access to the reverse geocoding API
type Client struct {
	baseURL        string
	userAgent      string
	httpClient     HTTPDoer
	maxRetries     int
	retryDelayBase time.Duration
}

type reverseResponse struct {
	Error       string  `json:"error"`
	DisplayName string  `json:"display_name"`
	Address     address `json:"address"`
}

type address struct {
	City        string `json:"city"`
	Town        string `json:"town"`
	Village     string `json:"village"`
	County      string `json:"county"`
	State       string `json:"state"`
	Country     string `json:"country"`
	CountryCode string `json:"country_code"`
}

// NewClient creates a new reverse geocoding client
func NewClient(baseURL, userAgent string, timeout time.Duration, maxRetries int, retryDelayBase time.Duration) *Client {
	return NewClientWithHTTPDoer(baseURL, userAgent, &http.Client{Timeout: timeout}, maxRetries, retryDelayBase)
}

// NewClientWithHTTPDoer creates a client over a custom transport.
func NewClientWithHTTPDoer(baseURL, userAgent string, doer HTTPDoer, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Client{
		baseURL:        baseURL,
		userAgent:      userAgent,
		httpClient:     doer,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

// Reverse returns the place at loc.
func (c *Client) Reverse(ctx context.Context, loc models.Location) (models.Place, error) {
	if err := loc.Validate(); err != nil {
		return models.Place{}, fmt.Errorf("invalid location: %w", err)
	}

	u, err := url.Parse(c.baseURL + "/reverse")
	if err != nil {
		return models.Place{}, fmt.Errorf("failed to parse URL: %w", err)
	}
	q := u.Query()
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(loc.Latitude, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(loc.Longitude, 'f', 6, 64))
	q.Set("zoom", "10")
	q.Set("addressdetails", "1")
	u.RawQuery = q.Encode()

	resp, err := c.doRequest(ctx, u.String())
	if err != nil {
		return models.Place{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Place{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var body reverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return models.Place{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if body.Error != "" {
		return models.Place{}, fmt.Errorf("%w: %s", ErrNoResult, body.Error)
	}
	if body.Address.CountryCode == "" && body.Address.Country == "" {
		return models.Place{}, ErrNoResult
	}

	return toPlace(body.Address), nil
}

func toPlace(a address) models.Place {
	city := a.City
	if city == "" {
		city = a.Town
	}
	if city == "" {
		city = a.Village
	}
	region := a.State
	if region == "" {
		region = a.County
	}
	return models.Place{
		CountryCode: a.CountryCode,
		Country:     a.Country,
		City:        city,
		Region:      region,
	}
}

// doRequest performs HTTP request with retry logic
func (c *Client) doRequest(ctx context.Context, urlStr string) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}

		req.Header.Set("Accept", "application/json")
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
		} else {
			return resp, nil
		}

		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
