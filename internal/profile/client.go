// Package profile looks up participant display data on the REST API.
package profile

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"

	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Profile is the public part of a user record.
type Profile struct {
	ID                protocol.ParticipantID `json:"id"`
	Username          string                 `json:"username"`
	ProfilePictureURL string                 `json:"profile_picture_url"`
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%d] %s", e.StatusCode, e.Message)
}

// Client is a thin REST client for the user endpoints.
type Client struct {
	http *resty.Client
}

// New creates a client for the API at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "p2pcall")

	c.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		util.LogDebug("HTTP %s %s", req.Method, req.URL)
		return nil
	})
	c.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		util.LogDebug("HTTP %d %s", resp.StatusCode(), resp.Request.URL)
		return nil
	})

	return &Client{http: c}
}

// Lookup fetches the profile of id.
func (c *Client) Lookup(ctx context.Context, id protocol.ParticipantID) (*Profile, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id.String()).
		Get("/api/users/{id}")
	if err != nil {
		return nil, fmt.Errorf("profile lookup for %s: %w", id, err)
	}
	if resp.IsError() {
		return nil, &APIError{StatusCode: resp.StatusCode(), Message: resp.String()}
	}

	var p Profile
	if err := json.Unmarshal(resp.Body(), &p); err != nil {
		return nil, fmt.Errorf("profile lookup for %s: %w", id, err)
	}
	return &p, nil
}

// CallerInfo resolves the display data for a caller.
func (c *Client) CallerInfo(ctx context.Context, id protocol.ParticipantID) (protocol.CallerInfo, error) {
	p, err := c.Lookup(ctx, id)
	if err != nil {
		return protocol.CallerInfo{}, err
	}
	return protocol.CallerInfo{Username: p.Username, ProfilePicture: p.ProfilePictureURL}, nil
}
