// Package client talks to a running orchestrator over its HTTP API.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/connpro/orchestrator/internal/analytics"
	"github.com/connpro/orchestrator/internal/job"
	"github.com/connpro/orchestrator/internal/templates"
)

type Client struct {
	http *resty.Client
}

type apiError struct {
	Error string `json:"error"`
}

func New(baseURL string) *Client {
	c := resty.New()
	c.SetBaseURL(baseURL)
	c.SetTimeout(15 * time.Second)
	c.SetHeader("Accept", "application/json")
	c.SetError(&apiError{})
	return &Client{http: c}
}

type StartOptions struct {
	Items      []string `json:"items"`
	Note       string   `json:"note,omitempty"`
	TemplateID string   `json:"template_id,omitempty"`
	DelayMS    *int64   `json:"delay_ms,omitempty"`
	StartIndex *int     `json:"start_index,omitempty"`
}

func (c *Client) Start(ctx context.Context, opts StartOptions) (job.Status, error) {
	var st job.Status
	err := c.do(ctx, "POST", "/api/job/start", opts, &st)
	return st, err
}

func (c *Client) Stop(ctx context.Context) (job.Status, error) {
	var st job.Status
	err := c.do(ctx, "POST", "/api/job/stop", nil, &st)
	return st, err
}

func (c *Client) Reset(ctx context.Context) (job.Status, error) {
	var st job.Status
	err := c.do(ctx, "POST", "/api/job/reset", nil, &st)
	return st, err
}

func (c *Client) Status(ctx context.Context) (job.Status, error) {
	var st job.Status
	err := c.do(ctx, "GET", "/api/job/status", nil, &st)
	return st, err
}

func (c *Client) Analytics(ctx context.Context) (analytics.Tally, error) {
	var t analytics.Tally
	err := c.do(ctx, "GET", "/api/analytics", nil, &t)
	return t, err
}

// AnalyticsCSV returns the raw CSV export.
func (c *Client) AnalyticsCSV(ctx context.Context) ([]byte, error) {
	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "text/csv").
		Get("/api/analytics.csv")
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		return nil, responseError(res)
	}
	return res.Body(), nil
}

func (c *Client) Templates(ctx context.Context) ([]templates.Template, error) {
	var list []templates.Template
	err := c.do(ctx, "GET", "/api/templates", nil, &list)
	return list, err
}

func (c *Client) PutTemplate(ctx context.Context, id, body string) (templates.Template, error) {
	var tpl templates.Template
	err := c.do(ctx, "PUT", "/api/templates/"+id, map[string]string{"body": body}, &tpl)
	return tpl, err
}

func (c *Client) Settings(ctx context.Context) (job.Settings, error) {
	var s job.Settings
	err := c.do(ctx, "GET", "/api/settings", nil, &s)
	return s, err
}

func (c *Client) UpdateSettings(ctx context.Context, patch map[string]any) (job.Settings, error) {
	var s job.Settings
	err := c.do(ctx, "PUT", "/api/settings", patch, &s)
	return s, err
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	req := c.http.R().SetContext(ctx).SetResult(result)
	if body != nil {
		req.SetBody(body)
	}
	res, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if res.IsError() {
		return responseError(res)
	}
	return nil
}

func responseError(res *resty.Response) error {
	if e, ok := res.Error().(*apiError); ok && e.Error != "" {
		return fmt.Errorf("%s: %s", res.Status(), e.Error)
	}
	return fmt.Errorf("%s", res.Status())
}
