package parkapi

import (
	"context"
	"net/http"

	"github.com/tidwall/gjson"
)

// ContentItem is a news article or park event.
type ContentItem struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
	Date     string `json:"date,omitempty"`
}

// Version is the backend's view of supported app versions.
type Version struct {
	Current  string `json:"version"`
	Minimum  string `json:"minVersion,omitempty"`
	StoreURL string `json:"storeUrl,omitempty"`
}

// Events lists upcoming park events.
func (c *Client) Events(ctx context.Context) ([]ContentItem, error) {
	return c.content(ctx, "/api/events")
}

// Articles lists news articles.
func (c *Client) Articles(ctx context.Context) ([]ContentItem, error) {
	return c.content(ctx, "/api/articles")
}

// Version returns the version check document.
func (c *Client) Version(ctx context.Context) (Version, error) {
	const path = "/api/version"
	raw, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return Version{}, err
	}
	var v Version
	err = decode(raw, &v, path)
	return v, err
}

// content accepts either a bare array or {"data": [...]}, with numeric or string ids.
func (c *Client) content(ctx context.Context, path string) ([]ContentItem, error) {
	raw, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	list := gjson.ParseBytes(raw)
	if !list.IsArray() {
		list = list.Get("data")
	}
	items := make([]ContentItem, 0, len(list.Array()))
	list.ForEach(func(_, v gjson.Result) bool {
		items = append(items, ContentItem{
			ID:       v.Get("id").String(),
			Title:    v.Get("title").String(),
			Text:     firstString(v, "text", "description"),
			ImageURL: firstString(v, "imageUrl", "image"),
			Date:     v.Get("date").String(),
		})
		return true
	})
	return items, nil
}

func firstString(v gjson.Result, keys ...string) string {
	for _, k := range keys {
		if s := v.Get(k).String(); s != "" {
			return s
		}
	}
	return ""
}
