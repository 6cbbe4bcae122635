package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/levelup-chat/levelup/internal/models"
)

// HistoryClient talks to the message history service. Page fetches are
// idempotent; retrying the same page is always safe.
type HistoryClient struct {
	rest *restClient
}

// HistoryClientConfig configures a HistoryClient.
type HistoryClientConfig struct {
	// BaseURL of the history service. Required.
	BaseURL string
	// Token is the session token, sent as a bearer header.
	Token string
	// Language is sent as Accept-Language so system messages come back
	// localized.
	Language string
	// HTTPClient is used for all requests. Nil means a client with a
	// 10s timeout.
	HTTPClient *http.Client
}

// NewHistoryClient creates a HistoryClient.
func NewHistoryClient(config HistoryClientConfig) (*HistoryClient, error) {
	rest, err := newRESTClient(config.BaseURL, config.Token, config.Language, config.HTTPClient)
	if err != nil {
		return nil, err
	}
	return &HistoryClient{rest: rest}, nil
}

// FetchPage returns one page of a room's history, newest first.
func (c *HistoryClient) FetchPage(ctx context.Context, room models.RoomRef, page, pageSize int) (*models.HistoryPage, error) {
	if !room.Kind.Valid() || room.ID == "" {
		return nil, fmt.Errorf("history: invalid room %q", room.String())
	}
	if page < 1 {
		return nil, fmt.Errorf("history: invalid page %d", page)
	}

	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(pageSize))

	var result models.HistoryPage
	path := fmt.Sprintf("/api/chat/%s/%s/messages", room.Kind, url.PathEscape(room.ID))
	if err := c.rest.getJSON(ctx, path, query, &result); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return &result, nil
}
