package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// MembershipClient answers clan membership questions against the
// membership service. It backs the Gatekeeper's access checks for
// restricted rooms.
type MembershipClient struct {
	rest *restClient
}

// MembershipClientConfig configures a MembershipClient.
type MembershipClientConfig struct {
	// BaseURL of the membership service. Required.
	BaseURL string
	// Token is the session token, sent as a bearer header.
	Token string
	// HTTPClient is used for all requests. Nil means a client with a
	// 10s timeout.
	HTTPClient *http.Client
}

// NewMembershipClient creates a MembershipClient.
func NewMembershipClient(config MembershipClientConfig) (*MembershipClient, error) {
	rest, err := newRESTClient(config.BaseURL, config.Token, "", config.HTTPClient)
	if err != nil {
		return nil, err
	}
	return &MembershipClient{rest: rest}, nil
}

type membershipResponse struct {
	IsMember bool `json:"isMember"`
}

// CheckMembership reports whether the user belongs to the clan.
func (c *MembershipClient) CheckMembership(ctx context.Context, userID, roomID string) (bool, error) {
	if userID == "" || roomID == "" {
		return false, fmt.Errorf("membership: user and room ids are required")
	}

	var result membershipResponse
	path := fmt.Sprintf("/api/clans/%s/members/%s", url.PathEscape(roomID), url.PathEscape(userID))
	if err := c.rest.getJSON(ctx, path, nil, &result); err != nil {
		return false, fmt.Errorf("membership: %w", err)
	}
	return result.IsMember, nil
}
