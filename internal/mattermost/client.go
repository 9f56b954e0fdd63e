// Package mattermost is a small REST client for the source channel: it
// reads posts, looks users up, and writes replies into request threads.
package mattermost

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// PostIDLength is the length of a canonical Mattermost post ID.
const PostIDLength = 26

// ErrNotFound is returned when the server answers 404.
var ErrNotFound = errors.New("mattermost: not found")

// Post is the subset of a Mattermost post the relay uses.
type Post struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	RootID    string `json:"root_id,omitempty"`
	Message   string `json:"message"`
	CreateAt  int64  `json:"create_at"`
	DeleteAt  int64  `json:"delete_at,omitempty"`
}

// PostList is the response of the channel posts endpoint.
type PostList struct {
	Order []string        `json:"order"`
	Posts map[string]Post `json:"posts"`
}

// Oldest returns the listed posts ordered by creation time, oldest first.
func (l *PostList) Oldest() []Post {
	out := make([]Post, 0, len(l.Order))
	for _, id := range l.Order {
		if p, ok := l.Posts[id]; ok {
			if p.ID == "" {
				p.ID = id
			}
			out = append(out, p)
		}
	}
	slices.SortStableFunc(out, func(a, b Post) int {
		return cmp.Compare(a.CreateAt, b.CreateAt)
	})
	return out
}

// User is the subset of a Mattermost user profile the relay uses.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Position  string `json:"position"`
	Email     string `json:"email"`
}

// ClientOpts configures a Client.
type ClientOpts struct {
	ServerURL          string
	Team               string
	Token              string
	ProfileURLTemplate string
	Timeout            time.Duration
	RateLimit          float64           // requests per second; 0 disables pacing
	Transport          http.RoundTripper // optional; defaults to http.DefaultTransport
}

// Client talks to the Mattermost REST API v4.
type Client struct {
	server  string
	team    string
	profile string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient validates opts and returns a Client.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.ServerURL == "" {
		return nil, fmt.Errorf("mattermost: server url is required")
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("mattermost: token is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Team == "" {
		opts.Team = "kontur"
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	c := &Client{
		server:  strings.TrimRight(opts.ServerURL, "/"),
		team:    opts.Team,
		profile: opts.ProfileURLTemplate,
		http: &http.Client{
			Timeout: opts.Timeout,
			Transport: &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token, TokenType: "Bearer"}),
				Base:   base,
			},
		},
	}
	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	return c, nil
}

// CreatePost writes message into channelID. rootID threads the reply and
// is only sent when it is a canonical post ID.
func (c *Client) CreatePost(ctx context.Context, channelID, message, rootID string) (*Post, error) {
	payload := Post{ChannelID: channelID, Message: message}
	if len(rootID) == PostIDLength {
		payload.RootID = rootID
	}
	var created Post
	if err := c.do(ctx, http.MethodPost, "/api/v4/posts", nil, payload, http.StatusCreated, &created); err != nil {
		return nil, fmt.Errorf("mattermost: create post: %w", err)
	}
	return &created, nil
}

// GetUser fetches a user profile by ID.
func (c *Client) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/api/v4/users/"+url.PathEscape(id), nil, nil, http.StatusOK, &u); err != nil {
		return nil, fmt.Errorf("mattermost: get user %s: %w", id, err)
	}
	return &u, nil
}

// GetUserByEmail fetches a user profile by email address.
func (c *Client) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/api/v4/users/email/"+url.PathEscape(email), nil, nil, http.StatusOK, &u); err != nil {
		return nil, fmt.Errorf("mattermost: get user by email: %w", err)
	}
	return &u, nil
}

// ChannelPosts lists posts in channelID changed since the given time.
func (c *Client) ChannelPosts(ctx context.Context, channelID string, since time.Time) (*PostList, error) {
	q := url.Values{"since": {strconv.FormatInt(since.UnixMilli(), 10)}}
	var list PostList
	if err := c.do(ctx, http.MethodGet, "/api/v4/channels/"+url.PathEscape(channelID)+"/posts", q, nil, http.StatusOK, &list); err != nil {
		return nil, fmt.Errorf("mattermost: channel posts: %w", err)
	}
	return &list, nil
}

// PostURL returns the permalink for postID. ok is false for non-canonical IDs.
func (c *Client) PostURL(postID string) (string, bool) {
	postID = strings.TrimSpace(postID)
	if len(postID) != PostIDLength {
		return "", false
	}
	return fmt.Sprintf("%s/%s/pl/%s", c.server, c.team, postID), true
}

// DirectURL returns the direct-message link for username.
func (c *Client) DirectURL(username string) string {
	return fmt.Sprintf("%s/%s/messages/@%s", c.server, c.team, username)
}

// ProfileURL renders the staff profile template for username. It returns
// "" when no template is configured.
func (c *Client) ProfileURL(username string) string {
	if c.profile == "" || username == "" {
		return ""
	}
	return strings.ReplaceAll(c.profile, "{username}", url.PathEscape(username))
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, want int, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	u := c.server + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
