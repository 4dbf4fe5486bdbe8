package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/Veraticus/threadline/internal/common"
	"github.com/Veraticus/threadline/internal/model"
)

// DefaultDiscordURL is the public Discord REST endpoint.
const DefaultDiscordURL = "https://discord.com/api/v10"

const maxDiscordPage = 100

// DiscordClient lists messages from a set of channels and from every thread
// started in them. Listings carry the full message, so no detail fetch is
// needed.
type DiscordClient struct {
	httpClient *http.Client
	sessions   map[string]*discordgo.Session
	baseURL    string
	channels   []string
	mu         sync.Mutex
}

// NewDiscordClient creates a client for the given channels.
func NewDiscordClient(baseURL string, channelIDs []string, httpClient *http.Client) *DiscordClient {
	if baseURL == "" {
		baseURL = DefaultDiscordURL
	}
	return &DiscordClient{
		httpClient: newHTTPClient(httpClient),
		sessions:   make(map[string]*discordgo.Session),
		baseURL:    strings.TrimRight(baseURL, "/"),
		channels:   append([]string(nil), channelIDs...),
	}
}

// Collection names the cache collection for these channels.
func (c *DiscordClient) Collection() string {
	return "discord"
}

func validateMessage(m *discordgo.Message) error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: message missing id", common.ErrBadResponse)
	case m.Timestamp.IsZero():
		return fmt.Errorf("%w: message %s missing timestamp", common.ErrBadResponse, m.ID)
	}
	return nil
}

// messageSignal converts the message. threadID is set when the message was
// listed from a thread channel.
func messageSignal(m *discordgo.Message, threadID string) model.Signal {
	sig := model.Signal{
		Source:    model.SourceChat,
		ID:        m.ID,
		ThreadID:  threadID,
		Body:      m.Content,
		CreatedAt: m.Timestamp.UTC(),
		Metadata:  map[string]string{"channel_id": m.ChannelID},
	}
	if m.EditedTimestamp != nil {
		sig.UpdatedAt = m.EditedTimestamp.UTC()
	}
	if m.Author != nil {
		sig.Author = m.Author.Username
	}
	// A thread started from a message shares its id with that message.
	if m.Thread != nil && m.Thread.ID != "" {
		sig.ThreadID = m.Thread.ID
		if m.Thread.Name != "" {
			sig.Metadata["thread_name"] = m.Thread.Name
		}
	}
	return sig
}

// discordCursor is the listing position: the channel being read, the
// message to page before, and channels still to visit. Thread channels
// are appended as their starter messages are seen.
type discordCursor struct {
	before  string
	current string
	threads map[string]bool
	queue   []string
}

func parseDiscordCursor(s string, channels []string) (*discordCursor, error) {
	if s == "" {
		if len(channels) == 0 {
			return nil, fmt.Errorf("%w: no discord channels configured", common.ErrMissingConfig)
		}
		return &discordCursor{current: channels[0], queue: append([]string(nil), channels[1:]...), threads: map[string]bool{}}, nil
	}

	before, rest, ok := strings.Cut(s, "|")
	if !ok {
		return nil, fmt.Errorf("%w: discord cursor %q", common.ErrInvalidConfig, s)
	}
	cur := &discordCursor{before: before, threads: map[string]bool{}}
	for i, ch := range strings.Split(rest, ",") {
		isThread := strings.HasPrefix(ch, "t:")
		ch = strings.TrimPrefix(ch, "t:")
		if ch == "" {
			continue
		}
		if i == 0 {
			cur.current = ch
		} else {
			cur.queue = append(cur.queue, ch)
		}
		if isThread {
			cur.threads[ch] = true
		}
	}
	if cur.current == "" {
		return nil, fmt.Errorf("%w: discord cursor %q", common.ErrInvalidConfig, s)
	}
	return cur, nil
}

func (c *discordCursor) String() string {
	parts := make([]string, 0, len(c.queue)+1)
	for _, ch := range append([]string{c.current}, c.queue...) {
		if c.threads[ch] {
			ch = "t:" + ch
		}
		parts = append(parts, ch)
	}
	return c.before + "|" + strings.Join(parts, ",")
}

// advance moves to the next queued channel; it reports false when none remain.
func (c *discordCursor) advance() bool {
	if len(c.queue) == 0 {
		return false
	}
	c.current, c.queue, c.before = c.queue[0], c.queue[1:], ""
	return true
}

func (c *discordCursor) enqueueThread(id string) {
	if id == "" || id == c.current || c.threads[id] {
		return
	}
	c.threads[id] = true
	c.queue = append(c.queue, id)
}

// ListPage reads newest-first message pages, moving on to the next channel
// when one is exhausted so a page only comes back short once every channel
// and discovered thread has been read.
func (c *DiscordClient) ListPage(ctx context.Context, req PageRequest) (*Page, error) {
	cur, err := parseDiscordCursor(req.Cursor, c.channels)
	if err != nil {
		return nil, err
	}

	out := &Page{}
	for len(out.Entries) < req.PerPage {
		requested := min(req.PerPage-len(out.Entries), maxDiscordPage)
		msgs, rl, err := c.messages(ctx, req.Token, cur.current, cur.before, requested)
		out.RateLimit = rl
		if err != nil {
			// Deleted threads and channels are skipped rather than ending the listing.
			if !IsNotFound(err) {
				return nil, err
			}
			if !cur.advance() {
				return out, nil
			}
			continue
		}

		threadID := ""
		if cur.threads[cur.current] {
			threadID = cur.current
		}

		stale := 0
		for _, m := range msgs {
			if err := validateMessage(m); err != nil {
				return nil, err
			}
			if m.Thread != nil {
				cur.enqueueThread(m.Thread.ID)
			}
			sig := messageSignal(m, threadID)
			if req.Since != nil && sig.LastActivity().Before(*req.Since) {
				stale++
				continue
			}
			out.Entries = append(out.Entries, ListEntry{
				ID:        sig.ID,
				CreatedAt: sig.CreatedAt,
				UpdatedAt: sig.UpdatedAt,
				Skip:      strings.TrimSpace(sig.Body) == "",
				Signal:    &sig,
			})
		}

		// A short response ends the channel, as does a response lying
		// entirely before the since cursor.
		if len(msgs) == requested && stale < len(msgs) {
			cur.before = msgs[len(msgs)-1].ID
			continue
		}
		if !cur.advance() {
			return out, nil
		}
	}

	out.NextCursor = cur.String()
	return out, nil
}

// session returns the API session for token, creating it on first use.
// Sessions never retry on their own; rate limits and server errors go back
// to the fetcher, which rotates credentials.
func (c *DiscordClient) session(token string) (*discordgo.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[token]; ok {
		return s, nil
	}
	auth := ""
	if token != "" {
		auth = "Bot " + token
	}
	s, err := discordgo.New(auth)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.ShouldRetryOnRateLimit = false
	s.MaxRestRetries = 0
	s.UserAgent = "threadline"
	c.sessions[token] = s
	return s, nil
}

func (c *DiscordClient) messages(ctx context.Context, token, channelID, before string, limit int) ([]*discordgo.Message, RateLimit, error) {
	s, err := c.session(token)
	if err != nil {
		return nil, RateLimit{}, err
	}

	rt := &discordTransport{
		base:   transportOf(c.httpClient),
		prefix: discordgo.EndpointAPI,
		target: c.baseURL + "/",
	}
	client := &http.Client{Transport: rt, Timeout: c.httpClient.Timeout}

	msgs, err := s.ChannelMessages(channelID, max(limit, 1), before, "", "",
		discordgo.WithClient(client), discordgo.WithContext(ctx))
	switch {
	case err == nil:
		return msgs, rt.rateLimit, nil
	case rt.status >= 300:
		body := err.Error()
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Message != nil {
			body = restErr.Message.Message
		}
		return nil, rt.rateLimit, fmt.Errorf("channel %s: %w", channelID,
			&APIError{StatusCode: rt.status, Body: body, RateLimit: rt.rateLimit})
	case rt.status != 0:
		return nil, rt.rateLimit, fmt.Errorf("channel %s: %w: %w", channelID, common.ErrBadResponse, err)
	}
	return nil, rt.rateLimit, fmt.Errorf("channel %s: %w", channelID, err)
}

// discordTransport points session requests at the configured API root and
// records the status and quota headers of the last response.
type discordTransport struct {
	base      http.RoundTripper
	rateLimit RateLimit
	prefix    string
	target    string
	status    int
}

func (t *discordTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	if rest, ok := strings.CutPrefix(req.URL.String(), t.prefix); ok {
		u, err := url.Parse(t.target + rest)
		if err != nil {
			return nil, fmt.Errorf("rewrite %s: %w", req.URL.Path, err)
		}
		out.URL = u
		out.Host = ""
	}

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	t.status = resp.StatusCode
	t.rateLimit = ParseRateLimit(resp.Header)
	return resp, nil
}
