package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// discordServer serves channel message histories newest first, honouring
// limit and before.
type discordServer struct {
	channels map[string][]map[string]any
	requests []string
	auth     string
	mu       sync.Mutex
}

func discordMsg(id, channel string, minute int, content string) map[string]any {
	return map[string]any{
		"id":         id,
		"channel_id": channel,
		"content":    content,
		"timestamp":  baseTime.Add(time.Duration(minute) * time.Minute).Format(time.RFC3339),
		"author":     map[string]any{"id": "u1", "username": "ana"},
	}
}

func (d *discordServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.auth = r.Header.Get("Authorization")

	channel := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/channels/"), "/messages")
	d.requests = append(d.requests, channel+"?"+r.URL.RawQuery)

	msgs, ok := d.channels[channel]
	if !ok {
		http.Error(w, `{"message": "Unknown Channel"}`, http.StatusNotFound)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	before := r.URL.Query().Get("before")

	out := []map[string]any{}
	for _, m := range msgs {
		if before != "" && m["id"].(string) >= before {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, m)
	}
	w.Header().Set("X-RateLimit-Remaining", "40")
	w.Header().Set("X-RateLimit-Limit", "50")
	w.Header().Set("X-RateLimit-Reset", "1780000000.5")
	_ = json.NewEncoder(w).Encode(out)
}

func newDiscordFixture() *discordServer {
	starter := discordMsg("1002", "c1", 2, "Export crashes on large files")
	starter["thread"] = map[string]any{"id": "1002", "name": "Export crash"}
	edited := discordMsg("1003", "c1", 3, "Dark mode would be nice")
	edited["edited_timestamp"] = baseTime.Add(time.Hour).Format(time.RFC3339)

	return &discordServer{channels: map[string][]map[string]any{
		"c1": {
			edited,
			starter,
			discordMsg("1001", "c1", 1, "hello"),
			discordMsg("1000", "c1", 0, ""),
		},
		"1002": {
			discordMsg("1005", "1002", 5, "same for me on 2.3"),
			discordMsg("1004", "1002", 4, "which version?"),
		},
		"c2": {
			discordMsg("2000", "c2", 10, "login loop on mobile"),
		},
	}}
}

func TestDiscordClient_ListPage(t *testing.T) {
	fake := newDiscordFixture()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client := NewDiscordClient(srv.URL, []string{"c1", "gone", "c2"}, srv.Client())
	page, err := client.ListPage(context.Background(), PageRequest{PerPage: 100, Token: "bot-token"})
	require.NoError(t, err)

	assert.Equal(t, "Bot bot-token", fake.auth)
	assert.Empty(t, page.NextCursor, "every channel fit in one page")
	assert.True(t, page.RateLimit.Known)
	assert.Equal(t, 40, page.RateLimit.Remaining)

	byID := make(map[string]ListEntry)
	for _, e := range page.Entries {
		require.NotNil(t, e.Signal)
		byID[e.ID] = e
	}
	require.Len(t, byID, 7)

	assert.True(t, byID["1000"].Skip, "empty messages are skipped")
	assert.Empty(t, byID["1001"].Signal.ThreadID)
	assert.Equal(t, "1002", byID["1002"].Signal.ThreadID, "thread starters join their thread")
	assert.Equal(t, "Export crash", byID["1002"].Signal.Metadata["thread_name"])
	assert.Equal(t, "1002", byID["1004"].Signal.ThreadID)
	assert.Equal(t, "1002", byID["1005"].Signal.ThreadID)
	assert.Equal(t, baseTime.Add(time.Hour), byID["1003"].UpdatedAt)
	assert.Equal(t, "ana", byID["2000"].Signal.Author)
}

func TestDiscordClient_PaginatesAcrossChannels(t *testing.T) {
	fake := newDiscordFixture()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client := NewDiscordClient(srv.URL, []string{"c1", "c2"}, srv.Client())
	cfg := fastConfig(client, nil, nil)
	cfg.PerPage = 2
	f := newTestFetcher(t, cfg)

	entries, err := f.ListIDs(context.Background(), nil)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"1003", "1002", "1001", "1005", "1004", "2000"}, entryIDs(entries))
	assert.Contains(t, fake.requests, "c1?before=1002&limit=2")
}

func TestDiscordClient_Since(t *testing.T) {
	fake := newDiscordFixture()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client := NewDiscordClient(srv.URL, []string{"c1"}, srv.Client())
	since := baseTime.Add(90 * time.Second)

	page, err := client.ListPage(context.Background(), PageRequest{PerPage: 100, Since: &since})
	require.NoError(t, err)

	ids := entryIDs(page.Entries)
	assert.ElementsMatch(t, []string{"1003", "1002", "1005", "1004"}, ids)
}

func TestDiscordClient_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "2")
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Limit", "50")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message": "You are being rate limited.", "retry_after": 2, "global": false}`))
	}))
	defer srv.Close()

	client := NewDiscordClient(srv.URL, []string{"c1"}, srv.Client())
	page, err := client.ListPage(context.Background(), PageRequest{PerPage: 10, Token: "bot-token"})
	require.Error(t, err)
	assert.Nil(t, page)
	assert.True(t, IsRateLimited(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.True(t, apiErr.RateLimit.Known)
	assert.Zero(t, apiErr.RateLimit.Remaining)
}

func TestDiscordCursorRoundTrip(t *testing.T) {
	cur, err := parseDiscordCursor("", []string{"a", "b"})
	require.NoError(t, err)
	cur.enqueueThread("t1")
	cur.before = "99"

	parsed, err := parseDiscordCursor(cur.String(), nil)
	require.NoError(t, err)
	assert.Equal(t, "a", parsed.current)
	assert.Equal(t, "99", parsed.before)
	assert.Equal(t, []string{"b", "t1"}, parsed.queue)
	assert.True(t, parsed.threads["t1"])

	_, err = parseDiscordCursor("", nil)
	require.Error(t, err)
	_, err = parseDiscordCursor("garbage", nil)
	require.Error(t, err)
}
