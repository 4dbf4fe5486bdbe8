package model

import (
	"sort"
	"strings"
	"time"
)

// Thread is an ordered sequence of chat signals sharing a thread id. A
// standalone message is a one-message thread whose ID equals the message ID.
type Thread struct {
	Oldest     time.Time `json:"oldest"`
	Newest     time.Time `json:"newest"`
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Messages   []Signal  `json:"messages"`
	MessageIDs []string  `json:"message_ids"`
	Standalone bool      `json:"standalone,omitempty"`
}

// NewThread builds a thread from its messages, ordering them by creation
// time and deriving the name and time range.
func NewThread(id string, messages []Signal) *Thread {
	sorted := make([]Signal, len(messages))
	copy(sorted, messages)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	t := &Thread{ID: id, Messages: sorted}
	for i, m := range sorted {
		t.MessageIDs = append(t.MessageIDs, m.ID)
		if i == 0 || m.CreatedAt.Before(t.Oldest) {
			t.Oldest = m.CreatedAt
		}
		if last := m.LastActivity(); last.After(t.Newest) {
			t.Newest = last
		}
		if t.Name == "" {
			if name := m.Metadata["thread_name"]; name != "" {
				t.Name = name
			}
		}
	}
	if t.Name == "" && len(sorted) > 0 {
		t.Name = firstLine(sorted[0].Text(), 100)
	}
	return t
}

// Unit is the thing being classified: a thread or a standalone message.
type Unit struct {
	Oldest     time.Time `json:"oldest"`
	Newest     time.Time `json:"newest"`
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Text       string    `json:"text"`
	MessageIDs []string  `json:"message_ids"`
	Standalone bool      `json:"standalone,omitempty"`
}

// Unit converts the thread into its classification view.
func (t *Thread) Unit() Unit {
	var b strings.Builder
	if t.Name != "" {
		b.WriteString(t.Name)
	}
	for _, m := range t.Messages {
		body := strings.TrimSpace(m.Body)
		if body == "" || body == t.Name {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(body)
	}
	return Unit{
		ID:         t.ID,
		Title:      t.Name,
		Text:       b.String(),
		Oldest:     t.Oldest,
		Newest:     t.Newest,
		MessageIDs: append([]string(nil), t.MessageIDs...),
		Standalone: t.Standalone,
	}
}

func firstLine(s string, limit int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > limit {
		return string(r[:limit])
	}
	return s
}
