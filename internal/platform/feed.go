// Package platform holds the social-platform collaborators covenant talks to.
//
// FeedPlatform is a file-backed platform used for dry runs, scenarios and
// tests. It serves mentions from a YAML feed and records the replies posted to
// it. MemoryActions and RedisActions report which platform actions an account
// has already performed on a message.
package platform

import (
	"cmp"
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/covenant/internal/model"
)

// FeedMessage is one message in a feed file.
type FeedMessage struct {
	ID       int64     `yaml:"id"`
	AuthorID int64     `yaml:"author_id"`
	Author   string    `yaml:"author"`
	Text     string    `yaml:"text"`
	Parent   int64     `yaml:"parent,omitempty"`
	At       time.Time `yaml:"at,omitempty"`
}

// Feed is the document stored in a feed file.
type Feed struct {
	Messages []FeedMessage `yaml:"messages"`
}

// PostedReply is a reply recorded by FeedPlatform.
type PostedReply struct {
	ParentID int64  `json:"parent_id" yaml:"parent_id"`
	Text     string `json:"text" yaml:"text"`
}

// FeedPlatform serves a fixed set of messages as the bot's mentions.
type FeedPlatform struct {
	mu       sync.Mutex
	messages []model.Message // ascending by id
	replies  []PostedReply
}

// NewFeedPlatform creates a platform serving msgs.
func NewFeedPlatform(msgs ...model.Message) *FeedPlatform {
	p := &FeedPlatform{}
	p.Add(msgs...)
	return p
}

// LoadFeed reads a YAML feed file.
func LoadFeed(path string) (*FeedPlatform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	return ParseFeed(data)
}

// ParseFeed decodes a YAML feed document.
func ParseFeed(data []byte) (*FeedPlatform, error) {
	var feed Feed
	if err := yaml.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	msgs, err := feed.Decode()
	if err != nil {
		return nil, err
	}
	return NewFeedPlatform(msgs...), nil
}

// Decode converts the feed to model messages.
// Ids must be positive and unique, and every author needs a handle.
func (f Feed) Decode() ([]model.Message, error) {
	seen := make(map[int64]bool, len(f.Messages))
	out := make([]model.Message, 0, len(f.Messages))
	for i, fm := range f.Messages {
		if fm.ID <= 0 {
			return nil, fmt.Errorf("feed message %d: id must be positive", i)
		}
		if seen[fm.ID] {
			return nil, fmt.Errorf("feed message %d: duplicate id %d", i, fm.ID)
		}
		seen[fm.ID] = true
		if strings.TrimSpace(fm.Author) == "" {
			return nil, fmt.Errorf("feed message %d: author is required", fm.ID)
		}
		if fm.Parent == fm.ID {
			return nil, fmt.Errorf("feed message %d: message cannot reply to itself", fm.ID)
		}
		authorID := fm.AuthorID
		if authorID == 0 {
			authorID = handleID(fm.Author)
		}
		out = append(out, model.Message{
			ID:           fm.ID,
			Text:         fm.Text,
			AuthorID:     authorID,
			AuthorHandle: strings.TrimPrefix(fm.Author, "@"),
			CreatedAt:    fm.At.UTC(),
			ParentID:     fm.Parent,
		})
	}
	return out, nil
}

// handleID derives a stable positive account id for feeds that omit author_id.
func handleID(handle string) int64 {
	h := fnv.New64a()
	h.Write([]byte(model.NormalizeHandle(handle)))
	return int64(h.Sum64()>>2) + 1
}

// Add appends messages to the feed. A message with a known id replaces it.
func (p *FeedPlatform) Add(msgs ...model.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		i, found := slices.BinarySearchFunc(p.messages, m.ID, func(e model.Message, id int64) int {
			return cmp.Compare(e.ID, id)
		})
		if found {
			p.messages[i] = m
			continue
		}
		p.messages = slices.Insert(p.messages, i, m)
	}
}

// FetchMentionsSince returns up to limit messages with id > cursor, newest
// first. When more than limit are pending the oldest are returned, so a caller
// advancing its cursor over the batch never skips a message. limit <= 0
// returns every pending message.
func (p *FeedPlatform) FetchMentionsSince(ctx context.Context, cursor int64, limit int) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	start, _ := slices.BinarySearchFunc(p.messages, cursor+1, func(e model.Message, id int64) int {
		return cmp.Compare(e.ID, id)
	})
	pending := p.messages[start:]
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out := slices.Clone(pending)
	slices.Reverse(out)
	return out, nil
}

// PostReply records a reply.
func (p *FeedPlatform) PostReply(ctx context.Context, parentID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, PostedReply{ParentID: parentID, Text: text})
	return nil
}

// Replies returns the replies posted so far, in posting order.
func (p *FeedPlatform) Replies() []PostedReply {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.replies)
}

// Len returns the number of messages in the feed.
func (p *FeedPlatform) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}
