package testutil

import (
	"context"
	"errors"
	"sync"
)

// ErrUnknownLink is returned by StaticUnshortener for urls it has no mapping for.
var ErrUnknownLink = errors.New("testutil: unknown link")

// StaticUnshortener resolves links from a fixed table.
type StaticUnshortener map[string]string

// Unshorten returns the mapped target of url or ErrUnknownLink.
func (s StaticUnshortener) Unshorten(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target, ok := s[url]
	if !ok {
		return "", ErrUnknownLink
	}
	return target, nil
}

// Post is one reply captured by RecordingPoster.
type Post struct {
	ParentID int64
	Text     string
}

// RecordingPoster captures posted replies. Parents listed in Fail are
// rejected with Err instead of recorded.
type RecordingPoster struct {
	mu    sync.Mutex
	posts []Post
	Fail  map[int64]bool
	Err   error
}

// PostReply records the reply or fails it.
func (p *RecordingPoster) PostReply(ctx context.Context, parentID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail[parentID] {
		if p.Err != nil {
			return p.Err
		}
		return errors.New("testutil: post rejected")
	}
	p.posts = append(p.posts, Post{ParentID: parentID, Text: text})
	return nil
}

// Posts returns the captured replies in posting order.
func (p *RecordingPoster) Posts() []Post {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Post(nil), p.posts...)
}
