// Package consoletest provides an in-memory Responder for tests.
package consoletest

import (
	"context"
	"sync"

	"github.com/coder/roomctl/console"
)

// Recorder is a Responder that keeps every reply it is given.
type Recorder struct {
	mu      sync.Mutex
	posts   []*Post
	sendErr error
}

var _ console.Responder = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{}
}

// SetSendError makes subsequent sends fail with err.
func (r *Recorder) SetSendError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendErr = err
}

func (r *Recorder) Send(_ context.Context, reply console.Reply) (console.Posted, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return nil, r.sendErr
	}
	p := &Post{recorder: r, versions: []console.Reply{reply}}
	r.posts = append(r.posts, p)
	return p, nil
}

// Posts returns every message sent so far.
func (r *Recorder) Posts() []*Post {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Post(nil), r.posts...)
}

// Post is a message sent through a Recorder.
type Post struct {
	recorder *Recorder
	versions []console.Reply
}

func (p *Post) Edit(_ context.Context, reply console.Reply) error {
	p.recorder.mu.Lock()
	defer p.recorder.mu.Unlock()
	p.versions = append(p.versions, reply)
	return nil
}

// Versions returns the reply as first sent followed by every edit.
func (p *Post) Versions() []console.Reply {
	p.recorder.mu.Lock()
	defer p.recorder.mu.Unlock()
	return append([]console.Reply(nil), p.versions...)
}

// Latest returns the current content of the post.
func (p *Post) Latest() console.Reply {
	p.recorder.mu.Lock()
	defer p.recorder.mu.Unlock()
	return p.versions[len(p.versions)-1]
}
