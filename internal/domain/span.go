package domain

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type contextKey string

const ContextProfileKey contextKey = "pipelineProfile"

// Span times one pipeline stage.
type Span struct {
	Name      string `json:"name"`
	ElapsedMs *int64 `json:"elapsedMs"`
	startTs   time.Time
}

func (s *Span) End() {
	if s.ElapsedMs == nil {
		t := time.Since(s.startTs).Milliseconds()
		s.ElapsedMs = &t
	}
}

// Profile is an ordered list of stage timings for one request. Safe
// for concurrent use.
type Profile struct {
	mu      sync.Mutex
	Spans   []*Span `json:"spans"`
	TotalMs *int64  `json:"totalMs"`
	startTs time.Time
}

func NewProfile() *Profile {
	return &Profile{
		Spans:   []*Span{},
		startTs: time.Now(),
	}
}

func (p *Profile) End() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Spans) > 0 {
		p.Spans[len(p.Spans)-1].End()
	}
	if p.TotalMs == nil {
		t := time.Since(p.startTs).Milliseconds()
		p.TotalMs = &t
	}
}

// StartNewSpan ends the previous span and begins a new one.
func (p *Profile) StartNewSpan(name string) (*Span, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Spans) > 0 {
		p.Spans[len(p.Spans)-1].End()
	}
	s := &Span{
		Name:    name,
		startTs: time.Now(),
	}
	p.Spans = append(p.Spans, s)
	return s, s.End
}

func (p *Profile) ToJsonBytes() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return json.Marshal(p)
}

func NewCtxWithProfile(ctx context.Context) (context.Context, *Profile) {
	profile := NewProfile()
	return context.WithValue(ctx, ContextProfileKey, profile), profile
}

// GetProfile returns the request profile, or a detached one when the
// context carries none.
func GetProfile(ctx context.Context) *Profile {
	if profile, ok := ctx.Value(ContextProfileKey).(*Profile); ok {
		return profile
	}
	return NewProfile()
}
