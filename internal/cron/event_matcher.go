package cron

import (
	"context"
	"sync"
	"time"
)

// defaultEventMatcherInterval bounds how often EventMatcher rebuilds its
// snapshot of event-scheduled jobs from the scheduler's job list.
const defaultEventMatcherInterval = 60 * time.Second

// EventMatcher matches inbound message content against event-scheduled jobs.
// It caches a snapshot of the job list rather than locking the scheduler on
// every inbound message, rebuilding at most once per interval.
type EventMatcher struct {
	source   func() []*Job
	interval time.Duration

	mu      sync.Mutex
	jobs    []*Job
	builtAt time.Time
}

// NewEventMatcher creates a matcher that rebuilds its job snapshot from source.
func NewEventMatcher(source func() []*Job) *EventMatcher {
	return &EventMatcher{
		source:   source,
		interval: defaultEventMatcherInterval,
	}
}

func (m *EventMatcher) rebuild(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.builtAt.IsZero() && now.Sub(m.builtAt) < m.interval {
		return
	}
	if m.source != nil {
		m.jobs = m.source()
	}
	m.builtAt = now
}

// Match returns every enabled, event-scheduled job whose pattern matches
// content on the given channel at the given time.
func (m *EventMatcher) Match(content, channel string, at time.Time) []*Job {
	if m == nil {
		return nil
	}
	m.rebuild(at)

	m.mu.Lock()
	jobs := make([]*Job, len(m.jobs))
	copy(jobs, m.jobs)
	m.mu.Unlock()

	var matched []*Job
	for _, job := range jobs {
		if job == nil || !job.Enabled {
			continue
		}
		if job.Schedule.Matches(content, channel) {
			matched = append(matched, job)
		}
	}
	return matched
}

// EventMatcher lazily builds (and returns) the scheduler's shared matcher,
// sourced from its current enabled event-scheduled jobs.
func (s *Scheduler) EventMatcher() *EventMatcher {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.eventMatcher == nil {
		s.eventMatcher = NewEventMatcher(func() []*Job {
			all := s.Jobs()
			out := make([]*Job, 0, len(all))
			for _, job := range all {
				if job != nil && job.Schedule.Kind == "event" {
					out = append(out, job)
				}
			}
			return out
		})
	}
	matcher := s.eventMatcher
	s.mu.Unlock()
	return matcher
}

// MatchEvent returns jobs whose event schedule matches content on channel.
func (s *Scheduler) MatchEvent(content, channel string) []*Job {
	if s == nil {
		return nil
	}
	return s.EventMatcher().Match(content, channel, s.now())
}

// TriggerEvent runs every job matching content on channel as a background
// fire-and-forget run, returning their job IDs. Callers on the agent loop's
// inbound-message path should release any processing mutex before invoking
// this, since RunJob re-enters the scheduler's own lock per job.
func (s *Scheduler) TriggerEvent(ctx context.Context, content, channel string) []string {
	if s == nil {
		return nil
	}
	matched := s.MatchEvent(content, channel)
	ids := make([]string, 0, len(matched))
	for _, job := range matched {
		ids = append(ids, job.ID)
		go func(id string) {
			if err := s.RunJob(ctx, id); err != nil {
				s.logger.Warn("event-triggered cron job failed", "id", id, "error", err)
			}
		}(job.ID)
	}
	return ids
}
