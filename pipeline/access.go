package pipeline

import (
	"context"
	"time"
)

// AccessEntry describes one served request.
type AccessEntry struct {
	UserId    string // empty for anonymous requests
	Method    string
	Path      string
	Status    int
	IP        string
	UserAgent string
	At        time.Time
	Elapsed   time.Duration
}

// AccessRecorder keeps access entries beyond the log line.
type AccessRecorder interface {
	RecordAccess(ctx context.Context, e AccessEntry) error
}

// SetAccessRecorder hands every served request to rec once the response has
// been written. A failing recorder is logged and never affects the response.
func (p *Pipeline) SetAccessRecorder(rec AccessRecorder) {
	p.recorder = rec
}

func (p *Pipeline) recordAccess(rc *RequestContext, status int, elapsed time.Duration) {
	if p.recorder == nil {
		return
	}
	r := rc.Request
	entry := AccessEntry{
		UserId:    rc.Identity.UserId,
		Method:    r.Method,
		Path:      r.URL.Path,
		Status:    status,
		IP:        rc.ClientIP,
		UserAgent: r.UserAgent(),
		At:        rc.Started,
		Elapsed:   elapsed,
	}
	if err := p.recorder.RecordAccess(context.WithoutCancel(r.Context()), entry); err != nil {
		p.log.Warn().Err(err).Str("path", entry.Path).Msg("recording access")
	}
}
