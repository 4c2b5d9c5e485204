package mailer

import (
	"context"
	"sync"
)

// SentMail is one recorded delivery.
type SentMail struct {
	Kind     string // "verification" or "reset"
	Name     string
	Email    string
	RawToken string
}

// Recorder is a Mailer for tests: it captures messages instead of sending
// them and can be told to fail, to exercise rollback paths.
type Recorder struct {
	mu   sync.Mutex
	sent []SentMail

	// Fail forces every send to report ErrSendFailed.
	Fail bool
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) SendVerificationEmail(_ context.Context, name, email, rawToken string) error {
	return r.record("verification", name, email, rawToken)
}

func (r *Recorder) SendPasswordResetEmail(_ context.Context, name, email, rawToken string) error {
	return r.record("reset", name, email, rawToken)
}

// Sent returns a snapshot of recorded deliveries.
func (r *Recorder) Sent() []SentMail {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SentMail, len(r.sent))
	copy(out, r.sent)
	return out
}

func (r *Recorder) record(kind, name, email, rawToken string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail {
		return ErrSendFailed
	}
	r.sent = append(r.sent, SentMail{Kind: kind, Name: name, Email: email, RawToken: rawToken})
	return nil
}
