// Package spool implements the disk-backed back-pressure queue of spec.md
// §4.2 step 7: when durable storage is unavailable or slow, a webhook
// envelope is serialized to disk instead of dropped, and a background
// drainer retries it with exponential backoff.
package spool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxAttempts is the number of drain retries before an envelope is
	// moved to dead-letter/ for operator attention.
	MaxAttempts = 5
	// MaxBackoff caps the exponential 2^n second backoff ladder.
	MaxBackoff = 5 * time.Minute
)

// Envelope is the full serialized record of one ingest request, captured
// at the moment durable storage could not absorb it.
type Envelope struct {
	ID          string            `json:"id"`
	Headers     map[string]string `json:"headers"`
	Body        []byte            `json:"body"`
	SourceIP    string            `json:"source_ip"`
	TenantHint  string            `json:"tenant_hint"`
	Attempts    int               `json:"attempts"`
	NextAttempt time.Time         `json:"next_attempt"`
	SpooledAt   time.Time         `json:"spooled_at"`
}

// Backoff returns the delay before the (1-indexed) attempt'th retry:
// 2^attempt seconds, capped at MaxBackoff.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > MaxBackoff || d <= 0 {
		return MaxBackoff
	}
	return d
}

// Spooler manages the pending/, processing/, and dead-letter/ directories
// under a base path.
type Spooler struct {
	baseDir string
}

func New(baseDir string) (*Spooler, error) {
	s := &Spooler{baseDir: baseDir}
	for _, dir := range []string{s.pendingDir(), s.processingDir(), s.deadLetterDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("spool: create %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *Spooler) pendingDir() string    { return filepath.Join(s.baseDir, "pending") }
func (s *Spooler) processingDir() string { return filepath.Join(s.baseDir, "processing") }
func (s *Spooler) deadLetterDir() string { return filepath.Join(s.baseDir, "dead-letter") }

// Enqueue writes env to pending/ as a new file, generating an ID if one is
// not already set. Writes go to a temp file and are renamed into place so
// a crash mid-write never leaves a half-written envelope visible to the
// drainer.
func (s *Spooler) Enqueue(env Envelope) (string, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.SpooledAt.IsZero() {
		env.SpooledAt = time.Now()
	}
	if env.NextAttempt.IsZero() {
		env.NextAttempt = env.SpooledAt
	}
	if err := s.writeAtomic(s.pendingDir(), env); err != nil {
		return "", err
	}
	return env.ID, nil
}

func (s *Spooler) writeAtomic(dir string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("spool: marshal envelope %s: %w", env.ID, err)
	}
	final := filepath.Join(dir, env.ID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("spool: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, final)
}

// Due lists pending envelopes whose NextAttempt has elapsed, oldest first.
func (s *Spooler) Due(now time.Time, limit int) ([]Envelope, error) {
	entries, err := os.ReadDir(s.pendingDir())
	if err != nil {
		return nil, fmt.Errorf("spool: read pending dir: %w", err)
	}
	var envs []Envelope
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		env, err := s.readFrom(s.pendingDir(), e.Name())
		if err != nil {
			continue
		}
		if !env.NextAttempt.After(now) {
			envs = append(envs, env)
		}
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].SpooledAt.Before(envs[j].SpooledAt) })
	if limit > 0 && len(envs) > limit {
		envs = envs[:limit]
	}
	return envs, nil
}

func (s *Spooler) readFrom(dir, name string) (Envelope, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Ack removes a successfully drained envelope from pending/.
func (s *Spooler) Ack(id string) error {
	err := os.Remove(filepath.Join(s.pendingDir(), id+".json"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("spool: ack %s: %w", id, err)
	}
	return nil
}

// Retry schedules env for another drain attempt, or moves it to
// dead-letter/ once MaxAttempts is exhausted.
func (s *Spooler) Retry(env Envelope) error {
	env.Attempts++
	if env.Attempts >= MaxAttempts {
		if err := s.writeAtomic(s.deadLetterDir(), env); err != nil {
			return err
		}
		return s.Ack(env.ID)
	}
	env.NextAttempt = time.Now().Add(Backoff(env.Attempts))
	return s.writeAtomic(s.pendingDir(), env)
}

// DeadLetterCount reports how many envelopes exhausted their retries, for
// operator dashboards and alerting.
func (s *Spooler) DeadLetterCount() (int, error) {
	entries, err := os.ReadDir(s.deadLetterDir())
	if err != nil {
		return 0, fmt.Errorf("spool: read dead-letter dir: %w", err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n, nil
}
