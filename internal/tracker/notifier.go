package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fieldops/safesync/internal/entity"
	"github.com/fieldops/safesync/internal/httpx"
	"github.com/fieldops/safesync/internal/syncerr"
)

// NotificationStatus is terminal at sent or failed.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// Notification is one operator alert produced by the error notifier.
type Notification struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Subject    string             `json:"subject"`
	Recipient  string             `json:"recipient"`
	Status     NotificationStatus `json:"status"`
	Timestamp  time.Time          `json:"timestamp"`
	Error      string             `json:"error,omitempty"`
	ErrorCount int                `json:"error_count"`
}

// windowKey buckets errors for deduplication.
type windowKey struct {
	ErrorType  syncerr.Code
	EntityType entity.Type
}

// errorWindow is the rolling state for one bucket.
type errorWindow struct {
	total        int
	newSinceSent int
	lastSent     time.Time
	sample       []string // bounded sample of affected entity ids
	occurrences  []time.Time
}

const sampleCap = 10

// NotifierConfig wires the delivery channels.
type NotifierConfig struct {
	Cooldown   time.Duration
	Recipients []string
	WebhookURL string
	SMTPHost   string
	SMTPPort   int
	SMTPUser   string
	SMTPPass   string
	From       string
	// SeverityWeights maps taxonomy codes to suggestion weights.
	SeverityWeights map[string]int
}

// Notifier deduplicates error notifications by (error_type, entity_type)
// within a cooldown and aggregates suggestion buckets.
type Notifier struct {
	cfg  NotifierConfig
	http *httpx.Client

	mu            sync.Mutex
	windows       map[windowKey]*errorWindow
	notifications []Notification
}

// NewNotifier builds the notifier. The HTTP client may be nil when no
// webhook is configured.
func NewNotifier(cfg NotifierConfig, client *httpx.Client) *Notifier {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Hour
	}
	return &Notifier{
		cfg:     cfg,
		http:    client,
		windows: make(map[windowKey]*errorWindow),
	}
}

// RecordError adds one occurrence to the rolling window.
func (n *Notifier) RecordError(code syncerr.Code, entityType entity.Type, entityID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := windowKey{ErrorType: code, EntityType: entityType}
	w, ok := n.windows[key]
	if !ok {
		w = &errorWindow{}
		n.windows[key] = w
	}
	w.total++
	w.newSinceSent++
	w.occurrences = append(w.occurrences, time.Now())
	if len(w.occurrences) > 1000 {
		w.occurrences = w.occurrences[len(w.occurrences)-1000:]
	}
	if len(w.sample) < sampleCap {
		w.sample = append(w.sample, entityID)
	}
}

// ShouldSend is true only when the bucket has new errors since the last
// sent notification and the cooldown has elapsed.
func (n *Notifier) ShouldSend(code syncerr.Code, entityType entity.Type) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	w, ok := n.windows[windowKey{ErrorType: code, EntityType: entityType}]
	if !ok {
		return false
	}
	return w.newSinceSent > 0 && time.Since(w.lastSent) >= n.cfg.Cooldown
}

// Flush sends one notification per due bucket.
func (n *Notifier) Flush(ctx context.Context) {
	n.mu.Lock()
	var due []windowKey
	for key, w := range n.windows {
		if w.newSinceSent > 0 && time.Since(w.lastSent) >= n.cfg.Cooldown {
			due = append(due, key)
		}
	}
	n.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].ErrorType != due[j].ErrorType {
			return due[i].ErrorType < due[j].ErrorType
		}
		return due[i].EntityType < due[j].EntityType
	})
	for _, key := range due {
		n.sendBucket(ctx, key)
	}
}

func (n *Notifier) sendBucket(ctx context.Context, key windowKey) {
	n.mu.Lock()
	w := n.windows[key]
	count := w.newSinceSent
	sample := make([]string, len(w.sample))
	copy(sample, w.sample)
	n.mu.Unlock()

	subject := fmt.Sprintf("[safesync] %d %s errors on %s", count, key.ErrorType, key.EntityType)
	body := fmt.Sprintf("%d new %s errors for entity type %s.\nAffected ids (sample): %s\n",
		count, key.ErrorType, key.EntityType, strings.Join(sample, ", "))

	sentAny := false
	for _, rcpt := range n.cfg.Recipients {
		note := Notification{
			ID: uuid.New().String(), Type: "email", Subject: subject,
			Recipient: rcpt, Status: NotificationPending,
			Timestamp: time.Now(), ErrorCount: count,
		}
		if err := n.sendEmail(rcpt, subject, body); err != nil {
			note.Status = NotificationFailed
			note.Error = err.Error()
			log.Warn().Err(err).Str("recipient", rcpt).Msg("notification email failed")
		} else {
			note.Status = NotificationSent
			sentAny = true
		}
		n.record(note)
	}

	if n.cfg.WebhookURL != "" && n.http != nil {
		note := Notification{
			ID: uuid.New().String(), Type: "webhook", Subject: subject,
			Recipient: n.cfg.WebhookURL, Status: NotificationPending,
			Timestamp: time.Now(), ErrorCount: count,
		}
		if err := n.sendWebhook(ctx, key, count, sample); err != nil {
			note.Status = NotificationFailed
			note.Error = err.Error()
			log.Warn().Err(err).Msg("notification webhook failed")
		} else {
			note.Status = NotificationSent
			sentAny = true
		}
		n.record(note)
	}

	if sentAny {
		n.mu.Lock()
		w.lastSent = time.Now()
		w.newSinceSent = 0
		w.sample = w.sample[:0]
		n.mu.Unlock()
	}
}

func (n *Notifier) sendEmail(rcpt, subject, body string) error {
	if n.cfg.SMTPHost == "" {
		return fmt.Errorf("smtp not configured")
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		n.cfg.From, rcpt, subject, body)
	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)
	var auth smtp.Auth
	if n.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUser, n.cfg.SMTPPass, n.cfg.SMTPHost)
	}
	return smtp.SendMail(addr, auth, n.cfg.From, []string{rcpt}, []byte(msg))
}

func (n *Notifier) sendWebhook(ctx context.Context, key windowKey, count int, sample []string) error {
	payload, _ := json.Marshal(map[string]any{
		"error_type":  key.ErrorType,
		"entity_type": key.EntityType,
		"count":       count,
		"sample_ids":  sample,
	})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	_, err := n.http.Do(ctx, httpx.Request{
		Service:        "notify-webhook",
		Method:         http.MethodPost,
		URL:            n.cfg.WebhookURL,
		Header:         h,
		Body:           payload,
		IdempotencyKey: fmt.Sprintf("notify-%s-%s-%d", key.ErrorType, key.EntityType, count),
	})
	return err
}

func (n *Notifier) record(note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, note)
	if len(n.notifications) > 500 {
		n.notifications = n.notifications[len(n.notifications)-500:]
	}
}

// Notifications lists recorded notifications, newest first.
func (n *Notifier) Notifications(status NotificationStatus, limit int) []Notification {
	if limit <= 0 {
		limit = 50
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Notification
	for i := len(n.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		if status != "" && n.notifications[i].Status != status {
			continue
		}
		out = append(out, n.notifications[i])
	}
	return out
}

// Suggestion is one aggregated error bucket with a computed severity.
type Suggestion struct {
	ErrorType  syncerr.Code `json:"error_type"`
	EntityType entity.Type  `json:"entity_type"`
	Count      int          `json:"count"`
	Severity   string       `json:"severity"`
	SampleIDs  []string     `json:"sample_ids,omitempty"`
}

// Suggestions aggregates windows over the past hours into severity
// buckets. Weighted count >= 10 is high, >= 3 medium, else low.
func (n *Notifier) Suggestions(hours int) []Suggestion {
	if hours <= 0 {
		hours = 24
	}
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Suggestion
	for key, w := range n.windows {
		count := 0
		for _, ts := range w.occurrences {
			if ts.After(cutoff) {
				count++
			}
		}
		if count == 0 {
			continue
		}
		weight := n.cfg.SeverityWeights[string(key.ErrorType)]
		if weight <= 0 {
			weight = 1
		}
		weighted := count * weight
		severity := "low"
		switch {
		case weighted >= 10:
			severity = "high"
		case weighted >= 3:
			severity = "medium"
		}
		out = append(out, Suggestion{
			ErrorType:  key.ErrorType,
			EntityType: key.EntityType,
			Count:      count,
			Severity:   severity,
			SampleIDs:  append([]string(nil), w.sample...),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ErrorType < out[j].ErrorType
	})
	return out
}
