package luna

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrNoKeysAvailable indicates every credential slot is currently
	// inside a cooldown window.
	ErrNoKeysAvailable = errors.New("no API keys available")

	// ErrAllKeysFailed indicates every rotation attempt failed.
	ErrAllKeysFailed = errors.New("all API keys failed")
)

// FailureClass categorizes a remote-call failure, and determines the
// cooldown applied to the credential slot that produced it.
type FailureClass string

const (
	// FailureRateLimited is an explicit 'too many requests' rejection
	FailureRateLimited FailureClass = "rate_limited"

	// FailureQuota is an access-denied/quota-exhausted rejection
	FailureQuota FailureClass = "quota"

	// FailureServerFault is a 5xx-equivalent remote fault
	FailureServerFault FailureClass = "server_fault"

	// FailureRejected is any other 4xx-equivalent rejection
	FailureRejected FailureClass = "rejected"

	// FailureNetwork means no structured response was received at all
	// (timeouts included)
	FailureNetwork FailureClass = "network"
)

var failureCooldowns = map[FailureClass]time.Duration{
	FailureRateLimited: 5 * time.Minute,
	FailureQuota:       10 * time.Minute,
	FailureServerFault: 30 * time.Second,
	FailureRejected:    2 * time.Minute,
	FailureNetwork:     30 * time.Second,
}

// Cooldown returns the block window applied to a slot after a failure
// of this class.
func (f FailureClass) Cooldown() time.Duration {
	d, ok := failureCooldowns[f]
	if !ok {
		return failureCooldowns[FailureNetwork]
	}
	return d
}

func (f FailureClass) String() string {
	return string(f)
}

// classifyStatus maps an HTTP-like status code to a FailureClass.
// Use FailureNetwork directly when no status code was received.
func classifyStatus(code int) FailureClass {
	switch {
	case code == 429:
		return FailureRateLimited
	case code == 401 || code == 403:
		return FailureQuota
	case code >= 500:
		return FailureServerFault
	case code >= 400:
		return FailureRejected
	default:
		return FailureNetwork
	}
}

// CredentialSlot is one configured API key plus its availability state.
// Slot identity is its position in the pool, fixed at startup.
type CredentialSlot struct {
	Index        int
	secret       string
	Blocked      bool
	BlockedUntil time.Time
	Failures     int
	LastUsed     time.Time
}

// Secret returns the configured API key for this slot.
func (s *CredentialSlot) Secret() string {
	return s.secret
}

func (s *CredentialSlot) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("index", s.Index),
		slog.Bool("blocked", s.Blocked),
		slog.Int("failures", s.Failures),
	}
	if !s.BlockedUntil.IsZero() {
		attrs = append(attrs, slog.Time("blocked_until", s.BlockedUntil))
	}
	return slog.GroupValue(attrs...)
}

// SlotStatus is a read-only projection of a CredentialSlot, safe to
// expose over the status API (the secret is omitted).
type SlotStatus struct {
	Index        int        `json:"index"`
	Blocked      bool       `json:"blocked"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	Failures     int        `json:"failures"`
	LastUsed     *time.Time `json:"last_used,omitempty"`
}

// KeyPool owns the ordered credential slots and the rotation cursor.
// A single KeyPool is constructed at startup and shared by reference;
// all mutation goes through its methods, under its mutex.
type KeyPool struct {
	mu     sync.Mutex
	slots  []*CredentialSlot
	cursor int
	logger *slog.Logger

	// clock is replaceable for cooldown simulation in tests
	clock func() time.Time
}

// NewKeyPool builds a pool from the configured secrets, dropping
// empty entries. The slot order (and so slot identity) follows the
// configured order.
func NewKeyPool(secrets []string, logger *slog.Logger) *KeyPool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &KeyPool{
		logger: logger.With(loggerNameKey, "key_pool"),
		clock:  time.Now,
	}
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		p.slots = append(
			p.slots,
			&CredentialSlot{Index: len(p.slots), secret: secret},
		)
	}
	return p
}

// Size returns the number of configured slots.
func (p *KeyPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Select returns the first unblocked slot at or after the rotation
// cursor, wrapping around. Slots whose cooldown has expired are
// unblocked first. Returns ErrNoKeysAvailable if every slot is blocked.
func (p *KeyPool) Select() (*CredentialSlot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	for _, slot := range p.slots {
		if slot.Blocked && !slot.BlockedUntil.After(now) {
			slot.Blocked = false
			slot.BlockedUntil = time.Time{}
			slot.Failures = 0
			p.logger.Info(
				"cooldown expired, key available again",
				"slot", slot,
			)
		}
	}

	for i := 0; i < len(p.slots); i++ {
		slot := p.slots[(p.cursor+i)%len(p.slots)]
		if slot.Blocked {
			continue
		}
		p.cursor = slot.Index
		return slot, nil
	}

	return nil, fmt.Errorf("%w (%d configured)", ErrNoKeysAvailable, len(p.slots))
}

// RecordFailure blocks the slot for the cooldown determined by the
// failure class, increments its consecutive-failure counter, and
// advances the rotation cursor past it.
func (p *KeyPool) RecordFailure(index int, class FailureClass) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.slots) {
		return
	}
	slot := p.slots[index]
	slot.Blocked = true
	slot.BlockedUntil = p.clock().Add(class.Cooldown())
	slot.Failures++
	p.cursor = (index + 1) % len(p.slots)

	p.logger.Warn(
		"key blocked",
		"slot", slot,
		"class", class.String(),
		"cooldown", class.Cooldown(),
	)
}

// RecordSuccess resets the slot's consecutive-failure counter and
// stamps its last-used time.
func (p *KeyPool) RecordSuccess(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.slots) {
		return
	}
	slot := p.slots[index]
	slot.Failures = 0
	slot.LastUsed = p.clock()
}

// Snapshot returns the current availability state of every slot,
// with secrets omitted.
func (p *KeyPool) Snapshot() []SlotStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]SlotStatus, 0, len(p.slots))
	for _, slot := range p.slots {
		status := SlotStatus{
			Index:    slot.Index,
			Blocked:  slot.Blocked,
			Failures: slot.Failures,
		}
		if !slot.BlockedUntil.IsZero() {
			t := slot.BlockedUntil
			status.BlockedUntil = &t
		}
		if !slot.LastUsed.IsZero() {
			t := slot.LastUsed
			status.LastUsed = &t
		}
		statuses = append(statuses, status)
	}
	return statuses
}
