package supervisor

import (
	"sync"
	"time"
)

// KillSwitch is the global emergency stop. While engaged every tool call
// is refused before any other pipeline stage runs.
type KillSwitch struct {
	mu        sync.Mutex
	engaged   bool
	reason    string
	engagedAt time.Time
	clock     func() time.Time
}

// NewKillSwitch starts disengaged.
func NewKillSwitch() *KillSwitch {
	return &KillSwitch{clock: time.Now}
}

// Engage activates the switch. Re-engaging updates the reason but keeps
// the original engagement time.
func (k *KillSwitch) Engage(reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.engaged {
		k.engagedAt = k.clock().UTC()
	}
	k.engaged = true
	k.reason = reason
}

// Disengage deactivates the switch.
func (k *KillSwitch) Disengage() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.engaged = false
	k.reason = ""
	k.engagedAt = time.Time{}
}

// State reports the current switch position.
func (k *KillSwitch) State() (engaged bool, reason string, engagedAt time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.engaged, k.reason, k.engagedAt
}
