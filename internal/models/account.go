package models

import "time"

// Account represents a dealer account: a credential set used to drive an
// authenticated session on the provider portal on behalf of the pool.
type Account struct {
	ID                  string     `json:"id" db:"id"`
	Username            string     `json:"username" db:"username"`
	IsActive            bool       `json:"isActive" db:"is_active"`
	Priority            int        `json:"priority" db:"priority"` // higher served first
	LastUsedAt          *time.Time `json:"lastUsedAt,omitempty" db:"last_used_at"`
	UsageCount          int64      `json:"usageCount" db:"usage_count"`
	CooldownUntil       *time.Time `json:"cooldownUntil,omitempty" db:"cooldown_until"`
	ConsecutiveFailures int        `json:"consecutiveFailures" db:"consecutive_failures"`
	TotalFailures       int64      `json:"totalFailures" db:"total_failures"`
	TotalSuccess        int64      `json:"totalSuccess" db:"total_success"`
	LastError           *string    `json:"lastError,omitempty" db:"last_error"`
	LastErrorAt         *time.Time `json:"lastErrorAt,omitempty" db:"last_error_at"`
	CreatedAt           time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt           time.Time  `json:"updatedAt" db:"updated_at"`
}

// InCooldown reports whether the account is suspended at the given instant.
func (a *Account) InCooldown(now time.Time) bool {
	return a.CooldownUntil != nil && a.CooldownUntil.After(now)
}

// Selectable reports whether the account may be handed out at the given
// instant. Cooldown overrides the activation flag.
func (a *Account) Selectable(now time.Time) bool {
	return a.IsActive && !a.InCooldown(now)
}
