package config

import (
	"strconv"
	"time"
)

// Runtime holds the hot-reloadable knobs that drive pool selection, queueing
// and job retry behaviour. Values live in the settings table and are re-read
// periodically, so admins can tune them without restarting workers.
type Runtime struct {
	// Rate limiting per dealer account.
	RateLimitMax    int
	RateLimitWindow time.Duration

	// Cooldown policy.
	CooldownAfterFailures int
	CooldownDuration      time.Duration

	// Inter-request pacing against the provider portal.
	MinRequestDelay time.Duration
	MaxRequestDelay time.Duration

	// Auto-disable circuit breaker.
	MaxConsecutiveFailures int
	AutoDisableEnabled     bool

	// Account lock.
	LockTTL time.Duration

	// CAPTCHA round trip.
	CaptchaTimeout      time.Duration
	CaptchaPollInterval time.Duration

	// Job-level retry.
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Wait queue.
	QueueMaxWait           time.Duration
	QueuePollInterval      time.Duration
	QueueBackoffMultiplier float64
	QueueMaxPollInterval   time.Duration
}

// DefaultRuntime returns the runtime settings used when the settings table has
// no override for a key.
func DefaultRuntime() Runtime {
	return Runtime{
		RateLimitMax:           10,
		RateLimitWindow:        time.Minute,
		CooldownAfterFailures:  3,
		CooldownDuration:       5 * time.Minute,
		MinRequestDelay:        2 * time.Second,
		MaxRequestDelay:        5 * time.Second,
		MaxConsecutiveFailures: 5,
		AutoDisableEnabled:     true,
		LockTTL:                3 * time.Minute,
		CaptchaTimeout:         2 * time.Minute,
		CaptchaPollInterval:    2 * time.Second,
		MaxRetries:             3,
		RetryBaseDelay:         5 * time.Second,
		RetryMaxDelay:          2 * time.Minute,
		QueueMaxWait:           90 * time.Second,
		QueuePollInterval:      time.Second,
		QueueBackoffMultiplier: 1.5,
		QueueMaxPollInterval:   10 * time.Second,
	}
}

// Setting keys as stored in the settings table.
const (
	KeyRateLimitMax           = "pool.rate_limit_max"
	KeyRateLimitWindow        = "pool.rate_limit_window"
	KeyCooldownAfterFailures  = "pool.cooldown_after_failures"
	KeyCooldownDuration       = "pool.cooldown_duration"
	KeyMinRequestDelay        = "pool.min_request_delay"
	KeyMaxRequestDelay        = "pool.max_request_delay"
	KeyMaxConsecutiveFailures = "pool.max_consecutive_failures"
	KeyAutoDisableEnabled     = "pool.auto_disable_enabled"
	KeyLockTTL                = "pool.lock_ttl"
	KeyCaptchaTimeout         = "job.captcha_timeout"
	KeyCaptchaPollInterval    = "job.captcha_poll_interval"
	KeyMaxRetries             = "job.max_retries"
	KeyRetryBaseDelay         = "job.retry_base_delay"
	KeyRetryMaxDelay          = "job.retry_max_delay"
	KeyQueueMaxWait           = "queue.max_wait"
	KeyQueuePollInterval      = "queue.poll_interval"
	KeyQueueBackoffMultiplier = "queue.backoff_multiplier"
	KeyQueueMaxPollInterval   = "queue.max_poll_interval"
)

// RuntimeFromMap builds runtime settings from raw settings rows, falling back
// to defaults for missing or unparsable values.
func RuntimeFromMap(values map[string]string) Runtime {
	rt := DefaultRuntime()

	rt.RateLimitMax = intValue(values, KeyRateLimitMax, rt.RateLimitMax)
	rt.RateLimitWindow = durationValue(values, KeyRateLimitWindow, rt.RateLimitWindow)
	rt.CooldownAfterFailures = intValue(values, KeyCooldownAfterFailures, rt.CooldownAfterFailures)
	rt.CooldownDuration = durationValue(values, KeyCooldownDuration, rt.CooldownDuration)
	rt.MinRequestDelay = durationValue(values, KeyMinRequestDelay, rt.MinRequestDelay)
	rt.MaxRequestDelay = durationValue(values, KeyMaxRequestDelay, rt.MaxRequestDelay)
	rt.MaxConsecutiveFailures = intValue(values, KeyMaxConsecutiveFailures, rt.MaxConsecutiveFailures)
	rt.AutoDisableEnabled = boolValue(values, KeyAutoDisableEnabled, rt.AutoDisableEnabled)
	rt.LockTTL = durationValue(values, KeyLockTTL, rt.LockTTL)
	rt.CaptchaTimeout = durationValue(values, KeyCaptchaTimeout, rt.CaptchaTimeout)
	rt.CaptchaPollInterval = durationValue(values, KeyCaptchaPollInterval, rt.CaptchaPollInterval)
	rt.MaxRetries = intValue(values, KeyMaxRetries, rt.MaxRetries)
	rt.RetryBaseDelay = durationValue(values, KeyRetryBaseDelay, rt.RetryBaseDelay)
	rt.RetryMaxDelay = durationValue(values, KeyRetryMaxDelay, rt.RetryMaxDelay)
	rt.QueueMaxWait = durationValue(values, KeyQueueMaxWait, rt.QueueMaxWait)
	rt.QueuePollInterval = durationValue(values, KeyQueuePollInterval, rt.QueuePollInterval)
	rt.QueueBackoffMultiplier = floatValue(values, KeyQueueBackoffMultiplier, rt.QueueBackoffMultiplier)
	rt.QueueMaxPollInterval = durationValue(values, KeyQueueMaxPollInterval, rt.QueueMaxPollInterval)

	if rt.MaxRequestDelay < rt.MinRequestDelay {
		rt.MaxRequestDelay = rt.MinRequestDelay
	}

	return rt
}

func intValue(values map[string]string, key string, defaultValue int) int {
	raw, ok := values[key]
	if !ok {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return value
}

func floatValue(values map[string]string, key string, defaultValue float64) float64 {
	raw, ok := values[key]
	if !ok {
		return defaultValue
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func boolValue(values map[string]string, key string, defaultValue bool) bool {
	raw, ok := values[key]
	if !ok {
		return defaultValue
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultValue
	}
	return value
}

func durationValue(values map[string]string, key string, defaultValue time.Duration) time.Duration {
	raw, ok := values[key]
	if !ok {
		return defaultValue
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue
	}
	return value
}
