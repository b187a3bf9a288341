package failover

import "time"

type CooldownConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier int
}

func DefaultCooldownConfig() CooldownConfig {
	return CooldownConfig{
		Initial:    time.Minute,
		Max:        time.Hour,
		Multiplier: 5,
	}
}

// cooldown is the error state of one target.
type cooldown struct {
	errorCount int
	until      time.Time
}

func (c *cooldown) active(now time.Time) bool {
	return !c.until.IsZero() && now.Before(c.until)
}

// CooldownTracker grows a target's cooldown geometrically with consecutive
// rate-limit or auth failures, up to Max.
type CooldownTracker struct {
	config CooldownConfig
}

func NewCooldownTracker(cfg CooldownConfig) *CooldownTracker {
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultCooldownConfig().Initial
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &CooldownTracker{config: cfg}
}

func (ct *CooldownTracker) put(c *cooldown, now time.Time) time.Duration {
	c.errorCount++
	d := ct.calculateDuration(c.errorCount)
	c.until = now.Add(d)
	return d
}

func (ct *CooldownTracker) reset(c *cooldown) {
	c.errorCount = 0
	c.until = time.Time{}
}

func (ct *CooldownTracker) calculateDuration(errorCount int) time.Duration {
	d := ct.config.Initial
	for i := 1; i < errorCount; i++ {
		d *= time.Duration(ct.config.Multiplier)
		if d > ct.config.Max {
			return ct.config.Max
		}
	}
	return d
}
