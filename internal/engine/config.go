package engine

// Config holds the engine's operational tunables (§4.10, §5). cmd/schedulerd
// is the only place these are read from the environment (via config.Config);
// the engine itself never touches the environment.
type Config struct {
	MaxConcurrentRuns   int
	PollIntervalMs      int64
	HeartbeatIntervalMs int64
	StalledAfterMs      int64
	DrainHorizonMs      int64
	DrainBatchSize      int
	LeaseMs             int64
	MisfireToleranceMs  int64
	CatchUpFireCap      int
	GraceMs             int64
}

func (c *Config) setDefaults() {
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = 100
	}
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = 1000
	}
	if c.HeartbeatIntervalMs <= 0 {
		c.HeartbeatIntervalMs = 10_000
	}
	if c.StalledAfterMs <= 0 {
		c.StalledAfterMs = 60_000
	}
	if c.DrainHorizonMs <= 0 {
		c.DrainHorizonMs = c.HeartbeatIntervalMs
	}
	if c.DrainBatchSize <= 0 {
		c.DrainBatchSize = 100
	}
	if c.LeaseMs <= 0 {
		c.LeaseMs = 30_000
	}
	if c.MisfireToleranceMs <= 0 {
		c.MisfireToleranceMs = 5000
	}
	if c.CatchUpFireCap <= 0 {
		c.CatchUpFireCap = 10
	}
	if c.GraceMs <= 0 {
		c.GraceMs = 30_000
	}
}
