package jobs

import "time"

// Config controls the job manager.
//
// The app layer maps config.jobs into this struct. Zero values take defaults.
type Config struct {
	// Budgets cap concurrently running jobs per queue. Start launches one
	// worker loop per budget slot; later budget changes apply to admission
	// but never add workers.
	InteractiveBudget int
	BackgroundBudget  int

	// IdleSleep is the pause after a round that admitted nothing.
	IdleSleep time.Duration

	// CandidateCap bounds how many queued jobs are offered to the oracle per round.
	CandidateCap int

	CompletionCap int
	HistoryCap    int

	// DrainBatch bounds one DrainToMemory call.
	DrainBatch int

	// LowLoadThreshold: IsLowLoad reports queued+running < threshold.
	LowLoadThreshold int

	OracleTimeout time.Duration

	// EnforceTimeouts turns a job's Timeout into a deadline on RunContext.Context.
	// Bodies observe it cooperatively; the manager never fails a job for it.
	EnforceTimeouts bool

	// ShutdownTimeout bounds Shutdown(wait=true) when the caller's context has no deadline.
	ShutdownTimeout time.Duration

	// RetainFinished is how many terminal jobs stay queryable through Job(id).
	RetainFinished int
}

func (c Config) withDefaults() Config {
	if c.InteractiveBudget <= 0 {
		c.InteractiveBudget = 1
	}
	if c.BackgroundBudget <= 0 {
		c.BackgroundBudget = 2
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 400 * time.Millisecond
	}
	if c.CandidateCap <= 0 {
		c.CandidateCap = 10
	}
	if c.CompletionCap <= 0 {
		c.CompletionCap = 256
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = 200
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = 64
	}
	if c.LowLoadThreshold <= 0 {
		c.LowLoadThreshold = 2
	}
	if c.OracleTimeout <= 0 {
		c.OracleTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = time.Second
	}
	if c.RetainFinished <= 0 {
		c.RetainFinished = 1024
	}
	return c
}

func (c Config) budget(q Queue) int {
	if q == QueueInteractive {
		return c.InteractiveBudget
	}
	return c.BackgroundBudget
}

func (c Config) budgets() map[string]int {
	return map[string]int{
		string(QueueInteractive): c.InteractiveBudget,
		string(QueueBackground):  c.BackgroundBudget,
	}
}
