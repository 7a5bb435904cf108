package telemetry

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindSignalCheck  Kind = "signal_check"
	KindPlanRejected Kind = "plan_rejected"
	KindOrder        Kind = "order"
	KindTransition   Kind = "transition"
)

// Reasons carried by order records. Only ReasonFill rows move money; the
// others describe requests made to the broker.
const (
	ReasonSubmitted = "submitted"
	ReasonCancelled = "cancelled"
	ReasonFill      = "fill"
	ReasonFailed    = "failed"
)

// Record is one observation emitted by a worker. Reporting layers aggregate
// these into per-play results.
type Record struct {
	RunID     string    `json:"run_id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	BarTime   time.Time `json:"bar_time"`
	Symbol    string    `json:"symbol"`
	Broker    string    `json:"broker,omitempty"`
	PlayID    string    `json:"play_id,omitempty"`
	OrderID   string    `json:"order_id,omitempty"`
	Side      string    `json:"side,omitempty"`
	Status    string    `json:"status,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`

	Qty         decimal.Decimal `json:"qty"`
	Price       decimal.Decimal `json:"price"`
	FilledQty   decimal.Decimal `json:"filled_qty"`
	FilledPrice decimal.Decimal `json:"filled_price"`
	Fees        decimal.Decimal `json:"fees"`
	StopLoss    decimal.Decimal `json:"stop_loss"`
	TargetPrice decimal.Decimal `json:"target_price"`

	Signal       bool      `json:"signal,omitempty"`
	Crossover    bool      `json:"crossover,omitempty"`
	MACDNegative bool      `json:"macd_negative,omitempty"`
	TrendUp      bool      `json:"trend_up,omitempty"`
	CycleStart   time.Time `json:"cycle_start,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

type Sink interface {
	Append(rec Record)
}

// Recorder stamps records with the run id and wall clock before fanning them
// out to its sinks.
type Recorder struct {
	runID string
	sinks []Sink
	now   func() time.Time
}

func New(runID string, sinks ...Sink) *Recorder {
	return &Recorder{
		runID: runID,
		sinks: sinks,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *Recorder) RunID() string {
	return r.runID
}

func (r *Recorder) Append(rec Record) {
	if r == nil {
		return
	}
	rec.RunID = r.runID
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now()
	}
	for _, sink := range r.sinks {
		sink.Append(rec)
	}
}

// Memory keeps records in process. Safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	records []Record
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
}

func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Filter returns the records of one kind.
func (m *Memory) Filter(kind Kind) []Record {
	var out []Record
	for _, rec := range m.Records() {
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out
}
