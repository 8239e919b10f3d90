package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"netguard/internal/database"
	"netguard/internal/domain"
)

const (
	defaultAuditFlushInterval = 5 * time.Second
	defaultAuditBatchSize     = 500
	defaultAuditQueueSize     = 10_000
	auditInsertTimeout        = 30 * time.Second
)

// AuditSink persists flushed audit batches.
type AuditSink interface {
	InsertDomainLogs(ctx context.Context, logs []domain.DomainLog) error
	InsertAlerts(ctx context.Context, alerts []domain.Alert) error
	IncrementTrafficStats(ctx context.Context, deltas map[string]database.TrafficDelta) error
}

// CountryLocator resolves the country of a host, "" when unknown.
type CountryLocator interface {
	CountryForHost(ctx context.Context, host string) string
}

// DatabaseSink writes audit batches through the database package.
type DatabaseSink struct{}

func (DatabaseSink) InsertDomainLogs(ctx context.Context, logs []domain.DomainLog) error {
	return database.InsertDomainLogs(ctx, logs)
}

func (DatabaseSink) InsertAlerts(ctx context.Context, alerts []domain.Alert) error {
	return database.InsertAlerts(ctx, alerts)
}

func (DatabaseSink) IncrementTrafficStats(ctx context.Context, deltas map[string]database.TrafficDelta) error {
	return database.IncrementTrafficStats(ctx, deltas)
}

type AuditWriterConfig struct {
	Sink          AuditSink
	Countries     CountryLocator
	FlushInterval time.Duration
	BatchSize     int
	QueueSize     int
}

// AuditWriter buffers verdict events and writes them in batches: on every flush interval,
// or as soon as BatchSize events are pending.
type AuditWriter struct {
	sink          AuditSink
	countries     CountryLocator
	flushInterval time.Duration
	batchSize     int

	queue        chan domain.VerdictEvent
	flushTracker sync.WaitGroup
}

func NewAuditWriter(cfg AuditWriterConfig) *AuditWriter {
	w := &AuditWriter{
		sink:          cfg.Sink,
		countries:     cfg.Countries,
		flushInterval: cfg.FlushInterval,
		batchSize:     cfg.BatchSize,
	}
	if w.sink == nil {
		w.sink = DatabaseSink{}
	}
	if w.flushInterval <= 0 {
		w.flushInterval = defaultAuditFlushInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultAuditBatchSize
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultAuditQueueSize
	}
	w.queue = make(chan domain.VerdictEvent, queueSize)
	return w
}

// Observe enqueues evt without blocking; a full queue drops it.
func (w *AuditWriter) Observe(evt domain.VerdictEvent) {
	select {
	case w.queue <- evt:
	default:
		log.Warn("Audit queue is full, dropping verdict", "domain", evt.Verdict.Domain)
	}
}

// Run flushes until ctx is done, then drains the queue and waits for pending writes.
func (w *AuditWriter) Run(ctx context.Context) {
	var buffer []domain.VerdictEvent
	timer := time.NewTimer(w.flushInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain(&buffer)
			w.flush(&buffer)
			w.flushTracker.Wait()
			return
		case evt := <-w.queue:
			buffer = append(buffer, evt)
			if len(buffer) >= w.batchSize {
				w.flush(&buffer)
				w.resetTimer(timer)
			}
		case <-timer.C:
			w.flush(&buffer)
			timer.Reset(w.flushInterval)
		}
	}
}

func (w *AuditWriter) flush(buffer *[]domain.VerdictEvent) {
	if len(*buffer) == 0 {
		return
	}

	events := *buffer
	*buffer = nil

	w.flushTracker.Add(1)
	go func() {
		defer w.flushTracker.Done()

		dbCtx, cancel := context.WithTimeout(context.Background(), auditInsertTimeout)
		defer cancel()

		w.write(dbCtx, events)
	}()
}

func (w *AuditWriter) write(ctx context.Context, events []domain.VerdictEvent) {
	logs := make([]domain.DomainLog, 0, len(events))
	var alerts []domain.Alert
	deltas := make(map[string]database.TrafficDelta)

	for _, evt := range events {
		row := domain.NewDomainLog(evt)
		if w.countries != nil {
			row.Country = w.countries.CountryForHost(ctx, evt.Verdict.Domain)
		}
		logs = append(logs, row)

		if evt.Alert {
			alerts = append(alerts, domain.NewAlert(evt))
		}

		date := database.StatDate(evt.Timestamp)
		delta := deltas[date]
		delta.Add(evt.Verdict.Action)
		deltas[date] = delta
	}

	if err := w.sink.InsertDomainLogs(ctx, logs); err != nil {
		log.Error("Failed to insert domain logs", "error", err, "count", len(logs))
	}
	if err := w.sink.InsertAlerts(ctx, alerts); err != nil {
		log.Error("Failed to insert alerts", "error", err, "count", len(alerts))
	}
	if err := w.sink.IncrementTrafficStats(ctx, deltas); err != nil {
		log.Error("Failed to update traffic stats", "error", err, "days", len(deltas))
	}
}

func (w *AuditWriter) drain(buffer *[]domain.VerdictEvent) {
	for {
		select {
		case evt := <-w.queue:
			*buffer = append(*buffer, evt)
		default:
			return
		}
	}
}

func (w *AuditWriter) resetTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(w.flushInterval)
}
