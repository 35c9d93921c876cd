package audit

/*
Журнал событий безопасности: неблокирующая передача событий из hot path
движка доступа и пакетная запись в хранилище.

- Record никогда не блокирует: при переполнении очереди событие сбрасывается
  (load shedding) с записью в лог. Кольцевой буфер движка при этом его сохраняет.
- Пачка пишется по таймеру или при достижении BatchSize.
- Stop закрывает вход и дожидается финального сброса (drain pattern).
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"go.uber.org/zap"
)

// Storage определяет, куда физически сохраняются события
type Storage interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []domain.SecurityEvent) error
}

// Observer — заполненность очереди и сброшенные события (метрики)
type Observer interface {
	ObserveJournal(queued int, dropped bool)
}

type Options struct {
	Buffer        int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

type Journal struct {
	ch       chan domain.SecurityEvent
	repo     Storage
	observer Observer
	logger   *zap.Logger
	opts     Options
	wg       sync.WaitGroup

	// mu защищает закрытие канала от гонки с Record
	mu     sync.RWMutex
	closed atomic.Bool
}

func NewJournal(opts Options, repo Storage, observer Observer, logger *zap.Logger) *Journal {
	if opts.Buffer <= 0 {
		opts.Buffer = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Journal{
		ch:       make(chan domain.SecurityEvent, opts.Buffer),
		repo:     repo,
		observer: observer,
		logger:   logger.With(zap.String("mod", "journal")),
		opts:     opts,
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop «запирает» вход и ждет, пока воркер всё допишет
func (j *Journal) Stop() {
	j.mu.Lock()
	if j.closed.Swap(true) {
		j.mu.Unlock()
		return
	}
	j.logger.Info("stopping journal: closing channel and flushing buffer...")
	close(j.ch)
	j.mu.Unlock()

	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

// Record реализует admission.Sink
func (j *Journal) Record(ev domain.SecurityEvent) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed.Load() {
		j.logger.Warn("security event dropped: journal is stopping", zap.String("id", ev.ID))
		return
	}

	select {
	case j.ch <- ev:
		j.observe(false)
	default:
		// Backpressure: событие остается только в кольцевом буфере движка
		j.logger.Error("journal_buffer_overflow",
			zap.String("event_type", ev.EventType),
			zap.String("ip", ev.SourceIP),
		)
		j.observe(true)
	}
}

func (j *Journal) observe(dropped bool) {
	if j.observer != nil {
		j.observer.ObserveJournal(len(j.ch), dropped)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]domain.SecurityEvent, 0, j.opts.BatchSize)
	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст при остановке может быть уже закрыт
		ctx, cancel := context.WithTimeout(context.Background(), j.opts.WriteTimeout)
		if err := j.repo.WriteBatch(ctx, batch); err != nil {
			j.logger.Error("journal flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		cancel()
		batch = batch[:0]
		j.observe(false)
	}

	for {
		select {
		case ev, ok := <-j.ch:
			if !ok {
				// Канал закрыт в Stop: всё из очереди уже вычитано
				flush()
				j.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, ev)
			if len(batch) >= j.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
