// retention.go — планировщик удержания архива.
//
// Планировщик по одноразовому таймеру удаляет записи старше периода
// удержания и осиротевшие директории изображений. Таймер взводится
// заново только после завершения цикла: циклы никогда не
// перекрываются. Времена последней и следующей очистки переживают
// рестарт в файле состояния retention.json.
package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/promptarchive/internal/domain/model"
	"github.com/bigkaa/promptarchive/internal/storage/archive"
	"github.com/bigkaa/promptarchive/internal/storage/state"
)

// ErrCleanupInProgress — цикл очистки уже выполняется.
var ErrCleanupInProgress = errors.New("очистка уже выполняется")

// Prometheus метрики планировщика удержания
var (
	// retentionRunsTotal — количество выполненных циклов очистки.
	retentionRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pa_retention_runs_total",
		Help: "Общее количество выполненных циклов очистки",
	})

	// retentionDeletedTotal — количество удалённых записей.
	retentionDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pa_retention_deleted_records_total",
		Help: "Общее количество записей, удалённых по сроку удержания",
	})

	// retentionImageDirsRemovedTotal — количество удалённых директорий изображений.
	retentionImageDirsRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pa_retention_image_dirs_removed_total",
		Help: "Общее количество удалённых директорий изображений",
	})

	// retentionDurationSeconds — длительность цикла очистки.
	retentionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pa_retention_duration_seconds",
		Help:    "Длительность цикла очистки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	})
)

// retentionPhase — фаза цикла очистки.
type retentionPhase string

const (
	phaseIdle     retentionPhase = "idle"
	phaseScanning retentionPhase = "scanning"
	phaseDeleting retentionPhase = "deleting"
)

// CleanupResult — результат одного цикла очистки.
type CleanupResult struct {
	// DeletedCount — количество удалённых записей
	DeletedCount int `json:"deleted_count"`
	// ImageDirsRemoved — количество удалённых директорий изображений
	ImageDirsRemoved int `json:"image_dirs_removed"`
	// NextCleanupTime — время следующей плановой очистки (zero при выключенной политике)
	NextCleanupTime time.Time `json:"next_cleanup_time"`
}

// RetentionStatus — текущее состояние планировщика.
type RetentionStatus struct {
	// Enabled — включена ли политика удержания
	Enabled bool `json:"enabled"`
	// Phase — текущая фаза цикла
	Phase string `json:"phase"`
	// RetentionPeriod — период удержания
	RetentionPeriod string `json:"retention_period"`
	// LastCleanupTime — время последней очистки (zero — не выполнялась)
	LastCleanupTime time.Time `json:"last_cleanup_time"`
	// NextCleanupTime — время следующей плановой очистки
	NextCleanupTime time.Time `json:"next_cleanup_time"`
	// RemainingMs — миллисекунды до следующей очистки (0 при выключенной политике)
	RemainingMs int64 `json:"remaining_ms"`
}

// TickListener — подписчик на секундные обновления оставшегося
// времени до следующей очистки.
type TickListener func(remainingMs int64)

// RetentionService — планировщик удержания архива.
type RetentionService struct {
	store     *archive.Store
	statePath string
	enabled   bool
	interval  time.Duration
	period    time.Duration
	logger    *slog.Logger

	runWG sync.WaitGroup

	mu       sync.Mutex
	phase    retentionPhase
	last     time.Time
	next     time.Time
	timer    *time.Timer
	stopping bool
	onTick   TickListener

	tickStop chan struct{}
	tickDone chan struct{}
}

// NewRetentionService создаёт планировщик удержания.
// interval — период между плановыми очистками, period — срок удержания записей.
func NewRetentionService(
	store *archive.Store,
	enabled bool,
	interval time.Duration,
	period time.Duration,
	logger *slog.Logger,
) *RetentionService {
	return &RetentionService{
		store:     store,
		statePath: state.Path(store.RootDir()),
		enabled:   enabled,
		interval:  interval,
		period:    period,
		logger:    logger.With(slog.String("component", "retention")),
		phase:     phaseIdle,
	}
}

// Start восстанавливает состояние из retention.json и взводит таймер
// первой очистки. Если сохранённое время следующей очистки уже в
// прошлом, очистка взводится немедленно. При выключенной политике
// таймер не взводится, ручной запуск RunNow остаётся доступен.
func (r *RetentionService) Start(ctx context.Context) {
	st, err := state.Load(r.statePath)
	if err != nil {
		r.logger.Warn("Состояние удержания не загружено, старт с нуля",
			slog.String("error", err.Error()),
		)
	}
	r.mu.Lock()
	r.last = st.LastCleanupTime

	if !r.enabled {
		r.mu.Unlock()
		r.logger.Info("Политика удержания выключена, плановые очистки не выполняются")
		return
	}

	next := st.NextCleanupTime
	if next.IsZero() || next.Before(time.Now()) {
		// Просроченная или отсутствующая очистка — короткая задержка
		// вместо немедленного запуска в момент старта приложения
		next = time.Now().Add(time.Second)
	}
	r.armLocked(next)
	r.mu.Unlock()

	r.startTickLoop()

	r.logger.Info("Планировщик удержания запущен",
		slog.String("interval", r.interval.String()),
		slog.String("period", r.period.String()),
		slog.Time("next_cleanup", next),
	)
}

// Stop отменяет взведённый таймер, останавливает секундный цикл
// уведомлений и дожидается завершения выполняющегося цикла очистки.
// Цикл не прерывается: после возврата Stop записи в архив и в файл
// состояния гарантированно закончены.
func (r *RetentionService) Stop() {
	r.mu.Lock()
	r.stopping = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	tickStop := r.tickStop
	tickDone := r.tickDone
	r.tickStop = nil
	r.mu.Unlock()

	if tickStop != nil {
		close(tickStop)
		<-tickDone
	}

	r.runWG.Wait()

	r.logger.Info("Планировщик удержания остановлен")
}

// OnTick регистрирует подписчика на секундные обновления оставшегося
// времени. Регистрация выполняется до Start.
func (r *RetentionService) OnTick(fn TickListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTick = fn
}

// startTickLoop запускает секундный цикл уведомлений подписчика.
func (r *RetentionService) startTickLoop() {
	r.mu.Lock()
	if r.onTick == nil || r.tickStop != nil {
		r.mu.Unlock()
		return
	}
	r.tickStop = make(chan struct{})
	r.tickDone = make(chan struct{})
	stop, done := r.tickStop, r.tickDone
	r.mu.Unlock()

	go func() {
		defer close(done)

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.mu.Lock()
				fn := r.onTick
				next := r.next
				r.mu.Unlock()

				var remaining int64
				if !next.IsZero() {
					if d := time.Until(next); d > 0 {
						remaining = d.Milliseconds()
					}
				}
				fn(remaining)
			}
		}
	}()
}

// armLocked взводит одноразовый таймер на время next.
// Вызывается под r.mu.
func (r *RetentionService) armLocked(next time.Time) {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.next = next

	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}
	r.timer = time.AfterFunc(delay, r.scheduledRun)
}

// scheduledRun — плановый запуск цикла по таймеру.
func (r *RetentionService) scheduledRun() {
	// Перекрытие с ручным запуском (тот цикл сам перевзведёт таймер)
	// или остановка планировщика: запуск пропускается
	_, _ = r.RunNow()
}

// RunNow выполняет один цикл очистки немедленно. Взведённый таймер
// отменяется и перевзводится после завершения цикла. Возвращает
// ErrCleanupInProgress, если цикл уже выполняется или планировщик
// останавливается. Частичные сбои удаления логируются, результат
// цикла возвращается всегда: внешнее наблюдение за сбоями ведётся
// по not-advancing last_cleanup_time в статусе.
// Работает и при выключенной политике (ручная очистка).
func (r *RetentionService) RunNow() (*CleanupResult, error) {
	r.mu.Lock()
	if r.phase != phaseIdle || r.stopping {
		r.mu.Unlock()
		return nil, ErrCleanupInProgress
	}
	r.phase = phaseScanning
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.runWG.Add(1)
	r.mu.Unlock()
	defer r.runWG.Done()

	runID := uuid.New().String()
	start := time.Now()
	cutoff := start.Add(-r.period)

	r.logger.Info("Цикл очистки начат",
		slog.String("run_id", runID),
		slog.Time("cutoff", cutoff),
	)

	r.mu.Lock()
	r.phase = phaseDeleting
	r.mu.Unlock()

	deleted, delErr := r.store.DeleteWhere(func(rec *model.ArchivedRecord) bool {
		return rec.Time().Before(cutoff)
	})
	if delErr != nil {
		r.logger.Error("Ошибка удаления записей",
			slog.String("error", delErr.Error()),
		)
	}

	imageDirs := r.cleanImageDirs(cutoff)

	finished := time.Now()
	result := &CleanupResult{
		DeletedCount:     deleted,
		ImageDirsRemoved: imageDirs,
	}

	r.mu.Lock()
	if delErr == nil {
		// Сбойный цикл не продвигает время последней очистки:
		// по нему статус показывает, что очистка не удалась
		r.last = finished
	}
	r.phase = phaseIdle
	if r.enabled && !r.stopping {
		// Следующий цикл отсчитывается от завершения текущего
		r.armLocked(finished.Add(r.interval))
		result.NextCleanupTime = r.next
	} else {
		r.next = time.Time{}
	}
	last, next := r.last, r.next
	r.mu.Unlock()

	if err := state.Save(r.statePath, state.CleanupState{
		LastCleanupTime: last,
		NextCleanupTime: next,
	}); err != nil {
		r.logger.Error("Ошибка сохранения состояния удержания",
			slog.String("error", err.Error()),
		)
	}

	retentionRunsTotal.Inc()
	retentionDeletedTotal.Add(float64(deleted))
	retentionImageDirsRemovedTotal.Add(float64(imageDirs))
	retentionDurationSeconds.Observe(time.Since(start).Seconds())

	r.logger.Info("Цикл очистки завершён",
		slog.String("run_id", runID),
		slog.Int("deleted", deleted),
		slog.Int("image_dirs_removed", imageDirs),
		slog.Duration("duration", time.Since(start)),
		slog.Time("next_cleanup", next),
	)

	return result, nil
}

// Status возвращает текущее состояние планировщика.
func (r *RetentionService) Status() RetentionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := RetentionStatus{
		Enabled:         r.enabled,
		Phase:           string(r.phase),
		RetentionPeriod: r.period.String(),
		LastCleanupTime: r.last,
		NextCleanupTime: r.next,
	}
	if r.enabled && !r.next.IsZero() {
		if remaining := time.Until(r.next); remaining > 0 {
			st.RemainingMs = remaining.Milliseconds()
		}
	}
	return st
}

// cleanImageDirs удаляет директории изображений сессий, не менявшиеся
// с момента cutoff: их записи к этому моменту уже удалены из архива.
// Возвращает количество удалённых директорий.
func (r *RetentionService) cleanImageDirs(cutoff time.Time) int {
	entries, err := os.ReadDir(r.store.ImagesRoot())
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("Ошибка чтения директории изображений",
				slog.String("error", err.Error()),
			)
		}
		return 0
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(r.store.ImagesRoot(), e.Name())

		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		if err := os.RemoveAll(dir); err != nil {
			r.logger.Warn("Ошибка удаления директории изображений",
				slog.String("dir", e.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++

		r.logger.Debug("Директория изображений удалена",
			slog.String("session_id", e.Name()),
		)
	}
	return removed
}
