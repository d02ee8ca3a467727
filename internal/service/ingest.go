// ingest.go — конвейер приёма записей журнала промптов.
//
// Конвейер получает пакеты строк от наблюдателя (watcher.Tailer),
// разбирает каждую строку в сырую запись, нормализует её в архивную
// запись (epoch-ms, раскрытые вставки, разрешённые изображения) и
// дописывает в partition-файл архива. Невалидные строки отбрасываются
// с логированием: одна битая строка не останавливает конвейер.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/promptarchive/internal/artifact"
	"github.com/bigkaa/promptarchive/internal/domain/model"
	"github.com/bigkaa/promptarchive/internal/storage/archive"
	"github.com/bigkaa/promptarchive/internal/watcher"
)

// Prometheus метрики конвейера приёма
var (
	// ingestRecordsTotal — количество заархивированных записей.
	ingestRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pa_ingest_records_total",
		Help: "Общее количество заархивированных записей",
	})

	// ingestDroppedTotal — количество отброшенных строк по причинам.
	ingestDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pa_ingest_dropped_total",
		Help: "Общее количество отброшенных строк журнала",
	}, []string{"reason"})

	// ingestImagesResolvedTotal — количество разрешённых изображений.
	ingestImagesResolvedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pa_ingest_images_resolved_total",
		Help: "Общее количество разрешённых изображений",
	})

	// ingestAppendErrorsTotal — количество ошибок записи в архив.
	ingestAppendErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pa_ingest_append_errors_total",
		Help: "Общее количество ошибок записи в архив",
	})
)

// RecordListener — подписчик на новые архивные записи.
// Вызывается синхронно после успешной записи в архив.
type RecordListener func(rec *model.ArchivedRecord)

// IngestService — конвейер приёма: строки журнала → архив.
type IngestService struct {
	store    *archive.Store
	resolver *artifact.Resolver
	logger   *slog.Logger

	mu        sync.Mutex
	listeners []RecordListener

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewIngestService создаёт конвейер приёма.
func NewIngestService(store *archive.Store, resolver *artifact.Resolver, logger *slog.Logger) *IngestService {
	return &IngestService{
		store:    store,
		resolver: resolver,
		logger:   logger.With(slog.String("component", "ingest")),
	}
}

// OnNewRecord регистрирует подписчика на новые записи.
// Регистрация выполняется до Start.
func (s *IngestService) OnNewRecord(fn RecordListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start запускает горутину приёма пакетов от наблюдателя.
func (s *IngestService) Start(ctx context.Context, batches <-chan watcher.Batch) {
	ingestCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	go s.run(ingestCtx, batches)

	s.logger.Info("Конвейер приёма запущен")
}

// Stop останавливает конвейер приёма.
func (s *IngestService) Stop() {
	if !s.started {
		return
	}
	s.cancel()
	<-s.done
	s.started = false
	s.logger.Info("Конвейер приёма остановлен")
}

// run — основной цикл горутины приёма.
func (s *IngestService) run(ctx context.Context, batches <-chan watcher.Batch) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-batches:
			if !ok {
				return
			}
			for _, line := range batch.Lines {
				s.IngestLine(line)
			}
		}
	}
}

// IngestLine обрабатывает одну строку журнала: разбор, нормализация,
// запись в архив, уведомление подписчиков. Возвращает заархивированную
// запись либо nil, если строка отброшена.
func (s *IngestService) IngestLine(line []byte) *model.ArchivedRecord {
	var raw model.RawEntry
	if err := json.Unmarshal(line, &raw); err != nil {
		ingestDroppedTotal.WithLabelValues("invalid_json").Inc()
		s.logger.Warn("Строка журнала отброшена: невалидный JSON",
			slog.String("error", err.Error()),
		)
		return nil
	}

	ts, err := model.ParseTimestamp(raw.Timestamp)
	if err != nil {
		ingestDroppedTotal.WithLabelValues("invalid_timestamp").Inc()
		s.logger.Warn("Строка журнала отброшена: невалидное время",
			slog.String("error", err.Error()),
		)
		return nil
	}

	rec := &model.ArchivedRecord{
		Timestamp:      ts,
		Project:        raw.Project,
		SessionID:      raw.SessionID,
		Prompt:         raw.Display,
		PastedContents: s.resolver.ExpandAll(raw.PastedContents),
	}

	// Изображения разрешаются только для записей с sessionId:
	// без сессии нет ни транскрипта, ни директории кэша
	if rec.SessionID != "" {
		rec.Images = s.resolver.ResolveImages(rec.Project, rec.SessionID, rec.Prompt, rec.Timestamp)
		ingestImagesResolvedTotal.Add(float64(len(rec.Images)))
	}

	key := model.PartitionKey(rec.Project, rec.Timestamp)
	if err := s.store.Append(key, rec); err != nil {
		ingestAppendErrorsTotal.Inc()
		s.logger.Error("Ошибка записи в архив",
			slog.String("partition", key),
			slog.String("error", err.Error()),
		)
		return nil
	}

	ingestRecordsTotal.Inc()

	s.logger.Debug("Запись заархивирована",
		slog.String("partition", key),
		slog.String("session_id", rec.EffectiveSessionID()),
		slog.Int("images", len(rec.Images)),
	)

	s.notify(rec)

	return rec
}

// notify уведомляет подписчиков о новой записи.
func (s *IngestService) notify(rec *model.ArchivedRecord) {
	s.mu.Lock()
	listeners := s.listeners
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(rec)
	}
}
