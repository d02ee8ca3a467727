// query.go — сервис запросов к архиву сессий.
//
// Сессия — производное понятие: архив хранит плоские записи, сводки
// собираются группировкой по эффективному идентификатору сессии
// (реальному sessionId либо синтетическому ts-<мс> для одиночных
// промптов). Список сводок кэшируется в LRU с TTL; ключ кэша —
// сигнатура mtime partition-файлов, поэтому любое изменение архива
// инвалидирует кэш без явных уведомлений.
package service

import (
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/promptarchive/internal/artifact"
	"github.com/bigkaa/promptarchive/internal/domain/model"
	"github.com/bigkaa/promptarchive/internal/storage/archive"
)

// ErrSessionNotFound — сессия отсутствует в архиве.
var ErrSessionNotFound = errors.New("сессия не найдена")

// Prometheus метрики сервиса запросов
var (
	// queryCacheHitsTotal — попадания в LRU-кэш сводок.
	queryCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pa_query_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш сводок сессий",
	})

	// queryCacheMissesTotal — промахи LRU-кэша сводок.
	queryCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pa_query_cache_misses_total",
		Help: "Общее количество промахов LRU-кэша сводок сессий",
	})

	// queryScanDurationSeconds — длительность полного сканирования архива.
	queryScanDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pa_query_scan_duration_seconds",
		Help:    "Длительность полного сканирования архива в секундах",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

const (
	// summaryCacheSize — максимум записей LRU-кэша сводок.
	// Ключ — сигнатура mtime, живёт одна актуальная запись.
	summaryCacheSize = 4
	// summaryCacheTTL — время жизни записи кэша.
	summaryCacheTTL = 30 * time.Second
)

// QueryService — чтение архива: список сессий и детали сессии.
type QueryService struct {
	store    *archive.Store
	resolver *artifact.Resolver
	logger   *slog.Logger

	summaries *expirable.LRU[string, []model.SessionSummary]
}

// NewQueryService создаёт сервис запросов.
func NewQueryService(store *archive.Store, resolver *artifact.Resolver, logger *slog.Logger) *QueryService {
	return &QueryService{
		store:     store,
		resolver:  resolver,
		logger:    logger.With(slog.String("component", "query")),
		summaries: expirable.NewLRU[string, []model.SessionSummary](summaryCacheSize, nil, summaryCacheTTL),
	}
}

// ListSessions возвращает сводки всех сессий архива, отсортированные
// по времени последней записи (новые первыми).
func (q *QueryService) ListSessions() ([]model.SessionSummary, error) {
	sig, err := q.store.MtimeSignature()
	if err == nil {
		if cached, ok := q.summaries.Get(sig); ok {
			queryCacheHitsTotal.Inc()
			return cached, nil
		}
		queryCacheMissesTotal.Inc()
	}

	start := time.Now()

	groups := make(map[string]*model.SessionSummary)
	scanErr := q.store.Scan(func(rec *model.ArchivedRecord) bool {
		id := rec.EffectiveSessionID()
		sum, ok := groups[id]
		if !ok {
			groups[id] = &model.SessionSummary{
				SessionID:       id,
				Project:         rec.Project,
				FirstTimestamp:  rec.Timestamp,
				LatestTimestamp: rec.Timestamp,
				RecordCount:     1,
			}
			return true
		}
		sum.RecordCount++
		if rec.Timestamp < sum.FirstTimestamp {
			sum.FirstTimestamp = rec.Timestamp
			sum.Project = rec.Project
		}
		if rec.Timestamp > sum.LatestTimestamp {
			sum.LatestTimestamp = rec.Timestamp
		}
		return true
	})
	if scanErr != nil {
		return nil, scanErr
	}

	result := make([]model.SessionSummary, 0, len(groups))
	for _, sum := range groups {
		result = append(result, *sum)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].LatestTimestamp != result[j].LatestTimestamp {
			return result[i].LatestTimestamp > result[j].LatestTimestamp
		}
		return result[i].SessionID < result[j].SessionID
	})

	queryScanDurationSeconds.Observe(time.Since(start).Seconds())

	if err == nil {
		q.summaries.Add(sig, result)
	}

	return result, nil
}

// SessionDetail возвращает записи сессии по её эффективному
// идентификатору, отсортированные по времени (старые первыми).
// Нераскрытые при приёме вставки повторно раскрываются на лету:
// кэш вставок мог пополниться после архивирования записи.
// Возвращает ErrSessionNotFound для неизвестной сессии.
func (q *QueryService) SessionDetail(sessionID string) ([]model.ArchivedRecord, error) {
	var records []model.ArchivedRecord
	err := q.store.Scan(func(rec *model.ArchivedRecord) bool {
		if rec.EffectiveSessionID() != sessionID {
			return true
		}
		records = append(records, *rec)
		return true
	})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrSessionNotFound
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp < records[j].Timestamp
	})

	for i := range records {
		q.repairRecord(&records[i])
	}

	return records, nil
}

// repairRecord дораскрывает артефакты записи на чтении: вставки без
// текста и маркеры изображений без разрешённого списка. Результат
// не записывается обратно в архив — только обогащает ответ.
func (q *QueryService) repairRecord(rec *model.ArchivedRecord) {
	if artifact.HasUnexpanded(rec.PastedContents) {
		rec.PastedContents = q.resolver.ExpandAll(rec.PastedContents)
	}

	if len(rec.Images) == 0 && rec.SessionID != "" && len(artifact.ImageMarkers(rec.Prompt)) > 0 {
		if resolved := q.resolver.ResolveImages(rec.Project, rec.SessionID, rec.Prompt, rec.Timestamp); len(resolved) > 0 {
			q.logger.Debug("Изображения дораскрыты при чтении",
				slog.String("session_id", rec.SessionID),
				slog.Int("count", len(resolved)),
			)
			rec.Images = resolved
		}
	}
}
