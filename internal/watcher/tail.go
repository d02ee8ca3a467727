// tail.go — наблюдатель журнала промптов (Tail Watcher).
//
// Наблюдатель отслеживает append-only журнал стороннего инструмента
// через fsnotify и дочитывает только новые байты от запомненного
// смещения. Разбор строк минимален: полные строки (завершённые '\n')
// отправляются пакетом в канал событий, незавершённый остаток
// буферизуется до следующего события записи.
//
// Запускается как горутина; остановка — через context и Stop.
package watcher

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики наблюдателя
var (
	// tailEventsTotal — количество обработанных событий записи.
	tailEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pa_tail_events_total",
		Help: "Общее количество обработанных событий записи журнала",
	})

	// tailLinesTotal — количество прочитанных полных строк.
	tailLinesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pa_tail_lines_total",
		Help: "Общее количество прочитанных полных строк журнала",
	})

	// tailReadErrorsTotal — количество ошибок чтения журнала.
	tailReadErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pa_tail_read_errors_total",
		Help: "Общее количество ошибок чтения журнала",
	})
)

// eventQueueSize — ёмкость канала пакетов строк. Пакеты ставятся
// в очередь, а не отбрасываются: при заполнении канала наблюдатель
// блокируется до освобождения места.
const eventQueueSize = 64

// Batch — пакет полных строк, прочитанных одним событием записи.
type Batch struct {
	// Lines — полные строки журнала без завершающего '\n'
	Lines [][]byte
}

// Tailer — наблюдатель одного append-only журнала.
//
// Наблюдается родительская директория файла (fsnotify на уровне
// директории переживает rotate/recreate), события фильтруются
// по имени целевого файла.
type Tailer struct {
	// monitorID — идентификатор сессии наблюдения (для логов)
	monitorID string
	// path — абсолютный путь наблюдаемого журнала
	path string
	logger *slog.Logger

	// offset — смещение следующего чтения; защищено mu
	mu      sync.Mutex
	offset  int64
	partial []byte

	fsw     *fsnotify.Watcher
	events  chan Batch
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewTailer создаёт наблюдателя журнала по пути path.
// Файл может отсутствовать: наблюдение начнётся с его появления.
func NewTailer(path string, logger *slog.Logger) (*Tailer, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("не удалось определить абсолютный путь журнала: %w", err)
	}

	monitorID := uuid.New().String()

	return &Tailer{
		monitorID: monitorID,
		path:      abs,
		logger: logger.With(
			slog.String("component", "tailer"),
			slog.String("monitor_id", monitorID),
		),
		events: make(chan Batch, eventQueueSize),
	}, nil
}

// Events возвращает канал пакетов строк журнала.
// Канал закрывается после остановки наблюдателя.
func (t *Tailer) Events() <-chan Batch {
	return t.events
}

// Start запускает наблюдение. Исторические строки не перечитываются:
// начальное смещение равно текущему размеру файла.
// Вызывается один раз при старте приложения.
func (t *Tailer) Start(ctx context.Context) error {
	if t.started {
		return fmt.Errorf("наблюдатель уже запущен")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("не удалось создать fsnotify watcher: %w", err)
	}

	// Наблюдаем родительскую директорию, не сам файл
	dir := filepath.Dir(t.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("не удалось начать наблюдение директории %s: %w", dir, err)
	}

	// Начальное смещение: конец файла на момент запуска
	if info, err := os.Stat(t.path); err == nil {
		t.offset = info.Size()
	}

	t.fsw = fsw
	t.started = true

	tailCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	go t.run(tailCtx)

	t.logger.Info("Наблюдение журнала запущено",
		slog.String("path", t.path),
		slog.Int64("offset", t.offset),
	)

	return nil
}

// Stop останавливает наблюдение и освобождает fsnotify watcher.
func (t *Tailer) Stop() {
	if !t.started {
		return
	}
	t.cancel()
	<-t.done
	t.started = false
	t.logger.Info("Наблюдение журнала остановлено")
}

// run — основной цикл горутины наблюдателя.
func (t *Tailer) run(ctx context.Context) {
	defer close(t.done)
	defer close(t.events)
	defer t.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-t.fsw.Events:
			if !ok {
				return
			}
			if ev.Name != t.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}

			tailEventsTotal.Inc()

			lines, err := t.readNew()
			if err != nil {
				tailReadErrorsTotal.Inc()
				t.logger.Error("Ошибка чтения журнала",
					slog.String("error", err.Error()),
				)
				continue
			}
			if len(lines) == 0 {
				continue
			}

			tailLinesTotal.Add(float64(len(lines)))

			select {
			case t.events <- Batch{Lines: lines}:
			case <-ctx.Done():
				return
			}

		case err, ok := <-t.fsw.Errors:
			if !ok {
				return
			}
			t.logger.Error("Ошибка fsnotify",
				slog.String("error", err.Error()),
			)
		}
	}
}

// readNew дочитывает байты [offset, size) и возвращает полные строки.
// Незавершённый остаток буферизуется до следующего чтения. Смещение
// продвигается только после успешного чтения. При size <= offset
// чтение не выполняется; при size < offset (усечение файла) смещение
// переставляется на конец файла, старое содержимое не перечитывается.
func (t *Tailer) readNew() ([][]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, err := os.Stat(t.path)
	if err != nil {
		return nil, fmt.Errorf("не удалось получить размер журнала: %w", err)
	}

	size := info.Size()
	if size < t.offset {
		t.logger.Warn("Журнал усечён, смещение переставлено на конец",
			slog.Int64("offset", t.offset),
			slog.Int64("size", size),
		)
		t.offset = size
		t.partial = nil
	}
	if size <= t.offset {
		return nil, nil
	}

	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть журнал: %w", err)
	}
	defer f.Close()

	buf := make([]byte, size-t.offset)
	if _, err := f.ReadAt(buf, t.offset); err != nil {
		return nil, fmt.Errorf("ошибка чтения журнала со смещения %d: %w", t.offset, err)
	}

	t.offset = size

	data := append(t.partial, buf...)
	t.partial = nil

	var lines [][]byte
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := data[:idx]
		data = data[idx+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, line)
	}

	// Незавершённая строка ждёт следующего события записи
	if len(data) > 0 {
		t.partial = append([]byte(nil), data...)
	}

	return lines, nil
}
