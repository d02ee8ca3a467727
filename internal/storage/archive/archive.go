// Пакет archive — партиционированное append-only хранилище архивных
// записей. Одна партиция — один файл {projectBasename}_{YYYY-MM-DD}.jsonl,
// одна запись — одна JSON-строка (UTF-8, с завершающим переводом строки).
//
// Все мутации (Append, DeleteWhere) сериализуются через один мьютекс:
// дозапись приёма и перезапись очистки никогда не перемешиваются
// внутри одного файла. Партиция перезаписывается только целиком
// (чтение → фильтр → temp файл → fsync → rename), построчная правка
// на месте не используется.
package archive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/bigkaa/promptarchive/internal/domain/model"
)

// ImagesDirName — имя директории изображений внутри корня архива.
const ImagesDirName = "images"

// maxLineSize — максимальный размер одной JSON-строки партиции (16 МБ).
// Промпты с крупными вставками не должны обрезаться bufio.Scanner.
const maxLineSize = 16 * 1024 * 1024

// partitionNameRe — соглашение об именовании партиций.
var partitionNameRe = regexp.MustCompile(`^.+_\d{4}-\d{2}-\d{2}\.jsonl$`)

// Store — партиционированное файловое хранилище архивных записей.
// Эксклюзивно владеет partition-файлами и директориями
// images/<sessionId>/ внутри корня архива.
type Store struct {
	// rootDir — корневая директория архива (PA_ARCHIVE_DIR)
	rootDir string
	// mu — сериализация всех мутаций хранилища
	mu sync.Mutex
	// logger — логгер
	logger *slog.Logger
}

// New создаёт хранилище архива. Проверяет и создаёт корневую
// директорию, если она не существует.
func New(rootDir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(rootDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию архива %s: %w", rootDir, err)
	}

	return &Store{
		rootDir: rootDir,
		logger:  logger.With(slog.String("component", "archive")),
	}, nil
}

// RootDir возвращает корневую директорию архива.
func (s *Store) RootDir() string {
	return s.rootDir
}

// ImagesRoot возвращает корневую директорию изображений архива.
func (s *Store) ImagesRoot() string {
	return filepath.Join(s.rootDir, ImagesDirName)
}

// SessionImagesDir возвращает директорию изображений сессии.
func (s *Store) SessionImagesDir(sessionID string) string {
	return filepath.Join(s.ImagesRoot(), sessionID)
}

// PartitionPath возвращает путь partition-файла по ключу.
func (s *Store) PartitionPath(partitionKey string) string {
	return filepath.Join(s.rootDir, partitionKey+".jsonl")
}

// Append дозаписывает одну запись в партицию, создавая файл при
// необходимости. Повторная запись той же строки даёт вторую
// независимо валидную строку: дедупликация не выполняется.
func (s *Store) Append(partitionKey string, rec *model.ArchivedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ошибка сериализации записи: %w", err)
	}

	path := s.PartitionPath(partitionKey)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("ошибка открытия партиции %s: %w", partitionKey, err)
	}

	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("ошибка записи в партицию %s: %w", partitionKey, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия партиции %s: %w", partitionKey, err)
	}

	return nil
}

// Scan потоково обходит все записи всех партиций, имена которых
// соответствуют соглашению архива. fn вызывается для каждой записи;
// возврат false прекращает обход. Битые JSON-строки пропускаются
// построчно, не пофайлово.
func (s *Store) Scan(fn func(rec *model.ArchivedRecord) bool) error {
	partitions, err := s.Partitions()
	if err != nil {
		return err
	}

	for _, path := range partitions {
		stop, err := s.scanPartition(path, fn)
		if err != nil {
			// Ошибка чтения одной партиции не прерывает обход остальных
			s.logger.Warn("Ошибка чтения партиции, пропускаем",
				slog.String("partition", filepath.Base(path)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if stop {
			return nil
		}
	}

	return nil
}

// DeleteWhere перезаписывает каждую партицию, оставляя только записи,
// для которых pred возвращает false. Пустая после фильтрации партиция
// удаляется целиком. Возвращает количество удалённых записей.
func (s *Store) DeleteWhere(pred func(rec *model.ArchivedRecord) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	partitions, err := s.Partitions()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, path := range partitions {
		n, err := s.rewritePartition(path, pred)
		if err != nil {
			s.logger.Error("Ошибка перезаписи партиции",
				slog.String("partition", filepath.Base(path)),
				slog.String("error", err.Error()),
			)
			continue
		}
		deleted += n
	}

	return deleted, nil
}

// Partitions возвращает пути всех partition-файлов архива,
// отсортированные по имени.
func (s *Store) Partitions() ([]string, error) {
	entries, err := os.ReadDir(s.rootDir)
	if err != nil {
		return nil, fmt.Errorf("ошибка сканирования директории архива: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !partitionNameRe.MatchString(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(s.rootDir, e.Name()))
	}

	return paths, nil
}

// MtimeSignature возвращает строку-сигнатуру из имён и mtime всех
// партиций. Используется query-слоем как ключ опционального кэша
// метаданных: любое изменение архива меняет сигнатуру.
func (s *Store) MtimeSignature() (string, error) {
	partitions, err := s.Partitions()
	if err != nil {
		return "", err
	}

	sig := ""
	for _, path := range partitions {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		sig += fmt.Sprintf("%s:%d:%d;", filepath.Base(path), info.Size(), info.ModTime().UnixNano())
	}
	return sig, nil
}

// scanPartition читает одну партицию построчно.
// Возвращает true, если fn запросила остановку обхода.
func (s *Store) scanPartition(path string, fn func(rec *model.ArchivedRecord) bool) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("ошибка открытия файла: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec model.ArchivedRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("Битая строка в партиции, пропускаем",
				slog.String("partition", filepath.Base(path)),
				slog.String("error", err.Error()),
			)
			continue
		}

		if !fn(&rec) {
			return true, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("ошибка чтения файла: %w", err)
	}

	return false, nil
}

// rewritePartition перечитывает партицию целиком и записывает заново
// только записи, не подпадающие под pred.
// Паттерн: temp файл → fsync → atomic rename.
func (s *Store) rewritePartition(path string, pred func(rec *model.ArchivedRecord) bool) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("ошибка открытия файла: %w", err)
	}

	var kept [][]byte
	deleted := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec model.ArchivedRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// Нечитаемую строку сохраняем как есть: удаление только
			// осознанное, по предикату
			kept = append(kept, append([]byte(nil), line...))
			continue
		}

		if pred(&rec) {
			deleted++
			continue
		}
		kept = append(kept, append([]byte(nil), line...))
	}

	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil {
		return 0, fmt.Errorf("ошибка чтения файла: %w", scanErr)
	}

	if deleted == 0 {
		return 0, nil
	}

	// Ничего не осталось — партиция удаляется целиком
	if len(kept) == 0 {
		if err := os.Remove(path); err != nil {
			return 0, fmt.Errorf("ошибка удаления пустой партиции: %w", err)
		}
		return deleted, nil
	}

	tmpPath := path + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	for _, line := range kept {
		if _, err := tmp.Write(append(line, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return 0, fmt.Errorf("ошибка записи: %w", err)
		}
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return deleted, nil
}
