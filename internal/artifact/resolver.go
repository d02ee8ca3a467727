// Пакет artifact — раскрытие артефактов архивных записей:
// вставленных текстовых блоков (content-addressed кэш вставок)
// и изображений (транскрипт сессии либо кэш изображений инструмента).
//
// Обе обязанности идемпотентны: существующий выходной файл никогда
// не перезаписывается. Ошибки ввода-вывода локализуются на уровне
// отдельного файла: частичный результат всегда лучше отказа всей записи.
package artifact

import (
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/bigkaa/promptarchive/internal/storage/archive"
)

const (
	// pastesDirName — поддиректория кэша вставок в side-store инструмента.
	pastesDirName = "pastes"
	// projectsDirName — поддиректория транскриптов в side-store инструмента.
	projectsDirName = "projects"
	// imageCacheDirName — поддиректория кэша изображений инструмента.
	imageCacheDirName = "image-cache"

	// mtimeMatchWindow — допустимое расхождение mtime файла кэша
	// и времени записи при сопоставлении без маркеров.
	mtimeMatchWindow = 5 * time.Second
)

// imageMarkerRe — маркер изображения в тексте промпта: [Image #k].
var imageMarkerRe = regexp.MustCompile(`\[Image #(\d+)\]`)

// Resolver — раскрытие вставок и изображений для архивных записей.
// Владеет только решением, какой файл удовлетворяет ссылку записи;
// байты после копирования принадлежат дереву директорий архива.
type Resolver struct {
	// cacheRoot — корень side-store наблюдаемого инструмента
	// (PA_CONTENT_CACHE_DIR); пустое значение — раскрытие деградирует
	// до pass-through
	cacheRoot string
	// imagesRoot — корень директорий изображений архива
	imagesRoot string
	// waitAttempts — попытки ожидания появления кэша изображений
	waitAttempts int
	// waitInterval — пауза между попытками
	waitInterval time.Duration
	// logger — логгер
	logger *slog.Logger
}

// New создаёт Resolver.
// imagesRoot — директория изображений архива (archive.Store.ImagesRoot()).
func New(cacheRoot, imagesRoot string, waitAttempts int, waitInterval time.Duration, logger *slog.Logger) *Resolver {
	return &Resolver{
		cacheRoot:    cacheRoot,
		imagesRoot:   imagesRoot,
		waitAttempts: waitAttempts,
		waitInterval: waitInterval,
		logger:       logger.With(slog.String("component", "artifact")),
	}
}

// Enabled возвращает true, если side-store инструмента сконфигурирован.
func (r *Resolver) Enabled() bool {
	return r.cacheRoot != ""
}

// sessionImagesDir возвращает директорию изображений сессии в архиве.
func (r *Resolver) sessionImagesDir(sessionID string) string {
	return filepath.Join(r.imagesRoot, sessionID)
}

// relImagePath возвращает относительный путь изображения для записи:
// images/<sessionId>/<file>. Имя директории задаёт хранилище архива.
func relImagePath(sessionID, filename string) string {
	return filepath.ToSlash(filepath.Join(archive.ImagesDirName, sessionID, filename))
}

// ImageMarkers извлекает порядковые номера маркеров [Image #k]
// из текста промпта, сохраняя порядок появления без дублей.
func ImageMarkers(prompt string) []int {
	matches := imageMarkerRe.FindAllStringSubmatch(prompt, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[int]bool, len(matches))
	var ordinals []int
	for _, m := range matches {
		k, err := strconv.Atoi(m[1])
		if err != nil || k <= 0 || seen[k] {
			continue
		}
		seen[k] = true
		ordinals = append(ordinals, k)
	}
	return ordinals
}

// mungeProjectPath преобразует путь проекта в имя директории
// транскриптов по соглашению инструмента: '/' и '.' заменяются на '-'.
// Пример: /a/b/proj.go → -a-b-proj-go
func mungeProjectPath(project string) string {
	munged := make([]rune, 0, len(project))
	for _, c := range project {
		if c == '/' || c == '.' {
			munged = append(munged, '-')
			continue
		}
		munged = append(munged, c)
	}
	return string(munged)
}
