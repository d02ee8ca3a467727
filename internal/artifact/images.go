// images.go — двухступенчатый конвейер разрешения изображений записи.
//
// Стратегия 1 — извлечение из транскрипта сессии (transcript.go).
// Стратегия 2 — копирование из кэша изображений инструмента, с
// ограниченным ожиданием появления директории: инструмент пишет
// изображения чуть позже строки журнала.
package artifact

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// cacheOrdinalRe — порядковый номер, встроенный в имя файла кэша
// (image_3.png, paste-12.jpg и т.п.). Берётся последнее число имени.
var cacheOrdinalRe = regexp.MustCompile(`(\d+)(?:\.[A-Za-z0-9]+)?$`)

// ResolveImages разрешает изображения записи: сначала транскрипт,
// при пустом результате — кэш изображений. Любая ошибка локализуется
// на уровне файла; возвращается частичный список успешно разрешённых
// относительных путей. Пустой результат — не ошибка.
func (r *Resolver) ResolveImages(project, sessionID, prompt string, timestampMs int64) []string {
	if sessionID == "" || !r.Enabled() {
		return nil
	}

	markers := ImageMarkers(prompt)

	if len(markers) > 0 {
		if resolved := r.resolveFromTranscript(project, sessionID, markers); len(resolved) > 0 {
			return resolved
		}
	}

	return r.resolveFromImageCache(sessionID, markers, timestampMs)
}

// resolveFromImageCache — стратегия 2: копирование подходящих файлов
// из кэша изображений сессии в директорию изображений архива.
func (r *Resolver) resolveFromImageCache(sessionID string, markers []int, timestampMs int64) []string {
	cacheDir := filepath.Join(r.cacheRoot, imageCacheDirName, sessionID)

	files := r.waitForCacheFiles(cacheDir)
	if len(files) == 0 {
		return nil
	}

	var matched []string
	if len(markers) > 0 {
		matched = matchByOrdinal(files, markers)
	} else {
		matched = matchByMtime(files, time.UnixMilli(timestampMs))
	}

	var resolved []string
	for _, src := range matched {
		rel, err := r.copyIntoArchive(sessionID, src)
		if err != nil {
			r.logger.Warn("Ошибка копирования изображения из кэша",
				slog.String("session_id", sessionID),
				slog.String("file", filepath.Base(src)),
				slog.String("error", err.Error()),
			)
			continue
		}
		resolved = append(resolved, rel)
	}

	return resolved
}

// waitForCacheFiles ожидает появления непустой директории кэша
// изображений сессии: не более waitAttempts попыток с паузой
// waitInterval. Ограниченное блокирующее ожидание локально для
// обработки одной записи.
func (r *Resolver) waitForCacheFiles(cacheDir string) []string {
	for attempt := 0; ; attempt++ {
		entries, err := os.ReadDir(cacheDir)
		if err == nil && len(entries) > 0 {
			var files []string
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				files = append(files, filepath.Join(cacheDir, e.Name()))
			}
			if len(files) > 0 {
				sort.Strings(files)
				return files
			}
		}

		if attempt >= r.waitAttempts {
			return nil
		}
		time.Sleep(r.waitInterval)
	}
}

// matchByOrdinal сопоставляет маркеры [Image #k] с файлами кэша по
// встроенному в имя порядковому номеру; при отсутствии точного
// совпадения — позиционный фолбэк (k-й файл по сортировке имён).
func matchByOrdinal(files []string, markers []int) []string {
	byOrdinal := make(map[int]string, len(files))
	for _, f := range files {
		if m := cacheOrdinalRe.FindStringSubmatch(filepath.Base(f)); m != nil {
			if k, err := strconv.Atoi(m[1]); err == nil {
				if _, dup := byOrdinal[k]; !dup {
					byOrdinal[k] = f
				}
			}
		}
	}

	var matched []string
	for _, k := range markers {
		if f, ok := byOrdinal[k]; ok {
			matched = append(matched, f)
			continue
		}
		// Позиционный фолбэк
		if k >= 1 && k <= len(files) {
			matched = append(matched, files[k-1])
		}
	}
	return matched
}

// matchByMtime возвращает файлы кэша, mtime которых отстоит от
// времени записи не более чем на mtimeMatchWindow.
func matchByMtime(files []string, recordTime time.Time) []string {
	var matched []string
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		diff := info.ModTime().Sub(recordTime)
		if diff < 0 {
			diff = -diff
		}
		if diff <= mtimeMatchWindow {
			matched = append(matched, f)
		}
	}
	return matched
}

// copyIntoArchive копирует (не перемещает) файл кэша в директорию
// изображений сессии. Существующий файл не перезаписывается.
// Возвращает относительный путь изображения.
func (r *Resolver) copyIntoArchive(sessionID, src string) (string, error) {
	dir := r.sessionImagesDir(sessionID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("не удалось создать директорию изображений: %w", err)
	}

	filename := filepath.Base(src)
	target := filepath.Join(dir, filename)
	rel := relImagePath(sessionID, filename)

	if _, err := os.Stat(target); err == nil {
		return rel, nil
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("ошибка открытия файла кэша: %w", err)
	}
	defer in.Close()

	tmp := target + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("ошибка создания файла: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("ошибка копирования: %w", err)
	}

	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("ошибка переименования: %w", err)
	}

	return rel, nil
}
