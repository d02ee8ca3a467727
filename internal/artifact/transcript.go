// transcript.go — извлечение inline base64-изображений из транскрипта
// сессии (стратегия 1 разрешения изображений).
package artifact

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// maxTranscriptLine — максимальный размер строки транскрипта (64 МБ):
// одна строка может нести несколько base64-изображений.
const maxTranscriptLine = 64 * 1024 * 1024

// transcriptLine — минимальная проекция строки транскрипта.
// Интересуют только пользовательские сообщения с изображениями.
type transcriptLine struct {
	Type    string `json:"type"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// transcriptContentItem — элемент массива content сообщения.
type transcriptContentItem struct {
	Type   string `json:"type"`
	Source struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
	} `json:"source"`
}

// transcriptPath возвращает путь транскрипта сессии:
// <cacheRoot>/projects/<mungedProject>/<sessionId>.jsonl
func (r *Resolver) transcriptPath(project, sessionID string) string {
	return filepath.Join(r.cacheRoot, projectsDirName, mungeProjectPath(project), sessionID+".jsonl")
}

// collectTranscriptImages собирает base64-payload'ы пользовательских
// изображений транскрипта в порядке появления. Порядковые номера
// 1..N присваиваются только изображениям из сообщений пользователя.
// Битые строки транскрипта пропускаются построчно.
func (r *Resolver) collectTranscriptImages(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия транскрипта: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxTranscriptLine)

	var payloads []string
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var tl transcriptLine
		if err := json.Unmarshal(line, &tl); err != nil {
			continue
		}
		if tl.Type != "user" && tl.Message.Role != "user" {
			continue
		}
		if len(tl.Message.Content) == 0 {
			continue
		}

		// content может быть строкой — тогда изображений нет
		var items []transcriptContentItem
		if err := json.Unmarshal(tl.Message.Content, &items); err != nil {
			continue
		}

		for _, item := range items {
			if item.Type != "image" || item.Source.Data == "" {
				continue
			}
			payloads = append(payloads, item.Source.Data)
		}
	}

	if err := scanner.Err(); err != nil {
		return payloads, fmt.Errorf("ошибка чтения транскрипта: %w", err)
	}

	return payloads, nil
}

// resolveFromTranscript — стратегия 1: для каждого маркера [Image #k]
// декодирует k-й payload транскрипта и сохраняет его в
// images/<sessionId>/<k>.png, если файл ещё не существует.
// Маркер за пределами 1..N логируется как "не найден" и пропускается.
// Возвращает относительные пути успешно разрешённых изображений.
func (r *Resolver) resolveFromTranscript(project, sessionID string, markers []int) []string {
	path := r.transcriptPath(project, sessionID)

	payloads, err := r.collectTranscriptImages(path)
	if err != nil {
		r.logger.Debug("Транскрипт сессии недоступен",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if len(payloads) == 0 {
		return nil
	}

	var resolved []string
	for _, k := range markers {
		if k > len(payloads) {
			r.logger.Warn("Изображение маркера не найдено в транскрипте",
				slog.String("session_id", sessionID),
				slog.Int("marker", k),
				slog.Int("available", len(payloads)),
			)
			continue
		}

		filename := fmt.Sprintf("%d.png", k)
		if err := r.persistPayload(sessionID, filename, payloads[k-1]); err != nil {
			r.logger.Warn("Ошибка сохранения изображения из транскрипта",
				slog.String("session_id", sessionID),
				slog.Int("marker", k),
				slog.String("error", err.Error()),
			)
			continue
		}

		resolved = append(resolved, relImagePath(sessionID, filename))
	}

	return resolved
}

// persistPayload декодирует base64-payload и записывает файл
// изображения сессии. Существующий файл не перезаписывается:
// повторное разрешение того же маркера — no-op с тем же путём.
func (r *Resolver) persistPayload(sessionID, filename, payload string) error {
	dir := r.sessionImagesDir(sessionID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию изображений: %w", err)
	}

	target := filepath.Join(dir, filename)
	if _, err := os.Stat(target); err == nil {
		return nil
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("ошибка декодирования base64: %w", err)
	}

	// temp файл → rename: параллельное разрешение того же маркера
	// не оставит полузаписанный файл
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ошибка записи изображения: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ошибка переименования изображения: %w", err)
	}

	return nil
}
