// Пакет state — чтение/запись retention.json в корне архива.
//
// Планировщик очистки записывает lastCleanupTime/nextCleanupTime после
// каждого цикла; при рестарте состояние читается для восстановления
// расписания. Запись синхронная (fsync): следующий читатель обязан
// увидеть свежие значения до срабатывания следующего таймера.
//
// Формат файла:
//
//	{"last_cleanup_time": "2026-01-01T00:00:00Z", "next_cleanup_time": "2026-01-02T00:00:00Z"}
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileName — имя файла состояния очистки в корне архива.
const FileName = "retention.json"

// CleanupState — персистентное состояние планировщика очистки.
type CleanupState struct {
	// LastCleanupTime — время завершения последнего цикла очистки.
	LastCleanupTime time.Time `json:"last_cleanup_time"`
	// NextCleanupTime — расчётное время следующего цикла.
	NextCleanupTime time.Time `json:"next_cleanup_time"`
}

// Path возвращает полный путь к retention.json в указанной директории.
func Path(archiveRoot string) string {
	return filepath.Join(archiveRoot, FileName)
}

// Save записывает состояние очистки (атомарно: temp → fsync → rename).
func Save(path string, st CleanupState) error {
	jsonData, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации retention.json: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания temp retention.json: %w", err)
	}

	if _, err := f.Write(jsonData); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи temp retention.json: %w", err)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync temp retention.json: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия temp retention.json: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("ошибка rename retention.json: %w", err)
	}

	return nil
}

// Load читает состояние очистки из retention.json.
// Возвращает ошибку, если файл не существует или содержит невалидные данные.
func Load(path string) (CleanupState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CleanupState{}, fmt.Errorf("ошибка чтения retention.json: %w", err)
	}

	var st CleanupState
	if err := json.Unmarshal(data, &st); err != nil {
		return CleanupState{}, fmt.Errorf("ошибка десериализации retention.json: %w", err)
	}

	return st, nil
}
