// Пакет model — доменные модели Prompt Archive.
// ArchivedRecord — единая структура архивной записи, используется
// как in-memory представление и как формат строки в partition-файле.
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// PasteRef — ссылка на вставленный текстовый блок.
// Если Content пуст, а ContentHash задан, реальный текст лежит
// в content-addressed кэше вставок и подставляется при раскрытии.
type PasteRef struct {
	// ContentHash — хэш содержимого в кэше вставок
	ContentHash string `json:"contentHash,omitempty"`

	// Content — текст вставки (пуст, если текст вынесен в кэш)
	Content string `json:"content,omitempty"`

	// Basename — исходное имя вставленного файла (опционально)
	Basename string `json:"basename,omitempty"`
}

// IsExpanded возвращает true, если текст вставки уже присутствует.
func (p *PasteRef) IsExpanded() bool {
	return p.Content != ""
}

// RawEntry — одна сырая запись журнала наблюдаемого CLI-инструмента.
// Эфемерная структура: никогда не сохраняется как есть.
type RawEntry struct {
	// Timestamp — время записи (строка либо число, см. ParseTimestamp)
	Timestamp json.RawMessage `json:"timestamp"`

	// Project — полный путь проекта
	Project string `json:"project"`

	// SessionID — идентификатор сессии (может отсутствовать)
	SessionID string `json:"sessionId,omitempty"`

	// Display — текст промпта
	Display string `json:"display"`

	// PastedContents — вставленные блоки по ключам
	PastedContents map[string]PasteRef `json:"pastedContents,omitempty"`
}

// ArchivedRecord — долговременная единица архива.
// Одна JSON-строка в partition-файле {project}_{YYYY-MM-DD}.jsonl.
type ArchivedRecord struct {
	// Timestamp — время записи в миллисекундах epoch (UTC)
	Timestamp int64 `json:"timestamp"`

	// Project — полный путь проекта
	Project string `json:"project"`

	// SessionID — идентификатор сессии ("" для одиночных промптов)
	SessionID string `json:"sessionId"`

	// Prompt — текст промпта
	Prompt string `json:"prompt"`

	// PastedContents — раскрытые вставки
	PastedContents map[string]PasteRef `json:"pastedContents,omitempty"`

	// Images — относительные пути изображений (images/<sessionId>/<file>).
	// Отсутствует в JSON, если изображений нет (не пустой массив).
	Images []string `json:"images,omitempty"`
}

// Time возвращает Timestamp как time.Time (UTC).
func (r *ArchivedRecord) Time() time.Time {
	return time.UnixMilli(r.Timestamp).UTC()
}

// EffectiveSessionID возвращает идентификатор сессии для группировки.
// Для записей без sessionId — синтетический id из собственного времени
// записи, чтобы одиночные промпты не склеивались в одну сессию.
func (r *ArchivedRecord) EffectiveSessionID() string {
	if r.SessionID != "" {
		return r.SessionID
	}
	return SyntheticSessionID(r.Timestamp)
}

// SyntheticSessionID строит синтетический идентификатор сессии
// для записи без sessionId.
func SyntheticSessionID(timestampMs int64) string {
	return "ts-" + strconv.FormatInt(timestampMs, 10)
}

// SessionSummary — сводка по сессии. Производная структура,
// не хранится: пересчитывается при каждом запросе метаданных.
type SessionSummary struct {
	// SessionID — идентификатор сессии (реальный или синтетический)
	SessionID string `json:"session_id"`

	// Project — путь проекта первой записи сессии
	Project string `json:"project"`

	// FirstTimestamp — время первой записи (мс epoch)
	FirstTimestamp int64 `json:"first_timestamp"`

	// LatestTimestamp — время последней записи (мс epoch)
	LatestTimestamp int64 `json:"latest_timestamp"`

	// RecordCount — количество записей в сессии
	RecordCount int `json:"record_count"`
}

// ParseTimestamp разбирает время сырой записи. Допустимые форматы:
//   - строка RFC3339 / RFC3339Nano;
//   - число: миллисекунды epoch (>= 1e12) либо секунды epoch.
//
// Возвращает миллисекунды epoch или ошибку — запись с невалидным
// временем отбрасывается при приёме, полусобранные записи в архив
// не попадают.
func ParseTimestamp(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("поле timestamp отсутствует")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, perr := time.Parse(time.RFC3339Nano, s)
		if perr != nil {
			t, perr = time.Parse(time.RFC3339, s)
		}
		if perr != nil {
			return 0, fmt.Errorf("невалидная строка времени %q", s)
		}
		return t.UnixMilli(), nil
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("невалидное числовое время")
		}
		// Эвристика: значения от 1e12 считаем миллисекундами
		if n >= 1e12 {
			return int64(n), nil
		}
		return int64(n * 1000), nil
	}

	return 0, fmt.Errorf("неподдерживаемый формат времени: %s", string(raw))
}

// PartitionKey возвращает ключ partition-файла для записи:
// "{projectBasename}_{YYYY-MM-DD}" по календарному дню времени записи.
func PartitionKey(project string, timestampMs int64) string {
	base := filepath.Base(strings.TrimRight(project, "/"))
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "unknown"
	}
	day := time.UnixMilli(timestampMs).UTC().Format("2006-01-02")
	return base + "_" + day
}
