// paste.go — раскрытие вставленных текстовых блоков из
// content-addressed кэша вставок инструмента.
package artifact

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bigkaa/promptarchive/internal/domain/model"
)

// ExpandPaste раскрывает одну ссылку на вставку.
// Если текст уже присутствует — ссылка возвращается без изменений.
// Иначе выполняется поиск по contentHash в кэше вставок; при попадании
// текст подставляется, при промахе или ошибке чтения ссылка
// возвращается нераскрытой — но никогда не отбрасывается.
func (r *Resolver) ExpandPaste(ref model.PasteRef) model.PasteRef {
	if ref.IsExpanded() {
		return ref
	}
	if ref.ContentHash == "" || r.cacheRoot == "" {
		return ref
	}

	data, err := r.readPasteFile(ref.ContentHash)
	if err != nil {
		r.logger.Debug("Вставка не найдена в кэше, ссылка остаётся нераскрытой",
			slog.String("content_hash", ref.ContentHash),
			slog.String("error", err.Error()),
		)
		return ref
	}

	ref.Content = string(data)
	return ref
}

// ExpandAll раскрывает все вставки записи. Возвращает новую карту;
// nil на входе даёт nil на выходе.
func (r *Resolver) ExpandAll(refs map[string]model.PasteRef) map[string]model.PasteRef {
	if refs == nil {
		return nil
	}

	expanded := make(map[string]model.PasteRef, len(refs))
	for key, ref := range refs {
		expanded[key] = r.ExpandPaste(ref)
	}
	return expanded
}

// HasUnexpanded возвращает true, если среди вставок записи есть
// нераскрытые ссылки с contentHash. Используется query-слоем
// для повторной попытки раскрытия при чтении.
func HasUnexpanded(refs map[string]model.PasteRef) bool {
	for _, ref := range refs {
		if !ref.IsExpanded() && ref.ContentHash != "" {
			return true
		}
	}
	return false
}

// readPasteFile читает файл вставки по хэшу.
// Основное имя — <hash>.txt, запасное — просто <hash>.
func (r *Resolver) readPasteFile(contentHash string) ([]byte, error) {
	base := filepath.Join(r.cacheRoot, pastesDirName, contentHash)

	data, err := os.ReadFile(base + ".txt")
	if err == nil {
		return data, nil
	}

	return os.ReadFile(base)
}
