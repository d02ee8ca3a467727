package service

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/promptarchive/internal/artifact"
	"github.com/bigkaa/promptarchive/internal/domain/model"
	"github.com/bigkaa/promptarchive/internal/storage/archive"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestIngest создаёт конвейер с архивом в t.TempDir() и side-store
// в cacheRoot ("" — раскрытие отключено).
func newTestIngest(t *testing.T, cacheRoot string) (*IngestService, *archive.Store) {
	t.Helper()

	store, err := archive.New(t.TempDir(), testLogger())
	require.NoError(t, err, "ошибка создания архива")

	resolver := artifact.New(cacheRoot, store.ImagesRoot(), 0, time.Millisecond, testLogger())
	return NewIngestService(store, resolver, testLogger()), store
}

func scanAll(t *testing.T, store *archive.Store) []*model.ArchivedRecord {
	t.Helper()

	var recs []*model.ArchivedRecord
	err := store.Scan(func(rec *model.ArchivedRecord) bool {
		recs = append(recs, rec)
		return true
	})
	require.NoError(t, err, "ошибка сканирования архива")
	return recs
}

// TestIngestLine проверяет нормализацию сырой записи в архивную.
func TestIngestLine(t *testing.T) {
	svc, store := newTestIngest(t, "")

	line := []byte(`{"timestamp":"2024-01-01T00:00:00Z","project":"/a/b/proj","sessionId":"s1","display":"привет"}`)
	rec := svc.IngestLine(line)
	require.NotNil(t, rec, "валидная строка должна архивироваться")

	assert.Equal(t, int64(1704067200000), rec.Timestamp, "время должно нормализоваться в epoch-ms")
	assert.Equal(t, "/a/b/proj", rec.Project)
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, "привет", rec.Prompt)

	recs := scanAll(t, store)
	require.Len(t, recs, 1, "запись должна попасть в архив")

	path := store.PartitionPath("proj_2024-01-01")
	_, err := os.Stat(path)
	assert.NoError(t, err, "partition-файл должен называться {project}_{YYYY-MM-DD}.jsonl")
}

// TestIngestLine_InvalidJSON проверяет отбрасывание битой строки.
func TestIngestLine_InvalidJSON(t *testing.T) {
	svc, store := newTestIngest(t, "")

	assert.Nil(t, svc.IngestLine([]byte("{битый json")), "битая строка должна отбрасываться")
	assert.Empty(t, scanAll(t, store), "архив должен остаться пустым")
}

// TestIngestLine_InvalidTimestamp проверяет отбрасывание записи
// с неразбираемым временем.
func TestIngestLine_InvalidTimestamp(t *testing.T) {
	svc, store := newTestIngest(t, "")

	line := []byte(`{"timestamp":"не время","project":"/a/b/proj","display":"текст"}`)
	assert.Nil(t, svc.IngestLine(line), "запись с невалидным временем должна отбрасываться")
	assert.Empty(t, scanAll(t, store))
}

// TestIngestLine_NoSessionID проверяет архивирование одиночного
// промпта без sessionId.
func TestIngestLine_NoSessionID(t *testing.T) {
	svc, store := newTestIngest(t, "")

	line := []byte(`{"timestamp":1704067200000,"project":"/a/b/proj","display":"одиночный"}`)
	rec := svc.IngestLine(line)
	require.NotNil(t, rec)

	assert.Empty(t, rec.SessionID)
	assert.Equal(t, "ts-1704067200000", rec.EffectiveSessionID(), "одиночный промпт получает синтетическую сессию")
	assert.Nil(t, rec.Images, "без sessionId изображения не разрешаются")

	recs := scanAll(t, store)
	require.Len(t, recs, 1)
}

// TestIngestLine_ExpandsPastes проверяет раскрытие вставок из кэша.
func TestIngestLine_ExpandsPastes(t *testing.T) {
	cacheRoot := t.TempDir()
	pastesDir := filepath.Join(cacheRoot, "pastes")
	require.NoError(t, os.MkdirAll(pastesDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(pastesDir, "abc123.txt"), []byte("текст вставки"), 0o640))

	svc, store := newTestIngest(t, cacheRoot)

	line := []byte(`{"timestamp":1704067200000,"project":"/a/b/proj","sessionId":"s1","display":"см. вставку","pastedContents":{"1":{"contentHash":"abc123","basename":"notes.txt"}}}`)
	rec := svc.IngestLine(line)
	require.NotNil(t, rec)

	require.Contains(t, rec.PastedContents, "1")
	assert.Equal(t, "текст вставки", rec.PastedContents["1"].Content, "вставка должна раскрыться из кэша")

	recs := scanAll(t, store)
	require.Len(t, recs, 1)
	assert.Equal(t, "текст вставки", recs[0].PastedContents["1"].Content, "раскрытая вставка должна сохраниться")
}

// TestIngestLine_PasteMissPreservesRef проверяет сохранение ссылки
// при отсутствии вставки в кэше.
func TestIngestLine_PasteMissPreservesRef(t *testing.T) {
	svc, _ := newTestIngest(t, t.TempDir())

	line := []byte(`{"timestamp":1704067200000,"project":"/a/b/proj","display":"текст","pastedContents":{"1":{"contentHash":"нет-такого","basename":"x.txt"}}}`)
	rec := svc.IngestLine(line)
	require.NotNil(t, rec)

	require.Contains(t, rec.PastedContents, "1")
	assert.Equal(t, "нет-такого", rec.PastedContents["1"].ContentHash, "ссылка должна сохраниться как есть")
	assert.Empty(t, rec.PastedContents["1"].Content)
}

// TestIngestLine_OmitsEmptyImages проверяет отсутствие ключа images
// в сохранённом JSON при пустом списке.
func TestIngestLine_OmitsEmptyImages(t *testing.T) {
	svc, store := newTestIngest(t, "")

	line := []byte(`{"timestamp":1704067200000,"project":"/a/b/proj","sessionId":"s1","display":"без картинок"}`)
	require.NotNil(t, svc.IngestLine(line))

	data, err := os.ReadFile(store.PartitionPath("proj_2024-01-01"))
	require.NoError(t, err)

	var saved map[string]any
	require.NoError(t, json.Unmarshal(data, &saved))
	assert.NotContains(t, saved, "images", "пустой список изображений не сериализуется")
}

// TestIngestLine_Listeners проверяет уведомление подписчиков.
func TestIngestLine_Listeners(t *testing.T) {
	svc, _ := newTestIngest(t, "")

	var got []*model.ArchivedRecord
	svc.OnNewRecord(func(rec *model.ArchivedRecord) {
		got = append(got, rec)
	})

	svc.IngestLine([]byte(`{"timestamp":1704067200000,"project":"/a/b/proj","display":"первый"}`))
	svc.IngestLine([]byte("{битый"))

	require.Len(t, got, 1, "подписчик вызывается только для заархивированных записей")
	assert.Equal(t, "первый", got[0].Prompt)
}

// TestIngestLine_BatchOrder проверяет порядок записей в partition
// при последовательном приёме.
func TestIngestLine_BatchOrder(t *testing.T) {
	svc, store := newTestIngest(t, "")

	for i := 0; i < 3; i++ {
		line := fmt.Sprintf(`{"timestamp":%d,"project":"/a/b/proj","display":"промпт %d"}`, 1704067200000+int64(i), i)
		require.NotNil(t, svc.IngestLine([]byte(line)))
	}

	recs := scanAll(t, store)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, fmt.Sprintf("промпт %d", i), rec.Prompt, "порядок записей должен сохраняться")
	}
}
