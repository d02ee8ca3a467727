package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/promptarchive/internal/domain/model"
	"github.com/bigkaa/promptarchive/internal/storage/archive"
	"github.com/bigkaa/promptarchive/internal/storage/state"
)

// newTestRetention создаёт планировщик с периодом удержания 1 час.
func newTestRetention(t *testing.T, enabled bool) (*RetentionService, *archive.Store) {
	t.Helper()

	store, err := archive.New(t.TempDir(), testLogger())
	require.NoError(t, err, "ошибка создания архива")

	return NewRetentionService(store, enabled, time.Hour, time.Hour, testLogger()), store
}

// TestRunNow_DeletesExpired проверяет удаление записей старше периода.
func TestRunNow_DeletesExpired(t *testing.T) {
	r, store := newTestRetention(t, false)

	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	fresh := time.Now().UnixMilli()
	appendRecord(t, store, &model.ArchivedRecord{Timestamp: old, Project: "/p/one", SessionID: "s1", Prompt: "старая"})
	appendRecord(t, store, &model.ArchivedRecord{Timestamp: fresh, Project: "/p/one", SessionID: "s1", Prompt: "свежая"})

	result, err := r.RunNow()
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeletedCount, "должна удалиться только просроченная запись")

	var prompts []string
	require.NoError(t, store.Scan(func(rec *model.ArchivedRecord) bool {
		prompts = append(prompts, rec.Prompt)
		return true
	}))
	assert.Equal(t, []string{"свежая"}, prompts)
}

// TestRunNow_SavesState проверяет сохранение времени очистки
// в retention.json.
func TestRunNow_SavesState(t *testing.T) {
	r, store := newTestRetention(t, false)

	before := time.Now()
	_, err := r.RunNow()
	require.NoError(t, err)

	st, err := state.Load(state.Path(store.RootDir()))
	require.NoError(t, err)
	assert.False(t, st.LastCleanupTime.Before(before), "время последней очистки должно сохраниться")
	assert.True(t, st.NextCleanupTime.IsZero(), "при выключенной политике следующая очистка не планируется")
}

// TestRunNow_EnabledArmsNext проверяет перевзвод таймера после цикла.
func TestRunNow_EnabledArmsNext(t *testing.T) {
	r, _ := newTestRetention(t, true)
	defer r.Stop()

	result, err := r.RunNow()
	require.NoError(t, err)

	assert.False(t, result.NextCleanupTime.IsZero(), "после цикла должна планироваться следующая очистка")
	assert.True(t, result.NextCleanupTime.After(time.Now().Add(50*time.Minute)),
		"следующая очистка отсчитывается от завершения цикла")

	status := r.Status()
	assert.Equal(t, string(phaseIdle), status.Phase)
	assert.Greater(t, status.RemainingMs, int64(0), "до следующей очистки должно оставаться время")
}

// TestRunNow_DisabledPolicy проверяет ручной запуск при выключенной
// политике.
func TestRunNow_DisabledPolicy(t *testing.T) {
	r, store := newTestRetention(t, false)
	r.Start(context.Background())

	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	appendRecord(t, store, &model.ArchivedRecord{Timestamp: old, Project: "/p/one", Prompt: "старая"})

	result, err := r.RunNow()
	require.NoError(t, err, "ручная очистка должна работать при выключенной политике")
	assert.Equal(t, 1, result.DeletedCount)
	assert.True(t, result.NextCleanupTime.IsZero(), "таймер при выключенной политике не взводится")
}

// TestRunNow_CleanupInProgress проверяет отказ параллельного запуска.
func TestRunNow_CleanupInProgress(t *testing.T) {
	r, _ := newTestRetention(t, false)

	r.mu.Lock()
	r.phase = phaseDeleting
	r.mu.Unlock()

	_, err := r.RunNow()
	assert.ErrorIs(t, err, ErrCleanupInProgress)
}

// TestRunNow_RemovesStaleImageDirs проверяет удаление осиротевших
// директорий изображений.
func TestRunNow_RemovesStaleImageDirs(t *testing.T) {
	r, store := newTestRetention(t, false)

	staleDir := filepath.Join(store.ImagesRoot(), "старая-сессия")
	require.NoError(t, os.MkdirAll(staleDir, 0o750))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(staleDir, old, old))

	freshDir := filepath.Join(store.ImagesRoot(), "свежая-сессия")
	require.NoError(t, os.MkdirAll(freshDir, 0o750))

	result, err := r.RunNow()
	require.NoError(t, err)
	assert.Equal(t, 1, result.ImageDirsRemoved)

	_, err = os.Stat(staleDir)
	assert.True(t, os.IsNotExist(err), "старая директория должна удалиться")
	_, err = os.Stat(freshDir)
	assert.NoError(t, err, "свежая директория должна остаться")
}

// TestStatus_Disabled проверяет статус при выключенной политике.
func TestStatus_Disabled(t *testing.T) {
	r, _ := newTestRetention(t, false)
	r.Start(context.Background())

	status := r.Status()
	assert.False(t, status.Enabled)
	assert.Equal(t, string(phaseIdle), status.Phase)
	assert.Zero(t, status.RemainingMs)
	assert.True(t, status.NextCleanupTime.IsZero())
}

// TestStart_RestoresState проверяет восстановление времён из
// retention.json при старте.
func TestStart_RestoresState(t *testing.T) {
	store, err := archive.New(t.TempDir(), testLogger())
	require.NoError(t, err)

	last := time.Now().Add(-30 * time.Minute).UTC().Truncate(time.Second)
	next := time.Now().Add(30 * time.Minute).UTC().Truncate(time.Second)
	require.NoError(t, state.Save(state.Path(store.RootDir()), state.CleanupState{
		LastCleanupTime: last,
		NextCleanupTime: next,
	}))

	r := NewRetentionService(store, true, time.Hour, time.Hour, testLogger())
	r.Start(context.Background())
	defer r.Stop()

	status := r.Status()
	assert.True(t, status.LastCleanupTime.Equal(last), "время последней очистки должно восстановиться")
	assert.True(t, status.NextCleanupTime.Equal(next), "время следующей очистки должно восстановиться")
	assert.Greater(t, status.RemainingMs, int64(0))
}

// TestScheduledRun_FiresOnTimer проверяет плановый запуск по таймеру.
func TestScheduledRun_FiresOnTimer(t *testing.T) {
	store, err := archive.New(t.TempDir(), testLogger())
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	appendRecord(t, store, &model.ArchivedRecord{Timestamp: old, Project: "/p/one", Prompt: "старая"})

	// Просроченное состояние: очистка взводится почти сразу
	require.NoError(t, state.Save(state.Path(store.RootDir()), state.CleanupState{
		NextCleanupTime: time.Now().Add(-time.Minute),
	}))

	r := NewRetentionService(store, true, time.Hour, time.Hour, testLogger())
	r.Start(context.Background())
	defer r.Stop()

	require.Eventually(t, func() bool {
		empty := true
		_ = store.Scan(func(rec *model.ArchivedRecord) bool {
			empty = false
			return false
		})
		return empty
	}, 5*time.Second, 50*time.Millisecond, "плановая очистка должна удалить просроченную запись")
}

// TestOnTick_BroadcastsRemaining проверяет секундные уведомления
// об оставшемся времени до очистки.
func TestOnTick_BroadcastsRemaining(t *testing.T) {
	store, err := archive.New(t.TempDir(), testLogger())
	require.NoError(t, err)

	require.NoError(t, state.Save(state.Path(store.RootDir()), state.CleanupState{
		NextCleanupTime: time.Now().Add(time.Hour),
	}))

	r := NewRetentionService(store, true, time.Hour, time.Hour, testLogger())

	ticks := make(chan int64, 8)
	r.OnTick(func(remainingMs int64) {
		select {
		case ticks <- remainingMs:
		default:
		}
	})

	r.Start(context.Background())
	defer r.Stop()

	select {
	case remaining := <-ticks:
		assert.Greater(t, remaining, int64(0), "до очистки через час должно оставаться время")
	case <-time.After(3 * time.Second):
		t.Fatal("уведомление не получено за 3 секунды")
	}
}

// TestStop_WaitsForInflightRun проверяет, что Stop не возвращается,
// пока выполняющийся цикл очистки не завершится.
func TestStop_WaitsForInflightRun(t *testing.T) {
	r, _ := newTestRetention(t, true)
	r.runWG.Add(1)

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop вернулся до завершения цикла очистки")
	case <-time.After(50 * time.Millisecond):
	}

	r.runWG.Done()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop не дождался завершения цикла очистки")
	}
}

// TestRunNow_AfterStop проверяет, что новый цикл не запускается
// при остановке планировщика.
func TestRunNow_AfterStop(t *testing.T) {
	r, _ := newTestRetention(t, true)
	r.Stop()

	_, err := r.RunNow()
	require.ErrorIs(t, err, ErrCleanupInProgress)
}

// TestRunNow_DeleteErrorReturnsResult проверяет, что сбой удаления
// не превращается в ошибку вызова: цикл возвращает результат, а время
// последней очистки не продвигается.
func TestRunNow_DeleteErrorReturnsResult(t *testing.T) {
	r, store := newTestRetention(t, false)
	require.NoError(t, os.RemoveAll(store.RootDir()))

	result, err := r.RunNow()
	require.NoError(t, err, "сбой удаления отражается в статусе, а не в ошибке вызова")
	require.NotNil(t, result)
	assert.Equal(t, 0, result.DeletedCount)

	status := r.Status()
	assert.True(t, status.LastCleanupTime.IsZero(),
		"сбойный цикл не должен продвигать время последней очистки")
	assert.Equal(t, string(phaseIdle), status.Phase)
}
