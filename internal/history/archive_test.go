package history

import (
	"bytes"
	"testing"
	"time"
)

func TestPutGetRoundtrip(t *testing.T) {
	archive, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Не удалось открыть архив: %v", err)
	}
	defer archive.Close()

	rec := &Record{
		Key:         "content-key-1",
		ArtifactSHA: "abc123",
		Samples:     []byte{10, 20, 30, 40, 50, 60},
		RunID:       "run-1",
		SavedAt:     time.Now().UTC(),
	}
	if err := archive.Put(rec); err != nil {
		t.Fatalf("Put вернул ошибку: %v", err)
	}

	got, found, err := archive.Get("content-key-1")
	if err != nil {
		t.Fatalf("Get вернул ошибку: %v", err)
	}
	if !found {
		t.Fatal("Запись не найдена после Put")
	}
	if got.ArtifactSHA != "abc123" || !bytes.Equal(got.Samples, rec.Samples) {
		t.Errorf("Запись повреждена после цикла Put/Get: %+v", got)
	}
}

func TestGetMissingKeyIsNotError(t *testing.T) {
	archive, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer archive.Close()

	_, found, err := archive.Get("no-such-key")
	if err != nil {
		t.Errorf("Отсутствующий ключ не должен быть ошибкой: %v", err)
	}
	if found {
		t.Error("Несуществующая запись объявлена найденной")
	}
}

func TestPutOverwritesPreviousRun(t *testing.T) {
	archive, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer archive.Close()

	archive.Put(&Record{Key: "k", RunID: "run-1", Samples: []byte{1}})
	archive.Put(&Record{Key: "k", RunID: "run-2", Samples: []byte{2}})

	got, found, err := archive.Get("k")
	if err != nil || !found {
		t.Fatalf("Запись не найдена: %v", err)
	}
	if got.RunID != "run-2" {
		t.Errorf("Ожидалась запись последнего прогона, получена %s", got.RunID)
	}
}

func TestClosedArchiveRejectsOperations(t *testing.T) {
	archive, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	archive.Close()

	if err := archive.Put(&Record{Key: "k"}); err == nil {
		t.Error("Put в закрытый архив должен возвращать ошибку")
	}
	if _, _, err := archive.Get("k"); err == nil {
		t.Error("Get из закрытого архива должен возвращать ошибку")
	}
}
