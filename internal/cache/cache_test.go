package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseParams() KeyParams {
	return KeyParams{
		Stage:      "base",
		LocationID: "lobby",
		Prompt:     "cozy pixel-art lobby",
		Seed:       1234,
		Width:      256,
		Height:     256,
		Steps:      28,
		CFGScale:   7.0,
		Provider:   "sdwebui",
	}
}

func TestKeyDeterministic(t *testing.T) {
	a := Key(baseParams())
	b := Key(baseParams())
	if a != b {
		t.Errorf("Ожидался одинаковый ключ для одинаковых параметров: %s != %s", a, b)
	}
}

func TestKeyUniquePerField(t *testing.T) {
	base := Key(baseParams())

	mutations := map[string]func(*KeyParams){
		"stage":    func(p *KeyParams) { p.Stage = "overlay" },
		"location": func(p *KeyParams) { p.LocationID = "kitchen" },
		"widget":   func(p *KeyParams) { p.WidgetID = "door" },
		"state":    func(p *KeyParams) { p.State = "hover" },
		"prompt":   func(p *KeyParams) { p.Prompt = "dark pixel-art lobby" },
		"seed":     func(p *KeyParams) { p.Seed = 1235 },
		"width":    func(p *KeyParams) { p.Width = 512 },
		"height":   func(p *KeyParams) { p.Height = 512 },
		"steps":    func(p *KeyParams) { p.Steps = 30 },
		"cfg":      func(p *KeyParams) { p.CFGScale = 7.5 },
		"provider": func(p *KeyParams) { p.Provider = "openai" },
	}

	for field, mutate := range mutations {
		p := baseParams()
		mutate(&p)
		if Key(p) == base {
			t.Errorf("Изменение поля %q не изменило ключ", field)
		}
	}
}

func TestKeyFieldBoundaries(t *testing.T) {
	// Конкатенация соседних полей не должна давать одинаковые ключи
	a := baseParams()
	a.WidgetID = "ab"
	a.State = "c"

	b := baseParams()
	b.WidgetID = "a"
	b.State = "bc"

	if Key(a) == Key(b) {
		t.Error("Ключи совпали при разной разбивке соседних полей")
	}
}

func TestLookupInsert(t *testing.T) {
	c := New(NewFileIndex(filepath.Join(t.TempDir(), "index.json")))

	key := Key(baseParams())
	if _, ok := c.Lookup(key); ok {
		t.Fatal("Ожидался промах на пустом кеше")
	}

	md := Metadata{Prompt: "p", Seed: 1, CreatedAt: time.Now(), Stage: "base", LocationID: "lobby", Provider: "stub"}
	c.Insert(key, "/tmp/a.png", md)

	entry, ok := c.Lookup(key)
	if !ok {
		t.Fatal("Ожидалось попадание после вставки")
	}
	if entry.ArtifactPath != "/tmp/a.png" {
		t.Errorf("Неверный путь артефакта: %s", entry.ArtifactPath)
	}

	m := c.GetMetrics()
	if m.Hits != 1 || m.Misses != 1 || m.Inserts != 1 {
		t.Errorf("Неверные метрики: %+v", m)
	}
}

func TestRejectHitRollsBackCounter(t *testing.T) {
	c := New(NewFileIndex(filepath.Join(t.TempDir(), "index.json")))

	key := Key(baseParams())
	c.Insert(key, "/нет/такого/файла.png", Metadata{LocationID: "lobby"})

	if _, ok := c.Lookup(key); !ok {
		t.Fatal("Ожидалось попадание после вставки")
	}
	// Вызывающий обнаружил, что артефакт пропал с диска
	c.RejectHit()

	m := c.GetMetrics()
	if m.Hits != 0 {
		t.Errorf("Отклонённое попадание не должно оставаться в счётчике, Hits=%d", m.Hits)
	}
	if m.Misses != 0 {
		t.Errorf("Отклонённое попадание — не промах, Misses=%d", m.Misses)
	}
}

func TestInsertConflictLastWriteWins(t *testing.T) {
	c := New(NewFileIndex(filepath.Join(t.TempDir(), "index.json")))
	key := Key(baseParams())

	c.Insert(key, "/tmp/a.png", Metadata{})
	c.Insert(key, "/tmp/b.png", Metadata{})

	entry, _ := c.Lookup(key)
	if entry.ArtifactPath != "/tmp/b.png" {
		t.Errorf("Ожидался last-write-wins, получен путь %s", entry.ArtifactPath)
	}
	if c.GetMetrics().Conflicts != 1 {
		t.Errorf("Конфликт вставки не зафиксирован: %+v", c.GetMetrics())
	}
}

func TestInvalidateLocation(t *testing.T) {
	c := New(NewFileIndex(filepath.Join(t.TempDir(), "index.json")))

	c.Insert("k1", "/tmp/1.png", Metadata{LocationID: "lobby", Stage: "base"})
	c.Insert("k2", "/tmp/2.png", Metadata{LocationID: "lobby", Stage: "overlay"})
	c.Insert("k3", "/tmp/3.png", Metadata{LocationID: "kitchen", Stage: "base"})

	removed := c.InvalidateLocation("lobby")
	if removed != 2 {
		t.Errorf("Ожидалось удаление 2 записей, удалено %d", removed)
	}
	if c.Len() != 1 {
		t.Errorf("Ожидалась 1 оставшаяся запись, осталось %d", c.Len())
	}
	if _, ok := c.Lookup("k3"); !ok {
		t.Error("Запись другой локации не должна была удаляться")
	}
}

func TestPersistLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")

	c := New(NewFileIndex(path))
	md := Metadata{Prompt: "p", Seed: 7, CreatedAt: time.Now().UTC().Truncate(time.Second), Stage: "base", LocationID: "lobby", Provider: "stub"}
	c.Insert("key-a", "/art/a.png", md)

	if err := c.Persist(); err != nil {
		t.Fatalf("Persist вернул ошибку: %v", err)
	}

	c2 := New(NewFileIndex(path))
	c2.Load()

	entry, ok := c2.Lookup("key-a")
	if !ok {
		t.Fatal("Запись не пережила цикл persist/load")
	}
	if entry.ArtifactPath != "/art/a.png" || entry.Metadata.Seed != 7 {
		t.Errorf("Запись повреждена после перезагрузки: %+v", entry)
	}
}

func TestCorruptIndexDegradesToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	c := New(NewFileIndex(path))
	c.Load() // Не должно паниковать и не должно быть фатальным

	if c.Len() != 0 {
		t.Errorf("Повреждённый индекс должен давать пустой кеш, получено %d записей", c.Len())
	}
}

func TestMissingIndexFileIsEmptyCache(t *testing.T) {
	idx := NewFileIndex(filepath.Join(t.TempDir(), "nope", "index.json"))
	entries, err := idx.Load()
	if err != nil {
		t.Fatalf("Отсутствующий файл индекса не должен быть ошибкой: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Ожидался пустой индекс, получено %d записей", len(entries))
	}
}
