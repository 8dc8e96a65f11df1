package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TileManifest итоговое описание локации: пути плиток по состояниям,
// оверлеи виджетов и ошибки частично неудавшихся единиц.
type TileManifest struct {
	LocationID  string            `json:"location_id"`
	RunID       string            `json:"run_id"`
	Seed        int64             `json:"seed"`
	Tiles       map[string]string `json:"tiles"`
	Widgets     []WidgetManifest  `json:"widgets"`
	Errors      []string          `json:"errors,omitempty"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// WidgetManifest оверлеи одного виджета по состояниям.
type WidgetManifest struct {
	ID     string          `json:"id"`
	States []StateArtifact `json:"states"`
}

// StateArtifact путь оверлея для одного состояния виджета.
type StateArtifact struct {
	State       string `json:"state"`
	OverlayPath string `json:"overlay_path"`
}

// WriteManifest атомарно записывает манифест в JSON-файл.
func WriteManifest(m *TileManifest, path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации манифеста %s: %w", m.LocationID, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("ошибка создания директории манифестов: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("ошибка записи манифеста: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ошибка закрытия временного файла: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ошибка переименования манифеста: %w", err)
	}
	return nil
}
