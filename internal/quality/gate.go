package quality

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/annel0/tileforge/internal/config"
	"github.com/annel0/tileforge/internal/history"
	"github.com/annel0/tileforge/internal/imageio"
	"github.com/annel0/tileforge/internal/logging"
)

// Пороги гейта. Расстояние до 30 в RGB-пространстве считаем «тем же»
// пикселем: совпадает с допуском исходного валидатора генерации.
const (
	MatchDistance          = 30.0
	ConsistencyThreshold   = 95.0 // % совпавших точек с прошлым прогоном
	DifferentiationMinimum = 80.0 // % различающихся точек между состояниями
	CohesionFloor          = 10.0 // % совпадающих точек, чтобы тайл остался «той же комнатой»
)

// Report структурированный отчёт гейта по одной локации.
type Report struct {
	LocationID      string             `json:"location_id"`
	Passed          bool               `json:"passed"`
	Consistency     float64            `json:"consistency"`      // -1, если архив пуст
	Differentiation map[string]float64 `json:"differentiation"`  // Пары состояний -> % различий
	Cohesion        float64            `json:"cohesion"`         // Минимальный % совпадений по парам
	DistanceMean    float64            `json:"distance_mean"`    // Средн. расстояние idle/hover
	DistanceStdDev  float64            `json:"distance_std_dev"` //
	Reasons         []string           `json:"reasons,omitempty"`
}

// Gate аудитор качества. Архив может быть nil — тогда проверка
// согласованности пропускается (первый прогон).
type Gate struct {
	archive *history.Archive
	runID   string
}

// NewGate создаёт гейт поверх архива прогонов.
func NewGate(archive *history.Archive, runID string) *Gate {
	return &Gate{archive: archive, runID: runID}
}

// CheckLocation проверяет готовые тайлы локации: согласованность idle-тайла
// с прошлым прогоном и попарную различимость состояний. Тайлы только
// читаются.
func (g *Gate) CheckLocation(locationID string, tiles map[string]string) (*Report, error) {
	report := &Report{
		LocationID:      locationID,
		Consistency:     -1,
		Differentiation: make(map[string]float64),
		Cohesion:        100,
	}

	samples := make(map[string][]byte)
	var width, height int
	for state, path := range tiles {
		img, err := imageio.LoadPNG(path)
		if err != nil {
			return nil, fmt.Errorf("гейт не смог прочитать тайл %s/%s: %w", locationID, state, err)
		}
		if width == 0 {
			width, height = img.Bounds().Dx(), img.Bounds().Dy()
		}
		samples[state] = SampleRGB(img, SamplePoints(width, height))
	}

	idle, hasIdle := samples[config.StateIdle]
	if !hasIdle {
		report.Passed = false
		report.Reasons = append(report.Reasons, "отсутствует idle-тайл — локация сгенерирована частично")
		return report, nil
	}

	g.checkConsistency(locationID, tiles[config.StateIdle], idle, report)
	g.checkDifferentiation(samples, report)

	report.Passed = len(report.Reasons) == 0
	return report, nil
}

// checkConsistency сравнивает сэмплы idle-тайла с архивом прошлого прогона.
func (g *Gate) checkConsistency(locationID, idlePath string, idle []byte, report *Report) {
	if g.archive == nil {
		return
	}

	rec, found, err := g.archive.Get(archiveKey(locationID))
	if err != nil {
		logging.Warn("Гейт: ошибка чтения архива для %s: %v", locationID, err)
		return
	}
	if !found {
		logging.Debug("Гейт: архивной записи для %s нет, пропускаем проверку согласованности", locationID)
		return
	}

	// Быстрый путь: идентичные байты артефакта
	if sha, err := fileSHA(idlePath); err == nil && sha == rec.ArtifactSHA {
		report.Consistency = 100
		return
	}

	distances := pairDistances(idle, rec.Samples)
	if len(distances) == 0 {
		return
	}

	matching := 0
	for _, d := range distances {
		if d < MatchDistance {
			matching++
		}
	}
	report.Consistency = 100 * float64(matching) / float64(len(distances))

	if report.Consistency < ConsistencyThreshold {
		report.Reasons = append(report.Reasons, fmt.Sprintf(
			"согласованность %.1f%% ниже порога %.0f%%: повторный прогон дал другой тайл",
			report.Consistency, ConsistencyThreshold))
	}
}

// checkDifferentiation проверяет попарную различимость состояний и
// остаточную связность (тайл должен остаться «той же комнатой»).
func (g *Gate) checkDifferentiation(samples map[string][]byte, report *Report) {
	pairs := [][2]string{
		{config.StateIdle, config.StateHover},
		{config.StateIdle, config.StateClick},
		{config.StateHover, config.StateClick},
	}

	for _, pair := range pairs {
		a, okA := samples[pair[0]]
		b, okB := samples[pair[1]]
		if !okA || !okB {
			continue
		}

		distances := pairDistances(a, b)
		if len(distances) == 0 {
			continue
		}

		differing := 0
		for _, d := range distances {
			if d >= MatchDistance {
				differing++
			}
		}
		dissimilarity := 100 * float64(differing) / float64(len(distances))
		matching := 100 - dissimilarity

		label := pair[0] + "/" + pair[1]
		report.Differentiation[label] = dissimilarity
		if matching < report.Cohesion {
			report.Cohesion = matching
		}

		if pair[0] == config.StateIdle && pair[1] == config.StateHover {
			if mean, err := stats.Mean(distances); err == nil {
				report.DistanceMean = mean
			}
			if sd, err := stats.StandardDeviation(distances); err == nil {
				report.DistanceStdDev = sd
			}
		}

		if dissimilarity < DifferentiationMinimum {
			report.Reasons = append(report.Reasons, fmt.Sprintf(
				"состояния %s визуально неразличимы: различий %.1f%% при пороге %.0f%%",
				label, dissimilarity, DifferentiationMinimum))
		}
	}

	if len(report.Differentiation) > 0 && report.Cohesion < CohesionFloor {
		report.Reasons = append(report.Reasons, fmt.Sprintf(
			"связность %.1f%% ниже порога %.0f%%: состояния перестали читаться как одна комната",
			report.Cohesion, CohesionFloor))
	}
}

// ArchiveTiles сохраняет сэмплы idle-тайла локации в архив для проверки
// согласованности в следующем прогоне. Вызывается после гейта.
func (g *Gate) ArchiveTiles(locationID string, tiles map[string]string) error {
	if g.archive == nil {
		return nil
	}

	idlePath, ok := tiles[config.StateIdle]
	if !ok {
		return nil
	}

	img, err := imageio.LoadPNG(idlePath)
	if err != nil {
		return fmt.Errorf("не удалось прочитать idle-тайл %s: %w", locationID, err)
	}
	sha, err := fileSHA(idlePath)
	if err != nil {
		return err
	}

	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	return g.archive.Put(&history.Record{
		Key:         archiveKey(locationID),
		ArtifactSHA: sha,
		Samples:     SampleRGB(img, SamplePoints(w, h)),
		RunID:       g.runID,
		SavedAt:     time.Now().UTC(),
	})
}

func archiveKey(locationID string) string {
	return "tile/" + locationID + "/idle"
}

func fileSHA(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("ошибка чтения артефакта %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
