// Package imageio содержит утилиты чтения и атомарной записи PNG-артефактов.
// Артефакт пишется один раз своим воркером и после этого не изменяется,
// поэтому файловые блокировки не нужны — достаточно rename-on-write, чтобы
// конкурентный читатель не увидел недописанный файл.
package imageio

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
)

// LoadPNG читает PNG-файл с диска.
func LoadPNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия изображения %s: %w", path, err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("ошибка декодирования PNG %s: %w", path, err)
	}
	return img, nil
}

// SavePNG атомарно записывает изображение: temp-файл в той же директории,
// затем rename. При любой ошибке частичный файл удаляется.
func SavePNG(path string, img image.Image) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".artifact-*.tmp")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpName := tmp.Name()

	if err := png.Encode(tmp, img); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("ошибка кодирования PNG %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ошибка закрытия временного файла: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ошибка переименования артефакта %s: %w", path, err)
	}
	return nil
}

// SaveBytes атомарно записывает уже закодированные байты (например,
// PNG-ответ провайдера) без перекодирования.
func SaveBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".artifact-*.tmp")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("ошибка записи артефакта %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ошибка закрытия временного файла: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ошибка переименования артефакта %s: %w", path, err)
	}
	return nil
}
