// Package seed выводит детерминированные сиды генерации из иерархического
// пути (мир → этаж → локация → виджет → состояние). Никакой случайности и
// зависимости от часов: один и тот же путь даёт один и тот же сид на любой
// машине и в любом процессе.
package seed

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Derive вычисляет сид для единицы генерации.
// Компоненты пути склеиваются в стабильную строку и хешируются SHA-256;
// первые 8 байт дайджеста интерпретируются как int64 (знак сбрасывается,
// чтобы сид всегда был неотрицательным — часть API провайдеров не принимает
// отрицательные сиды).
func Derive(baseSeed, floorOffset, locationOffset int64, widgetIndex, stateIndex int) int64 {
	key := fmt.Sprintf("%d_%d_%d_%d_%d", baseSeed, floorOffset, locationOffset, widgetIndex, stateIndex)
	return hashToSeed(key)
}

// DeriveLocation возвращает сид базовой сцены локации.
// Индексы виджета и состояния фиксируются в -1, чтобы базовая сцена
// не конфликтовала с оверлеями виджетов.
func DeriveLocation(baseSeed, floorOffset, locationOffset int64) int64 {
	return Derive(baseSeed, floorOffset, locationOffset, -1, -1)
}

func hashToSeed(key string) int64 {
	sum := sha256.Sum256([]byte(key))
	v := binary.BigEndian.Uint64(sum[:8])
	return int64(v & 0x7fffffffffffffff)
}
