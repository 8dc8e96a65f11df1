package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyParams перечисляет все входы, влияющие на байты артефакта.
// Два запроса с одинаковым набором полей обязаны давать один и тот же ключ —
// это инвариант корректности кеша.
type KeyParams struct {
	Stage      string // "base" или "overlay"
	LocationID string
	WidgetID   string // Пусто для базовой сцены
	State      string // Пусто для базовой сцены
	Prompt     string
	Seed       int64
	Width      int
	Height     int
	Steps      int
	CFGScale   float64
	Provider   string
}

// Key строит контентный ключ: SHA-256 над упорядоченным кортежем полей.
// Поля разделяются символом единичного разделителя, чтобы конкатенация
// соседних полей не давала одинаковых строк ("ab"+"c" vs "a"+"bc").
func Key(p KeyParams) string {
	parts := []string{
		p.Stage,
		p.LocationID,
		p.WidgetID,
		p.State,
		p.Prompt,
		fmt.Sprintf("%d", p.Seed),
		fmt.Sprintf("%dx%d", p.Width, p.Height),
		fmt.Sprintf("%d", p.Steps),
		fmt.Sprintf("%.4f", p.CFGScale),
		p.Provider,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}
