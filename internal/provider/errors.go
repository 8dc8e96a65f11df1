package provider

import (
	"errors"
	"fmt"
)

// ErrNoProvider ни один бекенд из списка приоритетов не пережил фильтрацию
// по возможностям и креденшелам. Ретраи против этой ошибки бессмысленны —
// в отличие от ProviderError.
var ErrNoProvider = errors.New("нет доступного провайдера для операции")

// ErrUnsupported операция вызвана на бекенде, который её не декларирует.
// Нормальный поток управления проверяет Supports заранее; эта ошибка —
// страховка от ошибки программиста, а не механизм выбора.
var ErrUnsupported = errors.New("операция не поддерживается провайдером")

// ProviderError ошибка конкретного бекенда (сеть, некорректный ответ).
// Несёт имя бекенда, чтобы оркестратор мог упасть дальше по списку.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("провайдер %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
