package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/annel0/tileforge/internal/logging"
)

// Registry хранит зарегистрированные бекенды и список приоритетов.
// Выбор бекенда: идём по списку приоритетов, пропускаем незарегистрированные
// имена, бекенды без креденшелов и бекенды без нужной операции; первый
// выживший побеждает.
type Registry struct {
	providers map[string]Provider
	priority  []string
	timeout   time.Duration // Лимит одного обращения к бекенду; 0 — без лимита
}

// NewRegistry создаёт реестр с указанным порядком перебора.
func NewRegistry(priority []string) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		priority:  priority,
	}
}

// SetTimeout задаёт лимит одного обращения к бекенду. Лимит действует
// на каждую попытку отдельно: истёкшая попытка не съедает время
// следующего кандидата в списке приоритетов.
func (r *Registry) SetTimeout(d time.Duration) {
	r.timeout = d
}

// attemptContext возвращает контекст одной попытки поверх базового.
func (r *Registry) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Register добавляет бекенд. Недоступные бекенды тоже регистрируются —
// фильтрация происходит при выборе, а не при регистрации.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
	if !p.Available() {
		logging.Warn("Провайдер %s зарегистрирован, но креденшелы отсутствуют — будет пропускаться", p.Name())
	}
}

// Candidates возвращает бекенды в порядке приоритета, способные выполнить
// операцию. Пустой список означает ErrNoProvider для этой операции.
func (r *Registry) Candidates(op Capability) []Provider {
	var out []Provider
	for _, name := range r.priority {
		p, ok := r.providers[name]
		if !ok {
			continue
		}
		if !p.Available() {
			continue
		}
		if !p.Supports(op) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Select возвращает первый подходящий бекенд или ErrNoProvider.
func (r *Registry) Select(op Capability) (Provider, error) {
	candidates := r.Candidates(op)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: операция %s, приоритеты %v", ErrNoProvider, op, r.priority)
	}
	return candidates[0], nil
}

// TextToImage выполняет генерацию с fallback по списку приоритетов:
// ошибка бекенда (включая таймаут) переводит запрос к следующему кандидату.
// Возвращается результат первого успешного вызова либо последняя ошибка.
func (r *Registry) TextToImage(ctx context.Context, req TextToImageRequest) (Result, error) {
	candidates := r.Candidates(CapTextToImage)
	if len(candidates) == 0 {
		return Result{}, fmt.Errorf("%w: операция %s, приоритеты %v", ErrNoProvider, CapTextToImage, r.priority)
	}

	var lastErr error
	for _, p := range candidates {
		attemptCtx, cancel := r.attemptContext(ctx)
		res, err := p.TextToImage(attemptCtx, req)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = &ProviderError{Provider: p.Name(), Err: err}
		logging.Warn("Провайдер %s не справился с text_to_image, пробуем следующий: %v", p.Name(), err)

		if ctx.Err() != nil {
			// Весь прогон отменён — перебирать дальше незачем.
			// Таймаут одной попытки сюда не попадает: он истекает
			// только в attemptCtx.
			break
		}
	}
	return Result{}, lastErr
}

// Inpaint выполняет частичную перегенерацию с тем же fallback-поведением.
func (r *Registry) Inpaint(ctx context.Context, req InpaintRequest) (Result, error) {
	candidates := r.Candidates(CapInpaint)
	if len(candidates) == 0 {
		return Result{}, fmt.Errorf("%w: операция %s, приоритеты %v", ErrNoProvider, CapInpaint, r.priority)
	}

	var lastErr error
	for _, p := range candidates {
		attemptCtx, cancel := r.attemptContext(ctx)
		res, err := p.Inpaint(attemptCtx, req)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = &ProviderError{Provider: p.Name(), Err: err}
		logging.Warn("Провайдер %s не справился с inpaint, пробуем следующий: %v", p.Name(), err)

		if ctx.Err() != nil {
			break
		}
	}
	return Result{}, lastErr
}
