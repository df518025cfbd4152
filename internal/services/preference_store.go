package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/you/crewsync/domain"
)

const localeKey = "pref:locale"

// DefaultLocale is used until a locale has been confirmed
const DefaultLocale = "en"

// SupportedLocales lists the UI locales a user may pick
var SupportedLocales = []string{"en", "es", "pt-BR"}

var ErrUnsupportedLocale = errors.New("unsupported locale")

// PreferenceStore keeps device-level UI preferences in the durable store.
// Preferences are not identity-sensitive and survive sign-out.
type PreferenceStore struct {
	store domain.KeyValueStore
}

func NewPreferenceStore(store domain.KeyValueStore) *PreferenceStore {
	return &PreferenceStore{store: store}
}

// Locale returns the last confirmed locale, or DefaultLocale
func (p *PreferenceStore) Locale(ctx context.Context) (string, error) {
	v, err := p.store.Get(ctx, localeKey)
	if errors.Is(err, domain.ErrKeyNotFound) {
		return DefaultLocale, nil
	}
	if err != nil {
		return DefaultLocale, fmt.Errorf("read locale: %w", err)
	}
	if canonical, ok := canonicalLocale(v); ok {
		return canonical, nil
	}
	return DefaultLocale, nil
}

// SetLocale confirms a locale choice
func (p *PreferenceStore) SetLocale(ctx context.Context, locale string) error {
	canonical, ok := canonicalLocale(locale)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedLocale, locale)
	}
	if err := p.store.Set(ctx, localeKey, canonical, 0); err != nil {
		return fmt.Errorf("save locale: %w", err)
	}
	return nil
}

func canonicalLocale(v string) (string, bool) {
	v = strings.TrimSpace(v)
	for _, l := range SupportedLocales {
		if strings.EqualFold(l, v) {
			return l, true
		}
	}
	return "", false
}
