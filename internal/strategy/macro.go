package strategy

import (
	"context"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"
)

// NoopMacroProvider is the default core.MacroProvider: it never supplies a
// snapshot, so strategies that consult Macro simply see nil and fall back
// to their price-only signal. A real provider (fear/greed index, BTC
// dominance, DXY feed) can replace it without touching the Risk Pipeline,
// which never reads macro data.
type NoopMacroProvider struct{}

func (NoopMacroProvider) Snapshot(ctx context.Context) (*core.MacroSnapshot, error) {
	return nil, nil
}

var _ core.MacroProvider = NoopMacroProvider{}
