package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToExchangeSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", ToExchangeSymbol("binance", "BTC/USDT"))
	assert.Equal(t, "BTC-USDT", ToExchangeSymbol("bitget", "BTC/USDT"))
}

func TestFromExchangeSymbolNoSeparator(t *testing.T) {
	assert.Equal(t, "BTC/USDT", FromExchangeSymbol("BTCUSDT"))
	assert.Equal(t, "ETH/BTC", FromExchangeSymbol("ETHBTC"))
}

func TestFromExchangeSymbolWithSeparator(t *testing.T) {
	assert.Equal(t, "BTC/USDT", FromExchangeSymbol("btc-usdt"))
	assert.Equal(t, "BTC/USDT", FromExchangeSymbol("btc_usdt"))
}

func TestCanonicalIsIdempotent(t *testing.T) {
	c := Canonical("btc/usdt")
	assert.Equal(t, "BTC/USDT", c)
	assert.Equal(t, c, Canonical(c))
}
