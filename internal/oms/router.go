package oms

import (
	"strings"

	"github.com/tradebot/golive/internal/broker"
)

// 加密资产基础符号
var cryptoBases = map[string]bool{
	"BTC": true, "ETH": true, "BNB": true, "SOL": true, "XRP": true,
	"USDT": true, "USDC": true, "DOGE": true, "ADA": true,
}

// 路由到 Alpaca 的美股 ETF
var usETFs = map[string]bool{
	"GLD": true, "SPY": true, "QQQ": true, "SLV": true,
	"XLK": true, "XLF": true, "XLE": true, "XLV": true,
	"TLT": true, "TIP": true, "EFA": true, "EEM": true,
	"DBC": true, "VNQ": true,
}

// RouteSymbol 按标的选择 broker：
// 加密资产 → binance，美股 ETF → alpaca，其余（个股、海外 ETF）→ ibkr 兜底。
func RouteSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))

	base := s
	for _, suffix := range []string{"-USD", "/USD", "-USDT", "/USDT", "USDT"} {
		if strings.HasSuffix(base, suffix) && len(base) > len(suffix) {
			base = strings.TrimSuffix(base, suffix)
			break
		}
	}
	if cryptoBases[base] {
		return broker.VenueBinance
	}
	if usETFs[s] {
		return broker.VenueAlpaca
	}
	return broker.VenueIBKR
}
