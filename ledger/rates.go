package ledger

import "github.com/BaSui01/costpilot/provider"

// TierRate 档位计费费率（每 1K token，输入/输出独立计价）。
type TierRate struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// RateTable 档位 → 费率映射。
type RateTable map[provider.Tier]TierRate

// DefaultRateTable 返回默认费率表。
func DefaultRateTable() RateTable {
	return RateTable{
		provider.TierHigh:    {InputPer1K: 0.01, OutputPer1K: 0.03},
		provider.TierEconomy: {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	}
}

// Cost 计算给定档位下的花费。
// 未知档位按表中最贵费率计价，避免静默少算。
func (t RateTable) Cost(tier provider.Tier, tokensIn, tokensOut int) float64 {
	rate, ok := t[tier]
	if !ok {
		for _, r := range t {
			if r.InputPer1K > rate.InputPer1K {
				rate = r
			}
		}
	}
	return float64(tokensIn)/1000*rate.InputPer1K + float64(tokensOut)/1000*rate.OutputPer1K
}

// Estimate 根据输入 token 预估一次生成的总花费。
// 输出 token 按输入的等量估算，宁可偏高。
func (t RateTable) Estimate(tier provider.Tier, tokensIn int) float64 {
	return t.Cost(tier, tokensIn, tokensIn)
}
