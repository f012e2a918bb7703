package router

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// complexityEncoding 复杂度打分使用的 tiktoken 编码。
const complexityEncoding = "cl100k_base"

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// CountTokens 统计查询的 token 数。
// tiktoken 初始化失败时退化为按词计数（离线环境兜底）。
func CountTokens(text string) int {
	encOnce.Do(func() {
		enc, _ = tiktoken.GetEncoding(complexityEncoding)
	})
	if enc == nil {
		return len(strings.Fields(text))
	}
	return len(enc.Encode(text, nil, nil))
}

// 词汇复杂度信号：出现推理类/多步类措辞说明问题更难。
var reasoningMarkers = []string{
	"why", "how", "explain", "compare", "difference", "analyze",
	"step by step", "prove", "derive", "trade-off", "versus",
	"为什么", "怎么", "如何", "解释", "比较", "区别", "分析", "推导",
}

// ComplexityScore 综合查询长度、词汇/语义启发和 persona 权重，
// 产出 [0,1] 的复杂度得分。
func ComplexityScore(query string, personaWeight float64) float64 {
	if personaWeight <= 0 {
		personaWeight = 1.0
	}

	// 长度因子：500 token 以上视为满格
	tokens := CountTokens(query)
	lengthScore := float64(tokens) / 500.0
	if lengthScore > 1 {
		lengthScore = 1
	}

	// 词汇因子
	lower := strings.ToLower(query)
	markerHits := 0
	for _, m := range reasoningMarkers {
		if strings.Contains(lower, m) {
			markerHits++
		}
	}
	lexicalScore := float64(markerHits) / 3.0
	if lexicalScore > 1 {
		lexicalScore = 1
	}

	// 问句/多问因子
	questionScore := float64(strings.Count(query, "?")+strings.Count(query, "？")) / 2.0
	if questionScore > 1 {
		questionScore = 1
	}

	score := (0.4*lengthScore + 0.4*lexicalScore + 0.2*questionScore) * personaWeight
	if score > 1 {
		score = 1
	}
	return score
}
