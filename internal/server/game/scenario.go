package game

import (
	"math"
	"math/rand/v2"

	"github.com/samber/lo"

	"github.com/croquemot/croquemot/internal/dictionary"
)

// 可选场景
const (
	ScenarioNone      = ""
	ScenarioQuatre    = "4 lettres"
	ScenarioSub8      = "sub8"
	ScenarioSub50     = "sub50"
	ScenarioTrainSkip = "train skip"
)

// ValidScenario 场景名是否合法
func ValidScenario(s string) bool {
	switch s {
	case ScenarioNone, ScenarioQuatre, ScenarioSub8, ScenarioSub50, ScenarioTrainSkip:
		return true
	}
	return false
}

// scenarioLengths 各场景允许的音节长度
func scenarioLengths(scenario string) []int {
	if scenario == ScenarioQuatre {
		return []int{4}
	}
	return []int{2, 3}
}

// scenarioMaxCount 各场景的计数过滤，0 表示不过滤
func scenarioMaxCount(scenario string) int {
	switch scenario {
	case ScenarioSub8:
		return 8
	case ScenarioSub50:
		return 50
	}
	return 0
}

// 词典完全为空时的保底音节
var seedSyllables = []string{"RE", "LA", "TI", "ON", "EN", "ER", "TE", "LE", "AN", "AR"}

// Selector 音节选择器。服务端权威：客户端永远不能绕过场景过滤。
type Selector struct {
	dict *dictionary.Index
}

// NewSelector 创建选择器
func NewSelector(dict *dictionary.Index) *Selector {
	return &Selector{dict: dict}
}

// Pick 在场景约束下选出下一个音节，返回音节及其词数。
// 候选耗尽时清空 used 在同一场景内重选；trainAllowed 耗尽时返回空串，
// 由调用方结束游戏。调用方负责把选中的音节加入 used。
func (s *Selector) Pick(scenario string, used map[string]struct{}, trainAllowed map[string]struct{}) (string, int) {
	// 练习模式：只在允许集里选
	if scenario == ScenarioTrainSkip && trainAllowed != nil {
		candidates := make([]string, 0, len(trainAllowed))
		for syl := range trainAllowed {
			if _, done := used[syl]; !done {
				candidates = append(candidates, syl)
			}
		}
		if len(candidates) == 0 {
			return "", 0
		}
		// 有词数的加权选，全都没有就均匀选
		counted := lo.Filter(candidates, func(syl string, _ int) bool {
			return s.dict.CountFor(syl) > 0
		})
		if len(counted) > 0 {
			syl := weightedPick(counted, s.dict)
			return syl, s.dict.CountFor(syl)
		}
		syl := candidates[rand.IntN(len(candidates))]
		return syl, 0
	}

	lengths := scenarioLengths(scenario)
	maxCount := scenarioMaxCount(scenario)

	// 先带 used 过滤选；空了就清空 used 在同一场景内重试
	if syl, count := s.pickFromCounts(lengths, maxCount, used); syl != "" {
		return syl, count
	}
	if len(used) > 0 {
		for k := range used {
			delete(used, k)
		}
		if syl, count := s.pickFromCounts(lengths, maxCount, used); syl != "" {
			return syl, count
		}
	}

	// 计数表兜不住时退化到示例键，再退化到内置保底表
	if syl := s.pickFromSampleKeys(lengths, used); syl != "" {
		return syl, s.dict.CountFor(syl)
	}
	candidates := lo.Filter(seedSyllables, func(syl string, _ int) bool {
		_, done := used[syl]
		return !done && lo.Contains(lengths, len(syl))
	})
	if len(candidates) > 0 {
		syl := candidates[rand.IntN(len(candidates))]
		return syl, 0
	}
	return "", 0
}

// pickFromCounts 从计数表选。长度在允许集内均匀选，再按场景过滤候选。
func (s *Selector) pickFromCounts(lengths []int, maxCount int, used map[string]struct{}) (string, int) {
	// 长度顺序随机，逐个长度尝试，保证单一长度为空时不会卡死
	order := rand.Perm(len(lengths))
	for _, oi := range order {
		l := lengths[oi]
		counts := s.dict.CountsForLength(l)
		if len(counts) == 0 {
			continue
		}

		candidates := make([]string, 0, len(counts))
		for syl, count := range counts {
			if count <= 0 {
				continue
			}
			if maxCount > 0 && count > maxCount {
				continue
			}
			if _, done := used[syl]; done {
				continue
			}
			candidates = append(candidates, syl)
		}
		if len(candidates) == 0 {
			continue
		}

		if maxCount > 0 {
			// 计数过滤场景下均匀选，让冷门音节等概率出现
			syl := candidates[rand.IntN(len(candidates))]
			return syl, counts[syl]
		}
		// 无过滤时按 √count 加权，偏向高频但不压死中频
		syl := weightedPick(candidates, s.dict)
		return syl, counts[syl]
	}
	return "", 0
}

// pickFromSampleKeys 退化路径：从示例表键里按长度选
func (s *Selector) pickFromSampleKeys(lengths []int, used map[string]struct{}) string {
	for _, l := range lengths {
		keys := s.dict.SyllablesForLength(l)
		candidates := lo.Filter(keys, func(syl string, _ int) bool {
			_, done := used[syl]
			return !done
		})
		if len(candidates) > 0 {
			return candidates[rand.IntN(len(candidates))]
		}
	}
	return ""
}

// weightedPick 按 √count 加权随机
func weightedPick(candidates []string, dict *dictionary.Index) string {
	weights := make([]float64, len(candidates))
	var total float64
	for i, syl := range candidates {
		count := dict.CountFor(syl)
		if count < 1 {
			count = 1
		}
		weights[i] = math.Sqrt(float64(count))
		total += weights[i]
	}

	target := rand.Float64() * total
	for i, w := range weights {
		target -= w
		if target <= 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}
