package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/croquemot/croquemot/internal/protocol"
)

// sub8Dict 只有 XY(1) 和 ZT(2) 的计数 ≤ 8：
// AB 出现在 10 个不同的词里，数字把其他子串挡在音节定义之外。
const sub8Dict = "AB0\nAB1\nAB2\nAB3\nAB4\nAB5\nAB6\nAB7\nAB8\nAB9\nXY0\nZT0\nZT1\n"

func TestSelector_Sub8OnlyEmitsLowCountSyllables(t *testing.T) {
	dict := buildTestDict(t, sub8Dict)
	require.Equal(t, 10, dict.CountFor("AB"))
	require.Equal(t, 1, dict.CountFor("XY"))
	require.Equal(t, 2, dict.CountFor("ZT"))

	sel := NewSelector(dict)
	used := make(map[string]struct{})

	// 足够多次选择：永远只能出 XY/ZT，耗尽后清空 used 继续
	seen := make(map[string]int)
	for i := 0; i < 50; i++ {
		syl, count := sel.Pick(ScenarioSub8, used, nil)
		require.NotEmpty(t, syl, "sub8 不允许选空")
		assert.Contains(t, []string{"XY", "ZT"}, syl)
		assert.LessOrEqual(t, count, 8)
		used[syl] = struct{}{}
		seen[syl]++
	}
	assert.Positive(t, seen["XY"])
	assert.Positive(t, seen["ZT"])
}

func TestSelector_UsedSetPreventsRepeatsUntilReset(t *testing.T) {
	dict := buildTestDict(t, sub8Dict)
	sel := NewSelector(dict)
	used := make(map[string]struct{})

	first, _ := sel.Pick(ScenarioSub8, used, nil)
	used[first] = struct{}{}
	second, _ := sel.Pick(ScenarioSub8, used, nil)
	used[second] = struct{}{}

	assert.NotEqual(t, first, second)
	assert.ElementsMatch(t, []string{"XY", "ZT"}, []string{first, second})

	// 两个都用过：场景内重置，仍然只出 XY/ZT
	third, _ := sel.Pick(ScenarioSub8, used, nil)
	assert.Contains(t, []string{"XY", "ZT"}, third)
}

func TestSelector_QuatreLettresOnlyLengthFour(t *testing.T) {
	dict := buildTestDict(t, "MAISON\nCHANSON\nRAISON\nBLASON\n")
	sel := NewSelector(dict)
	used := make(map[string]struct{})

	for i := 0; i < 20; i++ {
		syl, _ := sel.Pick(ScenarioQuatre, used, nil)
		require.NotEmpty(t, syl)
		assert.Len(t, []rune(syl), 4)
		used[syl] = struct{}{}
	}
}

func TestSelector_DefaultLengthsTwoOrThree(t *testing.T) {
	dict := buildTestDict(t, "MAISON\nCHANSON\nRAISON\n")
	sel := NewSelector(dict)

	for i := 0; i < 20; i++ {
		syl, count := sel.Pick(ScenarioNone, map[string]struct{}{}, nil)
		require.NotEmpty(t, syl)
		assert.Contains(t, []int{2, 3}, len([]rune(syl)))
		assert.Positive(t, count)
	}
}

func TestSelector_TrainSkipRestrictsToAllowedSet(t *testing.T) {
	dict := buildTestDict(t, "MAISON\nCHANSON\nRAISON\n")
	sel := NewSelector(dict)

	allowed := map[string]struct{}{"ON": {}, "AI": {}}
	used := make(map[string]struct{})

	first, _ := sel.Pick(ScenarioTrainSkip, used, allowed)
	assert.Contains(t, []string{"ON", "AI"}, first)
	used[first] = struct{}{}

	second, _ := sel.Pick(ScenarioTrainSkip, used, allowed)
	assert.Contains(t, []string{"ON", "AI"}, second)
	assert.NotEqual(t, first, second)
	used[second] = struct{}{}

	// 练习集耗尽：返回空串让调用方结束游戏，而不是重置
	third, _ := sel.Pick(ScenarioTrainSkip, used, allowed)
	assert.Empty(t, third)
}

func TestSelector_EmptyDictionaryFallsBackToSeeds(t *testing.T) {
	dict := buildTestDict(t, "\n")
	sel := NewSelector(dict)

	syl, _ := sel.Pick(ScenarioNone, map[string]struct{}{}, nil)
	assert.Contains(t, seedSyllables, syl)
}

func TestTrainSkipExhaustionEndsGame(t *testing.T) {
	m, sender := newTestManager(t, "MAISON\nCHANSON\nRAISON\n")
	room := createTestRoom(t, m)
	_, err := m.JoinRoom(room.ID, protocol.PlayerData{Name: "P"}, "sock-1", "tok-1", false)
	require.NoError(t, err)

	// 只允许一个音节：第一回合用掉，下一回合无可选 → 结束而不是挂死
	require.NoError(t, room.StartGame(ScenarioTrainSkip, []string{"ON"}))
	room.onExpiry(currentGen(room))

	assert.Equal(t, StateLobby, room.GameState)
	assert.Equal(t, 1, countOfType(sender, "sock-1", protocol.MsgGameOver))
}
