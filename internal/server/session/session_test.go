package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	r := NewRegistry()
	r.Stop() // 测试不依赖后台清理
	return r
}

func TestRegistry_RegisterCreatesSession(t *testing.T) {
	r := newTestRegistry()

	sess := r.Register("tok-1", "sock-1")
	require.NotNil(t, sess)
	assert.Equal(t, "tok-1", sess.Token)
	assert.Equal(t, "sock-1", sess.GetSocketID())

	token, ok := r.GetTokenBySocket("sock-1")
	assert.True(t, ok)
	assert.Equal(t, "tok-1", token)
}

func TestRegistry_RegisterRebindsSocket(t *testing.T) {
	r := newTestRegistry()

	r.Register("tok-1", "sock-1")
	sess := r.Register("tok-1", "sock-2")

	// 同一令牌重注册后只剩一个会话，socket 指向新连接
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, "sock-2", sess.GetSocketID())

	_, ok := r.GetTokenBySocket("sock-1")
	assert.False(t, ok, "旧 socket 的反向映射应被清除")
	token, ok := r.GetTokenBySocket("sock-2")
	assert.True(t, ok)
	assert.Equal(t, "tok-1", token)
}

func TestRegistry_UnregisterKeepsSessionAlive(t *testing.T) {
	r := newTestRegistry()

	r.Register("tok-1", "sock-1")
	sess := r.Unregister("sock-1")
	require.NotNil(t, sess)

	// 会话保留用于宽限期查找，socket 清空并记录断开时间
	assert.Equal(t, "", sess.GetSocketID())
	assert.False(t, sess.Generation().IsZero())
	assert.NotNil(t, r.GetSessionByToken("tok-1"))

	_, ok := r.GetTokenBySocket("sock-1")
	assert.False(t, ok)
}

func TestRegistry_GenerationChangesOnReconnect(t *testing.T) {
	r := newTestRegistry()

	r.Register("tok-1", "sock-1")
	sess := r.Unregister("sock-1")
	gen := sess.Generation()
	require.False(t, gen.IsZero())

	// 重连清零代际：宽限回调用旧代际对不上号即作废
	r.Register("tok-1", "sock-2")
	assert.False(t, sess.Generation().Equal(gen))
	assert.True(t, sess.Generation().IsZero())
}

func TestRegistry_StaleUnregisterDoesNotClobberNewSocket(t *testing.T) {
	r := newTestRegistry()

	r.Register("tok-1", "sock-1")
	r.Register("tok-1", "sock-2")

	// 迟到的旧 socket 断开不能覆盖新连接
	r.Unregister("sock-1")
	sess := r.GetSessionByToken("tok-1")
	assert.Equal(t, "sock-2", sess.GetSocketID())
}

func TestRegistry_RoomTracking(t *testing.T) {
	r := newTestRegistry()

	sess := r.Register("tok-1", "sock-1")
	sess.SetRoomID("room-42")
	assert.Equal(t, "room-42", r.GetSessionByToken("tok-1").GetRoomID())

	sess.SetRoomID("")
	assert.Equal(t, "", sess.GetRoomID())
}
