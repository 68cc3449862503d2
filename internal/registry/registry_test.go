package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"kschat/backend/internal/auth"
)

// fakeChannel 测试用的连接通道
type fakeChannel struct {
	closed bool
}

func (f *fakeChannel) Emit(event string, data any) {}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := New()
	ch := &fakeChannel{}

	previous := r.Register(auth.Identity("u1"), "conn-1", ch)
	assert.Nil(t, previous)

	// 两个键都指向同一个通道
	got, ok := r.Lookup(auth.Identity("u1"))
	assert.True(t, ok)
	assert.Same(t, ch, got)

	got, ok = r.LookupConn("conn-1")
	assert.True(t, ok)
	assert.Same(t, ch, got)

	assert.Equal(t, 1, r.Count())
}

func TestRegistry_DuplicateIdentityReturnsPrevious(t *testing.T) {
	r := New()
	old := &fakeChannel{}
	fresh := &fakeChannel{}

	r.Register(auth.Identity("u1"), "conn-1", old)
	previous := r.Register(auth.Identity("u1"), "conn-2", fresh)

	// 旧通道被顶掉并返回给调用方处置
	assert.Same(t, old, previous)

	got, ok := r.Lookup(auth.Identity("u1"))
	assert.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestRegistry_Unregister(t *testing.T) {
	r := New()
	ch := &fakeChannel{}

	r.Register(auth.Identity("u1"), "conn-1", ch)
	r.Unregister(auth.Identity("u1"), "conn-1")

	_, ok := r.Lookup(auth.Identity("u1"))
	assert.False(t, ok)
	_, ok = r.LookupConn("conn-1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())

	// 幂等：重复注销不出错
	r.Unregister(auth.Identity("u1"), "conn-1")
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_UnregisterDoesNotRemoveNewerConnection(t *testing.T) {
	r := New()
	old := &fakeChannel{}
	fresh := &fakeChannel{}

	r.Register(auth.Identity("u1"), "conn-1", old)
	r.Register(auth.Identity("u1"), "conn-2", fresh)

	// 旧连接的延迟注销不能误删新连接的标识记录
	r.Unregister(auth.Identity("u1"), "conn-1")

	got, ok := r.Lookup(auth.Identity("u1"))
	assert.True(t, ok)
	assert.Same(t, fresh, got)
}
