package registry

import (
	"sync"

	"kschat/backend/internal/auth"
)

// Channel 注册表保存的连接通道句柄
//
// 由会话层实现，注册表只负责按标识查找并投递。
type Channel interface {
	// Emit 向连接推送一个服务端事件
	Emit(event string, data any)
	// Close 强制关闭连接
	Close() error
}

// Registry 进程内的连接注册表
//
// 同一个通道句柄同时按用户标识和连接 ID 两个键登记，两个映射步调一致。
// 注册表由进程启动时创建、显式注入会话层，不作为包级全局状态。
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[auth.Identity]Channel
	byConnID   map[string]Channel
}

// New 创建连接注册表
func New() *Registry {
	return &Registry{
		byIdentity: make(map[auth.Identity]Channel),
		byConnID:   make(map[string]Channel),
	}
}

// Register 登记一个连接
//
// 同一标识至多保留一条记录：重复登记时直接覆盖旧记录。
// 返回被顶掉的旧通道（没有则为 nil），由调用方决定是否关闭它。
func (r *Registry) Register(identity auth.Identity, connID string, ch Channel) Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.byIdentity[identity]
	r.byIdentity[identity] = ch
	r.byConnID[connID] = ch
	return previous
}

// Unregister 移除一个连接的两条记录
//
// 幂等：记录不存在时安全返回。只有当按标识登记的仍是本连接时才移除
// 标识项，避免新连接顶替后被旧连接的延迟注销误删。
func (r *Registry) Unregister(identity auth.Identity, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byConnID[connID]
	delete(r.byConnID, connID)

	if existing, exists := r.byIdentity[identity]; exists && ok && existing == current {
		delete(r.byIdentity, identity)
	}
}

// Lookup 按用户标识查找连接通道
func (r *Registry) Lookup(identity auth.Identity) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.byIdentity[identity]
	return ch, ok
}

// LookupConn 按连接 ID 查找连接通道
func (r *Registry) LookupConn(connID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.byConnID[connID]
	return ch, ok
}

// Count 返回当前登记的连接数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byConnID)
}
