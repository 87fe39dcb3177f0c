package storage

import (
	"context"
	"log"
	"sync"
	"time"
)

const bansCollection = "bans"

// BanRecord 一条封禁记录
type BanRecord struct {
	IP       string    `json:"ip"`
	Reason   string    `json:"reason"`
	BannedAt time.Time `json:"bannedAt"`
	BannedBy string    `json:"bannedBy,omitempty"`
}

// BanManager 持久化 IP 封禁。读路径全内存，写路径落 Redis。
// 实现 core.BanChecker。
type BanManager struct {
	store *RedisStore
	bans  map[string]BanRecord
	mu    sync.RWMutex
}

// NewBanManager 创建并加载封禁表
func NewBanManager(ctx context.Context, store *RedisStore) (*BanManager, error) {
	bm := &BanManager{
		store: store,
		bans:  make(map[string]BanRecord),
	}
	if err := store.Load(ctx, bansCollection, &bm.bans); err != nil {
		return nil, err
	}
	if bm.bans == nil {
		bm.bans = make(map[string]BanRecord)
	}
	return bm, nil
}

// IsBanned IP 是否被封禁
func (bm *BanManager) IsBanned(ip string) bool {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	_, ok := bm.bans[ip]
	return ok
}

// Ban 封禁 IP
func (bm *BanManager) Ban(ctx context.Context, ip, reason, by string) error {
	bm.mu.Lock()
	bm.bans[ip] = BanRecord{IP: ip, Reason: reason, BannedAt: time.Now(), BannedBy: by}
	snapshot := bm.snapshotLocked()
	bm.mu.Unlock()

	log.Printf("⛔ IP %s 已封禁: %s", ip, reason)
	return bm.store.Save(ctx, bansCollection, snapshot)
}

// Unban 解除封禁
func (bm *BanManager) Unban(ctx context.Context, ip string) error {
	bm.mu.Lock()
	delete(bm.bans, ip)
	snapshot := bm.snapshotLocked()
	bm.mu.Unlock()

	log.Printf("🔓 IP %s 已解除持久封禁", ip)
	return bm.store.Save(ctx, bansCollection, snapshot)
}

// List 列出全部封禁
func (bm *BanManager) List() []BanRecord {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	out := make([]BanRecord, 0, len(bm.bans))
	for _, rec := range bm.bans {
		out = append(out, rec)
	}
	return out
}

func (bm *BanManager) snapshotLocked() map[string]BanRecord {
	out := make(map[string]BanRecord, len(bm.bans))
	for k, v := range bm.bans {
		out[k] = v
	}
	return out
}
