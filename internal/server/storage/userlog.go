package storage

import (
	"context"
	"sync"
	"time"
)

const userlogCollection = "userlog"

// UserRecord 单个 IP 的访问记录
type UserRecord struct {
	IP        string    `json:"ip"`
	LastName  string    `json:"lastName"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
	Visits    int       `json:"visits"`
}

// UserLog 按 IP 记录最近访问者，管理端用来排查滥用
type UserLog struct {
	store *RedisStore
	mu    sync.Mutex
}

// NewUserLog 创建用户日志
func NewUserLog(store *RedisStore) *UserLog {
	return &UserLog{store: store}
}

// Record 记录一次访问
func (ul *UserLog) Record(ctx context.Context, ip, name string) error {
	ul.mu.Lock()
	defer ul.mu.Unlock()

	records := make(map[string]UserRecord)
	if err := ul.store.Load(ctx, userlogCollection, &records); err != nil {
		return err
	}
	if records == nil {
		records = make(map[string]UserRecord)
	}

	now := time.Now()
	rec, ok := records[ip]
	if !ok {
		rec = UserRecord{IP: ip, FirstSeen: now}
	}
	if name != "" {
		rec.LastName = name
	}
	rec.LastSeen = now
	rec.Visits++
	records[ip] = rec

	return ul.store.Save(ctx, userlogCollection, records)
}

// List 全部记录
func (ul *UserLog) List(ctx context.Context) ([]UserRecord, error) {
	ul.mu.Lock()
	defer ul.mu.Unlock()

	records := make(map[string]UserRecord)
	if err := ul.store.Load(ctx, userlogCollection, &records); err != nil {
		return nil, err
	}
	out := make([]UserRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	return out, nil
}
