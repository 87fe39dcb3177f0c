package storage

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
)

const (
	staffCollection = "staff"
	// 员工会话有效期
	staffSessionTTL = 12 * time.Hour
)

// 员工角色
const (
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
)

var (
	// ErrBadCredentials 用户名或密码错误
	ErrBadCredentials = errors.New("staff: bad credentials")
	// ErrStaffExists 账号已存在
	ErrStaffExists = errors.New("staff: account already exists")
)

// StaffAccount 员工账号
type StaffAccount struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"passwordHash"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

// staffSession 登录态
type staffSession struct {
	username  string
	expiresAt time.Time
}

// StaffManager 员工账号与会话管理
type StaffManager struct {
	store    *RedisStore
	sessions map[string]staffSession // token → session
	mu       sync.Mutex
}

// NewStaffManager 创建员工管理器
func NewStaffManager(store *RedisStore) *StaffManager {
	return &StaffManager{
		store:    store,
		sessions: make(map[string]staffSession),
	}
}

// SeedAdmin 首次启动用 ADMIN_PASSWORD 种一个 admin 账号。
// 已存在则不动。
func (sm *StaffManager) SeedAdmin(ctx context.Context, password string) error {
	if password == "" {
		return nil
	}

	accounts, err := sm.loadAccounts(ctx)
	if err != nil {
		return err
	}
	if _, exists := accounts[RoleAdmin]; exists {
		return nil
	}

	hash, err := argon2id.CreateHash(password, argon2id.DefaultParams)
	if err != nil {
		return err
	}
	accounts[RoleAdmin] = StaffAccount{
		Username:     RoleAdmin,
		PasswordHash: hash,
		Role:         RoleAdmin,
		CreatedAt:    time.Now(),
	}
	log.Printf("🔑 已创建初始 admin 员工账号")
	return sm.store.Save(ctx, staffCollection, accounts)
}

// Authenticate 校验账号密码，成功返回会话令牌
func (sm *StaffManager) Authenticate(ctx context.Context, username, password string) (string, error) {
	accounts, err := sm.loadAccounts(ctx)
	if err != nil {
		return "", err
	}

	account, ok := accounts[username]
	if !ok {
		// 同样走一次比较，避免时间侧信道暴露账号是否存在
		_, _ = argon2id.ComparePasswordAndHash(password, "$argon2id$v=19$m=65536,t=1,p=2$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
		return "", ErrBadCredentials
	}

	match, err := argon2id.ComparePasswordAndHash(password, account.PasswordHash)
	if err != nil || !match {
		return "", ErrBadCredentials
	}

	token := uuid.New().String()
	sm.mu.Lock()
	sm.sessions[token] = staffSession{username: username, expiresAt: time.Now().Add(staffSessionTTL)}
	sm.mu.Unlock()

	log.Printf("🪪 员工 %s 已登录", username)
	return token, nil
}

// Resolve 通过会话令牌取账号。令牌无效或过期返回 (zero, false)。
func (sm *StaffManager) Resolve(ctx context.Context, token string) (StaffAccount, bool) {
	if token == "" {
		return StaffAccount{}, false
	}

	sm.mu.Lock()
	sess, ok := sm.sessions[token]
	if ok && time.Now().After(sess.expiresAt) {
		delete(sm.sessions, token)
		ok = false
	}
	sm.mu.Unlock()
	if !ok {
		return StaffAccount{}, false
	}

	accounts, err := sm.loadAccounts(ctx)
	if err != nil {
		return StaffAccount{}, false
	}
	account, exists := accounts[sess.username]
	return account, exists
}

// Create 新建员工账号
func (sm *StaffManager) Create(ctx context.Context, username, password, role string) error {
	accounts, err := sm.loadAccounts(ctx)
	if err != nil {
		return err
	}
	if _, exists := accounts[username]; exists {
		return ErrStaffExists
	}
	if role != RoleAdmin && role != RoleModerator {
		role = RoleModerator
	}

	hash, err := argon2id.CreateHash(password, argon2id.DefaultParams)
	if err != nil {
		return err
	}
	accounts[username] = StaffAccount{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    time.Now(),
	}
	return sm.store.Save(ctx, staffCollection, accounts)
}

// Delete 删除员工账号并失效其会话
func (sm *StaffManager) Delete(ctx context.Context, username string) error {
	accounts, err := sm.loadAccounts(ctx)
	if err != nil {
		return err
	}
	delete(accounts, username)

	sm.mu.Lock()
	for token, sess := range sm.sessions {
		if sess.username == username {
			delete(sm.sessions, token)
		}
	}
	sm.mu.Unlock()

	return sm.store.Save(ctx, staffCollection, accounts)
}

// List 列出员工账号（不含口令哈希）
func (sm *StaffManager) List(ctx context.Context) ([]StaffAccount, error) {
	accounts, err := sm.loadAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]StaffAccount, 0, len(accounts))
	for _, a := range accounts {
		a.PasswordHash = ""
		out = append(out, a)
	}
	return out, nil
}

func (sm *StaffManager) loadAccounts(ctx context.Context) (map[string]StaffAccount, error) {
	accounts := make(map[string]StaffAccount)
	if err := sm.store.Load(ctx, staffCollection, &accounts); err != nil {
		return nil, err
	}
	if accounts == nil {
		accounts = make(map[string]StaffAccount)
	}
	return accounts, nil
}
