// Package session persists per-session records in Redis with a local
// cache, so transports can answer status lookups without touching the
// orchestrator.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/veritaslab/scribe/internal/models"
)

// Record is the externally visible state of one session.
type Record struct {
	ID          string             `json:"id"`
	Topic       string             `json:"topic"`
	TaskType    string             `json:"task_type"`
	Status      string             `json:"status"`
	Stage       string             `json:"stage"`
	RoundsUsed  int                `json:"rounds_used"`
	TokenInput  int                `json:"token_input"`
	TokenOutput int                `json:"token_output"`
	Result      *models.TaskResult `json:"result,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Manager stores session records in Redis with a local cache. All
// methods are safe for concurrent use.
type Manager struct {
	client     redis.UniversalClient
	logger     *zap.Logger
	ttl        time.Duration
	mu         sync.RWMutex
	localCache map[string]*Record
	access     map[string]time.Time
	maxCached  int
}

// NewManager connects to Redis at redisAddr. REDIS_PASSWORD is honored
// when set.
func NewManager(redisAddr string, ttl time.Duration, logger *zap.Logger) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewManagerWithClient(client, ttl, logger), nil
}

// NewManagerWithClient wraps an existing client; tests inject miniredis
// through this.
func NewManagerWithClient(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{
		client:     client,
		logger:     logger,
		ttl:        ttl,
		localCache: make(map[string]*Record),
		access:     make(map[string]time.Time),
		maxCached:  10000,
	}
}

func key(id string) string { return "scribe:session:" + id }

// Create registers a new session record and returns it.
func (m *Manager) Create(ctx context.Context, topic, taskType string) (*Record, error) {
	rec := &Record{
		ID:        uuid.New().String(),
		Topic:     topic,
		TaskType:  taskType,
		Status:    models.StatusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := m.save(ctx, rec); err != nil {
		return nil, err
	}
	m.cache(rec)
	m.logger.Info("Session created",
		zap.String("session_id", rec.ID),
		zap.String("task_type", taskType),
	)
	return rec, nil
}

// Get returns the session record, preferring the local cache.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	if rec, ok := m.localCache[id]; ok {
		m.mu.RUnlock()
		return rec, nil
	}
	m.mu.RUnlock()

	data, err := m.client.Get(ctx, key(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("session %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	m.cache(&rec)
	return &rec, nil
}

// Update applies fn to the record and persists the result.
func (m *Manager) Update(ctx context.Context, id string, fn func(*Record)) error {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	updated := *rec
	fn(&updated)
	updated.UpdatedAt = time.Now()
	if err := m.save(ctx, &updated); err != nil {
		return err
	}
	m.cache(&updated)
	return nil
}

func (m *Manager) save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := m.client.Set(ctx, key(rec.ID), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (m *Manager) cache(rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localCache[rec.ID] = rec
	m.access[rec.ID] = time.Now()
	if len(m.localCache) <= m.maxCached {
		return
	}
	// Evict the least recently accessed entry.
	oldestID := ""
	var oldest time.Time
	for id, at := range m.access {
		if oldestID == "" || at.Before(oldest) {
			oldestID, oldest = id, at
		}
	}
	delete(m.localCache, oldestID)
	delete(m.access, oldestID)
}
