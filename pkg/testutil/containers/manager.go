//go:build integration

// Package containers starts throwaway backends for integration tests.
// Containers are started lazily, once per test binary, and shared across
// suites; Ryuk removes them when the binary exits.
package containers

import (
	"sync"
	"testing"
)

// Manager hands out shared containers.
type Manager struct {
	mongoOnce sync.Once
	mongo     *MongoContainer

	postgresOnce sync.Once
	postgres     *PostgresContainer

	redisOnce sync.Once
	redis     *RedisContainer

	rabbitOnce sync.Once
	rabbit     *RabbitMQContainer
}

var (
	managerOnce sync.Once
	manager     *Manager
)

// GetManager returns the process wide manager.
func GetManager() *Manager {
	managerOnce.Do(func() { manager = &Manager{} })
	return manager
}

func (m *Manager) GetMongo(t *testing.T) *MongoContainer {
	t.Helper()
	m.mongoOnce.Do(func() { m.mongo = newMongoContainer(t) })
	if m.mongo == nil {
		t.Fatal("mongo container failed to start earlier")
	}
	return m.mongo
}

func (m *Manager) GetPostgres(t *testing.T) *PostgresContainer {
	t.Helper()
	m.postgresOnce.Do(func() { m.postgres = newPostgresContainer(t) })
	if m.postgres == nil {
		t.Fatal("postgres container failed to start earlier")
	}
	return m.postgres
}

func (m *Manager) GetRedis(t *testing.T) *RedisContainer {
	t.Helper()
	m.redisOnce.Do(func() { m.redis = newRedisContainer(t) })
	if m.redis == nil {
		t.Fatal("redis container failed to start earlier")
	}
	return m.redis
}

func (m *Manager) GetRabbitMQ(t *testing.T) *RabbitMQContainer {
	t.Helper()
	m.rabbitOnce.Do(func() { m.rabbit = newRabbitMQContainer(t) })
	if m.rabbit == nil {
		t.Fatal("rabbitmq container failed to start earlier")
	}
	return m.rabbit
}
