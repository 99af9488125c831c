package services

import (
	"context"
	"log"
	"sync"
	"time"

	"proof-orchestrator/internal/metrics"
	"proof-orchestrator/internal/store"
)

// MonitoringService 监控服务，负责定期更新存储相关的 Prometheus metrics
type MonitoringService struct {
	store    store.Store
	driver   string
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMonitoringService 创建监控服务
func NewMonitoringService(s store.Store, driver string, interval time.Duration) *MonitoringService {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &MonitoringService{
		store:    s,
		driver:   driver,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start 启动监控服务
func (m *MonitoringService) Start() {
	log.Println("🚀 Starting monitoring service...")

	m.wg.Add(1)
	go m.monitorStore()

	log.Println("✅ Monitoring service started")
}

// Stop 停止监控服务
func (m *MonitoringService) Stop() {
	log.Println("🛑 Stopping monitoring service...")
	close(m.stopCh)
	m.wg.Wait()
	log.Println("✅ Monitoring service stopped")
}

// monitorStore 监控存储连接
func (m *MonitoringService) monitorStore() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.UpdateStoreMetrics()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.UpdateStoreMetrics()
		}
	}
}

// UpdateStoreMetrics 更新存储指标
func (m *MonitoringService) UpdateStoreMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.store.Ping(ctx); err != nil {
		metrics.StoreConnectionStatus.WithLabelValues(m.driver).Set(0)
		log.Printf("⚠️ [Monitoring] Store %s ping failed: %v", m.driver, err)
	} else {
		metrics.StoreConnectionStatus.WithLabelValues(m.driver).Set(1)
	}

	gs, ok := store.Unwrap(m.store).(*store.GormStore)
	if !ok {
		return
	}
	sqlDB, err := gs.DB().DB()
	if err != nil {
		return
	}
	stats := sqlDB.Stats()
	metrics.DBConnectionPoolSize.Set(float64(stats.MaxOpenConnections))
	metrics.DBConnectionActive.Set(float64(stats.OpenConnections - stats.Idle))
	metrics.DBConnectionIdle.Set(float64(stats.Idle))
}
