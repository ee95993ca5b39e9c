package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/meshstor/meshstor/internal/config"
	"github.com/meshstor/meshstor/internal/logging"
	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/utils"
)

// Pool caches backend connections by address and hands out Clients bound to
// a node's credentials. The least recently used connection is closed once
// the pool is full.
type Pool struct {
	conns    *lru.Cache[string, *grpc.ClientConn]
	dialOpts []grpc.DialOption
	cfg      config.RPCConfig
	logger   *logging.Logger

	healthCheckInterval time.Duration
	stopCh              chan struct{}
	wg                  sync.WaitGroup
	closeOnce           sync.Once
}

// NewPool creates a pool. Extra dial options are appended to the defaults.
func NewPool(cfg config.RPCConfig, logger *logging.Logger, opts ...grpc.DialOption) (*Pool, error) {
	size := cfg.PoolSize
	if size <= 0 {
		size = utils.RPCPoolSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = utils.RPCRequestTimeout
	}

	p := &Pool{
		dialOpts: append([]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(1024*1024*10), // 10MB
				grpc.MaxCallSendMsgSize(1024*1024*10),
			),
		}, opts...),
		cfg:                 cfg,
		logger:              logger.Component("rpc-pool"),
		healthCheckInterval: utils.RPCHealthCheckInterval,
		stopCh:              make(chan struct{}),
	}

	conns, err := lru.NewWithEvict[string, *grpc.ClientConn](size, p.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection cache: %w", err)
	}
	p.conns = conns

	p.wg.Add(1)
	go p.healthCheckLoop()

	return p, nil
}

func (p *Pool) onEvict(address string, conn *grpc.ClientConn) {
	_ = conn.Close()
	p.logger.Debug("Closed backend connection", "address", address)
}

// Client returns a backend client for node
func (p *Pool) Client(node *models.StorageNode) (Client, error) {
	if node.RPCAddress == "" {
		return nil, fmt.Errorf("node %s has no backend address", node.ID)
	}
	conn, err := p.connection(node.RPCAddress)
	if err != nil {
		return nil, err
	}
	return NewGRPCClient(conn, node.RPCAddress, p.cfg.Service, node.RPCUsername, node.RPCPassword, p.cfg.Timeout), nil
}

func (p *Pool) connection(address string) (*grpc.ClientConn, error) {
	if conn, ok := p.conns.Get(address); ok {
		state := conn.GetState()
		if state != connectivity.TransientFailure && state != connectivity.Shutdown {
			return conn, nil
		}
		p.conns.Remove(address)
	}

	conn, err := grpc.NewClient(address, p.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend connection to %s: %w", address, err)
	}

	// another caller may have raced us to the same address
	if prev, ok, _ := p.conns.PeekOrAdd(address, conn); ok {
		_ = conn.Close()
		return prev, nil
	}
	p.logger.Debug("Created backend connection", "address", address)
	return conn, nil
}

func (p *Pool) healthCheckLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkConnections()
		}
	}
}

// checkConnections evicts connections in a failed state
func (p *Pool) checkConnections() {
	for _, address := range p.conns.Keys() {
		conn, ok := p.conns.Peek(address)
		if !ok {
			continue
		}
		switch state := conn.GetState(); state {
		case connectivity.TransientFailure, connectivity.Shutdown:
			p.conns.Remove(address)
			p.logger.Warn("Removed unhealthy backend connection",
				"address", address,
				"state", state.String())
		case connectivity.Idle:
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			conn.Connect()
			conn.WaitForStateChange(ctx, connectivity.Idle)
			cancel()
		}
	}
}

// Close stops the health checker and closes every connection
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
		p.conns.Purge()
		p.logger.Info("Closed all backend connections")
	})
}
