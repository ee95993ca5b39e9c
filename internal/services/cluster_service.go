package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/meshstor/meshstor/internal/metadata"
	"github.com/meshstor/meshstor/internal/models"
)

// CreateCluster records a new cluster. A missing id is generated and a
// missing NQN prefix is taken from the fabric configuration.
func (s *NodeService) CreateCluster(ctx context.Context, cluster *models.Cluster) (*Result, error) {
	if cluster.ID == "" {
		cluster.ID = uuid.New().String()
	}
	if cluster.NQNPrefix == "" {
		cluster.NQNPrefix = s.nqnPrefix
	}
	if cluster.HAType == "" {
		cluster.HAType = models.HATypeSingle
	}
	if err := cluster.Validate(); err != nil {
		return nil, validationError("INVALID_CLUSTER", "%v", err)
	}
	cluster.CreatedAt = s.clock.Now().UTC()

	if err := s.store.CreateCluster(ctx, cluster); err != nil {
		if errors.Is(err, metadata.ErrExists) {
			return nil, policyError("CLUSTER_EXISTS", "cluster %s already exists", cluster.ID)
		}
		return nil, persistenceError("failed to create cluster "+cluster.ID, err)
	}
	s.logger.Info("Cluster created", "cluster_id", cluster.ID, "ha_type", cluster.HAType)
	return &Result{Success: true, Message: fmt.Sprintf("cluster %s created", cluster.ID), Cluster: cluster}, nil
}

// GetCluster returns one cluster
func (s *NodeService) GetCluster(ctx context.Context, id string) (*Result, error) {
	cluster, err := s.cluster(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Result{Success: true, Message: "cluster " + cluster.ID, Cluster: cluster}, nil
}

// ListClusters returns every cluster
func (s *NodeService) ListClusters(ctx context.Context) (*Result, error) {
	clusters, err := s.store.ListClusters(ctx)
	if err != nil {
		return nil, persistenceError("failed to list clusters", err)
	}
	return &Result{Success: true, Message: fmt.Sprintf("%d clusters", len(clusters)), Clusters: clusters}, nil
}

// ClusterMap returns the last full map pushed to a node
func (s *NodeService) ClusterMap(ctx context.Context, nodeID string) (*models.ClusterMap, error) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, lookupError("NODE_NOT_FOUND", "node", nodeID, err)
	}
	m, err := s.maps.Snapshot(ctx, node.ClusterID, node.ID)
	if err != nil {
		return nil, lookupError("MAP_NOT_FOUND", "cluster map of node", nodeID, err)
	}
	return m, nil
}
