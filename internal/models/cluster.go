package models

import (
	"fmt"
	"time"
)

// HA policy types
const (
	HATypeSingle = "single"
	HATypeHA     = "ha"
)

// Cluster holds the settings shared by every node of a storage cluster
type Cluster struct {
	ID               string    `json:"id"`
	Name             string    `json:"name,omitempty"`
	ModelIDs         []string  `json:"model_ids"`
	BlockSize        uint32    `json:"blk_size"`
	PageSizeInBlocks uint32    `json:"page_size_in_blocks"`
	HAType           string    `json:"ha_type"`
	MinOnlineNodes   int       `json:"min_online_nodes"`
	NQNPrefix        string    `json:"nqn_prefix"`
	CreatedAt        time.Time `json:"created_at"`
}

// Validate checks the cluster settings
func (c *Cluster) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("cluster id is required")
	}
	if c.BlockSize == 0 {
		return fmt.Errorf("blk_size must be positive")
	}
	if c.PageSizeInBlocks == 0 {
		return fmt.Errorf("page_size_in_blocks must be positive")
	}
	if c.HAType != HATypeSingle && c.HAType != HATypeHA {
		return fmt.Errorf("ha_type must be %q or %q", HATypeSingle, HATypeHA)
	}
	if c.MinOnlineNodes < 0 {
		return fmt.Errorf("min_online_nodes must not be negative")
	}
	return nil
}

// ModelAllowed reports whether a device model may join the cluster
func (c *Cluster) ModelAllowed(model string) bool {
	for _, m := range c.ModelIDs {
		if m == model {
			return true
		}
	}
	return false
}

// PartitionSize is the number of bytes in one placement partition
func (c *Cluster) PartitionSize() uint64 {
	return uint64(c.BlockSize) * uint64(c.PageSizeInBlocks)
}

// PartitionsFor returns how many whole partitions fit in size bytes
func (c *Cluster) PartitionsFor(size uint64) uint64 {
	ps := c.PartitionSize()
	if ps == 0 {
		return 0
	}
	return size / ps
}
