package discovery

import (
	"fmt"
	"strings"

	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/rpc"
)

// Candidate is a device under consideration. Bdev is empty until the
// device has been attached and queried.
type Candidate struct {
	PCIeAddress string
	VendorID    string
	Bdev        rpc.BdevInfo
}

// Filter rejects a candidate by returning a non-empty reason
type Filter func(c Candidate) string

// Chain applies filters in order and returns the first rejection
func Chain(filters ...Filter) Filter {
	return func(c Candidate) string {
		for _, f := range filters {
			if reason := f(c); reason != "" {
				return reason
			}
		}
		return ""
	}
}

// VendorFilter rejects devices whose PCIe vendor id is on the deny-list
func VendorFilter(deny []string) Filter {
	set := make(map[string]struct{}, len(deny))
	for _, v := range deny {
		set[strings.ToLower(strings.TrimPrefix(v, "0x"))] = struct{}{}
	}
	return func(c Candidate) string {
		if _, ok := set[strings.ToLower(strings.TrimPrefix(c.VendorID, "0x"))]; ok {
			return fmt.Sprintf("vendor %s is skipped", c.VendorID)
		}
		return ""
	}
}

// CapacityFilter rejects devices reporting no capacity
func CapacityFilter() Filter {
	return func(c Candidate) string {
		if c.Bdev.Size() == 0 {
			return "device reports zero capacity"
		}
		return ""
	}
}

// ModelFilter rejects devices whose model is not allow-listed by the cluster
func ModelFilter(cluster *models.Cluster) Filter {
	return func(c Candidate) string {
		if !cluster.ModelAllowed(c.Bdev.Model) {
			return fmt.Sprintf("model %q is not in the cluster allow-list", c.Bdev.Model)
		}
		return ""
	}
}
