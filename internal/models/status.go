package models

import "fmt"

// NodeStatus is the lifecycle state of a storage node
type NodeStatus string

const (
	NodeInCreation NodeStatus = "in_creation"
	NodeOnline     NodeStatus = "online"
	NodeSuspended  NodeStatus = "suspended"
	NodeRestarting NodeStatus = "restarting"
	NodeInShutdown NodeStatus = "in_shutdown"
	NodeOffline    NodeStatus = "offline"
	NodeRemoved    NodeStatus = "removed"
)

var nodeTransitions = map[NodeStatus][]NodeStatus{
	NodeInCreation: {NodeOnline, NodeRestarting, NodeInShutdown, NodeRemoved},
	NodeOnline:     {NodeSuspended, NodeRestarting, NodeInShutdown, NodeRemoved},
	NodeSuspended:  {NodeOnline, NodeInShutdown, NodeRemoved},
	NodeRestarting: {NodeOnline, NodeRestarting, NodeInShutdown, NodeRemoved},
	NodeInShutdown: {NodeOffline, NodeInShutdown, NodeRemoved},
	NodeOffline:    {NodeRestarting, NodeRemoved},
	NodeRemoved:    {},
}

// Valid reports whether s is a known node status
func (s NodeStatus) Valid() bool {
	_, ok := nodeTransitions[s]
	return ok
}

// CanTransition reports whether a node may move from s to next
func (s NodeStatus) CanTransition(next NodeStatus) bool {
	for _, allowed := range nodeTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseNodeStatus converts a wire value into a NodeStatus
func ParseNodeStatus(v string) (NodeStatus, error) {
	s := NodeStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown node status %q", v)
	}
	return s, nil
}

// DeviceStatus is the availability state of an NVMe device
type DeviceStatus string

const (
	DeviceNew         DeviceStatus = "new"
	DeviceOnline      DeviceStatus = "online"
	DeviceUnavailable DeviceStatus = "unavailable"
	DeviceResetting   DeviceStatus = "resetting"
	DeviceFailed      DeviceStatus = "failed"
	DeviceRemoved     DeviceStatus = "removed"
)

// A device that never reached online has no fabric presence and cannot be
// marked removed; its record is dropped instead.
var deviceTransitions = map[DeviceStatus][]DeviceStatus{
	DeviceNew:         {DeviceOnline, DeviceFailed},
	DeviceOnline:      {DeviceUnavailable, DeviceRemoved, DeviceFailed, DeviceResetting},
	DeviceUnavailable: {DeviceOnline, DeviceRemoved, DeviceFailed, DeviceResetting},
	DeviceResetting:   {DeviceOnline, DeviceUnavailable, DeviceFailed, DeviceRemoved},
	DeviceFailed:      {DeviceRemoved, DeviceOnline},
	DeviceRemoved:     {},
}

// Valid reports whether s is a known device status
func (s DeviceStatus) Valid() bool {
	_, ok := deviceTransitions[s]
	return ok
}

// CanTransition reports whether a device may move from s to next
func (s DeviceStatus) CanTransition(next DeviceStatus) bool {
	for _, allowed := range deviceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseDeviceStatus converts a wire value into a DeviceStatus
func ParseDeviceStatus(v string) (DeviceStatus, error) {
	s := DeviceStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown device status %q", v)
	}
	return s, nil
}

// OnboardingStage records how far a device's bdev chain has been built
type OnboardingStage int

const (
	StageDiscovered OnboardingStage = iota
	StageTestingAttached
	StageAlcemlCreated
	StagePTCreated
	StageSubsystemExposed
	StageOnline
)

var stageNames = [...]string{
	"discovered",
	"testing_attached",
	"alceml_created",
	"pt_created",
	"subsystem_exposed",
	"online",
}

func (s OnboardingStage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// MarshalText encodes the stage by name
func (s OnboardingStage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a stage name
func (s *OnboardingStage) UnmarshalText(b []byte) error {
	for i, name := range stageNames {
		if name == string(b) {
			*s = OnboardingStage(i)
			return nil
		}
	}
	return fmt.Errorf("unknown onboarding stage %q", string(b))
}
