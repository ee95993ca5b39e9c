package rpc

// Method is a storage backend operation. The set is closed: the backend is
// only ever called through one of these.
type Method int

const (
	MethodControllerAttach Method = iota + 1
	MethodGetBdevs
	MethodTestingCreate
	MethodAlcemlCreate
	MethodPTNoExclCreate
	MethodBdevDelete
	MethodSubsystemCreate
	MethodSubsystemList
	MethodSubsystemDelete
	MethodTransportCreate
	MethodListenerCreate
	MethodSubsystemAddNS
	MethodAttachControllerTCP
	MethodDetachController
	MethodSendClusterMap
	MethodAddNodes
	MethodStatusEventsUpdate
)

var methodNames = map[Method]string{
	MethodControllerAttach:    "bdev_nvme_controller_attach",
	MethodGetBdevs:            "bdev_get_bdevs",
	MethodTestingCreate:       "bdev_passtest_create",
	MethodAlcemlCreate:        "bdev_alceml_create",
	MethodPTNoExclCreate:      "bdev_PT_NoExcl_create",
	MethodBdevDelete:          "bdev_delete",
	MethodSubsystemCreate:     "subsystem_create",
	MethodSubsystemList:       "subsystem_list",
	MethodSubsystemDelete:     "subsystem_delete",
	MethodTransportCreate:     "transport_create",
	MethodListenerCreate:      "listeners_create",
	MethodSubsystemAddNS:      "nvmf_subsystem_add_ns",
	MethodAttachControllerTCP: "bdev_nvme_attach_controller_tcp",
	MethodDetachController:    "bdev_nvme_detach_controller",
	MethodSendClusterMap:      "distr_send_cluster_map",
	MethodAddNodes:            "distr_add_nodes",
	MethodStatusEventsUpdate:  "distr_status_events_update",
}

// String returns the backend's name for the method
func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return "unknown"
}

// FullMethod returns the gRPC method path on service
func (m Method) FullMethod(service string) string {
	return "/" + service + "/" + m.String()
}

// ParseMethod resolves a backend method name
func ParseMethod(name string) (Method, bool) {
	for m, n := range methodNames {
		if n == name {
			return m, true
		}
	}
	return 0, false
}
