package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meshstor/meshstor/internal/models"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCClient is a Client carried over a gRPC connection. Parameters travel
// as a structpb.Struct and results come back as a structpb.Value, so the
// backend needs no generated stubs on our side.
type GRPCClient struct {
	conn    grpc.ClientConnInterface
	address string
	service string
	auth    string
	timeout time.Duration
}

// NewGRPCClient creates a client over conn. Credentials, if set, are sent
// as HTTP basic auth metadata on every call.
func NewGRPCClient(conn grpc.ClientConnInterface, address, service, username, password string, timeout time.Duration) *GRPCClient {
	c := &GRPCClient{
		conn:    conn,
		address: address,
		service: service,
		timeout: timeout,
	}
	if username != "" {
		c.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}
	return c
}

func (c *GRPCClient) call(ctx context.Context, m Method, params map[string]interface{}) (*structpb.Value, error) {
	req, err := structpb.NewStruct(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s params: %w", m, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if c.auth != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", c.auth)
	}

	resp := &structpb.Value{}
	if err := c.conn.Invoke(ctx, m.FullMethod(c.service), req, resp); err != nil {
		return nil, wrapError(m, c.address, err)
	}
	return resp, nil
}

func (c *GRPCClient) callNames(ctx context.Context, m Method, params map[string]interface{}) ([]string, error) {
	resp, err := c.call(ctx, m, params)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, v := range resp.GetListValue().GetValues() {
		names = append(names, v.GetStringValue())
	}
	return names, nil
}

// decode converts a result value into out through its JSON form
func decode(v *structpb.Value, out interface{}) error {
	raw, err := protojson.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// encodeMap turns a cluster map into call parameters
func encodeMap(m *models.ClusterMap) (map[string]interface{}, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var params map[string]interface{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	return params, nil
}

func (c *GRPCClient) AttachController(ctx context.Context, name, pcieAddress string) ([]string, error) {
	return c.callNames(ctx, MethodControllerAttach, map[string]interface{}{
		"name":   name,
		"trtype": "pcie",
		"traddr": pcieAddress,
	})
}

func (c *GRPCClient) GetBdevs(ctx context.Context, name string) ([]BdevInfo, error) {
	params := map[string]interface{}{}
	if name != "" {
		params["name"] = name
	}
	resp, err := c.call(ctx, MethodGetBdevs, params)
	if err != nil {
		return nil, err
	}
	var bdevs []BdevInfo
	if err := decode(resp, &bdevs); err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", MethodGetBdevs, err)
	}
	return bdevs, nil
}

func (c *GRPCClient) CreateTestingBdev(ctx context.Context, name, base string) error {
	_, err := c.call(ctx, MethodTestingCreate, map[string]interface{}{
		"name":      name,
		"base_bdev": base,
	})
	return err
}

func (c *GRPCClient) CreateAlceml(ctx context.Context, name, base string, opts AlcemlOptions) error {
	_, err := c.call(ctx, MethodAlcemlCreate, map[string]interface{}{
		"name":          name,
		"cntr_path":     base,
		"uuid":          opts.UUID,
		"pba_page_size": opts.PBAPageSize,
	})
	return err
}

func (c *GRPCClient) CreatePTNoExcl(ctx context.Context, name, base string) error {
	_, err := c.call(ctx, MethodPTNoExclCreate, map[string]interface{}{
		"name":      name,
		"base_bdev": base,
	})
	return err
}

func (c *GRPCClient) DeleteBdev(ctx context.Context, name string) error {
	_, err := c.call(ctx, MethodBdevDelete, map[string]interface{}{"name": name})
	return err
}

func (c *GRPCClient) CreateSubsystem(ctx context.Context, nqn, serial, model string) error {
	_, err := c.call(ctx, MethodSubsystemCreate, map[string]interface{}{
		"nqn":            nqn,
		"serial_number":  serial,
		"model_number":   model,
		"allow_any_host": true,
	})
	return err
}

func (c *GRPCClient) ListSubsystems(ctx context.Context) ([]string, error) {
	resp, err := c.call(ctx, MethodSubsystemList, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var subsystems []struct {
		NQN string `json:"nqn"`
	}
	if err := decode(resp, &subsystems); err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", MethodSubsystemList, err)
	}
	nqns := make([]string, 0, len(subsystems))
	for _, s := range subsystems {
		nqns = append(nqns, s.NQN)
	}
	return nqns, nil
}

func (c *GRPCClient) DeleteSubsystem(ctx context.Context, nqn string) error {
	_, err := c.call(ctx, MethodSubsystemDelete, map[string]interface{}{"nqn": nqn})
	return err
}

func (c *GRPCClient) CreateTransport(ctx context.Context, transport string) error {
	_, err := c.call(ctx, MethodTransportCreate, map[string]interface{}{"trtype": transport})
	return err
}

func (c *GRPCClient) CreateListener(ctx context.Context, nqn string, l Listener) error {
	_, err := c.call(ctx, MethodListenerCreate, map[string]interface{}{
		"nqn":     nqn,
		"trtype":  l.Transport,
		"traddr":  l.IP,
		"trsvcid": l.Port,
	})
	return err
}

func (c *GRPCClient) AddNamespace(ctx context.Context, nqn, bdev string) error {
	_, err := c.call(ctx, MethodSubsystemAddNS, map[string]interface{}{
		"nqn":       nqn,
		"bdev_name": bdev,
	})
	return err
}

func (c *GRPCClient) AttachRemoteController(ctx context.Context, name, nqn string, l Listener) ([]string, error) {
	return c.callNames(ctx, MethodAttachControllerTCP, map[string]interface{}{
		"name":    name,
		"nqn":     nqn,
		"trtype":  l.Transport,
		"traddr":  l.IP,
		"trsvcid": l.Port,
	})
}

func (c *GRPCClient) DetachController(ctx context.Context, name string) error {
	_, err := c.call(ctx, MethodDetachController, map[string]interface{}{"name": name})
	return err
}

func (c *GRPCClient) SendClusterMap(ctx context.Context, m *models.ClusterMap) error {
	params, err := encodeMap(m)
	if err != nil {
		return fmt.Errorf("failed to encode cluster map: %w", err)
	}
	_, err = c.call(ctx, MethodSendClusterMap, params)
	return err
}

func (c *GRPCClient) AddNodes(ctx context.Context, m *models.ClusterMap) error {
	params, err := encodeMap(m)
	if err != nil {
		return fmt.Errorf("failed to encode cluster map: %w", err)
	}
	_, err = c.call(ctx, MethodAddNodes, params)
	return err
}

func (c *GRPCClient) UpdateStatusEvents(ctx context.Context, events []StatusEvent) error {
	raw, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to encode status events: %w", err)
	}
	var list []interface{}
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("failed to encode status events: %w", err)
	}
	_, err = c.call(ctx, MethodStatusEventsUpdate, map[string]interface{}{"events": list})
	return err
}
