package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/meshstor/meshstor/internal/models"
)

// options are the global flags
type options struct {
	server  string
	apiKey  string
	timeout time.Duration
}

func (o *options) client() *Client {
	return NewClient(o.server, o.apiKey, o.timeout)
}

// NewRootCommand builds the meshctl command tree writing to out
func NewRootCommand(out io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "meshctl",
		Args:  cobra.ExactArgs(0),
		Short: "meshctl manages meshstor clusters, storage nodes and devices.",
		Long: "meshctl drives the meshstor controller: it joins, suspends, resumes,\n" +
			"shuts down, restarts and removes storage nodes and manages their NVMe devices.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.server, "server", "http://127.0.0.1:5580", "Controller API address")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", "", "API key for the controller")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "Request timeout")

	root.AddCommand(clusterCommand(opts, out), nodeCommand(opts, out), deviceCommand(opts, out))
	return root
}

func clusterCommand(opts *options, out io.Writer) *cobra.Command {
	cluster := &cobra.Command{
		Use:   "cluster",
		Args:  cobra.ExactArgs(0),
		Short: "Manage clusters.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	list := &cobra.Command{
		Use:     "list",
		Args:    cobra.ExactArgs(0),
		Short:   "List clusters.",
		Example: "meshctl cluster list",
		RunE: func(_ *cobra.Command, _ []string) error {
			clusters, err := opts.client().ListClusters()
			if err != nil {
				return err
			}
			rows := make([]table.Row, len(clusters))
			for i, c := range clusters {
				rows[i] = table.Row{i + 1, c.ID, c.Name, c.HAType, c.BlockSize, c.PageSizeInBlocks, c.NQNPrefix}
			}
			printTable(out, "Clusters", table.Row{"#", "ID", "Name", "HA", "BlockSize", "PageBlocks", "NQNPrefix"}, rows)
			return nil
		},
	}

	req := &models.CreateClusterRequest{}
	create := &cobra.Command{
		Use:     "create",
		Args:    cobra.ExactArgs(0),
		Short:   "Create a cluster.",
		Example: "meshctl cluster create --model ModelX --blk-size 4096 --page-blocks 256 --ha-type ha",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := opts.client().CreateCluster(req)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "cluster %s created\n", c.ID)
			return nil
		},
	}
	create.Flags().StringVar(&req.ID, "id", "", "Cluster id (generated when empty)")
	create.Flags().StringVar(&req.Name, "name", "", "Cluster name")
	create.Flags().StringSliceVar(&req.ModelIDs, "model", nil, "Allowed device model (repeatable)")
	create.Flags().Uint32Var(&req.BlockSize, "blk-size", 4096, "Block size in bytes")
	create.Flags().Uint32Var(&req.PageSizeInBlocks, "page-blocks", 256, "Partition size in blocks")
	create.Flags().StringVar(&req.HAType, "ha-type", models.HATypeSingle, "single or ha")
	create.Flags().IntVar(&req.MinOnlineNodes, "min-online", 0, "Online nodes an HA cluster keeps")

	cluster.AddCommand(list, create)
	return cluster
}

func nodeCommand(opts *options, out io.Writer) *cobra.Command {
	node := &cobra.Command{
		Use:   "node",
		Args:  cobra.ExactArgs(0),
		Short: "Manage storage nodes.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	var clusterID string
	var includeRemoved bool
	list := &cobra.Command{
		Use:     "list",
		Args:    cobra.ExactArgs(0),
		Short:   "List storage nodes.",
		Example: "meshctl node list --cluster c1",
		RunE: func(_ *cobra.Command, _ []string) error {
			nodes, err := opts.client().ListNodes(clusterID, includeRemoved)
			if err != nil {
				return err
			}
			rows := make([]table.Row, len(nodes))
			for i, n := range nodes {
				rows[i] = table.Row{i + 1, n.ID, n.ClusterID, n.Hostname, n.MgmtIP, n.Status, len(n.NVMeDevices), len(n.RemoteDevices)}
			}
			printTable(out, "Nodes", table.Row{"#", "ID", "Cluster", "Hostname", "MgmtIP", "Status", "Devices", "Remote"}, rows)
			return nil
		},
	}
	list.Flags().StringVar(&clusterID, "cluster", "", "Only nodes of this cluster")
	list.Flags().BoolVar(&includeRemoved, "include-removed", false, "Also list removed nodes")

	get := &cobra.Command{
		Use:     "get {nodeID}",
		Args:    cobra.ExactArgs(1),
		Short:   "Show a storage node and its devices.",
		Example: "meshctl node get 5f0c...",
		RunE: func(_ *cobra.Command, args []string) error {
			n, err := opts.client().GetNode(args[0])
			if err != nil {
				return err
			}
			printTable(out, "Node "+n.ID, table.Row{"Field", "Value"}, []table.Row{
				{"Cluster", n.ClusterID},
				{"Hostname", n.Hostname},
				{"MgmtIP", n.MgmtIP},
				{"RPC", n.RPCAddress},
				{"NQN", n.SubsystemNQN},
				{"Status", n.Status},
			})
			printDevices(out, "Devices", n.NVMeDevices)
			return nil
		},
	}

	add := addNodeCommand(opts, out)

	node.AddCommand(list, get, add,
		nodeActionCommand(opts, out, "suspend", "Take an online node out of service.", true),
		nodeActionCommand(opts, out, "resume", "Bring a suspended node back online.", false),
		nodeActionCommand(opts, out, "shutdown", "Stop a suspended node's storage backend.", true),
		nodeActionCommand(opts, out, "restart", "Restart a node's backend and rejoin it.", false),
		removeNodeCommand(opts, out),
	)
	return node
}

func addNodeCommand(opts *options, out io.Writer) *cobra.Command {
	req := &models.AddNodeRequest{}
	add := &cobra.Command{
		Use:     "add {mgmtIP}",
		Args:    cobra.ExactArgs(1),
		Short:   "Join a storage node to a cluster.",
		Long:    "Join a storage node to a cluster.\nThis operation may take a few minutes.",
		Example: "meshctl node add 10.0.0.21 --cluster c1 --data-iface eth1",
		RunE: func(_ *cobra.Command, args []string) error {
			req.MgmtIP = args[0]
			res, err := opts.client().AddNode(req)
			if err != nil {
				return err
			}
			printResult(out, res)
			if res.Node != nil {
				printDevices(out, "Devices", res.Node.NVMeDevices)
			}
			return nil
		},
	}
	add.Flags().StringVar(&req.ClusterID, "cluster", "", "Cluster to join")
	add.Flags().IntVar(&req.AgentPort, "agent-port", 0, "Node agent port")
	add.Flags().IntVar(&req.RPCPort, "rpc-port", 0, "Storage backend RPC port")
	add.Flags().StringVar(&req.RPCUsername, "rpc-user", "", "Storage backend RPC username")
	add.Flags().StringVar(&req.RPCPassword, "rpc-password", "", "Storage backend RPC password")
	add.Flags().StringSliceVar(&req.DataInterfaces, "data-iface", nil, "Fabric data interface (repeatable)")
	add.Flags().StringVar(&req.SPDKCPUMask, "cpu-mask", "", "Backend CPU mask")
	add.Flags().Int64Var(&req.SPDKMemoryMB, "mem", 0, "Backend memory in MiB")
	add.Flags().StringVar(&req.SPDKImage, "image", "", "Backend container image")
	_ = add.MarkFlagRequired("cluster")
	return add
}

func nodeActionCommand(opts *options, out io.Writer, action, short string, forceable bool) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     action + " {nodeID}",
		Args:    cobra.ExactArgs(1),
		Short:   short,
		Example: "meshctl node " + action + " 5f0c...",
		RunE: func(_ *cobra.Command, args []string) error {
			res, err := opts.client().NodeAction(args[0], action, force)
			if err != nil {
				return err
			}
			printResult(out, res)
			return nil
		},
	}
	if forceable {
		cmd.Flags().BoolVar(&force, "force", false, "Override safety checks")
	}
	return cmd
}

func removeNodeCommand(opts *options, out io.Writer) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "remove {nodeID}",
		Args:    cobra.ExactArgs(1),
		Short:   "Retire a storage node.",
		Example: "meshctl node remove 5f0c... --force",
		RunE: func(_ *cobra.Command, args []string) error {
			res, err := opts.client().RemoveNode(args[0], force)
			if err != nil {
				return err
			}
			printResult(out, res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Remove even when volumes remain")
	return cmd
}

func deviceCommand(opts *options, out io.Writer) *cobra.Command {
	device := &cobra.Command{
		Use:   "device",
		Args:  cobra.ExactArgs(0),
		Short: "Manage NVMe devices.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	list := &cobra.Command{
		Use:     "list {nodeID}",
		Args:    cobra.ExactArgs(1),
		Short:   "List the devices of a node.",
		Example: "meshctl device list 5f0c...",
		RunE: func(_ *cobra.Command, args []string) error {
			devices, err := opts.client().ListDevices(args[0])
			if err != nil {
				return err
			}
			printDevices(out, "Devices", devices)
			return nil
		},
	}

	var deviceID string
	add := &cobra.Command{
		Use:     "add {nodeID}",
		Args:    cobra.ExactArgs(1),
		Short:   "Onboard new devices of a node.",
		Long:    "Onboard hot-plugged devices of a node, or retry one device with --device.",
		Example: "meshctl device add 5f0c...",
		RunE: func(_ *cobra.Command, args []string) error {
			res, err := opts.client().AddDevice(args[0], deviceID)
			if err != nil {
				return err
			}
			printResult(out, res)
			printDevices(out, "Added", res.Devices)
			return nil
		},
	}
	add.Flags().StringVar(&deviceID, "device", "", "Retry onboarding of this new device")

	remove := &cobra.Command{
		Use:     "remove {deviceID}",
		Args:    cobra.ExactArgs(1),
		Short:   "Retire a device.",
		Example: "meshctl device remove 9a1e...",
		RunE: func(_ *cobra.Command, args []string) error {
			res, err := opts.client().RemoveDevice(args[0])
			if err != nil {
				return err
			}
			printResult(out, res)
			return nil
		},
	}

	setStatus := &cobra.Command{
		Use:     "set-status {deviceID} {status}",
		Args:    cobra.ExactArgs(2),
		Short:   "Set a device's status.",
		Example: "meshctl device set-status 9a1e... unavailable",
		RunE: func(_ *cobra.Command, args []string) error {
			if _, err := models.ParseDeviceStatus(args[1]); err != nil {
				return err
			}
			res, err := opts.client().SetDeviceStatus(args[0], args[1])
			if err != nil {
				return err
			}
			printResult(out, res)
			return nil
		},
	}

	device.AddCommand(list, add, remove, setStatus)
	return device
}

func printDevices(out io.Writer, title string, devices []*models.NVMeDevice) {
	rows := make([]table.Row, len(devices))
	for i, d := range devices {
		rows[i] = table.Row{i + 1, d.ID, d.Serial, d.Model, d.PCIeAddress, d.ClusterDeviceOrder, d.Status, d.Stage}
	}
	printTable(out, title, table.Row{"#", "ID", "Serial", "Model", "PCIe", "Order", "Status", "Stage"}, rows)
}
