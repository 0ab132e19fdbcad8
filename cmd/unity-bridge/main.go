package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/unity-mcp/bridge/internal/client"
	"github.com/unity-mcp/bridge/internal/config"
	configstore "github.com/unity-mcp/bridge/internal/config/store"
	"github.com/unity-mcp/bridge/internal/daemon"
	"github.com/unity-mcp/bridge/internal/discovery"
	"github.com/unity-mcp/bridge/internal/mcpserver"
	"github.com/unity-mcp/bridge/internal/procutil"
	"github.com/unity-mcp/bridge/internal/routing"
	"github.com/unity-mcp/bridge/internal/transport"
	"github.com/unity-mcp/bridge/internal/unityconn"
	bridgeversion "github.com/unity-mcp/bridge/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "unity-bridge",
		Short:         "Control Unity editor instances through the bridge daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Version = bridgeversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	rootCmd.PersistentFlags().String("url", "", "Daemon base URL (defaults to the configured HTTP binding)")

	instancesCmd := &cobra.Command{
		Use:           "instances",
		Short:         "List reachable Unity editor instances",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          listInstances,
	}
	instancesCmd.Flags().Bool("refresh", false, "Force a registry rescan")
	instancesCmd.Flags().Bool("json", false, "Output JSON")

	execCmd := &cobra.Command{
		Use:           "exec [command-type]",
		Short:         "Execute a command on a Unity instance",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          execCommand,
	}
	execCmd.Flags().String("instance", "", "Target instance (id, name, hash prefix, name@hash, port or path)")
	execCmd.Flags().String("params", "", "Command parameters as a JSON object")
	execCmd.Flags().Float64("timeout", 0, "Command timeout in seconds")
	execCmd.Flags().String("client-id", "", "Caller identity scoping the active-instance selection")

	pingCmd := &cobra.Command{
		Use:           "ping [instance]",
		Short:         "Check whether a Unity instance answers",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          pingInstance,
	}

	activeCmd := &cobra.Command{
		Use:           "active",
		Short:         "Show the active instance selection",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          showActive,
	}
	activeCmd.PersistentFlags().String("client-id", "", "Caller identity scoping the selection")

	activeSetCmd := &cobra.Command{
		Use:           "set [instance]",
		Short:         "Select the instance subsequent commands target",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          setActive,
	}
	activeClearCmd := &cobra.Command{
		Use:           "clear",
		Short:         "Forget the active instance selection",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          clearActive,
	}
	activeCmd.AddCommand(activeSetCmd, activeClearCmd)

	daemonCmd := &cobra.Command{
		Use:           "daemon",
		Short:         "Daemon management commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	daemonStatusCmd := &cobra.Command{
		Use:           "status",
		Short:         "Get daemon status",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          daemonStatus,
	}
	daemonStopCmd := &cobra.Command{
		Use:           "stop",
		Short:         "Stop the daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          daemonStop,
	}
	daemonCmd.AddCommand(daemonStatusCmd, daemonStopCmd)

	mcpCmd := &cobra.Command{
		Use:           "mcp",
		Short:         "Serve Unity tools over MCP on stdio",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serveMCP,
	}

	rootCmd.AddCommand(instancesCmd, execCmd, pingCmd, activeCmd, daemonCmd, mcpCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func apiClient(cmd *cobra.Command) *client.Client {
	base, _ := cmd.Flags().GetString("url")
	if base == "" {
		cfg := config.FromEnv()
		base = cfg.HTTPBinding
	}
	return client.New(base, nil)
}

func listInstances(cmd *cobra.Command, args []string) error {
	refresh, _ := cmd.Flags().GetBool("refresh")
	jsonMode, _ := cmd.Flags().GetBool("json")

	c := apiClient(cmd)
	instances, err := c.Instances(cmd.Context(), refresh)
	if err != nil {
		return err
	}

	if jsonMode {
		return printJSON(instances)
	}

	if len(instances) == 0 {
		fmt.Println("No Unity instances found")
		return nil
	}

	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPORT\tSTATUS\tVERSION\tPATH")
	for _, inst := range instances {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", inst.ID, inst.Port, inst.Status, inst.UnityVersion, inst.Path)
	}
	return w.Flush()
}

func execCommand(cmd *cobra.Command, args []string) error {
	instance, _ := cmd.Flags().GetString("instance")
	rawParams, _ := cmd.Flags().GetString("params")
	timeoutSecs, _ := cmd.Flags().GetFloat64("timeout")
	clientID, _ := cmd.Flags().GetString("client-id")

	var params map[string]any
	if rawParams != "" {
		if err := json.Unmarshal([]byte(rawParams), &params); err != nil {
			return fmt.Errorf("invalid --params: %w", err)
		}
	}

	c := apiClient(cmd)
	envelope, err := c.Execute(cmd.Context(), clientID, instance, args[0],
		params, time.Duration(timeoutSecs*float64(time.Second)))
	if err != nil {
		return err
	}

	if err := printJSON(envelope); err != nil {
		return err
	}
	if success, ok := envelope["success"].(bool); ok && !success && !client.IsRetryHint(envelope) {
		os.Exit(1)
	}
	return nil
}

func pingInstance(cmd *cobra.Command, args []string) error {
	instance := ""
	if len(args) > 0 {
		instance = args[0]
	}

	c := apiClient(cmd)
	envelope, err := c.Execute(cmd.Context(), "", instance, "ping", nil, 0)
	if err != nil {
		return err
	}

	if success, ok := envelope["success"].(bool); ok && success {
		fmt.Println("pong")
		return nil
	}
	if client.IsRetryHint(envelope) {
		fmt.Printf("busy (%s)\n", client.RetryReason(envelope))
		return nil
	}
	return fmt.Errorf("no response: %v", envelope["error"])
}

func showActive(cmd *cobra.Command, args []string) error {
	clientID, _ := cmd.Flags().GetString("client-id")
	c := apiClient(cmd)
	active, err := c.Active(cmd.Context(), clientID)
	if err != nil {
		return err
	}
	if active == "" {
		fmt.Println("No active instance; use 'unity-bridge active set <instance>'")
		return nil
	}
	fmt.Println(active)
	return nil
}

func setActive(cmd *cobra.Command, args []string) error {
	clientID, _ := cmd.Flags().GetString("client-id")
	c := apiClient(cmd)
	active, err := c.SetActive(cmd.Context(), clientID, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Active instance: %s\n", active)
	return nil
}

func clearActive(cmd *cobra.Command, args []string) error {
	clientID, _ := cmd.Flags().GetString("client-id")
	c := apiClient(cmd)
	if err := c.ClearActive(cmd.Context(), clientID); err != nil {
		return err
	}
	fmt.Println("Active instance cleared")
	return nil
}

func daemonStatus(cmd *cobra.Command, args []string) error {
	c := apiClient(cmd)
	health, err := c.Health(cmd.Context())
	if err != nil {
		return fmt.Errorf("daemon is not running: %w", err)
	}
	return printJSON(health)
}

func daemonStop(cmd *cobra.Command, args []string) error {
	pid := daemon.RunningPID()
	if pid == 0 {
		return fmt.Errorf("daemon is not running")
	}
	if err := procutil.TerminateByPID(pid); err != nil {
		return fmt.Errorf("stop daemon (pid %d): %w", pid, err)
	}
	fmt.Printf("Sent stop signal to daemon (pid %d)\n", pid)
	return nil
}

// serveMCP runs the MCP stdio server against an in-process socket
// dispatcher, so AI agents can use the bridge without the daemon.
func serveMCP(cmd *cobra.Command, args []string) error {
	cfg := config.FromEnv()
	cfg.Transport = config.TransportStdio

	if _, err := config.EnsureBridgeDirs(); err != nil {
		return err
	}
	store, err := configstore.Open(configstore.Options{})
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	scanner := discovery.NewScanner(config.RegistryDir(), cfg.UnityHost, cfg.ProbeTimeout, cfg.StatusFreshFor)
	pool := unityconn.NewPool(&cfg, scanner, nil)
	socket := unityconn.NewDispatcher(&cfg, pool, nil)
	router := routing.NewRouter(&storeSelections{store: store}, nil)
	dispatcher := transport.New(&cfg, pool, socket, nil, router)
	defer pool.DisconnectAll()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return mcpserver.NewServer(dispatcher).ServeStdio(ctx)
}

// storeSelections adapts the sqlite store to the routing selection contract.
type storeSelections struct {
	store *configstore.Store
}

func (s *storeSelections) ActiveInstance(sessionKey string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.store.ActiveInstance(ctx, sessionKey)
}

func (s *storeSelections) SetActiveInstance(sessionKey, instanceID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.store.SetActiveInstance(ctx, sessionKey, instanceID)
}

func (s *storeSelections) ClearActiveInstance(sessionKey string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.store.ClearActiveInstance(ctx, sessionKey)
}

func printJSON(data any) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
