package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/sdk"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/transport"
)

var (
	callURL    string
	callOrigin string
	callModule string
	callMethod string
	callData   string
)

// callCmd calls a module through a running host
var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Call a module through a running host",
	Long: `Connect to a host's /bridge endpoint as a page and call a module.
Progress updates are printed to stderr as they arrive; the final response
is printed to stdout as JSON.`,
	RunE: runCall,
}

func init() {
	callCmd.Flags().StringVar(&callURL, "url", "ws://127.0.0.1:8000/bridge", "Bridge endpoint")
	callCmd.Flags().StringVar(&callOrigin, "origin", "http://localhost", "Page origin to present")
	callCmd.Flags().StringVar(&callModule, "module", "", "Module ID to call")
	callCmd.Flags().StringVar(&callMethod, "method", "", "Module method")
	callCmd.Flags().StringVar(&callData, "data", "null", "Call data as JSON")
	_ = callCmd.MarkFlagRequired("module")
	_ = callCmd.MarkFlagRequired("method")
}

func runCall(cmd *cobra.Command, _ []string) error {
	var data any
	if err := sonic.UnmarshalString(callData, &data); err != nil {
		return fmt.Errorf("--data is not valid JSON: %w", err)
	}
	id := types.ModuleID(callModule)
	if err := id.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	client, closeFn, err := dial(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	p, err := client.ConnectModule(id, types.Method(callMethod), data, func(update any) {
		out, _ := sonic.MarshalString(update)
		fmt.Fprintln(os.Stderr, "update:", out)
	})
	if err != nil {
		return err
	}
	res, err := p.Wait(ctx)
	if err != nil {
		return err
	}
	out, err := sonic.ConfigStd.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

// dial opens a bridge connection and runs a client over it.
func dial(ctx context.Context) (*sdk.Client, func(), error) {
	header := http.Header{}
	header.Set("Origin", callOrigin)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, callURL, header)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to %s: %w", callURL, err)
	}
	ch := transport.NewSocket(conn, "kernel", nil)
	client := sdk.NewClient(ch)
	runCtx, cancel := context.WithCancel(context.Background())
	go func() { _ = client.Run(runCtx) }()
	return client, func() {
		cancel()
		_ = ch.Close()
	}, nil
}
