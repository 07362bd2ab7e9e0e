package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
)

var apiURL string

// statusCmd prints module state from a running host
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show module state of a running host",
	RunE:  runStatus,
}

// reloadCmd stops a module on a running host so the next call reloads it
var reloadCmd = &cobra.Command{
	Use:   "reload <module-id>",
	Short: "Reload a module on a running host",
	Args:  cobra.ExactArgs(1),
	RunE:  runReload,
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, reloadCmd} {
		c.Flags().StringVar(&apiURL, "api", "http://127.0.0.1:8000", "Host HTTP address")
	}
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reloadCmd)
}

type apiError struct {
	Error string `json:"error"`
}

type modulesResponse struct {
	Modules []types.ModuleInfo `json:"modules"`
	Stats   types.Stats        `json:"stats"`
}

// newAPIClient creates a retrying client for the host's dashboard API.
func newAPIClient() *resty.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil

	return resty.New().
		SetBaseURL(apiURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("User-Agent", "skykernel-cli").
		SetTransport(retryClient.HTTPClient.Transport)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var out modulesResponse
	resp, err := newAPIClient().R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiError{}).
		Get("/modules")
	if err != nil {
		return fmt.Errorf("querying %s: %w", apiURL, err)
	}
	if resp.IsError() {
		return responseError(resp)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODULE\tSTATE\tLOADS\tIN FLIGHT\tLAST ERROR")
	for _, m := range out.Modules {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", m.ID, m.State, m.Loads, m.InFlight, m.LastError)
	}
	fmt.Fprintf(w, "\n%d modules, %d ready, %d loading, %d failed\n",
		out.Stats.TotalModules, out.Stats.ReadyModules, out.Stats.LoadingModules, out.Stats.FailedModules)
	return w.Flush()
}

func runReload(cmd *cobra.Command, args []string) error {
	id := types.ModuleID(args[0])
	if err := id.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	resp, err := newAPIClient().R().
		SetContext(ctx).
		SetError(&apiError{}).
		SetPathParam("id", string(id)).
		Post("/modules/{id}/reload")
	if err != nil {
		return fmt.Errorf("reloading %s: %w", id, err)
	}
	if resp.IsError() {
		return responseError(resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s reloaded\n", id)
	return nil
}

func responseError(resp *resty.Response) error {
	if e, ok := resp.Error().(*apiError); ok && e.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status(), e.Error)
	}
	return fmt.Errorf("unexpected response: %s", resp.Status())
}
