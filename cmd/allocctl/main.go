// allocctl is an operator CLI for the allocation engine's HTTP API.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	serverAddr string
	timeout    time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "allocctl",
		Short: "Operator CLI for the adaptive allocation engine",
	}

	rootCmd.PersistentFlags().StringVarP(&serverAddr, "addr", "a", "http://localhost:5050", "Engine HTTP address")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")

	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(recalculateCmd())
	rootCmd.AddCommand(datafileCmd())
	rootCmd.AddCommand(datafilesCmd())
	rootCmd.AddCommand(healthCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func statsCmd() *cobra.Command {
	var datafile, feature string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show exposure/conversion counters and current weights",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if datafile != "" {
				q.Set("datafile", datafile)
			}
			if feature != "" {
				q.Set("feature", feature)
			}
			return getJSON("/stats?" + q.Encode())
		},
	}

	cmd.Flags().StringVar(&datafile, "datafile", "", "Filter to one datafile path")
	cmd.Flags().StringVar(&feature, "feature", "", "Filter to one feature")
	return cmd
}

func historyCmd() *cobra.Command {
	var datafile, feature string
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the weight adjustment log for a feature",
		RunE: func(cmd *cobra.Command, args []string) error {
			if datafile == "" || feature == "" {
				return fmt.Errorf("--datafile and --feature are required")
			}
			q := url.Values{}
			q.Set("datafile", datafile)
			q.Set("feature", feature)
			q.Set("limit", strconv.Itoa(limit))
			return getJSON("/history?" + q.Encode())
		},
	}

	cmd.Flags().StringVar(&datafile, "datafile", "", "Datafile path")
	cmd.Flags().StringVar(&feature, "feature", "", "Feature name")
	cmd.Flags().IntVar(&limit, "limit", 20, "Max entries (newest first)")
	return cmd
}

func recalculateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recalculate",
		Short: "Trigger an immediate weight recomputation cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: timeout}
			resp, err := client.Post(serverAddr+"/recalculate", "application/json", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return printResponse(resp)
		},
	}
}

func datafileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "datafile <path>",
		Short: "Fetch a served datafile with its current weights",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/datafile/" + strings.TrimPrefix(args[0], "/"))
		},
	}
}

func datafilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "datafiles",
		Short: "List all served datafile paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/datafiles")
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check engine and store connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/health")
		},
	}
}

func getJSON(path string) error {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(serverAddr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	// Pretty-print when the body is JSON.
	var pretty map[string]any
	if json.Unmarshal(body, &pretty) == nil {
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err == nil {
			fmt.Println(string(out))
			return nil
		}
	}
	var prettyList []any
	if json.Unmarshal(body, &prettyList) == nil {
		out, err := json.MarshalIndent(prettyList, "", "  ")
		if err == nil {
			fmt.Println(string(out))
			return nil
		}
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}
