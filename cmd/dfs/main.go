// Package main is the client shell: put/get/ls/mkdir/rmdir/rm/info and a
// lipgloss-styled cluster status view on top of pkg/dfsclient. Grounded
// on cmd/collective/main.go's client-facing commands
// (storeCmd/retrieveCmd/mkdirCmd/lsCmd/rmCmd) and its statusCmd's table
// rendering.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dfs/pkg/dfsclient"
	"dfs/pkg/types"
)

const (
	defaultBlockSize = 4 * 1024 * 1024
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var controlPlaneAddr string
	var compress bool

	cmd := &cobra.Command{
		Use:   "dfs",
		Short: "Interact with a dfs cluster",
	}
	cmd.PersistentFlags().StringVar(&controlPlaneAddr, "address", "localhost:8080", "metadata control plane address")
	cmd.PersistentFlags().BoolVar(&compress, "compress", false, "gzip block payloads in transit")

	client := func() *dfsclient.Client {
		logger, _ := zap.NewProduction()
		return dfsclient.New(controlPlaneAddr, defaultBlockSize, compress, logger)
	}

	cmd.AddCommand(
		putCmd(client),
		getCmd(client),
		lsCmd(client),
		mkdirCmd(client),
		rmdirCmd(client),
		rmCmd(client),
		infoCmd(client),
		statusCmd(client),
	)
	return cmd
}

func putCmd(client func() *dfsclient.Client) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "put <local-path> <remote-path>",
		Short: "Upload a local file into the namespace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().Put(context.Background(), args[0], args[1], owner)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "file owner recorded in metadata")
	return cmd
}

func getCmd(client func() *dfsclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote-path> <local-path>",
		Short: "Download a file from the namespace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().Get(context.Background(), args[0], args[1])
		},
	}
}

func lsCmd(client func() *dfsclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "ls <path>",
		Short: "List a directory's children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			children, err := client().Ls(context.Background(), args[0])
			if err != nil {
				return err
			}
			for _, c := range children {
				fmt.Println(c)
			}
			return nil
		},
	}
}

func mkdirCmd(client func() *dfsclient.Client) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().Mkdir(context.Background(), args[0], owner)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "directory owner recorded in metadata")
	return cmd
}

func rmdirCmd(client func() *dfsclient.Client) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "rmdir <path>",
		Short: "Remove a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().Rmdir(context.Background(), args[0], recursive)
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "delete every file and subdirectory underneath first")
	return cmd
}

func rmCmd(client func() *dfsclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Remove a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().Rm(context.Background(), args[0])
		},
	}
}

func infoCmd(client func() *dfsclient.Client) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "info <path>",
		Short: "Show a file's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := client().Info(context.Background(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(file)
			}
			fmt.Printf("path:     %s\n", file.Path)
			fmt.Printf("owner:    %s\n", file.Owner)
			fmt.Printf("size:     %s\n", formatBytes(file.Size))
			fmt.Printf("blocks:   %d\n", len(file.Blocks))
			fmt.Printf("modified: %s\n", file.ModifiedAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print raw metadata as JSON")
	return cmd
}

var (
	primaryColor = lipgloss.Color("#7571f9")
	warningColor = lipgloss.Color("#ff9f43")
	dangerColor  = lipgloss.Color("#ff6b6b")
	mutedColor   = lipgloss.Color("#6c757d")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor).MarginBottom(1)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Underline(true).MarginBottom(1)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor).Bold(true)
	dangerStyle  = lipgloss.NewStyle().Foreground(dangerColor).Bold(true)
)

func statusCmd(client func() *dfsclient.Client) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cluster status",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().Status(context.Background())
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}

			fmt.Println(titleStyle.Render("DFS CLUSTER STATUS"))

			leader := "follower"
			if resp.IsLeader {
				leader = "leader"
			}
			fmt.Printf("term: %d   role queried: %s\n\n", resp.Term, leader)

			if len(resp.Nodes) == 0 {
				fmt.Println(warningStyle.Render("no storage nodes registered"))
			} else {
				fmt.Println(headerStyle.Render("STORAGE NODES"))
				fmt.Println(createNodesTable(resp.Nodes))
			}

			if len(resp.DegradedBlocks) > 0 {
				fmt.Println(dangerStyle.Render(fmt.Sprintf("%d block(s) below replication factor", len(resp.DegradedBlocks))))
			}

			fmt.Println(mutedStyle.Render(fmt.Sprintf("generated at %s", time.Now().Format("2006-01-02 15:04:05"))))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print raw status as JSON")
	return cmd
}

func createNodesTable(nodes []types.StorageNode) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(primaryColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 0 {
				return lipgloss.NewStyle().Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("NODE ID", "ADDRESS", "STATUS", "CAPACITY", "AVAILABLE", "BLOCKS")

	for _, n := range nodes {
		status := lipgloss.NewStyle().Foreground(lipgloss.Color("#42c767")).Render("ACTIVE")
		if n.Status != types.NodeActive {
			status = dangerStyle.Render(string(n.Status))
		}
		t.Row(
			string(n.ID),
			fmt.Sprintf("%s:%d", n.Hostname, n.Port),
			status,
			formatBytes(n.TotalCapacity),
			formatBytes(n.AvailableSpace),
			fmt.Sprintf("%d", n.BlocksStored),
		)
	}
	return t.Render()
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
