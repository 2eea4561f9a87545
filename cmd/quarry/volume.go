package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quarrystor/quarry/pkg/client"
)

var apiEndpoint string

func init() {
	rootCmd.PersistentFlags().StringVar(&apiEndpoint, "endpoint",
		"http://127.0.0.1:7460", "Admin API endpoint")

	volumeCmd.AddCommand(volumeCreateCmd)
	volumeCmd.AddCommand(volumeListCmd)
	volumeCmd.AddCommand(volumeInspectCmd)
	volumeCmd.AddCommand(volumeRemoveCmd)
	volumeCmd.AddCommand(volumeStatsCmd)

	volumeCreateCmd.Flags().Uint64("size", 0, "Volume size in bytes")
	volumeCreateCmd.Flags().Uint32("page-size", 0, "Volume page size in bytes (0 for default)")
	volumeCreateCmd.MarkFlagRequired("size")
}

func apiClient() *client.Client {
	return client.New(apiEndpoint)
}

var volumeCmd = &cobra.Command{
	Use:   "volume",
	Short: "Manage volumes",
}

var volumeCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a new volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, _ := cmd.Flags().GetUint64("size")
		pageSize, _ := cmd.Flags().GetUint32("page-size")

		id, err := apiClient().CreateVolume(context.Background(), args[0], size, pageSize)
		if err != nil {
			return err
		}
		fmt.Println(id.String())
		return nil
	},
}

var volumeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List volumes",
	RunE: func(cmd *cobra.Command, args []string) error {
		vols, err := apiClient().ListVolumes(context.Background())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSIZE\tPAGE\tSTATE")
		for _, v := range vols {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
				v.ID, v.Name, v.SizeBytes, v.PageSize, v.State)
		}
		return w.Flush()
	},
}

var volumeInspectCmd = &cobra.Command{
	Use:   "inspect ID",
	Short: "Show one volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid volume id: %v", err)
		}
		info, err := apiClient().GetVolume(context.Background(), id)
		if err != nil {
			return err
		}
		fmt.Printf("ID:        %s\n", info.ID)
		fmt.Printf("Name:      %s\n", info.Name)
		fmt.Printf("Size:      %d\n", info.SizeBytes)
		fmt.Printf("Page size: %d\n", info.PageSize)
		fmt.Printf("State:     %s\n", info.State)
		return nil
	},
}

var volumeRemoveCmd = &cobra.Command{
	Use:   "rm ID",
	Short: "Destroy a volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid volume id: %v", err)
		}
		if err := apiClient().RemoveVolume(context.Background(), id); err != nil {
			return err
		}
		fmt.Println("volume destroyed")
		return nil
	},
}

var volumeStatsCmd = &cobra.Command{
	Use:   "stats ID",
	Short: "Show one volume's usage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid volume id: %v", err)
		}
		stats, err := apiClient().VolumeStats(context.Background(), id)
		if err != nil {
			return err
		}
		fmt.Printf("Total bytes:          %d\n", stats.TotalBytes)
		fmt.Printf("Used bytes:           %d\n", stats.UsedBytes)
		fmt.Printf("Outstanding requests: %d\n", stats.OutstandingReqs)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := apiClient().Status(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Service ID:     %s\n", stats.ServiceID)
		fmt.Printf("Boot count:     %d\n", stats.BootCount)
		fmt.Printf("Volumes:        %d\n", stats.VolumeCount)
		fmt.Printf("Total capacity: %d\n", stats.TotalCapacity)
		fmt.Printf("Used capacity:  %d\n", stats.UsedCapacity)
		fmt.Printf("Started at:     %s\n", stats.StartedAt)
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Drain and stop the node",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().Shutdown(context.Background()); err != nil {
			return err
		}
		fmt.Println("drain started")
		return nil
	},
}
