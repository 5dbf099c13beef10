package cmd

import (
	"context"
	"log"
	"time"

	"github.com/andydunstall/kadstore/cluster"
	"github.com/spf13/cobra"
)

var discoveryNodes int

func init() {
	discoveryCmd.Flags().IntVar(&discoveryNodes, "nodes", 32, "number of nodes in the cluster")
	rootCmd.AddCommand(discoveryCmd)
}

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Measure the time for nodes in the cluster to discover a new node",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
		defer cancel()

		cluster := cluster.NewCluster(newLogger())
		defer cluster.Shutdown()

		if err := cluster.AddNodes(ctx, discoveryNodes); err != nil {
			log.Fatalf("failed to add nodes: %v", err)
		}
		if err := cluster.WaitForHealthy(ctx); err != nil {
			log.Fatalf("timed out waiting for cluster to become healthy: %v", err)
		}

		start := time.Now()
		node, err := cluster.AddNode(ctx)
		if err != nil {
			log.Fatalf("failed to add node: %v", err)
		}
		if err = cluster.WaitForHealthy(ctx); err != nil {
			log.Fatalf("timed out waiting for cluster to discover node: %v", err)
		}
		if err = cluster.WaitToDiscover(ctx, node.Peer.Address()); err != nil {
			log.Fatalf("timed out waiting for cluster to discover node: %v", err)
		}
		log.Printf("discovered node %s in %s", node.ID, time.Since(start))
	},
}
