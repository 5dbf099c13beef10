package cmd

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/andydunstall/kadstore"
	"github.com/andydunstall/kadstore/cluster"
	"github.com/andydunstall/kadstore/internal/number"
	"github.com/andydunstall/kadstore/internal/storage"
	"github.com/spf13/cobra"
)

var broadcastNodes int

func init() {
	broadcastCmd.Flags().IntVar(&broadcastNodes, "nodes", 32, "number of nodes in the cluster")
	rootCmd.AddCommand(broadcastCmd)
}

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Measure the time for a broadcast to reach all nodes in the cluster",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
		defer cancel()

		var mu sync.Mutex
		received := make(map[kadstore.ID]int)
		done := make(chan struct{})
		onBroadcast := func(messageKey kadstore.ID, _ kadstore.DataMap, hopCount int) {
			mu.Lock()
			defer mu.Unlock()

			received[messageKey]++
			// Every node but the origin receives the message.
			if received[messageKey] == broadcastNodes-1 {
				close(done)
			}
		}

		cluster := cluster.NewCluster(newLogger(), kadstore.WithOnBroadcast(onBroadcast))
		defer cluster.Shutdown()

		if err := cluster.AddNodes(ctx, broadcastNodes); err != nil {
			log.Fatalf("failed to add nodes: %v", err)
		}
		if err := cluster.WaitForHealthy(ctx); err != nil {
			log.Fatalf("timed out waiting for cluster to become healthy: %v", err)
		}

		origin := cluster.Nodes()[0].Peer
		start := time.Now()
		_, err := origin.Broadcast(ctx, kadstore.DataMap{
			number.NewKey(origin.ID(), number.Zero, number.Zero, number.Zero): storage.NewData([]byte("eval")),
		})
		if err != nil {
			log.Fatalf("failed to broadcast: %v", err)
		}

		select {
		case <-done:
			log.Printf("broadcast reached %d nodes in %s", broadcastNodes-1, time.Since(start))
		case <-ctx.Done():
			log.Fatalf("timed out waiting for broadcast to propagate")
		}
	},
}
