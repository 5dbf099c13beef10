package cmd

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/andydunstall/kadstore"
	"github.com/andydunstall/kadstore/cluster"
	"github.com/andydunstall/kadstore/internal/number"
	"github.com/andydunstall/kadstore/internal/storage"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	digestNodes    int
	digestEntries  int
	digestReplicas int
)

func init() {
	digestCmd.Flags().IntVar(&digestNodes, "nodes", 16, "number of nodes in the cluster")
	digestCmd.Flags().IntVar(&digestEntries, "entries", 100, "number of entries stored")
	digestCmd.Flags().IntVar(&digestReplicas, "replicas", 4, "number of nodes storing the entries")
	rootCmd.AddCommand(digestCmd)
}

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Measure a neighbor lookup with digests across the cluster",
	Long: "Stores the same entries on a number of replicas, then looks up the " +
		"location from every node and checks the replicas report equal digests.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
		defer cancel()

		cluster := cluster.NewCluster(newLogger())
		defer cluster.Shutdown()

		if err := cluster.AddNodes(ctx, digestNodes); err != nil {
			log.Fatalf("failed to add nodes: %v", err)
		}
		if err := cluster.WaitForHealthy(ctx); err != nil {
			log.Fatalf("timed out waiting for cluster to become healthy: %v", err)
		}

		nodes := cluster.Nodes()
		client := nodes[0].Peer

		// Each run uses a fresh location so runs never share entries.
		location := number.HashString(uuid.New().String())
		domain := number.HashString("eval")
		dataMap := make(kadstore.DataMap, digestEntries)
		for i := 0; i != digestEntries; i++ {
			key := number.NewKey(location, domain, number.HashString(fmt.Sprintf("entry-%d", i)), number.Zero)
			dataMap[key] = storage.NewData([]byte(fmt.Sprintf("value-%d", i)))
		}

		rand.Shuffle(len(nodes), func(i, j int) {
			nodes[i], nodes[j] = nodes[j], nodes[i]
		})
		replicas := make(map[kadstore.ID]struct{})
		for _, node := range nodes[:digestReplicas] {
			result, err := client.Put(ctx, node.Peer.Address(), dataMap, kadstore.PutOptions{})
			if err != nil {
				log.Fatalf("failed to put: %v", err)
			}
			if !result.OK() {
				log.Fatalf("put rejected: %s", result.Type)
			}
			replicas[node.Peer.ID()] = struct{}{}
		}

		start := time.Now()
		results, err := client.CloseNeighborsAll(ctx, kadstore.SearchValues{
			Location: location,
			Domain:   domain,
		}, kadstore.DigestSummary)
		if err != nil {
			log.Fatalf("failed to look up neighbors: %v", err)
		}
		elapsed := time.Since(start)

		agree := 0
		found := 0
		for id, result := range results {
			if _, ok := replicas[id]; !ok {
				continue
			}
			found++
			if result.Digest.Size() == digestEntries {
				agree++
			}
		}
		log.Printf(
			"queried %d peers in %s; %d/%d replicas found, %d with complete digests",
			len(results), elapsed, found, len(replicas), agree,
		)
	},
}
