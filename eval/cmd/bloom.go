package cmd

import (
	"log"

	"github.com/andydunstall/kadstore/internal/bloom"
	"github.com/andydunstall/kadstore/internal/number"
	"github.com/spf13/cobra"
)

var (
	bloomElements int
	bloomRate     float64
	bloomTrials   int
)

func init() {
	bloomCmd.Flags().IntVar(&bloomElements, "elements", 1000, "number of elements added to the filter")
	bloomCmd.Flags().Float64Var(&bloomRate, "rate", 0.01, "target false positive rate")
	bloomCmd.Flags().IntVar(&bloomTrials, "trials", 100000, "number of absent elements tested")
	rootCmd.AddCommand(bloomCmd)
}

var bloomCmd = &cobra.Command{
	Use:   "bloom",
	Short: "Measure the false positive rate of a bloom filter against its target",
	Run: func(cmd *cobra.Command, args []string) {
		f, err := bloom.NewWithRate(bloomRate, bloomElements)
		if err != nil {
			log.Fatalf("failed to create filter: %v", err)
		}
		for i := 0; i != bloomElements; i++ {
			f.Add(number.Random())
		}

		falsePositives := 0
		for i := 0; i != bloomTrials; i++ {
			if f.Contains(number.Random()) {
				falsePositives++
			}
		}

		log.Printf(
			"size=%d bytes k=%d expected=%.5f measured=%.5f",
			f.ByteArraySize(),
			f.K(),
			f.ExpectedFalsePositiveRate(),
			float64(falsePositives)/float64(bloomTrials),
		)
	},
}
