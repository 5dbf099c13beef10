// eval contains a tool for evaluating the kadstore protocol and
// implementation.
package main

import (
	"math/rand"
	"time"

	"github.com/andydunstall/kadstore/eval/cmd"
)

func main() {
	rand.Seed(time.Now().UTC().UnixNano())

	cmd.Execute()
}
