package main

import (
	"github.com/rudransh-shrivastava/swarmnet/internal/cmd"
)

func main() {
	cmd.Execute()
}
