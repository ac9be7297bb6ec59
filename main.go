package main

import (
	"os"

	"github.com/Clouded-Sabre/Simple-TCP/cmd"
)

func main() {
	app := cmd.New()
	app.Run(os.Args)
}
