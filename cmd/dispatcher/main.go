// Command dispatcher is the single binary for all three dispatcher
// processes: the manager control plane, the proxy front end, and the
// default CLI client used to administer a manager remotely.
package main

import (
	"fmt"
	"os"

	"github.com/pixelated/dispatcher/internal/config"
	"github.com/pixelated/dispatcher/internal/logging"
)

var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	mode := "client"
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "manager", "proxy":
			mode = os.Args[1]
			os.Args = append(os.Args[:1], os.Args[2:]...)
		case "version":
			fmt.Println(versionString())
			os.Exit(0)
		}
	}

	log := logging.New(config.LogJSON())

	var err error
	switch mode {
	case "manager":
		err = runManager(log, os.Args[1:])
	case "proxy":
		err = runProxy(log, os.Args[1:])
	default:
		err = runClient(os.Args[1:])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatcher %s: %v\n", mode, err)
		os.Exit(1)
	}
}
