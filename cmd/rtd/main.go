package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tribeapp/realtime/internal/app"
	"github.com/tribeapp/realtime/internal/paths"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	profile := paths.Resolve(*profileFlag)
	if err := paths.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	daemon := fx.New(
		app.Module(app.Params{Profile: profile}),
	)

	daemon.Run()
}
