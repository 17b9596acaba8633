package main

import (
	"github.com/mirachat/mira/internal/server"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		server.Module(),
	)

	app.Run()
}
