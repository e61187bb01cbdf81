package main

import (
	"github.com/smallbiznis/threadscout/internal/app"
	"go.uber.org/fx"
)

func main() {
	fx.New(
		app.Core,
		app.Domain,
		app.API,
	).Run()
}
