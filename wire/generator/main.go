package main

import (
	"github.com/outofforest/numbers/wire"
	"github.com/outofforest/proton"
)

//go:generate go run .
func main() {
	proton.Generate("../types.proton.go",
		proton.Message[wire.Connect](),
		proton.Message[wire.ConnAck](),
		proton.Message[wire.Subscribe](),
		proton.Message[wire.SubAck](),
		proton.Message[wire.Publish](),
		proton.Message[wire.Ack](),
	)
}
