package main

import (
	_ "time/tzdata"

	"github.com/krau/facedb/cmd"
)

func main() {
	cmd.Execute()
}
