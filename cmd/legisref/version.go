package main

import (
	"fmt"

	"github.com/oposify/legisref"
)

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(legisref.GetVersion().String())
	return nil
}
