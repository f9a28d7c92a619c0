package main

import (
	"path/filepath"

	"github.com/pressly/goose"

	"github.com/shulehub/shule/core"
)

var gooseRunFunc = goose.Run // mockable

func (cli *commandLine) migrate(args []string) error {
	dir := filepath.Join(core.Getwd(), "storage", "database", "migrations")
	arguments := make([]string, 0)
	if len(args) > 1 {
		arguments = append(arguments, args[1:]...)
	}
	return gooseRunFunc(args[0], cli.db, dir, arguments...)
}
