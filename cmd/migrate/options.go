package main

import (
	"errors"
	"fmt"

	"github.com/angelmondragon/eventpipe/pkg/migrate"
)

type options struct {
	cmd string
	// dir is a migrations directory on disk. Empty uses the migrations
	// embedded in the binary, or DefaultDir for create.
	dir     string
	name    string
	version string
}

func (o options) source() migrate.Source {
	if o.dir == "" {
		return migrate.Embedded()
	}
	return migrate.FromDir(o.dir)
}

var dbCommands = map[string]bool{
	"up":      true,
	"down":    true,
	"status":  true,
	"version": true,
}

func (o options) needsDB() bool { return dbCommands[o.cmd] }

func (o options) check() error {
	switch o.cmd {
	case "create":
		if o.name == "" {
			return errors.New("missing -name for create")
		}
	case "version":
		if o.version == "" {
			return errors.New("missing -version for version command")
		}
	case "validate", "up", "down", "status":
	default:
		return fmt.Errorf("unknown -cmd value: %s", o.cmd)
	}
	return nil
}

func runOffline(o options) (string, error) {
	switch o.cmd {
	case "create":
		dir := o.dir
		if dir == "" {
			dir = migrate.DefaultDir
		}
		path, err := migrate.CreateSQLMigration(dir, o.name)
		if err != nil {
			return "", fmt.Errorf("create migration: %w", err)
		}
		return "created migration: " + path, nil
	case "validate":
		if err := migrate.Validate(o.source()); err != nil {
			return "", fmt.Errorf("migration validation failed: %w", err)
		}
		return "migration validation passed", nil
	}
	return "", fmt.Errorf("%s needs a database", o.cmd)
}
