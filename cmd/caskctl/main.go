package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"caskdb/pkg/config"
	"caskdb/pkg/dberrors"
	"caskdb/pkg/store"

	"github.com/goccy/go-yaml"
)

const usage = `usage: caskctl [flags] <command> [args]

commands:
  put <key> <value>   store a value
  get <key>           print a value
  delete <key>        remove a key
  list [prefix]       print keys in ascending order
  merge               compact data files
  stat                print store statistics
  backup <dir>        copy the data directory

flags:
`

func main() {
	fs := flag.NewFlagSet("caskctl", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	dirPath := fs.String("dir", "", "data directory (overrides dir_path)")
	indexType := fs.String("index", "", "index type: btree, skiplist or sqlite")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *dirPath != "" {
		cfg.DirPath = *dirPath
	}
	if *indexType != "" {
		cfg.IndexType = config.IndexType(*indexType)
	}
	// a one-shot command never benefits from a background merge
	cfg.AutoMerge = false

	initLogger(&cfg)

	if err := run(cfg, fs.Arg(0), fs.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", fs.Arg(0), err)
		os.Exit(1)
	}
}

func run(cfg config.Options, command string, args []string) (err error) {
	if want, ok := commandArgs[command]; !ok {
		return errors.New("unknown command")
	} else if len(args) < want.min || len(args) > want.max {
		return fmt.Errorf("expected %d to %d arguments, got %d", want.min, want.max, len(args))
	}

	db, err := store.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, db.Close())
	}()

	switch command {
	case "put":
		return db.Put([]byte(args[0]), []byte(args[1]))

	case "get":
		value, err := db.Get([]byte(args[0]))
		if errors.Is(err, dberrors.ErrKeyNotFound) {
			return fmt.Errorf("key %q not found", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Println(string(value))

	case "delete":
		return db.Delete([]byte(args[0]))

	case "list":
		opts := config.DefaultIteratorOptions()
		if len(args) == 1 {
			opts.Prefix = []byte(args[0])
		}
		it := db.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			fmt.Println(string(it.Key()))
		}

	case "merge":
		return db.Merge()

	case "stat":
		stat, err := db.Stat()
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(stat)
		if err != nil {
			return err
		}
		fmt.Print(string(out))

	case "backup":
		return db.Backup(strings.TrimSpace(args[0]))
	}
	return nil
}

var commandArgs = map[string]struct{ min, max int }{
	"put":    {2, 2},
	"get":    {1, 1},
	"delete": {1, 1},
	"list":   {0, 1},
	"merge":  {0, 0},
	"stat":   {0, 0},
	"backup": {1, 1},
}
