package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/hasparus/gist-mom/pkg/rtd"
	"github.com/hasparus/gist-mom/pkg/store"
	"github.com/hasparus/gist-mom/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func readSnapshot(ctx context.Context, driver, dsn, room string, args []string) ([]byte, error) {
	if room != "" {
		s, err := store.Open(ctx, driver, dsn)
		if err != nil {
			return nil, err
		}
		defer s.Close()
		return s.Load(ctx, room)
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("expected one position argument: the file to read, or -room")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()
	buff, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	return buff, nil
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	driverVar := flag.String("store", store.DriverSqlite, "snapshot store driver when reading a room")
	dsnVar := flag.String("dsn", "gist-mom.sqlite3", "snapshot store dsn when reading a room")
	roomVar := flag.String("room", "", "room id to read from the store instead of a file")
	svgVar := flag.String("svg", "", "also render the change graph to this svg file")
	flag.Parse()

	buff, err := readSnapshot(context.Background(), *driverVar, *dsnVar, *roomVar, flag.Args())
	if err != nil {
		return err
	}
	doc, err := rtd.Load(buff, "")
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	slog.Info("loaded doc", "bytes", len(buff), "doc", doc.GoString())

	history, err := doc.History()
	if err != nil {
		return err
	}
	for i, change := range history {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash, "actor", change.Actor, "seq", change.Seq, "message", change.Message, "dep", change.Deps)
	}

	if err := viz.Render(doc, viz.XDOT, os.Stdout); err != nil {
		return err
	}
	if *svgVar != "" {
		f, err := os.Create(*svgVar)
		if err != nil {
			return fmt.Errorf("failed to create svg: %w", err)
		}
		defer f.Close()
		if err := viz.Render(doc, viz.SVG, f); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+*svgVar)
	}
	return nil
}
