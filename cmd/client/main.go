package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hasparus/gist-mom/pkg/awareness"
	"github.com/hasparus/gist-mom/pkg/client"
	"github.com/hasparus/gist-mom/pkg/rtd"
	"github.com/hasparus/gist-mom/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:1999", "the address to request on")
	roomVar := flag.String("room", "default", "the room to join")
	nameVar := flag.String("name", "", "display name shown to other editors")
	flag.Parse()

	u := url.URL{Scheme: "ws", Host: *addrVar, Path: "/parties/gist-room/" + *roomVar}
	c, err := client.New(u.String())
	if err != nil {
		return err
	}
	name := *nameVar
	if name == "" {
		name = "bot-" + c.Site()[:6]
	}
	if err := c.SetAwarenessField(awareness.FieldUser, awareness.User{Name: name, Color: "#30bced", ColorLight: "#30bced33"}); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.Run(ctx); err != nil {
			slog.Error("client stopped", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		typeRandomlyContinuously(ctx, c)
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	wg.Wait()

	snapshot := c.Save()
	tf := filepath.Join(os.TempDir(), c.Site()+".doc")
	if err := os.WriteFile(tf, snapshot, 0o644); err != nil {
		return err
	}
	slog.Info("dumped", "dump", tf)

	doc, err := rtd.Load(snapshot, "")
	if err != nil {
		return fmt.Errorf("failed to reload dump: %w", err)
	}
	svg, err := viz.RenderToTemp(doc)
	if err != nil {
		return err
	}
	slog.Info("rendered", "path", "file://"+svg)
	return nil
}

const alphabet = "abcdefghijklmnopqrstuvwxyz "

func typeRandomlyContinuously(ctx context.Context, c *client.Client) {
	if err := c.WaitSynced(ctx); err != nil {
		return
	}
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			pos := 0
			if n := c.Len(); n > 0 {
				pos = rand.Intn(n + 1)
			}
			ch := string(alphabet[rand.Intn(len(alphabet))])
			if err := c.Insert(pos, ch); err != nil {
				slog.Error("failed to insert", "err", err)
				continue
			}
			_ = c.SetAwarenessField(awareness.FieldPointer, awareness.Pointer{X: rand.Float64(), Y: rand.Float64(), Pointer: "mouse"})
			slog.Info("typed", "pos", pos, "char", ch, "len", c.Len(), "peers", len(c.Peers()))
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled typing")
			return
		}
	}
}
