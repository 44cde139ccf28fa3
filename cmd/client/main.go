// Command client is a demo participant: it joins a room over the wire
// protocol, periodically mutates a counter field in its local document,
// and applies whatever the relay sends back, logging convergence as it
// happens. It exists to exercise the relay end to end, the same role the
// original experiments' increment-and-sync client played against the
// sqlite-backed server.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"github.com/collabrelay/roomrelay/internal/wsproto"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:1234", "the relay address to connect to")
	roomVar := flag.String("room", "demo", "the room to join")
	clientIDVar := flag.String("clientId", "", "client id to present; a random id is minted if empty")
	flag.Parse()

	u := url.URL{Scheme: "ws", Host: *addrVar, Path: "/ws"}
	q := u.Query()
	q.Set("room", *roomVar)
	if *clientIDVar != "" {
		q.Set("clientId", *clientIDVar)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}
	defer conn.Close()

	c := &client{conn: conn, doc: automerge.New()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.readLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.incrementRandomlyContinuously(ctx)
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("signal caught", "sig", sig)
	cancel()
	_ = conn.Close()
	wg.Wait()
	return nil
}

type client struct {
	conn *websocket.Conn

	mu  sync.Mutex
	doc *automerge.Doc
}

func (c *client) readLoop(ctx context.Context) {
	for {
		var frame wsproto.ServerFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil {
				slog.Error("read failed", "err", err)
			}
			return
		}
		if frame.Type != "sync" || frame.Update == "" {
			continue
		}
		blob, err := base64.StdEncoding.DecodeString(frame.Update)
		if err != nil {
			slog.Error("failed to decode frame update", "err", err)
			continue
		}

		c.mu.Lock()
		incoming, err := automerge.Load(blob)
		if err != nil {
			c.mu.Unlock()
			slog.Error("failed to load incoming frame", "err", err)
			continue
		}
		changes, err := incoming.Changes()
		if err != nil {
			c.mu.Unlock()
			slog.Error("failed to read incoming changes", "err", err)
			continue
		}
		if err := c.doc.Apply(changes...); err != nil {
			c.mu.Unlock()
			slog.Error("failed to apply incoming changes", "err", err)
			continue
		}
		value, _ := c.doc.Path("counter").Counter().Get()
		heads := c.doc.Heads()
		c.mu.Unlock()

		slog.Info("converged", "action", frame.Action, "origin", frame.OriginInstance, "counter", value, "heads", heads)
	}
}

func (c *client) incrementRandomlyContinuously(ctx context.Context) {
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			if err := c.send(); err != nil {
				slog.Error("failed to send update", "err", err)
			}
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (c *client) send() error {
	c.mu.Lock()
	if err := c.doc.Path("counter").Counter().Inc(1); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("increment counter: %w", err)
	}
	if _, err := c.doc.Commit("increment", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("commit: %w", err)
	}
	state := c.doc.Save()
	value, _ := c.doc.Path("counter").Counter().Get()
	c.mu.Unlock()

	msg := wsproto.ClientMessage{Type: "update", Update: base64.StdEncoding.EncodeToString(state)}
	slog.Info("sending update", "counter", value)
	return c.conn.WriteJSON(msg)
}
