package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/minio/cli"

	"github.com/Clouded-Sabre/Simple-TCP/config"
	"github.com/Clouded-Sabre/Simple-TCP/lib"
)

var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "config, c",
		Usage: "path to the YAML configuration file",
		Value: "config.yaml",
	},
	cli.IntFlag{
		Name:  "bind-port, b",
		Usage: "UDP port to bind, overrides bind_port (-1 keeps the configured one)",
		Value: -1,
	},
	cli.BoolFlag{
		Name:  "debug",
		Usage: "enable debug logging",
	},
}

var (
	Version = "1.0"
)

type App struct {
	*cli.App
}

func New() *App {
	app := cli.NewApp()
	app.Name = "simpletcp"
	app.Usage = "drive a connection over UDP through the TCP state machine"
	app.Description = `Opens one connection, either passively (listen) or actively (connect), holds it
for a while and closes it, logging every state transition.`
	app.Version = Version
	app.Flags = globalFlags
	app.Commands = []cli.Command{
		{
			Name:   "listen",
			Usage:  "accept one connection on a port and close it after the peer closes",
			Action: listen,
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "port, p",
					Usage: "connection port to accept on",
					Value: 80,
				},
			},
		},
		{
			Name:   "connect",
			Usage:  "connect to a listening peer, hold the connection and close it",
			Action: connect,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "remote, r",
					Usage: "UDP address of the peer's transport",
					Value: "127.0.0.1:7080",
				},
				cli.IntFlag{
					Name:  "port, p",
					Usage: "connection port the peer accepts on",
					Value: 80,
				},
				cli.IntFlag{
					Name:  "hold",
					Usage: "seconds to stay established before closing",
					Value: 3,
				},
				cli.IntFlag{
					Name:  "timeout, t",
					Usage: "seconds to wait for one handshake attempt",
					Value: 15,
				},
				cli.IntFlag{
					Name:  "retries",
					Usage: "handshake attempts after the first, -1 retries forever",
					Value: 0,
				},
			},
		},
	}

	return &App{
		app,
	}
}

func newCore(c *cli.Context) (*lib.Core, error) {
	path := c.GlobalString("config")

	coreConfig := lib.DefaultCoreConfig()
	if _, err := os.Stat(path); err == nil {
		if coreConfig, _, err = config.LoadConfig(path); err != nil {
			return nil, err
		}
	} else {
		fmt.Println(color.YellowString("No configuration at %s, using defaults.", path))
	}
	if port := c.GlobalInt("bind-port"); port >= 0 {
		coreConfig.BindPort = port
	}
	if c.GlobalBool("debug") {
		coreConfig.Debug = true
	}

	return lib.NewCore(coreConfig)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancelFn := context.WithCancel(context.Background())

	go func() {
		s := make(chan os.Signal, 1)
		signal.Notify(s, os.Interrupt, syscall.SIGTERM)

		select {
		case <-s:
			fmt.Println(color.YellowString("Aborting."))
			cancelFn()
		case <-ctx.Done():
		}
	}()

	return ctx, cancelFn
}

func listen(c *cli.Context) {
	core, err := newCore(c)
	if err != nil {
		fmt.Println(color.RedString("Could not start: %v", err))
		os.Exit(1)
	}
	defer core.Close()

	ctx, cancel := signalContext()
	defer cancel()

	port := c.Int("port")
	srv, err := core.Listen(port)
	if err != nil {
		fmt.Println(color.RedString("Listen error: %v", err))
		return
	}
	color.Green("Listening on %s, port %d.", core.LocalAddr(), port)

	conn, err := srv.Accept(ctx)
	if err != nil {
		fmt.Println(color.RedString("Accept error: %v", err))
		return
	}
	color.Green("Connection established: %s", conn)

	if err := conn.WaitForState(ctx, lib.CloseWait); err != nil {
		fmt.Println(color.RedString("Waiting for peer to close: %v", err))
		conn.Abort()
		return
	}
	color.Yellow("Peer closed, closing our side.")

	if err := conn.Close(); err != nil {
		fmt.Println(color.RedString("Close error: %v", err))
	}
	waitClosed(ctx, conn)
}

func connect(c *cli.Context) {
	core, err := newCore(c)
	if err != nil {
		fmt.Println(color.RedString("Could not start: %v", err))
		os.Exit(1)
	}
	defer core.Close()

	ctx, cancel := signalContext()
	defer cancel()

	redial := lib.DefaultRedialConfig()
	redial.MaxRetries = c.Int("retries")
	redial.AttemptTimeout = time.Duration(c.Int("timeout")) * time.Second

	conn, err := core.DialWithRetry(ctx, c.String("remote"), c.Int("port"), redial)
	if err != nil {
		fmt.Println(color.RedString("Connect error: %v", err))
		return
	}
	color.Green("Connection established: %s", conn)

	select {
	case <-time.After(time.Duration(c.Int("hold")) * time.Second):
	case <-ctx.Done():
		conn.Abort()
		return
	}

	if err := conn.Close(); err != nil {
		fmt.Println(color.RedString("Close error: %v", err))
	}
	waitClosed(ctx, conn)
}

// waitClosed blocks through TIME_WAIT until the connection is fully closed.
func waitClosed(ctx context.Context, conn *lib.Connection) {
	color.Yellow("Waiting for %s to close.", conn)
	if err := conn.WaitForState(ctx, lib.Closed); err != nil {
		fmt.Println(color.RedString("Wait error: %v", err))
		conn.Abort()
		return
	}
	color.Green("Connection closed.")
}
