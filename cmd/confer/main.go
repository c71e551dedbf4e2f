// Command confer is a line-oriented terminal client for a Confab server.
//
// Commands:
//
//	/login <user> <password>   authenticate
//	/logout                    log out and reconnect-ready
//	/createsession <name>      create a session and make it active
//	/joinsession <name>        join a session and make it active
//	/leavesession [name]       leave the active (or named) session
//	/switch <name>             change the active session
//	/list                      list users and sessions
//	/quit                      exit
//
// Any other input is sent as text to the active session.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/confab-io/confab/pkg/client"
	"github.com/confab-io/confab/pkg/logging"
	"github.com/confab-io/confab/pkg/version"
	"github.com/confab-io/confab/pkg/wire"
)

func main() {
	addr := flag.String("server", "127.0.0.1:9500", "Server address (host:port)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	logLevel := flag.String("log-level", "warn", "Log level: "+logging.LevelNames())
	flag.Parse()

	if *showVersion {
		fmt.Println("confer", version.Full())
		return
	}

	_ = logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: "text",
		Output: os.Stderr,
	})

	repl := &repl{addr: *addr, out: os.Stdout}
	repl.run(os.Stdin)
}

type repl struct {
	addr string
	out  *os.File
	conn *client.Conn
}

func (r *repl) run(in *os.File) {
	fmt.Fprintf(r.out, "confer %s, server %s\n", version.String(), r.addr)
	fmt.Fprintln(r.out, `type "/login <user> <password>" to begin, "/quit" to exit`)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			r.say(line)
			continue
		}

		fields := strings.Fields(line)
		cmd, args := fields[0], fields[1:]
		if cmd == "/quit" {
			if r.conn != nil {
				_ = r.conn.Logout()
			}
			return
		}
		r.dispatch(cmd, args)
	}
}

func (r *repl) dispatch(cmd string, args []string) {
	switch cmd {
	case "/login":
		if len(args) != 2 {
			r.errorf("usage: /login <user> <password>")
			return
		}
		r.login(args[0], args[1])

	case "/logout":
		if r.conn == nil {
			r.errorf("not logged in")
			return
		}
		_ = r.conn.Logout()
		r.conn = nil
		fmt.Fprintln(r.out, "logged out")

	case "/createsession":
		r.withSession(args, func(name string) error { return r.conn.Create(name) })

	case "/joinsession":
		r.withSession(args, func(name string) error { return r.conn.Join(name) })

	case "/leavesession":
		if r.conn == nil {
			r.errorf("not logged in")
			return
		}
		var err error
		if len(args) == 1 {
			err = r.conn.LeaveSession(args[0])
		} else {
			err = r.conn.Leave()
		}
		if err != nil {
			r.errorf("%v", err)
			return
		}
		fmt.Fprintln(r.out, "left session")

	case "/switch":
		r.withSession(args, func(name string) error { return r.conn.Switch(name) })

	case "/list":
		if r.conn == nil {
			r.errorf("not logged in")
			return
		}
		listing, err := r.conn.List()
		if err != nil {
			r.errorf("%v", err)
			return
		}
		fmt.Fprintln(r.out, listing)

	default:
		r.errorf("unknown command %s", cmd)
	}
}

func (r *repl) login(user, pass string) {
	if r.conn != nil {
		r.errorf("already logged in as %s", r.conn.Identity())
		return
	}

	conn, err := client.Dial(context.Background(), r.addr)
	if err != nil {
		r.errorf("%v", err)
		return
	}
	conn.SetEventHandler(r.onEvent)
	if err := conn.Login(user, pass); err != nil {
		_ = conn.Close()
		r.errorf("%v", err)
		return
	}
	r.conn = conn
	fmt.Fprintf(r.out, "logged in as %s\n", user)
}

// withSession runs a one-session-name command after the usual checks.
func (r *repl) withSession(args []string, fn func(name string) error) {
	if r.conn == nil {
		r.errorf("not logged in")
		return
	}
	if len(args) != 1 {
		r.errorf("expected exactly one session name")
		return
	}
	if err := fn(args[0]); err != nil {
		r.errorf("%v", err)
		return
	}
	fmt.Fprintf(r.out, "active session: %s\n", r.conn.Active())
}

// errorf reports a command error to the user.
func (r *repl) errorf(format string, args ...any) {
	fmt.Fprintf(r.out, "error: "+format+"\n", args...)
}

func (r *repl) say(text string) {
	if r.conn == nil {
		r.errorf("not logged in")
		return
	}
	if err := r.conn.Send(text); err != nil {
		r.errorf("%v", err)
	}
}

// onEvent renders server-pushed messages. It runs on the receive
// goroutine, interleaved with the prompt.
func (r *repl) onEvent(msg *wire.Message) {
	switch msg.Type {
	case wire.SessionMessage:
		fmt.Fprintf(r.out, "\n[%s] %s: %s\n> ", msg.SessionName(), msg.SourceName(), msg.Payload())
	default:
		fmt.Fprintf(r.out, "\n%s: %s\n> ", msg.Type, msg.Payload())
	}
}
