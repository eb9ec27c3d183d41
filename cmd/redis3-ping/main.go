// Command redis3-ping is a thin smoke-test CLI: it connects to a Redis
// server, runs the handshake, sends one PING, prints the reply, and
// exits. It exists to exercise Connection end-to-end against a real
// server, the same role a tiny cmd/ plays alongside a library elsewhere
// in the corpus (e.g. the syslog consumer's cmd/consumer).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/xenking/redis3"
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", "localhost:6379", "host:port of the Redis server")
	password := flag.String("password", "", "AUTH password, if required")
	connectTimeout := flag.Duration("connect-timeout", time.Second, "connect timeout")
	flag.Parse()

	cfg := redis.DefaultConfig()
	cfg.Addr = parseAddr(*addr)
	cfg.Password = *password
	cfg.ConnectTimeout = *connectTimeout

	conn := redis.New(cfg, redis.NewLogrusLogger(nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(ctx) }()

	req := redis.NewDefaultRequest()
	req.Push("PING")

	var reply string
	adapter := &redis.ScalarAdapter{Dest: &reply}

	execCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := conn.Exec(execCtx, req, adapter); err != nil {
		fmt.Fprintf(os.Stderr, "ping failed: %v\n", err)
		stop()
		<-runErr
		return 1
	}

	fmt.Println(reply)

	stop()
	<-runErr
	return 0
}

func parseAddr(s string) redis.Address {
	host, port := s, "6379"
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			host, port = s[:i], s[i+1:]
			break
		}
	}
	return redis.Address{Host: host, Port: port}
}
