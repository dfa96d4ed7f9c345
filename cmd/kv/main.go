// Command kv runs a single-node atomix server hosting the key/value
// StateMachine defined in statemachine.go, plus a client that runs one set
// and one get against it — a runnable version of the walkthrough in
// spec section 8, scenario S1.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	atomix "github.com/beedoor/atomix"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8470", "listen address for the kv service")
	logLevel := flag.String("log-level", "info", "debug, info, or warn")
	flag.Parse()

	logger := atomix.NewLogger(*logLevel)
	defer logger.Sync()

	self := atomix.Member{Id: "node-1", Host: "127.0.0.1", Port: mustPort(*addr), Role: atomix.RoleActive}
	view := atomix.ClusterView{Members: []atomix.Member{self}, Leader: &self.Id, Term: 1}

	log := atomix.NewInMemoryLog()
	registry := atomix.NewServiceRegistry()
	registry.Register("kv", NewStateMachineFactory())

	engine := atomix.NewApplyEngine(log, registry, logger)
	go engine.Run()
	defer engine.Stop()

	compactor := atomix.NewCompactor(engine, log, 10*time.Second, logger)
	ctx, cancelCompactor := context.WithCancel(context.Background())
	go compactor.Run(ctx)
	defer cancelCompactor()

	runtime := atomix.NewRuntimeServer(engine, log, func() atomix.ClusterView { return view }, logger)
	server, err := atomix.NewGRPCServer(*addr, runtime, logger)
	if err != nil {
		logger.Fatalw("failed to start grpc server", "error", err)
	}
	go func() {
		if err := server.Serve(); err != nil {
			logger.Errorw("grpc server stopped", "error", err)
		}
	}()
	defer server.Stop()

	transport, err := atomix.NewGRPCTransport(8, logger)
	if err != nil {
		logger.Fatalw("failed to build grpc transport", "error", err)
	}
	defer transport.Close()

	client := atomix.NewClientContext([]atomix.Member{self}, transport, logger,
		atomix.WithService("example", "kv"))

	runCtx, cancelRun := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelRun()
	if err := client.Open(runCtx); err != nil {
		logger.Fatalw("failed to open client session", "error", err)
	}
	defer client.Close(context.Background())

	if err := demo(runCtx, client, logger); err != nil {
		logger.Errorw("demo failed", "error", err)
	}

	<-atomix.TerminalSignalCh()
}

func demo(ctx context.Context, client *atomix.ClientContext, logger interface {
	Infow(string, ...any)
}) error {
	setPayload, err := json.Marshal(struct {
		Key   string `json:"key"`
		Value []byte `json:"value"`
	}{Key: "hello", Value: []byte("world")})
	if err != nil {
		return err
	}
	if _, err := client.Submit(ctx, "set", setPayload); err != nil {
		return err
	}

	getPayload, err := json.Marshal(struct {
		Key string `json:"key"`
	}{Key: "hello"})
	if err != nil {
		return err
	}
	value, err := client.Query(ctx, "get", getPayload)
	if err != nil {
		return err
	}
	logger.Infow("read back value", "key", "hello", "value", string(value))
	return nil
}

func mustPort(addr string) int {
	var host string
	var port int
	if _, err := fmt.Sscanf(addr, "%[^:]:%d", &host, &port); err != nil {
		return 8470
	}
	return port
}
