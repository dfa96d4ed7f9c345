package atomix

import (
	"os"
	"os/signal"
	"syscall"
)

// TerminalSignalCh returns a channel that receives a value on the signals
// that usually indicate the terminal of a process, for callers (cmd/kv's
// main, or any other host process) that want to trigger a graceful
// ApplyEngine/Compactor/GRPCServer shutdown from outside this package.
func TerminalSignalCh() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	return ch
}
