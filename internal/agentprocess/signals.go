package agentprocess

import (
	"os"
	"syscall"
)

func interruptSignal() os.Signal { return syscall.SIGINT }

func terminateSignal() os.Signal { return syscall.SIGTERM }
